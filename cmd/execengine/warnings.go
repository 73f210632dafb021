package main

import (
	"go.uber.org/zap"

	"github.com/esc4n0rx/simnations-backend-sub001/internal/config"
	"github.com/esc4n0rx/simnations-backend-sub001/internal/generation"
	"github.com/esc4n0rx/simnations-backend-sub001/internal/generation/heuristic"
	"github.com/esc4n0rx/simnations-backend-sub001/internal/generation/openaicompat"
)

// logConfigWarnings logs configurations that start but degrade correctness
// or visibility.
func logConfigWarnings(logger *zap.Logger, cfg config.Config) {
	if !cfg.ReconcileEnabled {
		logger.Warn("execengine: [P0] RECONCILE_ENABLED=false; records claimed by a crashed worker stay claimed until released manually")
	}
	if cfg.LedgerURL == "" {
		logger.Warn("execengine: [P0] LEDGER_URL not set; payment and completion records will fail")
	}
	if cfg.StoreDriver == config.StoreDriverMemory {
		logger.Warn("execengine: [P1] STORE_DRIVER=memory; records live only in this process")
	}
	if !cfg.MetricsEnabled {
		logger.Warn("execengine: [P1] METRICS_ENABLED=false; no visibility into attempts, retries or backlog")
	}

	openAIConfigured := cfg.OpenAIBaseURL != "" && (!cfg.OpenAIRequireAPIKey || cfg.OpenAIAPIKey != "")
	switch cfg.GenerationProvider {
	case openaicompat.Name:
		if !openAIConfigured {
			logger.Warn("execengine: [P0] GENERATION_PROVIDER=openai but OPENAI_BASE_URL (or OPENAI_API_KEY) is not set; effect records will fail")
		}
	case heuristic.Name:
		if !cfg.HeuristicEnabled {
			logger.Warn("execengine: [P0] GENERATION_PROVIDER=heuristic but HEURISTIC_ENABLED=false; effect records will fail")
		}
	case generation.Auto:
		if !openAIConfigured && !cfg.HeuristicEnabled {
			logger.Warn("execengine: [P0] no generation backend is configured; effect records will fail")
		}
	default:
		logger.Warn("execengine: [P0] unknown GENERATION_PROVIDER; effect records will fail",
			zap.String("provider", cfg.GenerationProvider))
	}

	if cfg.DispatcherWorkers > cfg.EventBusBufferSize {
		logger.Info("execengine: DISPATCHER_WORKERS exceeds EVENTBUS_BUFFER_SIZE; some workers will idle",
			zap.Int("workers", cfg.DispatcherWorkers), zap.Int("buffer", cfg.EventBusBufferSize))
	}
}
