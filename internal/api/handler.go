// Package api serves the engine's read-only operational endpoints: health
// and execution record lookups.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/esc4n0rx/simnations-backend-sub001/internal/domain"
)

// Pagination defaults and limits.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

type Store interface {
	GetRecord(ctx context.Context, id uuid.UUID) (domain.ExecutionRecord, error)
	ListProjectRecords(ctx context.Context, projectID uuid.UUID) ([]domain.ExecutionRecord, error)
}

// HealthChecker provides database health status for the /health endpoint.
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// BacklogReporter reports how many claimed records wait for a worker.
type BacklogReporter interface {
	Len() int
}

// LeadershipReporter reports whether this instance holds the leader lock.
type LeadershipReporter interface {
	IsLeader() bool
}

type Handler struct {
	router  *chi.Mux
	store   Store
	db      HealthChecker      // optional
	backlog BacklogReporter    // optional
	leader  LeadershipReporter // optional
	logger  *zap.Logger
}

func NewHandler(store Store) *Handler {
	h := &Handler{
		router: chi.NewRouter(),
		store:  store,
		logger: zap.NewNop(),
	}

	h.router.Use(middleware.RequestID)
	h.router.Use(middleware.Recoverer)
	h.router.Use(h.loggingMiddleware)
	h.router.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	h.router.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	h.router.Get("/health", h.health)
	h.router.Get("/records/{id}", h.getRecord)
	h.router.Get("/projects/{id}/records", h.listProjectRecords)
	return h
}

// WithHealthChecker sets the database health checker for verbose /health responses.
func (h *Handler) WithHealthChecker(db HealthChecker) *Handler {
	h.db = db
	return h
}

func (h *Handler) WithBacklog(b BacklogReporter) *Handler {
	h.backlog = b
	return h
}

func (h *Handler) WithLeadership(l LeadershipReporter) *Handler {
	h.leader = l
	return h
}

func (h *Handler) WithLogger(l *zap.Logger) *Handler {
	if l != nil {
		h.logger = l
	}
	return h
}

// Handle mounts an extra handler, such as the metrics endpoint.
func (h *Handler) Handle(pattern string, handler http.Handler) {
	h.router.Handle(pattern, handler)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		h.logger.Debug("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// HealthResponse represents the /health endpoint response.
type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	verbose := r.URL.Query().Get("verbose") == "true"
	if !verbose {
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
		return
	}

	resp := HealthResponse{
		Status:     "ok",
		Components: make(map[string]string),
	}

	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		if err := h.db.PingContext(ctx); err != nil {
			resp.Status = "degraded"
			resp.Components["database"] = "unhealthy: " + err.Error()
		} else {
			resp.Components["database"] = "healthy"
		}
	}
	if h.backlog != nil {
		resp.Components["backlog"] = strconv.Itoa(h.backlog.Len())
	}
	if h.leader != nil {
		resp.Components["leader"] = strconv.FormatBool(h.leader.IsLeader())
	}

	statusCode := http.StatusOK
	if resp.Status == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, resp)
}

func (h *Handler) getRecord(w http.ResponseWriter, r *http.Request) {
	rawID := chi.URLParam(r, "id")
	id, err := uuid.Parse(rawID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid record id")
		return
	}

	rec, err := h.store.GetRecord(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "record not found")
			return
		}
		h.logger.Error("api: get record failed", zap.String("execution_id", rawID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to get record")
		return
	}

	writeJSON(w, http.StatusOK, toRecordResponse(rec))
}

func (h *Handler) listProjectRecords(w http.ResponseWriter, r *http.Request) {
	rawID := chi.URLParam(r, "id")
	projectID, err := uuid.Parse(rawID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid project id")
		return
	}

	limit, offset, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	recs, err := h.store.ListProjectRecords(r.Context(), projectID)
	if err != nil {
		h.logger.Error("api: list records failed", zap.String("project_id", rawID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list records")
		return
	}

	resp := ListRecordsResponse{Records: []RecordResponse{}, Total: len(recs)}
	if offset < len(recs) {
		end := min(offset+limit, len(recs))
		for _, rec := range recs[offset:end] {
			resp.Records = append(resp.Records, toRecordResponse(rec))
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// parsePagination extracts and validates limit/offset query parameters.
// Returns DefaultLimit if limit is not specified, and 0 for offset if not specified.
func parsePagination(r *http.Request) (limit, offset int, err error) {
	limit = DefaultLimit

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err = strconv.Atoi(limitStr)
		if err != nil {
			return 0, 0, errors.Newf("invalid limit %q", limitStr)
		}
		if limit < 0 {
			return 0, 0, errors.New("limit must not be negative")
		}
		if limit > MaxLimit {
			return 0, 0, errors.Newf("limit exceeds maximum of %d", MaxLimit)
		}
		if limit == 0 {
			limit = DefaultLimit
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		offset, err = strconv.Atoi(offsetStr)
		if err != nil {
			return 0, 0, errors.Newf("invalid offset %q", offsetStr)
		}
		if offset < 0 {
			return 0, 0, errors.New("offset must not be negative")
		}
	}

	return limit, offset, nil
}
