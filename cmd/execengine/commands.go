package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/esc4n0rx/simnations-backend-sub001/internal/config"
	"github.com/esc4n0rx/simnations-backend-sub001/internal/domain"
	"github.com/esc4n0rx/simnations-backend-sub001/internal/planner"
)

func newRunOnceCmd(opts *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "run-once",
		Short: "Run one due-check cycle and exit",
		Long: `run-once selects the records due now, claims them, executes them with
DISPATCHER_WORKERS concurrency and exits. Records claimed by another
process are skipped.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, logger.With(zap.String("mode", "run-once")))
			if err != nil {
				return err
			}
			defer a.Close()

			d, err := a.newDriver()
			if err != nil {
				return err
			}
			if limit <= 0 {
				limit = cfg.PollBatchSize
			}
			processed, err := d.RunDue(ctx, a.store, limit)
			fmt.Fprintf(cmd.OutOrStdout(), "processed %d records\n", processed)
			return err
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum records to process (default POLL_BATCH_SIZE)")
	return cmd
}

func newPlanCmd(opts *rootOptions) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "plan <file>",
		Short: "Insert the execution records of the project plans in a YAML file",
		Long: `plan reads project plans from a YAML file and inserts their payment,
effect and completion records. Record IDs are derived from the project,
so planning the same file twice inserts nothing new.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			plans, err := planner.LoadPlans(args[0])
			if err != nil {
				return invalidConfig(err)
			}

			pl := planner.New()
			planned := make([][]domain.ExecutionRecord, len(plans))
			for i, plan := range plans {
				recs, err := pl.Plan(plan)
				if err != nil {
					return invalidConfig(errors.Wrapf(err, "plan %d (project %s)", i+1, plan.ProjectID))
				}
				planned[i] = recs
			}

			out := cmd.OutOrStdout()
			if dryRun {
				printRecords(out, planned)
				return nil
			}

			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if cfg.StoreDriver == config.StoreDriverMemory {
				return invalidConfig(errors.New("plan needs a persistent store; use --dry-run or STORE_DRIVER=postgres"))
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, logger.With(zap.String("mode", "plan")))
			if err != nil {
				return err
			}
			defer a.Close()

			return insertPlanned(ctx, a.store, out, planned)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the planned records without inserting them")
	return cmd
}

type recordInserter interface {
	InsertRecords(ctx context.Context, recs []domain.ExecutionRecord) (int, error)
}

func insertPlanned(ctx context.Context, store recordInserter, out io.Writer, planned [][]domain.ExecutionRecord) error {
	for _, recs := range planned {
		if len(recs) == 0 {
			continue
		}
		inserted, err := store.InsertRecords(ctx, recs)
		if err != nil {
			return errors.Wrapf(err, "insert records for project %s", recs[0].ProjectID)
		}
		fmt.Fprintf(out, "project %s: %d records planned, %d inserted\n", recs[0].ProjectID, len(recs), inserted)
	}
	return nil
}

func printRecords(out io.Writer, planned [][]domain.ExecutionRecord) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPROJECT\tTYPE\tSCHEDULED FOR\tAMOUNT")
	for _, recs := range planned {
		for _, rec := range recs {
			amount := "-"
			if rec.Payment != nil {
				amount = rec.Payment.Amount.StringFixed(2)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
				rec.ID, rec.ProjectID, rec.Type, rec.ScheduledFor.UTC().Format(time.RFC3339), amount)
		}
	}
	_ = tw.Flush()
}

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if cfg.StoreDriver != config.StoreDriverPostgres {
				return invalidConfig(errors.New("migrate requires STORE_DRIVER=postgres"))
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, logger.With(zap.String("mode", "migrate")))
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.pg.Migrate(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}
