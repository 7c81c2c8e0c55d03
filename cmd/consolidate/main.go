// Command consolidate runs one batch consolidation job for a tenant and
// prints the report. Use -dry-run to see what a sweep would do without
// writing merges or review items.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"cartograph-backend/application/consolidation"
	"cartograph-backend/domain/tenant"
	"cartograph-backend/internal/config"
	"cartograph-backend/internal/di"
	"cartograph-backend/internal/logging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "consolidate:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		tenantID   = flag.String("tenant", "", "tenant to consolidate (required)")
		dryRun     = flag.Bool("dry-run", false, "score and report without merging or queueing reviews")
		maxMerges  = flag.Int("max-merges", 0, "stop auto-merging after this many merges (0 = unlimited)")
		batchSize  = flag.Int("batch-size", 0, "entities per page (0 = configured default)")
		entityType = flag.String("entity-type", "", "restrict the sweep to one entity type")
		actor      = flag.String("actor", "consolidate-cli", "actor recorded on merge events")
	)
	flag.Parse()

	if *tenantID == "" {
		flag.Usage()
		return fmt.Errorf("-tenant is required")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	container, err := di.NewContainer(ctx, cfg, logger)
	if err != nil {
		logger.Error("wiring failed", zap.Error(err))
		return err
	}
	defer container.Close()

	ctx = tenant.WithActor(tenant.WithTenant(ctx, *tenantID), *actor)

	report, err := container.Batch.Run(ctx, consolidation.BatchOptions{
		EntityType: *entityType,
		BatchSize:  *batchSize,
		MaxMerges:  *maxMerges,
		DryRun:     *dryRun,
		Actor:      *actor,
	})
	if err != nil {
		logger.Error("batch consolidation failed",
			zap.String("tenant_id", *tenantID),
			zap.Error(err))
		return err
	}

	printReport(report)
	return nil
}

func printReport(report *consolidation.BatchReport) {
	mode := "applied"
	if report.DryRun {
		mode = "dry run"
	}
	fmt.Printf("job %s (%s)\n", report.JobID, mode)
	fmt.Printf("  entities processed: %d\n", report.EntitiesProcessed)
	fmt.Printf("  candidates found:   %d\n", report.CandidatesFound)
	fmt.Printf("  merges performed:   %d\n", report.MergesPerformed)
	fmt.Printf("  reviews queued:     %d\n", report.ReviewsQueued)
	fmt.Printf("  duration:           %s\n", report.Duration.Round(time.Millisecond))
	if len(report.Errors) > 0 {
		fmt.Printf("  errors (%d):\n", len(report.Errors))
		for _, msg := range report.Errors {
			fmt.Printf("    %s\n", msg)
		}
	}
}
