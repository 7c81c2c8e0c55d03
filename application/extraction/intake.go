package extraction

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"cartograph-backend/application/ports"
	extdomain "cartograph-backend/domain/extraction"
	"cartograph-backend/domain/tenant"
)

// IntakeConfig tunes the intake loop.
type IntakeConfig struct {
	PollInterval time.Duration
	BatchSize    int
	Workers      int
}

// Intake sweeps due pending pages into the pipeline. Claims are atomic in
// the page store, so any number of daemon replicas can sweep concurrently
// without extracting the same page twice.
type Intake struct {
	pages    ports.PageRepository
	pipeline *Pipeline
	config   IntakeConfig
	logger   *zap.Logger
	worker   string
	wake     chan struct{}
}

func NewIntake(pages ports.PageRepository, pipeline *Pipeline, config IntakeConfig, logger *zap.Logger) *Intake {
	if config.PollInterval <= 0 {
		config.PollInterval = 5 * time.Second
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 20
	}
	if config.Workers <= 0 {
		config.Workers = 4
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "intake"
	}
	return &Intake{
		pages:    pages,
		pipeline: pipeline,
		config:   config,
		logger:   logger.Named("intake"),
		worker:   fmt.Sprintf("%s-%d", host, os.Getpid()),
		wake:     make(chan struct{}, 1),
	}
}

// Wake nudges the loop to sweep immediately, typically right after a page
// lands. Safe from any goroutine; coalesces when the loop is busy.
func (i *Intake) Wake() {
	select {
	case i.wake <- struct{}{}:
	default:
	}
}

// Run claims and extracts until ctx is cancelled.
func (i *Intake) Run(ctx context.Context) error {
	ticker := time.NewTicker(i.config.PollInterval)
	defer ticker.Stop()

	i.logger.Info("extraction intake started",
		zap.Int("batch_size", i.config.BatchSize),
		zap.Int("workers", i.config.Workers),
		zap.Duration("poll_interval", i.config.PollInterval))

	for {
		i.sweep(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-i.wake:
		}
	}
}

// sweep drains the claimable backlog. Pages of one batch extract
// concurrently up to the worker cap; a failing page never stops the sweep,
// its outcome is already recorded on the extraction process.
func (i *Intake) sweep(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		pages, err := i.pages.ClaimPending(ctx, i.config.BatchSize)
		if err != nil {
			if ctx.Err() == nil {
				i.logger.Warn("page claim failed", zap.Error(err))
			}
			return
		}
		if len(pages) == 0 {
			return
		}

		g := new(errgroup.Group)
		g.SetLimit(i.config.Workers)
		for _, page := range pages {
			g.Go(func() error {
				i.extract(ctx, page)
				return nil
			})
		}
		_ = g.Wait()

		if len(pages) < i.config.BatchSize {
			return
		}
	}
}

func (i *Intake) extract(ctx context.Context, page *extdomain.Page) {
	tctx := tenant.WithActor(tenant.WithTenant(ctx, page.TenantID), i.worker)
	if err := i.pipeline.ExtractPage(tctx, page.TenantID, page.ID, i.worker); err != nil && ctx.Err() == nil {
		// The pipeline already logged and persisted the failure.
		i.logger.Debug("extraction attempt failed",
			zap.String("tenant_id", page.TenantID),
			zap.String("page_id", page.ID),
			zap.Error(err))
	}
}
