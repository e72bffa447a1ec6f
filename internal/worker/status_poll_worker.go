package worker

import (
	"context"
	"sync"
	"time"

	"github.com/arkfin/mt5-settlement/internal/observability"
	"github.com/arkfin/mt5-settlement/internal/service"
	"go.uber.org/zap"
)

// StatusPollWorker resolves attempts whose webhook never arrived. Any attempt
// still under_processing past the settlement SLA gets an active status query
// against its vendor, and the answer flows through the same reconciliation
// path a webhook would take.
type StatusPollWorker struct {
	store     service.Store
	recon     *service.ReconciliationService
	interval  time.Duration
	settleSLA time.Duration
	batchSize int32
	stopCh    chan struct{}
	stopOnce  sync.Once
}

func NewStatusPollWorker(store service.Store, recon *service.ReconciliationService) *StatusPollWorker {
	return &StatusPollWorker{
		store:     store,
		recon:     recon,
		interval:  30 * time.Second,
		settleSLA: 2 * time.Minute,
		batchSize: 20,
		stopCh:    make(chan struct{}),
	}
}

// WithInterval updates the poll loop interval.
func (w *StatusPollWorker) WithInterval(interval time.Duration) *StatusPollWorker {
	if interval > 0 {
		w.interval = interval
	}
	return w
}

// WithSettleSLA sets how long an attempt may sit unchanged before it is
// actively polled.
func (w *StatusPollWorker) WithSettleSLA(sla time.Duration) *StatusPollWorker {
	if sla > 0 {
		w.settleSLA = sla
	}
	return w
}

// WithBatchSize caps the attempts polled per run.
func (w *StatusPollWorker) WithBatchSize(size int32) *StatusPollWorker {
	if size > 0 {
		w.batchSize = size
	}
	return w
}

// Start blocks and polls at the configured interval.
func (w *StatusPollWorker) Start(ctx context.Context) {
	zap.L().Info("status poll worker starting",
		zap.Duration("interval", w.interval),
		zap.Duration("settle_sla", w.settleSLA))
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			zap.L().Info("status poll worker context canceled")
			return
		case <-w.stopCh:
			zap.L().Info("status poll worker stop signal received")
			return
		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

// Stop stops the running worker loop.
func (w *StatusPollWorker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
}

// Run starts the worker in a goroutine and returns a stop function.
func (w *StatusPollWorker) Run(ctx context.Context) func() {
	go w.Start(ctx)
	return w.Stop
}

// ProcessOnce runs one poll round immediately.
func (w *StatusPollWorker) ProcessOnce(ctx context.Context) error {
	attempts, err := w.store.ListStaleSettlingAttempts(ctx, time.Now().Add(-w.settleSLA), w.batchSize)
	if err != nil {
		return err
	}
	for _, att := range attempts {
		if err := w.recon.PollAttempt(ctx, att); err != nil {
			// Conflicts and vendor outages are per-attempt problems; the rest
			// of the batch still runs.
			zap.L().Warn("status poll failed for attempt",
				zap.String("pg_order_id", att.PGOrderID),
				zap.String("gateway", att.GatewayService),
				zap.Error(err))
		}
	}
	return nil
}

func (w *StatusPollWorker) runOnce(ctx context.Context) {
	if err := w.ProcessOnce(ctx); err != nil {
		observability.IncrementWorkerRun("status_poll", "failed")
		zap.L().Error("status poll run failed", zap.Error(err))
		return
	}
	observability.IncrementWorkerRun("status_poll", "success")
}
