package worker

import (
	"context"
	"sync"
	"time"

	"github.com/arkfin/mt5-settlement/internal/domain"
	"github.com/arkfin/mt5-settlement/internal/observability"
	"github.com/arkfin/mt5-settlement/internal/service"
	"go.uber.org/zap"
)

// DispatchWorker recovers withdrawals whose ledger leg committed but whose
// payout never left PENDING, e.g. after a crash between debit and dispatch or
// a routing table with no eligible gateway at submit time.
type DispatchWorker struct {
	orch      *service.SettlementOrchestrator
	interval  time.Duration
	batchSize int32
	stopCh    chan struct{}
	stopOnce  sync.Once
}

func NewDispatchWorker(orch *service.SettlementOrchestrator) *DispatchWorker {
	return &DispatchWorker{
		orch:      orch,
		interval:  time.Minute,
		batchSize: 10,
		stopCh:    make(chan struct{}),
	}
}

// WithInterval updates the recovery loop interval.
func (w *DispatchWorker) WithInterval(interval time.Duration) *DispatchWorker {
	if interval > 0 {
		w.interval = interval
	}
	return w
}

// WithBatchSize caps the withdrawals dispatched per run.
func (w *DispatchWorker) WithBatchSize(size int32) *DispatchWorker {
	if size > 0 {
		w.batchSize = size
	}
	return w
}

// Start blocks and runs recovery at the configured interval.
func (w *DispatchWorker) Start(ctx context.Context) {
	zap.L().Info("dispatch recovery worker starting", zap.Duration("interval", w.interval))
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			zap.L().Info("dispatch recovery worker context canceled")
			return
		case <-w.stopCh:
			zap.L().Info("dispatch recovery worker stop signal received")
			return
		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

// Stop stops the running worker loop.
func (w *DispatchWorker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
}

// Run starts the worker in a goroutine and returns a stop function.
func (w *DispatchWorker) Run(ctx context.Context) func() {
	go w.Start(ctx)
	return w.Stop
}

// ProcessOnce dispatches one batch of stuck withdrawals immediately.
func (w *DispatchWorker) ProcessOnce(ctx context.Context) error {
	stuck, err := w.orch.ListByStatus(ctx, domain.StatusMT5Debited, w.batchSize, 0)
	if err != nil {
		return err
	}
	for _, wd := range stuck {
		if err := w.orch.Dispatch(ctx, wd.TransactionID); err != nil {
			zap.L().Warn("recovery dispatch failed",
				zap.String("transaction_id", wd.TransactionID.String()),
				zap.Error(err))
		}
	}
	return nil
}

func (w *DispatchWorker) runOnce(ctx context.Context) {
	if err := w.ProcessOnce(ctx); err != nil {
		observability.IncrementWorkerRun("dispatch_recovery", "failed")
		zap.L().Error("dispatch recovery run failed", zap.Error(err))
		return
	}
	observability.IncrementWorkerRun("dispatch_recovery", "success")
}
