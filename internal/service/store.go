package service

import (
	"context"
	"time"

	"github.com/arkfin/mt5-settlement/internal/models"
	"github.com/google/uuid"
)

// WithdrawalFilter narrows withdrawal listings by status axes.
type WithdrawalFilter struct {
	MT5Statuses    []string
	PayoutStatuses []string
	Limit          int32
	Offset         int32
}

// Store is the durable-state contract the settlement services require. The
// pgx implementation lives in internal/repository; tests use the in-memory
// fake from internal/testutil/memstore.
type Store interface {
	// WithTx runs fn inside a database transaction; every store call made
	// through the argument participates in it. ForUpdate reads inside the
	// transaction hold their row locks until commit, which is what serializes
	// concurrent transitions on one withdrawal.
	WithTx(ctx context.Context, fn func(tx Store) error) error

	CreateWithdrawal(ctx context.Context, w *models.WithdrawTransaction) error
	GetWithdrawal(ctx context.Context, id uuid.UUID) (*models.WithdrawTransaction, error)
	GetWithdrawalForUpdate(ctx context.Context, id uuid.UUID) (*models.WithdrawTransaction, error)
	UpdateWithdrawalStatuses(ctx context.Context, id uuid.UUID, mt5Status, payoutStatus string) error
	SetMT5Snapshot(ctx context.Context, id uuid.UUID, snap models.MT5Snapshot) error
	IncrementFailCount(ctx context.Context, id uuid.UUID) (int32, error)
	SetRefundTransaction(ctx context.Context, id, refundID uuid.UUID) error
	ListWithdrawals(ctx context.Context, f WithdrawalFilter) ([]models.WithdrawTransaction, error)

	CreateAttempt(ctx context.Context, a *models.PgTransactionAttempt) error
	GetAttempt(ctx context.Context, pgOrderID string) (*models.PgTransactionAttempt, error)
	GetAttemptForUpdate(ctx context.Context, pgOrderID string) (*models.PgTransactionAttempt, error)
	GetProcessingAttempt(ctx context.Context, transactionID uuid.UUID) (*models.PgTransactionAttempt, error)
	UpdateAttempt(ctx context.Context, a *models.PgTransactionAttempt) error
	ListAttempts(ctx context.Context, transactionID uuid.UUID) ([]models.PgTransactionAttempt, error)
	ListStaleSettlingAttempts(ctx context.Context, updatedBefore time.Time, limit int32) ([]models.PgTransactionAttempt, error)

	ListActiveGatewayConfigs(ctx context.Context) ([]models.PaymentGatewayConfig, error)

	AppendSettlementEvent(ctx context.Context, ev *models.SettlementEvent) error
	ListSettlementEvents(ctx context.Context, transactionID uuid.UUID) ([]models.SettlementEvent, error)
}
