package repository

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/arkfin/mt5-settlement/internal/domain"
	"github.com/arkfin/mt5-settlement/internal/models"
	"github.com/arkfin/mt5-settlement/internal/service"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// querier is the subset of pgx shared by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is the pgx implementation of service.Store.
type Store struct {
	pool *pgxpool.Pool
	q    querier
	inTx bool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, q: pool}
}

// EnsureSchema applies the embedded DDL. All statements are idempotent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.q.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// WithTx executes fn within a database transaction. Nested calls join the
// ambient transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx service.Store) error) error {
	if s.inTx {
		return fn(s)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&Store{pool: s.pool, q: tx, inTx: true}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

const withdrawalColumns = `transaction_id, customer_id, mt5_id, amount_paise, transfer_method,
	beneficiary, mt5_status, payout_status, payment_fail_count, pg_task,
	refund_transaction_id, mt5_snapshot, deleted, created_at, updated_at`

func (s *Store) CreateWithdrawal(ctx context.Context, w *models.WithdrawTransaction) error {
	beneficiary, err := json.Marshal(w.Beneficiary)
	if err != nil {
		return fmt.Errorf("encode beneficiary: %w", err)
	}
	query := `INSERT INTO withdraw_transactions
		(transaction_id, customer_id, mt5_id, amount_paise, transfer_method, beneficiary,
		 mt5_status, payout_status, payment_fail_count, pg_task)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at`
	err = s.q.QueryRow(ctx, query,
		w.TransactionID, w.CustomerID, w.MT5ID, w.AmountPaise, string(w.Method), beneficiary,
		w.MT5Status, w.PayoutStatus, w.PaymentFailCount, w.PGTask,
	).Scan(&w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create withdrawal: %w", err)
	}
	return nil
}

func (s *Store) scanWithdrawal(row pgx.Row) (*models.WithdrawTransaction, error) {
	var (
		w           models.WithdrawTransaction
		method      string
		beneficiary []byte
		snapshot    []byte
	)
	err := row.Scan(&w.TransactionID, &w.CustomerID, &w.MT5ID, &w.AmountPaise, &method,
		&beneficiary, &w.MT5Status, &w.PayoutStatus, &w.PaymentFailCount, &w.PGTask,
		&w.RefundTransactionID, &snapshot, &w.Deleted, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrWithdrawalNotFound
		}
		return nil, fmt.Errorf("failed to scan withdrawal: %w", err)
	}
	w.Method = domain.TransferMethod(method)
	if err := json.Unmarshal(beneficiary, &w.Beneficiary); err != nil {
		return nil, fmt.Errorf("decode beneficiary: %w", err)
	}
	if len(snapshot) > 0 {
		w.Ledger = &models.MT5Snapshot{}
		if err := json.Unmarshal(snapshot, w.Ledger); err != nil {
			return nil, fmt.Errorf("decode mt5 snapshot: %w", err)
		}
	}
	return &w, nil
}

func (s *Store) GetWithdrawal(ctx context.Context, id uuid.UUID) (*models.WithdrawTransaction, error) {
	query := `SELECT ` + withdrawalColumns + ` FROM withdraw_transactions WHERE transaction_id = $1 AND NOT deleted`
	return s.scanWithdrawal(s.q.QueryRow(ctx, query, id))
}

func (s *Store) GetWithdrawalForUpdate(ctx context.Context, id uuid.UUID) (*models.WithdrawTransaction, error) {
	query := `SELECT ` + withdrawalColumns + ` FROM withdraw_transactions WHERE transaction_id = $1 AND NOT deleted FOR UPDATE`
	return s.scanWithdrawal(s.q.QueryRow(ctx, query, id))
}

func (s *Store) UpdateWithdrawalStatuses(ctx context.Context, id uuid.UUID, mt5Status, payoutStatus string) error {
	query := `UPDATE withdraw_transactions
		SET mt5_status = $2, payout_status = $3, updated_at = NOW()
		WHERE transaction_id = $1 AND NOT deleted`
	tag, err := s.q.Exec(ctx, query, id, mt5Status, payoutStatus)
	if err != nil {
		return fmt.Errorf("failed to update withdrawal statuses: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrWithdrawalNotFound
	}
	return nil
}

func (s *Store) SetMT5Snapshot(ctx context.Context, id uuid.UUID, snap models.MT5Snapshot) error {
	encoded, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode mt5 snapshot: %w", err)
	}
	query := `UPDATE withdraw_transactions SET mt5_snapshot = $2, updated_at = NOW() WHERE transaction_id = $1`
	tag, err := s.q.Exec(ctx, query, id, encoded)
	if err != nil {
		return fmt.Errorf("failed to set mt5 snapshot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrWithdrawalNotFound
	}
	return nil
}

func (s *Store) IncrementFailCount(ctx context.Context, id uuid.UUID) (int32, error) {
	var count int32
	query := `UPDATE withdraw_transactions
		SET payment_fail_count = payment_fail_count + 1, updated_at = NOW()
		WHERE transaction_id = $1
		RETURNING payment_fail_count`
	if err := s.q.QueryRow(ctx, query, id).Scan(&count); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, models.ErrWithdrawalNotFound
		}
		return 0, fmt.Errorf("failed to increment fail count: %w", err)
	}
	return count, nil
}

func (s *Store) SetRefundTransaction(ctx context.Context, id, refundID uuid.UUID) error {
	// The IS NULL guard makes the refund link write-once at the database level.
	query := `UPDATE withdraw_transactions
		SET refund_transaction_id = $2, updated_at = NOW()
		WHERE transaction_id = $1 AND refund_transaction_id IS NULL`
	tag, err := s.q.Exec(ctx, query, id, refundID)
	if err != nil {
		return fmt.Errorf("failed to set refund transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("withdrawal %s missing or already refunded", id)
	}
	return nil
}

func (s *Store) ListWithdrawals(ctx context.Context, f service.WithdrawalFilter) ([]models.WithdrawTransaction, error) {
	var (
		where = []string{"NOT deleted"}
		args  []any
	)
	if len(f.MT5Statuses) > 0 {
		args = append(args, f.MT5Statuses)
		where = append(where, fmt.Sprintf("mt5_status = ANY($%d)", len(args)))
	}
	if len(f.PayoutStatuses) > 0 {
		args = append(args, f.PayoutStatuses)
		where = append(where, fmt.Sprintf("payout_status = ANY($%d)", len(args)))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, f.Offset)
	query := fmt.Sprintf(`SELECT %s FROM withdraw_transactions WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		withdrawalColumns, strings.Join(where, " AND "), len(args)-1, len(args))

	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list withdrawals: %w", err)
	}
	defer rows.Close()

	var out []models.WithdrawTransaction
	for rows.Next() {
		w, err := s.scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

const attemptColumns = `pg_order_id, transaction_id, pg_id, pg_service, payment_status,
	under_processing, payment_fail_count, utr_id, payment_order_id, api_error, created_at, updated_at`

func (s *Store) CreateAttempt(ctx context.Context, a *models.PgTransactionAttempt) error {
	query := `INSERT INTO pg_transaction_attempts
		(pg_order_id, transaction_id, pg_id, pg_service, payment_status, under_processing, payment_fail_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`
	err := s.q.QueryRow(ctx, query,
		a.PGOrderID, a.TransactionID, a.GatewayID, a.GatewayService,
		a.PaymentStatus, a.UnderProcessing, a.PaymentFailCount,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create attempt: %w", err)
	}
	return nil
}

func scanAttempt(row pgx.Row) (*models.PgTransactionAttempt, error) {
	var a models.PgTransactionAttempt
	err := row.Scan(&a.PGOrderID, &a.TransactionID, &a.GatewayID, &a.GatewayService,
		&a.PaymentStatus, &a.UnderProcessing, &a.PaymentFailCount,
		&a.UTR, &a.PaymentOrderID, &a.APIError, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrAttemptNotFound
		}
		return nil, fmt.Errorf("failed to scan attempt: %w", err)
	}
	return &a, nil
}

func (s *Store) GetAttempt(ctx context.Context, pgOrderID string) (*models.PgTransactionAttempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM pg_transaction_attempts WHERE pg_order_id = $1`
	return scanAttempt(s.q.QueryRow(ctx, query, pgOrderID))
}

func (s *Store) GetAttemptForUpdate(ctx context.Context, pgOrderID string) (*models.PgTransactionAttempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM pg_transaction_attempts WHERE pg_order_id = $1 FOR UPDATE`
	return scanAttempt(s.q.QueryRow(ctx, query, pgOrderID))
}

func (s *Store) GetProcessingAttempt(ctx context.Context, transactionID uuid.UUID) (*models.PgTransactionAttempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM pg_transaction_attempts
		WHERE transaction_id = $1 AND under_processing
		ORDER BY created_at DESC LIMIT 1`
	a, err := scanAttempt(s.q.QueryRow(ctx, query, transactionID))
	if errors.Is(err, models.ErrAttemptNotFound) {
		return nil, nil
	}
	return a, err
}

func (s *Store) UpdateAttempt(ctx context.Context, a *models.PgTransactionAttempt) error {
	query := `UPDATE pg_transaction_attempts
		SET payment_status = $2, under_processing = $3, utr_id = $4,
		    payment_order_id = $5, api_error = $6, updated_at = NOW()
		WHERE pg_order_id = $1
		RETURNING updated_at`
	err := s.q.QueryRow(ctx, query,
		a.PGOrderID, a.PaymentStatus, a.UnderProcessing, a.UTR, a.PaymentOrderID, a.APIError,
	).Scan(&a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ErrAttemptNotFound
		}
		return fmt.Errorf("failed to update attempt: %w", err)
	}
	return nil
}

func (s *Store) ListAttempts(ctx context.Context, transactionID uuid.UUID) ([]models.PgTransactionAttempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM pg_transaction_attempts
		WHERE transaction_id = $1 ORDER BY created_at DESC`
	rows, err := s.q.Query(ctx, query, transactionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	defer rows.Close()

	var out []models.PgTransactionAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (s *Store) ListStaleSettlingAttempts(ctx context.Context, updatedBefore time.Time, limit int32) ([]models.PgTransactionAttempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM pg_transaction_attempts
		WHERE under_processing AND updated_at < $1
		ORDER BY updated_at ASC LIMIT $2`
	rows, err := s.q.Query(ctx, query, updatedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale attempts: %w", err)
	}
	defer rows.Close()

	var out []models.PgTransactionAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (s *Store) ListActiveGatewayConfigs(ctx context.Context) ([]models.PaymentGatewayConfig, error) {
	query := `SELECT pg_id, pg_service, active, deleted, priority, base_url, client_id, client_secret, api_key,
			imps, imps_min, imps_max, neft, neft_min, neft_max, rtgs, rtgs_min, rtgs_max
		FROM payment_gateway
		WHERE active AND NOT deleted
		ORDER BY priority ASC, pg_id ASC`
	rows, err := s.q.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list gateway configs: %w", err)
	}
	defer rows.Close()

	var out []models.PaymentGatewayConfig
	for rows.Next() {
		var c models.PaymentGatewayConfig
		if err := rows.Scan(&c.ID, &c.Service, &c.Active, &c.Deleted, &c.Priority,
			&c.BaseURL, &c.ClientID, &c.ClientSecret, &c.APIKey,
			&c.IMPSEnabled, &c.IMPSMin, &c.IMPSMax,
			&c.NEFTEnabled, &c.NEFTMin, &c.NEFTMax,
			&c.RTGSEnabled, &c.RTGSMin, &c.RTGSMax); err != nil {
			return nil, fmt.Errorf("failed to scan gateway config: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) AppendSettlementEvent(ctx context.Context, ev *models.SettlementEvent) error {
	var metadata any
	if len(ev.Metadata) > 0 {
		metadata = ev.Metadata
	}
	query := `INSERT INTO settlement_events
		(transaction_id, pg_order_id, actor_id, action, prev_status, next_status, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at`
	err := s.q.QueryRow(ctx, query,
		ev.TransactionID, ev.PGOrderID, ev.ActorID, ev.Action, ev.PrevStatus, ev.NextStatus, metadata,
	).Scan(&ev.ID, &ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append settlement event: %w", err)
	}
	return nil
}

func (s *Store) ListSettlementEvents(ctx context.Context, transactionID uuid.UUID) ([]models.SettlementEvent, error) {
	query := `SELECT id, transaction_id, pg_order_id, actor_id, action, prev_status, next_status, metadata, created_at
		FROM settlement_events WHERE transaction_id = $1 ORDER BY id ASC`
	rows, err := s.q.Query(ctx, query, transactionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list settlement events: %w", err)
	}
	defer rows.Close()

	var out []models.SettlementEvent
	for rows.Next() {
		var ev models.SettlementEvent
		if err := rows.Scan(&ev.ID, &ev.TransactionID, &ev.PGOrderID, &ev.ActorID,
			&ev.Action, &ev.PrevStatus, &ev.NextStatus, &ev.Metadata, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan settlement event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
