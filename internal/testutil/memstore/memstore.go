// Package memstore is an in-memory service.Store for tests. A single mutex
// plays the role of the per-row locks: WithTx holds it for the whole
// callback, and a snapshot taken at entry restores the maps when the
// callback fails, mirroring a rolled-back database transaction.
package memstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/arkfin/mt5-settlement/internal/models"
	"github.com/arkfin/mt5-settlement/internal/service"
	"github.com/google/uuid"
)

type state struct {
	withdrawals     map[uuid.UUID]models.WithdrawTransaction
	withdrawalOrder []uuid.UUID
	attempts        map[string]models.PgTransactionAttempt
	attemptOrder    []string
	configs         []models.PaymentGatewayConfig
	events          []models.SettlementEvent
	nextEventID     int64
}

func newState() *state {
	return &state{
		withdrawals: make(map[uuid.UUID]models.WithdrawTransaction),
		attempts:    make(map[string]models.PgTransactionAttempt),
		nextEventID: 1,
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.withdrawals {
		c.withdrawals[k] = v
	}
	c.withdrawalOrder = append([]uuid.UUID(nil), s.withdrawalOrder...)
	for k, v := range s.attempts {
		c.attempts[k] = v
	}
	c.attemptOrder = append([]string(nil), s.attemptOrder...)
	c.configs = append([]models.PaymentGatewayConfig(nil), s.configs...)
	c.events = append([]models.SettlementEvent(nil), s.events...)
	c.nextEventID = s.nextEventID
	return c
}

// Store implements service.Store in memory.
type Store struct {
	mu   sync.Mutex
	data *state
}

func New() *Store {
	return &Store{data: newState()}
}

// SeedGatewayConfigs installs the routing table used by the registry.
func (s *Store) SeedGatewayConfigs(cfgs ...models.PaymentGatewayConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.configs = append(s.data.configs, cfgs...)
}

// WithTx serializes the callback under the store mutex and rolls the state
// back when it returns an error.
func (s *Store) WithTx(ctx context.Context, fn func(tx service.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := s.data.clone()
	if err := fn(&txStore{st: s.data}); err != nil {
		s.data = snapshot
		return err
	}
	return nil
}

func (s *Store) CreateWithdrawal(ctx context.Context, w *models.WithdrawTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.createWithdrawal(w)
}

func (s *Store) GetWithdrawal(ctx context.Context, id uuid.UUID) (*models.WithdrawTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.getWithdrawal(id)
}

func (s *Store) GetWithdrawalForUpdate(ctx context.Context, id uuid.UUID) (*models.WithdrawTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.getWithdrawal(id)
}

func (s *Store) UpdateWithdrawalStatuses(ctx context.Context, id uuid.UUID, mt5Status, payoutStatus string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.updateWithdrawalStatuses(id, mt5Status, payoutStatus)
}

func (s *Store) SetMT5Snapshot(ctx context.Context, id uuid.UUID, snap models.MT5Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.setMT5Snapshot(id, snap)
}

func (s *Store) IncrementFailCount(ctx context.Context, id uuid.UUID) (int32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.incrementFailCount(id)
}

func (s *Store) SetRefundTransaction(ctx context.Context, id, refundID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.setRefundTransaction(id, refundID)
}

func (s *Store) ListWithdrawals(ctx context.Context, f service.WithdrawalFilter) ([]models.WithdrawTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.listWithdrawals(f)
}

func (s *Store) CreateAttempt(ctx context.Context, a *models.PgTransactionAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.createAttempt(a)
}

func (s *Store) GetAttempt(ctx context.Context, pgOrderID string) (*models.PgTransactionAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.getAttempt(pgOrderID)
}

func (s *Store) GetAttemptForUpdate(ctx context.Context, pgOrderID string) (*models.PgTransactionAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.getAttempt(pgOrderID)
}

func (s *Store) GetProcessingAttempt(ctx context.Context, transactionID uuid.UUID) (*models.PgTransactionAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.getProcessingAttempt(transactionID)
}

func (s *Store) UpdateAttempt(ctx context.Context, a *models.PgTransactionAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.updateAttempt(a)
}

func (s *Store) ListAttempts(ctx context.Context, transactionID uuid.UUID) ([]models.PgTransactionAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.listAttempts(transactionID)
}

func (s *Store) ListStaleSettlingAttempts(ctx context.Context, updatedBefore time.Time, limit int32) ([]models.PgTransactionAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.listStaleSettlingAttempts(updatedBefore, limit)
}

func (s *Store) ListActiveGatewayConfigs(ctx context.Context) ([]models.PaymentGatewayConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.listActiveGatewayConfigs()
}

func (s *Store) AppendSettlementEvent(ctx context.Context, ev *models.SettlementEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.appendSettlementEvent(ev)
}

func (s *Store) ListSettlementEvents(ctx context.Context, transactionID uuid.UUID) ([]models.SettlementEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.listSettlementEvents(transactionID)
}

// txStore is the handle passed into WithTx callbacks. The outer call already
// holds the mutex, so its methods touch state directly; a nested WithTx joins
// the ambient transaction.
type txStore struct {
	st *state
}

func (t *txStore) WithTx(ctx context.Context, fn func(tx service.Store) error) error {
	return fn(t)
}

func (t *txStore) CreateWithdrawal(ctx context.Context, w *models.WithdrawTransaction) error {
	return t.st.createWithdrawal(w)
}

func (t *txStore) GetWithdrawal(ctx context.Context, id uuid.UUID) (*models.WithdrawTransaction, error) {
	return t.st.getWithdrawal(id)
}

func (t *txStore) GetWithdrawalForUpdate(ctx context.Context, id uuid.UUID) (*models.WithdrawTransaction, error) {
	return t.st.getWithdrawal(id)
}

func (t *txStore) UpdateWithdrawalStatuses(ctx context.Context, id uuid.UUID, mt5Status, payoutStatus string) error {
	return t.st.updateWithdrawalStatuses(id, mt5Status, payoutStatus)
}

func (t *txStore) SetMT5Snapshot(ctx context.Context, id uuid.UUID, snap models.MT5Snapshot) error {
	return t.st.setMT5Snapshot(id, snap)
}

func (t *txStore) IncrementFailCount(ctx context.Context, id uuid.UUID) (int32, error) {
	return t.st.incrementFailCount(id)
}

func (t *txStore) SetRefundTransaction(ctx context.Context, id, refundID uuid.UUID) error {
	return t.st.setRefundTransaction(id, refundID)
}

func (t *txStore) ListWithdrawals(ctx context.Context, f service.WithdrawalFilter) ([]models.WithdrawTransaction, error) {
	return t.st.listWithdrawals(f)
}

func (t *txStore) CreateAttempt(ctx context.Context, a *models.PgTransactionAttempt) error {
	return t.st.createAttempt(a)
}

func (t *txStore) GetAttempt(ctx context.Context, pgOrderID string) (*models.PgTransactionAttempt, error) {
	return t.st.getAttempt(pgOrderID)
}

func (t *txStore) GetAttemptForUpdate(ctx context.Context, pgOrderID string) (*models.PgTransactionAttempt, error) {
	return t.st.getAttempt(pgOrderID)
}

func (t *txStore) GetProcessingAttempt(ctx context.Context, transactionID uuid.UUID) (*models.PgTransactionAttempt, error) {
	return t.st.getProcessingAttempt(transactionID)
}

func (t *txStore) UpdateAttempt(ctx context.Context, a *models.PgTransactionAttempt) error {
	return t.st.updateAttempt(a)
}

func (t *txStore) ListAttempts(ctx context.Context, transactionID uuid.UUID) ([]models.PgTransactionAttempt, error) {
	return t.st.listAttempts(transactionID)
}

func (t *txStore) ListStaleSettlingAttempts(ctx context.Context, updatedBefore time.Time, limit int32) ([]models.PgTransactionAttempt, error) {
	return t.st.listStaleSettlingAttempts(updatedBefore, limit)
}

func (t *txStore) ListActiveGatewayConfigs(ctx context.Context) ([]models.PaymentGatewayConfig, error) {
	return t.st.listActiveGatewayConfigs()
}

func (t *txStore) AppendSettlementEvent(ctx context.Context, ev *models.SettlementEvent) error {
	return t.st.appendSettlementEvent(ev)
}

func (t *txStore) ListSettlementEvents(ctx context.Context, transactionID uuid.UUID) ([]models.SettlementEvent, error) {
	return t.st.listSettlementEvents(transactionID)
}

func (s *state) createWithdrawal(w *models.WithdrawTransaction) error {
	if _, ok := s.withdrawals[w.TransactionID]; ok {
		return fmt.Errorf("withdrawal %s already exists", w.TransactionID)
	}
	now := time.Now()
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	w.UpdatedAt = now
	s.withdrawals[w.TransactionID] = *w
	s.withdrawalOrder = append(s.withdrawalOrder, w.TransactionID)
	return nil
}

func (s *state) getWithdrawal(id uuid.UUID) (*models.WithdrawTransaction, error) {
	w, ok := s.withdrawals[id]
	if !ok {
		return nil, models.ErrWithdrawalNotFound
	}
	return &w, nil
}

func (s *state) updateWithdrawalStatuses(id uuid.UUID, mt5Status, payoutStatus string) error {
	w, ok := s.withdrawals[id]
	if !ok {
		return models.ErrWithdrawalNotFound
	}
	w.MT5Status = mt5Status
	w.PayoutStatus = payoutStatus
	w.UpdatedAt = time.Now()
	s.withdrawals[id] = w
	return nil
}

func (s *state) setMT5Snapshot(id uuid.UUID, snap models.MT5Snapshot) error {
	w, ok := s.withdrawals[id]
	if !ok {
		return models.ErrWithdrawalNotFound
	}
	w.Ledger = &snap
	w.UpdatedAt = time.Now()
	s.withdrawals[id] = w
	return nil
}

func (s *state) incrementFailCount(id uuid.UUID) (int32, error) {
	w, ok := s.withdrawals[id]
	if !ok {
		return 0, models.ErrWithdrawalNotFound
	}
	w.PaymentFailCount++
	w.UpdatedAt = time.Now()
	s.withdrawals[id] = w
	return w.PaymentFailCount, nil
}

func (s *state) setRefundTransaction(id, refundID uuid.UUID) error {
	w, ok := s.withdrawals[id]
	if !ok {
		return models.ErrWithdrawalNotFound
	}
	if w.RefundTransactionID != nil {
		return fmt.Errorf("withdrawal %s already has a refund transaction", id)
	}
	w.RefundTransactionID = &refundID
	w.UpdatedAt = time.Now()
	s.withdrawals[id] = w
	return nil
}

func (s *state) listWithdrawals(f service.WithdrawalFilter) ([]models.WithdrawTransaction, error) {
	var out []models.WithdrawTransaction
	var skipped int32
	for _, id := range s.withdrawalOrder {
		w := s.withdrawals[id]
		if w.Deleted {
			continue
		}
		if len(f.MT5Statuses) > 0 && !contains(f.MT5Statuses, w.MT5Status) {
			continue
		}
		if len(f.PayoutStatuses) > 0 && !contains(f.PayoutStatuses, w.PayoutStatus) {
			continue
		}
		if skipped < f.Offset {
			skipped++
			continue
		}
		out = append(out, w)
		if f.Limit > 0 && int32(len(out)) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (s *state) createAttempt(a *models.PgTransactionAttempt) error {
	if _, ok := s.attempts[a.PGOrderID]; ok {
		return fmt.Errorf("attempt %s already exists", a.PGOrderID)
	}
	now := time.Now()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	s.attempts[a.PGOrderID] = *a
	s.attemptOrder = append(s.attemptOrder, a.PGOrderID)
	return nil
}

func (s *state) getAttempt(pgOrderID string) (*models.PgTransactionAttempt, error) {
	a, ok := s.attempts[pgOrderID]
	if !ok {
		return nil, models.ErrAttemptNotFound
	}
	return &a, nil
}

func (s *state) getProcessingAttempt(transactionID uuid.UUID) (*models.PgTransactionAttempt, error) {
	for i := len(s.attemptOrder) - 1; i >= 0; i-- {
		a := s.attempts[s.attemptOrder[i]]
		if a.TransactionID == transactionID && a.UnderProcessing {
			return &a, nil
		}
	}
	return nil, nil
}

func (s *state) updateAttempt(a *models.PgTransactionAttempt) error {
	if _, ok := s.attempts[a.PGOrderID]; !ok {
		return models.ErrAttemptNotFound
	}
	a.UpdatedAt = time.Now()
	s.attempts[a.PGOrderID] = *a
	return nil
}

func (s *state) listAttempts(transactionID uuid.UUID) ([]models.PgTransactionAttempt, error) {
	var out []models.PgTransactionAttempt
	for i := len(s.attemptOrder) - 1; i >= 0; i-- {
		a := s.attempts[s.attemptOrder[i]]
		if a.TransactionID == transactionID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *state) listStaleSettlingAttempts(updatedBefore time.Time, limit int32) ([]models.PgTransactionAttempt, error) {
	var out []models.PgTransactionAttempt
	for _, id := range s.attemptOrder {
		a := s.attempts[id]
		if !a.UnderProcessing || !a.UpdatedAt.Before(updatedBefore) {
			continue
		}
		out = append(out, a)
		if limit > 0 && int32(len(out)) >= limit {
			break
		}
	}
	return out, nil
}

func (s *state) listActiveGatewayConfigs() ([]models.PaymentGatewayConfig, error) {
	var out []models.PaymentGatewayConfig
	for _, c := range s.configs {
		if c.Active && !c.Deleted {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *state) appendSettlementEvent(ev *models.SettlementEvent) error {
	ev.ID = s.nextEventID
	s.nextEventID++
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	s.events = append(s.events, *ev)
	return nil
}

func (s *state) listSettlementEvents(transactionID uuid.UUID) ([]models.SettlementEvent, error) {
	var out []models.SettlementEvent
	for _, ev := range s.events {
		if ev.TransactionID == transactionID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
