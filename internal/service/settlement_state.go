package service

import (
	"context"
	"fmt"

	"github.com/arkfin/mt5-settlement/internal/domain"
	"github.com/arkfin/mt5-settlement/internal/models"
)

var mt5Transitions = map[string]map[string]struct{}{
	domain.MT5StatusPending: {
		domain.MT5StatusDebited: {},
		domain.MT5StatusFailed:  {},
	},
	domain.MT5StatusDebited: {
		domain.MT5StatusRefunded: {},
	},
	domain.MT5StatusFailed:   {},
	domain.MT5StatusRefunded: {},
}

var payoutTransitions = map[string]map[string]struct{}{
	domain.PayoutStatusPending: {
		domain.PayoutStatusDispatched: {},
	},
	domain.PayoutStatusDispatched: {
		domain.PayoutStatusSettling:        {},
		domain.PayoutStatusSuccess:         {},
		domain.PayoutStatusFailedRetryable: {},
		domain.PayoutStatusFailedTerminal:  {},
	},
	domain.PayoutStatusSettling: {
		domain.PayoutStatusSuccess:         {},
		domain.PayoutStatusFailedRetryable: {},
		domain.PayoutStatusFailedTerminal:  {},
	},
	domain.PayoutStatusFailedRetryable: {
		domain.PayoutStatusDispatched:     {},
		domain.PayoutStatusSuccess:        {}, // late success surfaced by poll or manual resolution
		domain.PayoutStatusFailedTerminal: {},
	},
	domain.PayoutStatusFailedTerminal: {
		domain.PayoutStatusSuccess: {}, // operator-verified settlement of a conflicted terminal record
	},
	domain.PayoutStatusSuccess: {},
}

func canTransition(table map[string]map[string]struct{}, current, next string) bool {
	if current == next {
		return true
	}
	allowed, ok := table[current]
	if !ok {
		return false
	}
	_, ok = allowed[next]
	return ok
}

// advancePayout validates and writes a payout-axis move for a withdrawal
// whose row lock the caller already holds.
func advancePayout(ctx context.Context, tx Store, w *models.WithdrawTransaction, next string) error {
	if err := validateTransition(w.MT5Status, w.PayoutStatus, w.MT5Status, next); err != nil {
		return err
	}
	if err := tx.UpdateWithdrawalStatuses(ctx, w.TransactionID, w.MT5Status, next); err != nil {
		return err
	}
	w.PayoutStatus = next
	return nil
}

// validateTransition checks both axes of a withdrawal move at once. Terminal
// derived states (settled, refunded) admit no further movement on either
// axis.
func validateTransition(curMT5, curPayout, nextMT5, nextPayout string) error {
	if domain.IsTerminalStatus(domain.DeriveStatus(curMT5, curPayout)) &&
		(curMT5 != nextMT5 || curPayout != nextPayout) {
		return fmt.Errorf("withdrawal is terminal (%s): no further transitions", domain.DeriveStatus(curMT5, curPayout))
	}
	if !canTransition(mt5Transitions, curMT5, nextMT5) {
		return fmt.Errorf("invalid mt5 transition: %s -> %s", curMT5, nextMT5)
	}
	if !canTransition(payoutTransitions, curPayout, nextPayout) {
		return fmt.Errorf("invalid payout transition: %s -> %s", curPayout, nextPayout)
	}
	return nil
}
