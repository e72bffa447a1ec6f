package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/arkfin/mt5-settlement/internal/models"
	"github.com/google/uuid"
)

// EventRecorder appends settlement history rows. Writes happen through the
// transactional store handle so the event commits or rolls back with the
// state change it records; this replaces the trigger-based shadow tables of
// the original schema.
type EventRecorder struct{}

func NewEventRecorder() *EventRecorder {
	return &EventRecorder{}
}

// Record stores one settlement event.
func (r *EventRecorder) Record(ctx context.Context, tx Store, transactionID uuid.UUID, pgOrderID *string, actorID *uuid.UUID, action, prevStatus, nextStatus string, metadata []byte) error {
	if err := tx.AppendSettlementEvent(ctx, &models.SettlementEvent{
		TransactionID: transactionID,
		PGOrderID:     pgOrderID,
		ActorID:       actorID,
		Action:        action,
		PrevStatus:    prevStatus,
		NextStatus:    nextStatus,
		Metadata:      metadata,
	}); err != nil {
		return fmt.Errorf("append settlement event: %w", err)
	}
	return nil
}

func reasonMetadata(reason string) []byte {
	b, _ := json.Marshal(map[string]string{"reason": reason})
	return b
}
