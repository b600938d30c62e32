// Package events provides the append-only market event trail and the
// transactional outbox. Both are written in the same transaction as the state
// transition they describe, so the trail never references a state that was
// rolled back.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Event types appended by the domain services.
const (
	TypeListingCreated   = "LISTING_CREATED"
	TypeListingCancelled = "LISTING_CANCELLED"
	TypePurchaseOpened   = "PURCHASE_OPENED"
	TypeEscrowReleased   = "ESCROW_RELEASED"
	TypeEscrowRefunded   = "ESCROW_REFUNDED"
)

// Outbox topics published for external consumers.
const (
	TopicListingCreated   = "listing.created"
	TopicListingCancelled = "listing.cancelled"
	TopicPurchaseOpened   = "purchase.opened"
	TopicEscrowReleased   = "escrow.released"
	TopicEscrowRefunded   = "escrow.refunded"
)

// Recorder appends market events and enqueues outbox messages inside the
// caller's transaction.
type Recorder struct{}

// NewRecorder creates a Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Append writes one immutable market event for the entity identified by key.
func (r *Recorder) Append(ctx context.Context, tx pgx.Tx, entityKey, eventType string, actor *string, payload map[string]any) error {
	if entityKey == "" {
		return fmt.Errorf("events: missing entity key")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("events: marshal payload: %w", err)
	}

	var actorID any
	if actor != nil {
		actorID = *actor
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO market_events (entity_key, type, actor, payload)
		VALUES ($1, $2, $3, $4)
	`, entityKey, eventType, actorID, body); err != nil {
		return fmt.Errorf("events: insert event: %w", err)
	}
	return nil
}

// Enqueue writes one outbox message for downstream delivery.
func (r *Recorder) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("events: marshal outbox payload: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO outbox (topic, payload) VALUES ($1, $2)
	`, topic, body); err != nil {
		return fmt.Errorf("events: insert outbox message: %w", err)
	}
	return nil
}
