package app

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-finassist-backend/internal/domain"
	"github.com/tbourn/go-finassist-backend/internal/outbox"
	"github.com/tbourn/go-finassist-backend/internal/queue"
)

// ProfileEventsQueue carries published profile outbox events.
const ProfileEventsQueue = "profile_events"

type enqueuer interface {
	Enqueue(ctx context.Context, name string, msg queue.Message) (string, error)
}

// relayedEvent is the message payload of a relayed outbox event.
type relayedEvent struct {
	OutboxID      string          `json:"outbox_id"`
	AggregateType string          `json:"aggregate_type"`
	Data          json.RawMessage `json:"data"`
}

// relayTo publishes outbox events onto a queue, partitioned by aggregate so
// events of one account stay ordered.
func relayTo(q enqueuer, name string) outbox.Handler {
	return func(ctx context.Context, e domain.OutboxEvent) error {
		payload := json.RawMessage(e.Payload)
		if !json.Valid(payload) {
			return fmt.Errorf("event %s: payload is not json", e.ID)
		}
		msg, err := queue.NewMessage(e.AggregateID, e.EventType, relayedEvent{
			OutboxID:      e.ID,
			AggregateType: e.AggregateType,
			Data:          payload,
		})
		if err != nil {
			return err
		}
		_, err = q.Enqueue(ctx, name, msg)
		return err
	}
}

// handleProfileEvent records profile changes in the service log.
func handleProfileEvent(_ context.Context, msg *queue.Message) error {
	var ev relayedEvent
	if err := msg.Decode(&ev); err != nil {
		return fmt.Errorf("decode %s: %w", msg.Type, err)
	}
	var fields map[string]any
	if err := json.Unmarshal(ev.Data, &fields); err != nil {
		return fmt.Errorf("decode %s data: %w", msg.Type, err)
	}
	log.Info().
		Str("event", msg.Type).
		Str("account", msg.PartitionKey).
		Str("outbox_id", ev.OutboxID).
		Interface("fields", fields).
		Msg("profile event")
	return nil
}
