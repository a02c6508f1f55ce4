package service

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/assettrack/scan-relay-go/internal/database"
	"github.com/assettrack/scan-relay-go/internal/sse"
)

// Transactor runs fn inside a database transaction. *database.DB
// satisfies it.
type Transactor interface {
	WithTx(ctx context.Context, fn database.TxFunc) error
}

var _ Transactor = (*database.DB)(nil)

// Clock returns the current time. Tests substitute a fixed clock.
type Clock func() time.Time

// publish pushes event to topic and only logs on failure: push delivery
// is best effort and the event log remains the source of truth.
func publish(ctx context.Context, publisher sse.Publisher, topic, eventType string, data any) {
	if publisher == nil {
		return
	}
	event, err := sse.NewEvent(eventType, data)
	if err != nil {
		log.Error().Err(err).Str("eventType", eventType).Msg("failed to encode push event")
		return
	}
	if err := publisher.Publish(ctx, topic, event); err != nil {
		log.Warn().Err(err).Str("topic", topic).Str("eventType", eventType).Msg("failed to publish push event")
	}
}
