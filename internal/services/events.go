package services

import (
	"context"
	"time"

	"github.com/sgwear/storefront/internal/platform/events"
)

// publishEvent is best effort: a broker outage never fails the request that produced the event.
func publishEvent(ctx context.Context, publisher events.Publisher, logger Logger, eventType, correlationID string, payload any, at time.Time) {
	if publisher == nil {
		return
	}
	envelope, err := events.NewEnvelope(eventType, correlationID, payload, at)
	if err != nil {
		logger(ctx, "events.encode.failed", map[string]any{"eventType": eventType, "error": err})
		return
	}
	if err := publisher.Publish(ctx, envelope); err != nil {
		logger(ctx, "events.publish.failed", map[string]any{
			"eventType":     eventType,
			"correlationId": correlationID,
			"error":         err,
		})
	}
}
