package events

import (
	"context"

	"go.uber.org/zap"
)

// LogPublisher writes events to the log. Used when no broker is configured.
type LogPublisher struct {
	logger *zap.Logger
}

func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(_ context.Context, e Event) error {
	p.logger.Info("event",
		zap.String("event_id", e.ID),
		zap.String("event_type", e.Name),
		zap.Int64("aggregate_id", e.AggregateID),
		zap.Any("payload", e.Payload),
	)
	return nil
}

func (p *LogPublisher) Close() error {
	return nil
}
