package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/congreso-crawler/internal/events"
)

// LogSink emits structured logs for every event. Entity payloads are left out
// to keep log volume proportional to the crawl, not to record size.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("topic", evt.Topic()),
			zap.Stringer("session_id", evt.SessionID),
			zap.String("url", evt.URL),
			zap.Time("ts", evt.TS),
		}
		if evt.Kind == events.KindEntity {
			s.logger.Debug("entity observed", append(fields, zap.String("entity_id", evt.EntityID))...)
			continue
		}
		s.logger.Info("crawl lifecycle", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
