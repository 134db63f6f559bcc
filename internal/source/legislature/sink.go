package legislature

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/congreso-crawler/internal/events"
	"github.com/JakeFAU/congreso-crawler/internal/metrics"
)

// Sink writes reported entries into a Store.
type Sink struct {
	store  Store
	logger *zap.Logger
}

// NewSink builds a Sink.
func NewSink(store Store, logger *zap.Logger) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{store: store, logger: logger.Named("legislature_sink")}
}

// Consume implements events.Sink. Entries are applied in publish order.
func (s *Sink) Consume(ctx context.Context, batch []events.Event) error {
	var errs []error
	for _, evt := range batch {
		if evt.Source != Source || evt.Kind != events.KindEntity {
			continue
		}
		if err := s.apply(ctx, evt); err != nil {
			s.logger.Error("store legislature failed", zap.String("entity_id", evt.EntityID), zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Sink) apply(ctx context.Context, evt events.Event) error {
	entry, err := decodeEntry(evt.Value)
	if err != nil {
		return err
	}
	if entry.URL == "" {
		entry.URL = evt.EntityID
	}
	if entry.Title != "" {
		row, err := s.store.SaveTitle(ctx, entry.URL, entry.Title)
		if err != nil {
			return err
		}
		metrics.ObserveReconcile(Source, "title")
		s.logger.Debug("legislature saved", zap.String("url", row.URL), zap.String("id", row.ID.String()))
	}
	if entry.President != "" {
		if err := s.store.SetPresident(ctx, entry.URL, entry.President); err != nil {
			return err
		}
		metrics.ObserveReconcile(Source, "president")
	}
	return nil
}

// Close implements events.Sink.
func (s *Sink) Close(context.Context) error {
	return nil
}

func decodeEntry(v any) (Entry, error) {
	switch val := v.(type) {
	case Entry:
		return val, nil
	case *Entry:
		if val != nil {
			return *val, nil
		}
	}
	var entry Entry
	data, err := json.Marshal(v)
	if err != nil {
		return entry, fmt.Errorf("encode entry: %w", err)
	}
	if err := json.Unmarshal(data, &entry); err != nil {
		return entry, fmt.Errorf("decode entry: %w", err)
	}
	return entry, nil
}
