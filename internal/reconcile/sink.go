package reconcile

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/congreso-crawler/internal/events"
)

// Sink adapts the reconciler to the event bus. Entity events of the
// reconciler's source are grouped by observed id: groups are merged
// concurrently, and events within a group in publish order.
func (r *Reconciler[T]) Sink(parallelism int) events.Sink {
	if parallelism <= 0 {
		parallelism = 8
	}
	return &sink[T]{r: r, parallelism: parallelism}
}

type sink[T Observation] struct {
	r           *Reconciler[T]
	parallelism int
}

func (s *sink[T]) Consume(ctx context.Context, batch []events.Event) error {
	var (
		order  []string
		groups = map[string][]events.Event{}
	)
	for _, evt := range batch {
		if evt.Kind != events.KindEntity || evt.Source != s.r.source {
			continue
		}
		if _, ok := groups[evt.EntityID]; !ok {
			order = append(order, evt.EntityID)
		}
		groups[evt.EntityID] = append(groups[evt.EntityID], evt)
	}
	if len(order) == 0 {
		return nil
	}

	var g errgroup.Group
	g.SetLimit(s.parallelism)
	for _, id := range order {
		evts := groups[id]
		g.Go(func() error {
			var firstErr error
			for _, evt := range evts {
				if err := s.consume(ctx, evt); err != nil {
					s.r.logger.Error("reconcile entity failed",
						zap.String("entity_id", evt.EntityID),
						zap.String("url", evt.URL),
						zap.Error(err))
					if firstErr == nil {
						firstErr = err
					}
				}
			}
			return firstErr
		})
	}
	return g.Wait()
}

func (s *sink[T]) consume(ctx context.Context, evt events.Event) error {
	value, err := decode[T](evt.Value)
	if err != nil {
		return fmt.Errorf("decode entity %s: %w", evt.EntityID, err)
	}
	id, err := s.r.Reconcile(ctx, evt.EntityID, value)
	if err != nil {
		return err
	}
	s.r.logger.Debug("entity reconciled",
		zap.String("entity_id", evt.EntityID),
		zap.String("record_id", id),
		zap.Int("legislature", value.Term()))
	return nil
}

func (s *sink[T]) Close(context.Context) error {
	return nil
}

// decode accepts T, *T, or anything that round-trips through JSON into T.
func decode[T any](v any) (T, error) {
	switch val := v.(type) {
	case T:
		return val, nil
	case *T:
		if val != nil {
			return *val, nil
		}
	}
	var out T
	if v == nil {
		return out, fmt.Errorf("empty value")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, err
	}
	return out, nil
}
