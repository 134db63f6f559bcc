package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/congreso-crawler/internal/events"
)

// PrometheusSink exports session and entity counters derived from the bus.
type PrometheusSink struct {
	sessionsStarted  *prometheus.CounterVec
	sessionsFinished *prometheus.CounterVec
	sessionsRunning  *prometheus.GaugeVec
	sessionRuntime   *prometheus.HistogramVec
	entitiesObserved *prometheus.CounterVec

	tracker *sessionTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		sessionsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_sessions_started_total",
			Help: "Crawl sessions started per source.",
		}, []string{"source"}),
		sessionsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_sessions_finished_total",
			Help: "Crawl sessions finished per source.",
		}, []string{"source"}),
		sessionsRunning: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "crawler_sessions_running",
			Help: "Crawl sessions currently running per source.",
		}, []string{"source"}),
		sessionRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawler_session_runtime_seconds",
			Help:    "Wall time per finished crawl session.",
			Buckets: []float64{10, 30, 60, 300, 900, 1800, 3600, 7200},
		}, []string{"source"}),
		entitiesObserved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_entities_observed_total",
			Help: "Entities reported by crawl handlers per source.",
		}, []string{"source"}),
		tracker: newSessionTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.sessionsStarted,
		s.sessionsFinished,
		s.sessionsRunning,
		s.sessionRuntime,
		s.entitiesObserved,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register event collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		switch evt.Kind {
		case events.KindCrawlStart:
			s.sessionsStarted.WithLabelValues(evt.Source).Inc()
			if s.tracker.start(evt) {
				s.sessionsRunning.WithLabelValues(evt.Source).Inc()
			}
		case events.KindCrawlEnd:
			s.sessionsFinished.WithLabelValues(evt.Source).Inc()
			if started, ok := s.tracker.complete(evt.SessionID); ok {
				s.sessionsRunning.WithLabelValues(evt.Source).Dec()
				s.sessionRuntime.WithLabelValues(evt.Source).Observe(evt.TS.Sub(started.TS).Seconds())
			}
		case events.KindEntity:
			s.entitiesObserved.WithLabelValues(evt.Source).Inc()
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type sessionTracker struct {
	mu      sync.Mutex
	running map[uuid.UUID]events.Event
}

func newSessionTracker() *sessionTracker {
	return &sessionTracker{running: make(map[uuid.UUID]events.Event)}
}

func (t *sessionTracker) start(evt events.Event) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[evt.SessionID]; ok {
		return false
	}
	t.running[evt.SessionID] = evt
	return true
}

func (t *sessionTracker) complete(id uuid.UUID) (events.Event, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	evt, ok := t.running[id]
	if ok {
		delete(t.running, id)
	}
	return evt, ok
}
