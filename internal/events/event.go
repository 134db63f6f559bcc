package events

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind is the event name without its source prefix.
type Kind string

// Supported event kinds.
const (
	KindCrawlStart Kind = "crawl:start"
	KindCrawlEnd   Kind = "crawl:end"
	KindEntity     Kind = "entity"
)

// Event is one message on the bus.
type Event struct {
	// Source names the crawl source that produced the event, e.g. "person".
	Source string
	Kind   Kind
	// SessionID identifies the crawl session.
	SessionID uuid.UUID
	// URL is the seed URL for lifecycle events and the page URL for entities.
	URL string
	// EntityID and Value are set for entity events only.
	EntityID string
	Value    any
	TS       time.Time
}

// Topic returns the qualified event name, e.g. "person:crawl:start".
func (e Event) Topic() string {
	return e.Source + ":" + string(e.Kind)
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.Source == "" {
		return errors.New("source is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case KindCrawlStart, KindCrawlEnd:
	case KindEntity:
		if e.EntityID == "" {
			return errors.New("entity event requires id")
		}
	default:
		return fmt.Errorf("unknown kind %q", e.Kind)
	}
	return nil
}
