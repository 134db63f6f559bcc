// Package person crawls the deputies directory and reconciles each deputy's
// profile across legislatures.
package person

import (
	"fmt"
	"strings"
	"time"
)

// Source is the event source name of the deputies crawl.
const Source = "person"

// dateLayout is the DD/MM/YYYY form used across profile pages.
const dateLayout = "02/01/2006"

// Person is one deputy as observed on a profile page for one legislature.
type Person struct {
	Bio         string     `json:"bio"`
	Depositions []string   `json:"depositions"`
	Birthdate   *time.Time `json:"birthdate"`
	End         *time.Time `json:"end"`
	Email       *string    `json:"email"`
	Image       string     `json:"image"`
	Lastname    string     `json:"lastname"`
	Legislature int        `json:"legislature"`
	Name        string     `json:"name"`
	Party       string     `json:"party"`
	Region      string     `json:"region"`
	Socials     []string   `json:"socials"`
	Start       *time.Time `json:"start"`
}

// Term implements reconcile.Observation.
func (p Person) Term() int { return p.Legislature }

// NaturalKey implements reconcile.Observation.
func (p Person) NaturalKey() string {
	return strings.TrimSpace(p.Name + " " + p.Lastname)
}

// parseDate reads a DD/MM/YYYY date. Empty input yields nil.
func parseDate(raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(dateLayout, raw)
	if err != nil {
		return nil, fmt.Errorf("parse date %q: %w", raw, err)
	}
	return &t, nil
}
