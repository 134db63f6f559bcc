// Package legislature crawls the chamber history pages and keeps one row per
// legislature with its title and president.
package legislature

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Source is the crawl source name.
const Source = "legislature"

// Legislature is one stored row.
type Legislature struct {
	ID        uuid.UUID `json:"id"`
	URL       string    `json:"url"`
	Title     string    `json:"title,omitempty"`
	President string    `json:"president,omitempty"`
}

// Entry is the entity reported by the crawl handlers. URL identifies the
// legislature page; Title and President are set by different handlers.
type Entry struct {
	URL       string `json:"url"`
	Title     string `json:"title,omitempty"`
	President string `json:"president,omitempty"`
}

// Store persists legislature rows keyed by URL.
type Store interface {
	SaveTitle(ctx context.Context, url, title string) (Legislature, error)
	SetPresident(ctx context.Context, url, president string) error
	List(ctx context.Context) ([]Legislature, error)
}

// MemoryStore keeps rows in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[string]Legislature
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]Legislature)}
}

func (m *MemoryStore) row(url string) Legislature {
	row, ok := m.rows[url]
	if !ok {
		row = Legislature{ID: uuid.New(), URL: url}
	}
	return row
}

// SaveTitle implements Store.
func (m *MemoryStore) SaveTitle(_ context.Context, url, title string) (Legislature, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row := m.row(url)
	row.Title = title
	m.rows[url] = row
	return row, nil
}

// SetPresident implements Store.
func (m *MemoryStore) SetPresident(_ context.Context, url, president string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row := m.row(url)
	row.President = president
	m.rows[url] = row
	return nil
}

// List implements Store, ordered by URL.
func (m *MemoryStore) List(context.Context) ([]Legislature, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Legislature, 0, len(m.rows))
	for _, row := range m.rows {
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out, nil
}
