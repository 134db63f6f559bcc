package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/congreso-crawler/internal/reconcile"
	"github.com/JakeFAU/congreso-crawler/internal/source/legislature"
	"github.com/JakeFAU/congreso-crawler/internal/source/person"
	"github.com/JakeFAU/congreso-crawler/internal/store"
)

const directoryTimeout = 10 * time.Second

// PersonDirectory serves reconciled deputies.
type PersonDirectory interface {
	Get(ctx context.Context, id string) (reconcile.Record[person.Person], error)
	FindByName(ctx context.Context, needle string) ([]reconcile.Match[person.Person], error)
}

// GroupLookup fetches the group composition of a legislature.
type GroupLookup interface {
	Get(ctx context.Context, legislature int) (json.RawMessage, error)
}

// LegislatureLister lists the crawled legislatures.
type LegislatureLister interface {
	List(ctx context.Context) ([]legislature.Legislature, error)
}

// DirectoryHandler exposes read-only endpoints over the crawled data.
type DirectoryHandler struct {
	persons      PersonDirectory
	groups       GroupLookup
	legislatures LegislatureLister
	current      int
	timeout      time.Duration
	logger       *zap.Logger
}

// NewDirectoryHandler wires the directories and logger.
func NewDirectoryHandler(deps Deps, logger *zap.Logger) *DirectoryHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DirectoryHandler{
		persons:      deps.Persons,
		groups:       deps.Groups,
		legislatures: deps.Legislatures,
		current:      deps.CurrentLegislature,
		timeout:      directoryTimeout,
		logger:       logger,
	}
}

// GetPerson handles GET /v1/persons/{id}. It answers 404 for unknown ids.
func (h *DirectoryHandler) GetPerson(w http.ResponseWriter, r *http.Request) {
	if h.persons == nil {
		writeError(w, http.StatusServiceUnavailable, "person directory unavailable")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	id := chi.URLParam(r, "id")
	rec, err := h.persons.Get(ctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "person not found")
		return
	case err != nil:
		h.logger.Error("get person failed", zap.String("entity_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read person")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "record": rec})
}

// FindPersons handles GET /v1/persons?name=. The name is matched as a
// substring of "name lastname".
func (h *DirectoryHandler) FindPersons(w http.ResponseWriter, r *http.Request) {
	if h.persons == nil {
		writeError(w, http.StatusServiceUnavailable, "person directory unavailable")
		return
	}
	name := strings.TrimSpace(r.URL.Query().Get("name"))
	if name == "" {
		writeError(w, http.StatusBadRequest, "name query parameter required")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	matches, err := h.persons.FindByName(ctx, name)
	if err != nil {
		h.logger.Error("find persons failed", zap.String("name", name), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to search persons")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"persons": matches})
}

// GetGroups handles GET /v1/groups?legislature=. It defaults to the current
// legislature and answers 502 when the upstream lookup fails.
func (h *DirectoryHandler) GetGroups(w http.ResponseWriter, r *http.Request) {
	if h.groups == nil {
		writeError(w, http.StatusServiceUnavailable, "group lookup unavailable")
		return
	}
	leg := h.current
	if raw := r.URL.Query().Get("legislature"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "legislature must be a positive integer")
			return
		}
		leg = n
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	body, err := h.groups.Get(ctx, leg)
	if err != nil {
		h.logger.Warn("group lookup failed", zap.Int("legislature", leg), zap.Error(err))
		writeError(w, http.StatusBadGateway, "group lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"legislature": leg, "groups": body})
}

// ListLegislatures handles GET /v1/legislatures.
func (h *DirectoryHandler) ListLegislatures(w http.ResponseWriter, r *http.Request) {
	if h.legislatures == nil {
		writeError(w, http.StatusServiceUnavailable, "legislature store unavailable")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	rows, err := h.legislatures.List(ctx)
	if err != nil {
		h.logger.Error("list legislatures failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list legislatures")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"legislatures": rows})
}
