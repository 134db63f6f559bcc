package person

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/congreso-crawler/internal/crawler"
	"github.com/JakeFAU/congreso-crawler/internal/query"
)

// LabelProfile is the label of deputy profile pages.
const LabelProfile = "profile"

const (
	profileGlob = "https://www.congreso.es/busqueda-de-diputados*codParlamentario=*"

	typeSelector       = "#_diputadomodule_tipo"
	allDeputies        = "2"
	searchSelector     = "#_diputadomodule_searchButtonDiputadosForm"
	resultsSelector    = "#_diputadomodule_resultsShowedDiputados"
	nextPageSelector   = "#_diputadomodule_paginationLinksDiputados li:nth-of-type(8) a"
	legislatureSelect  = "#_diputadomodule_legislaturasDiputado"
	depositionSelector = ".declaraciones-dip a"
	detailSelector     = ".row.cuerpo-diputado-detalle:nth-child(2) .row p"
	bioSelector        = ".row.cuerpo-diputado-detalle:nth-child(2) .row .col-12"
	endSelector        = ".f-alta:nth-of-type(2)"
	startSelector      = ".f-alta:nth-of-type(1)"
	emailSelector      = ".email-dip"
	imageSelector      = ".card-img-top"
	nameSelector       = ".nombre-dip"
	partySelector      = ".siglas-partido"
	regionSelector     = ".cargo-dip"
	socialSelector     = ".rrss-dip a"

	// bioScript reads the text owned by the bio container itself, without
	// the nested blocks the page renders inside it.
	bioScript = `(el) => {
		const copy = el.cloneNode(true);
		Array.from(copy.children).forEach((child) => child.remove());
		return (copy.textContent || "").trim();
	}`
	valueScript = `(el) => el.value`
)

var (
	totalPattern   = regexp.MustCompile(`Resultados \d+ a \d+ de (\d+)`)
	currentPattern = regexp.MustCompile(`Resultados \d+ a (\d+) de \d+`)
	datePattern    = regexp.MustCompile(`\d{2}/\d{2}/\d{4}`)
	endPattern     = regexp.MustCompile(`(?i)Causó baja el (\d{2}/\d{2}/\d{4})`)
	startPattern   = regexp.MustCompile(`(?i)Condición plena: (\d{2}/\d{2}/\d{4})`)
	regionPattern  = regexp.MustCompile(`Diputado por (.+)`)
	idPattern      = regexp.MustCompile(`(?i)codParlamentario=(\d+)`)
)

// Config configures the person handlers.
type Config struct {
	// CurrentLegislature is the term whose profile pages fan out to the
	// deputy's earlier legislatures.
	CurrentLegislature int
}

type handlers struct {
	current int
}

// Register adds the person handlers to r.
func Register(r *crawler.Router, cfg Config) error {
	if cfg.CurrentLegislature <= 0 {
		return fmt.Errorf("current legislature must be > 0, got %d", cfg.CurrentLegislature)
	}
	h := &handlers{current: cfg.CurrentLegislature}
	if err := r.Register(crawler.DefaultLabel, crawler.HandlerFunc(h.search)); err != nil {
		return err
	}
	return r.Register(LabelProfile, crawler.HandlerFunc(h.profile))
}

// NewRouter returns a validated router with the person handlers.
func NewRouter(cfg Config) (*crawler.Router, error) {
	r := crawler.NewRouter()
	if err := Register(r, cfg); err != nil {
		return nil, err
	}
	return r, r.Validate()
}

// search submits the deputies form for every deputy type and walks the
// paginated result list.
func (h *handlers) search(ctx context.Context, c *crawler.Context) error {
	if err := c.Page.SelectOption(ctx, typeSelector, allDeputies); err != nil {
		return fmt.Errorf("select deputy type: %w", err)
	}
	if err := c.Page.Click(ctx, searchSelector); err != nil {
		return fmt.Errorf("submit search: %w", err)
	}
	if err := c.Page.WaitVisible(ctx, resultsSelector); err != nil {
		return fmt.Errorf("wait results: %w", err)
	}
	if err := h.enqueueProfiles(ctx, c); err != nil {
		return err
	}

	total, err := resultCount(ctx, c.Query, totalPattern)
	if err != nil {
		return err
	}
	for seen := 0; seen < total; {
		if err := c.Page.Click(ctx, nextPageSelector); err != nil {
			return fmt.Errorf("next page after %d: %w", seen, err)
		}
		if err := c.Page.WaitVisible(ctx, resultsSelector); err != nil {
			return fmt.Errorf("wait results: %w", err)
		}
		if err := h.enqueueProfiles(ctx, c); err != nil {
			return err
		}
		current, err := resultCount(ctx, c.Query, currentPattern)
		if err != nil {
			return err
		}
		if current <= seen {
			c.Logger.Warn("pagination stalled", zap.Int("seen", seen), zap.Int("total", total))
			break
		}
		seen = current
	}
	return nil
}

func (h *handlers) enqueueProfiles(ctx context.Context, c *crawler.Context) error {
	_, err := c.EnqueueLinks(ctx, crawler.EnqueueOptions{
		Label: LabelProfile,
		Globs: []string{profileGlob},
	})
	return err
}

func resultCount(ctx context.Context, q *query.Query, re *regexp.Regexp) (int, error) {
	match, err := q.Match(ctx, resultsSelector, re)
	if err != nil {
		return 0, err
	}
	raw := query.Group(match, 1)
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

// profile extracts one deputy for the legislature shown on the page and,
// on the current legislature, enqueues the same profile for every earlier
// legislature the deputy sat in.
func (h *handlers) profile(ctx context.Context, c *crawler.Context) error {
	pageURL := c.Request.URL
	if current, err := c.Page.URL(ctx); err == nil && current != "" {
		pageURL = current
	}
	id := query.Group(idPattern.FindStringSubmatch(pageURL), 1)
	if id == "" {
		return fmt.Errorf("profile %s: no codParlamentario", pageURL)
	}

	p, err := extract(ctx, c.Query)
	if err != nil {
		return fmt.Errorf("profile %s: %w", id, err)
	}

	if p.Legislature == h.current {
		keys, err := previousLegislatures(ctx, c.Query)
		if err != nil {
			return err
		}
		urls := make([]string, 0, len(keys))
		for _, key := range keys {
			urls = append(urls, pageURL+"&idLegislaturaDestino="+key)
		}
		if len(urls) > 0 {
			if _, err := c.EnqueueLinks(ctx, crawler.EnqueueOptions{Label: LabelProfile, URLs: urls}); err != nil {
				return err
			}
		}
	}

	return c.Report(ctx, id, p)
}

func extract(ctx context.Context, q *query.Query) (Person, error) {
	var p Person

	depositions, err := q.Attrs(ctx, depositionSelector, "href")
	if err != nil {
		return p, err
	}
	p.Depositions = query.Compact(depositions)

	dob, err := q.Match(ctx, detailSelector, datePattern)
	if err != nil {
		return p, err
	}
	if p.Birthdate, err = parseDate(query.Group(dob, 0)); err != nil {
		return p, err
	}

	end, err := q.Match(ctx, endSelector, endPattern)
	if err != nil {
		return p, err
	}
	if p.End, err = parseDate(query.Group(end, 1)); err != nil {
		return p, err
	}

	start, err := q.Match(ctx, startSelector, startPattern)
	if err != nil {
		return p, err
	}
	if p.Start, err = parseDate(query.Group(start, 1)); err != nil {
		return p, err
	}

	email, err := q.Text(ctx, emailSelector)
	if err != nil {
		return p, err
	}
	if email != nil && *email != "" {
		p.Email = email
	}

	image, err := q.Attr(ctx, imageSelector, "src")
	if err != nil {
		return p, err
	}
	p.Image = query.Deref(image)

	legislature, err := selectedLegislature(ctx, q)
	if err != nil {
		return p, err
	}
	p.Legislature = legislature

	fullName, err := q.Text(ctx, nameSelector)
	if err != nil {
		return p, err
	}
	lastname, name, _ := strings.Cut(query.Deref(fullName), ",")
	p.Lastname, p.Name = strings.TrimSpace(lastname), strings.TrimSpace(name)

	party, err := q.Text(ctx, partySelector)
	if err != nil {
		return p, err
	}
	p.Party = query.Deref(party)

	region, err := q.Match(ctx, regionSelector, regionPattern)
	if err != nil {
		return p, err
	}
	p.Region = strings.TrimSpace(query.Group(region, 1))

	socials, err := q.Attrs(ctx, socialSelector, "href")
	if err != nil {
		return p, err
	}
	p.Socials = query.Compact(socials)

	if p.Bio, err = bio(ctx, q); err != nil {
		return p, err
	}
	return p, nil
}

// selectedLegislature reads the legislature picker. Documents without script
// support fall back to the option marked selected, then the first option.
func selectedLegislature(ctx context.Context, q *query.Query) (int, error) {
	value, err := query.Evaluate[string](ctx, q, legislatureSelect, valueScript, nil)
	switch {
	case err == nil:
	case errors.Is(err, query.ErrNoElement):
		return 0, fmt.Errorf("legislature picker missing")
	case errors.Is(err, query.ErrUnsupported):
		selected, err := q.Attr(ctx, legislatureSelect+" option[selected]", "value")
		if err != nil {
			return 0, err
		}
		if selected == nil {
			if selected, err = q.Attr(ctx, legislatureSelect+" option", "value"); err != nil {
				return 0, err
			}
		}
		value = query.Deref(selected)
	default:
		return 0, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("legislature %q: %w", value, err)
	}
	return n, nil
}

// previousLegislatures returns the key of every picker option after the
// first. Option labels start with the key, e.g. "13 Legislatura (2019)".
func previousLegislatures(ctx context.Context, q *query.Query) ([]string, error) {
	labels, err := q.Texts(ctx, legislatureSelect+" option")
	if err != nil {
		return nil, err
	}
	if len(labels) <= 1 {
		return nil, nil
	}
	keys := make([]string, 0, len(labels)-1)
	for _, label := range labels[1:] {
		key, _, _ := strings.Cut(query.Deref(label), " ")
		if key != "" {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func bio(ctx context.Context, q *query.Query) (string, error) {
	text, err := query.Evaluate[string](ctx, q, bioSelector, bioScript, nil)
	switch {
	case err == nil:
		return text, nil
	case errors.Is(err, query.ErrNoElement):
		return "", nil
	case errors.Is(err, query.ErrUnsupported):
		own, err := q.Text(ctx, bioSelector)
		return query.Deref(own), err
	default:
		return "", err
	}
}
