package legislature

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/congreso-crawler/internal/crawler"
	"github.com/JakeFAU/congreso-crawler/internal/crawler/crawlertest"
	"github.com/JakeFAU/congreso-crawler/internal/events"
)

const (
	historyURL = "https://www.congreso.es/es/cem/historia"
	leg15URL   = "https://www.congreso.es/es/cem/15leg"
	leg14URL   = "https://www.congreso.es/es/cem/14leg"
	pres15URL  = "https://www.congreso.es/web/guest/presidentes-del-congreso-de-los-diputados?leg=15"
	pres14URL  = "https://www.congreso.es/web/guest/presidentes-del-congreso-de-los-diputados?leg=14"
)

func historyPages() map[string]string {
	return map[string]string{
		historyURL: `<html><body>
			<a href="/es/cem/15leg">XV</a>
			<a href="https://www.congreso.es/es/cem/14leg">XIV</a>
			<a href="/es/cem/organos">Organos</a>
		</body></html>`,
		leg15URL: `<html><body>
			<span class="inplacedisplayid1siteid73"> XV Legislatura (2023-) </span>
			<a href="/web/guest/presidentes-del-congreso-de-los-diputados?leg=15">Presidencia</a>
		</body></html>`,
		leg14URL: `<html><body>
			<span class="inplacedisplayid1siteid73">XIV Legislatura (2019-2023)</span>
			<a href="/web/guest/presidentes-del-congreso-de-los-diputados?leg=14">Presidencia</a>
		</body></html>`,
		pres15URL: `<html><body><h1>Francina Armengol Socías</h1></body></html>`,
		pres14URL: `<html><body><h1>Meritxell Batet Lamaña</h1></body></html>`,
	}
}

func TestHandlersCrawlHistory(t *testing.T) {
	t.Parallel()

	router, err := NewRouter()
	require.NoError(t, err)
	require.Equal(t, []string{"default", "legislature", "president"}, router.Labels())

	browser := crawlertest.NewBrowser(historyPages())
	recorder := &crawlertest.Recorder{}
	session, err := crawler.NewSession(router, browser, crawler.Options{
		Source:  Source,
		Emitter: recorder,
	})
	require.NoError(t, err)
	require.NoError(t, session.Run(context.Background(), crawler.Request{URL: historyURL}))

	require.Zero(t, browser.Navigations("https://www.congreso.es/es/cem/organos"))
	require.Equal(t, 1, browser.Navigations(pres15URL))

	entities := recorder.Entities()
	require.Equal(t, []any{
		Entry{URL: leg15URL, Title: "XV Legislatura (2023-)"},
		Entry{URL: leg15URL, President: "Francina Armengol Socías"},
	}, entities[leg15URL])
	require.Len(t, entities[leg14URL], 2)

	store := NewMemoryStore()
	sink := NewSink(store, nil)
	require.NoError(t, sink.Consume(context.Background(), recorder.Events()))
	require.NoError(t, sink.Close(context.Background()))

	rows, err := store.List(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, leg14URL, rows[0].URL)
	require.Equal(t, "XIV Legislatura (2019-2023)", rows[0].Title)
	require.Equal(t, "Meritxell Batet Lamaña", rows[0].President)
	require.NotEqual(t, uuid.Nil, rows[1].ID)
}

func TestSinkIgnoresOtherEvents(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	sink := NewSink(store, nil)
	now := time.Now()
	err := sink.Consume(context.Background(), []events.Event{
		{Source: Source, Kind: events.KindCrawlStart, TS: now},
		{Source: "person", Kind: events.KindEntity, EntityID: "1", TS: now, Value: Entry{URL: "x", Title: "y"}},
		{Source: Source, Kind: events.KindEntity, EntityID: leg15URL, TS: now,
			Value: map[string]string{"title": "XV Legislatura"}},
	})
	require.NoError(t, err)

	rows, err := store.List(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, leg15URL, rows[0].URL)
	require.Equal(t, "XV Legislatura", rows[0].Title)
}

func TestMemoryStoreKeepsIDs(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemoryStore()
	first, err := store.SaveTitle(ctx, leg15URL, "XV")
	require.NoError(t, err)
	require.NoError(t, store.SetPresident(ctx, leg15URL, "Armengol"))
	second, err := store.SaveTitle(ctx, leg15URL, "XV Legislatura")
	require.NoError(t, err)

	require.Equal(t, first.ID, second.ID)
	require.Equal(t, "Armengol", second.President)
}
