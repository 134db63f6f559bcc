package headless

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/congreso-crawler/internal/query"
)

func TestNewDefaults(t *testing.T) {
	t.Parallel()

	_, err := New(Config{NavigationTimeout: -time.Second})
	require.Error(t, err)

	b, err := New(Config{Headless: true})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, b.Close()) })
	require.Equal(t, defaultNavigationTimeout, b.cfg.NavigationTimeout)
}

func TestAllocatorOptions(t *testing.T) {
	t.Parallel()

	base := len(allocatorOptions(Config{Headless: true}))
	withExtras := len(allocatorOptions(Config{Headless: true, UserAgent: "congreso-crawler/1.0", ExecPath: "/usr/bin/chromium"}))
	require.Equal(t, base+2, withExtras)
}

func TestQueryAllScriptEscapesSelector(t *testing.T) {
	t.Parallel()

	script, err := queryAllScript(`a[href*="codParlamentario"]`)
	require.NoError(t, err)
	require.Contains(t, script, `document.querySelectorAll("a[href*=\"codParlamentario\"]")`)
	require.Contains(t, script, "el.attributes")
}

func TestEvaluateScript(t *testing.T) {
	t.Parallel()

	script, err := evaluateScript("#_diputadomodule_legislaturasDiputado", "(el) => el.value", map[string]int{"n": 1})
	require.NoError(t, err)
	require.Contains(t, script, `document.querySelector("#_diputadomodule_legislaturasDiputado")`)
	require.Contains(t, script, `((el) => el.value)(el, {"n":1})`)
	require.True(t, strings.HasSuffix(script, ")()"))

	_, err = evaluateScript("x", "(el) => el", func() {})
	require.Error(t, err)
}

func TestEvalResultDecode(t *testing.T) {
	t.Parallel()

	var out string
	require.ErrorIs(t, evalResult{Found: false}.decode(&out), query.ErrNoElement)

	require.NoError(t, evalResult{Found: true, Value: json.RawMessage(`"15"`)}.decode(&out))
	require.Equal(t, "15", out)

	var keys []string
	require.NoError(t, evalResult{Found: true, Value: json.RawMessage(`["14","13"]`)}.decode(&keys))
	require.Equal(t, []string{"14", "13"}, keys)

	require.NoError(t, evalResult{Found: true}.decode(&out))
	require.Error(t, evalResult{Found: true, Value: json.RawMessage(`{`)}.decode(&out))
}

func TestDocumentStatusCapturesMainDocument(t *testing.T) {
	t.Parallel()

	s := &documentStatus{}
	s.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeImage,
		Response: &network.Response{Status: 404},
	})
	require.Zero(t, s.code())

	s.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{Status: 503},
	})
	require.Equal(t, 503, s.code())

	s.captureEvent("unrelated")
	require.Equal(t, 503, s.code())

	s.reset()
	require.Zero(t, s.code())
}
