package browser_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/stateflow/api/schemas"
	"github.com/xkilldash9x/stateflow/internal/browser"
	"github.com/xkilldash9x/stateflow/internal/config"
)

const fixturePage = `<!DOCTYPE html>
<html><head><title>Fixture</title></head>
<body>
	<div id="panel">closed</div>
	<button id="toggle" onclick="document.getElementById('panel').textContent = 'open'">Toggle</button>
	<input name="q" onchange="document.getElementById('panel').textContent = 'changed'">
	<button id="ask" onclick="document.getElementById('panel').textContent = confirm('sure?') ? 'yes' : 'no'">Ask</button>
</body></html>`

func requireChrome(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping browser integration test in short mode")
	}
	for _, name := range []string{"google-chrome", "google-chrome-stable", "chromium", "chromium-browser", "headless-shell"} {
		if _, err := exec.LookPath(name); err == nil {
			return
		}
	}
	t.Skip("no Chrome binary found")
}

func TestTab_Integration(t *testing.T) {
	requireChrome(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, fixturePage)
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cfg := config.NewDefaultConfig().Browser()
	m, err := browser.NewManager(ctx, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer func() { assert.NoError(t, m.Shutdown(context.Background())) }()

	tab, err := m.NewBrowser(ctx)
	require.NoError(t, err)
	defer tab.Close(context.Background())

	require.NoError(t, tab.GoToURL(ctx, server.URL))

	url, err := tab.CurrentURL(ctx)
	require.NoError(t, err)
	assert.Contains(t, url, server.URL)

	dom, err := tab.CurrentDOM(ctx)
	require.NoError(t, err)
	assert.Contains(t, dom, `<div id="panel">closed</div>`)

	toggle := schemas.Identification{How: schemas.IdentifyByXPath, Value: "//*[@id='toggle']"}
	found, err := tab.FindElement(ctx, toggle)
	require.NoError(t, err)
	assert.True(t, found)

	require.NoError(t, tab.FireEvent(ctx, toggle, schemas.EventClick))
	dom, err = tab.CurrentDOM(ctx)
	require.NoError(t, err)
	assert.Contains(t, dom, `<div id="panel">open</div>`)

	input := schemas.Identification{How: schemas.IdentifyByName, Value: "q"}
	require.NoError(t, tab.FireEvent(ctx, input, schemas.EventChange))
	dom, err = tab.CurrentDOM(ctx)
	require.NoError(t, err)
	assert.Contains(t, dom, `<div id="panel">changed</div>`)

	// The confirm dialog is dismissed, so the page keeps responding.
	ask := schemas.Identification{How: schemas.IdentifyByID, Value: "ask"}
	require.NoError(t, tab.FireEvent(ctx, ask, schemas.EventClick))
	require.Eventually(t, func() bool {
		dom, err := tab.CurrentDOM(ctx)
		return err == nil && strings.Contains(dom, `<div id="panel">no</div>`)
	}, 10*time.Second, 100*time.Millisecond)

	missing := schemas.Identification{How: schemas.IdentifyByCSS, Value: "#nope"}
	found, err = tab.FindElement(ctx, missing)
	require.NoError(t, err)
	assert.False(t, found)
	assert.ErrorIs(t, tab.FireEvent(ctx, missing, schemas.EventClick), schemas.ErrElementNotFound)

	require.NoError(t, tab.Close(ctx))
	require.NoError(t, tab.Close(ctx), "close is idempotent")
	_, err = tab.CurrentDOM(ctx)
	assert.ErrorIs(t, err, schemas.ErrCommunication)
}
