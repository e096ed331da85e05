package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/xkilldash9x/stateflow/api/schemas"
	"github.com/xkilldash9x/stateflow/internal/config"
	"github.com/xkilldash9x/stateflow/internal/mocks"
	"github.com/xkilldash9x/stateflow/internal/snapshot"
	"github.com/xkilldash9x/stateflow/internal/stateflow"
)

const appURL = "http://app.test/"

// baseConfig keeps test runs quiet and fast: no log file, no settle delays.
const baseConfig = `
logger:
  level: error
  log_file: ""
crawl:
  wait_after_event: 0s
  wait_after_reload: 0s
`

func page(body string) string {
	return "<html><head></head><body>" + body + "</body></html>"
}

func testSite() *mocks.Site {
	return mocks.NewSite("index", appURL, page(`<h1>Home</h1><button id="go" data-goto="details">Open</button>`)).
		AddPage("details", appURL, page(`<h1>Details</h1><button id="back" data-goto="index">Back</button>`))
}

type fakeBrowserProvider struct {
	site    *mocks.Site
	err     error
	created int
	closed  int
}

func (p *fakeBrowserProvider) Create(context.Context, config.Interface) (schemas.BrowserFactory, func(), error) {
	if p.err != nil {
		return nil, nil, p.err
	}
	p.created++
	return p.site, func() { p.closed++ }, nil
}

type mockStore struct {
	mock.Mock
}

func (m *mockStore) PersistSnapshot(ctx context.Context, snap *snapshot.Snapshot) error {
	return m.Called(ctx, snap).Error(0)
}

func (m *mockStore) LoadSnapshot(ctx context.Context, sessionID string) (*snapshot.Snapshot, error) {
	args := m.Called(ctx, sessionID)
	snap, _ := args.Get(0).(*snapshot.Snapshot)
	return snap, args.Error(1)
}

type fakeStoreProvider struct {
	store   *mockStore
	err     error
	cleaned int
}

func (p *fakeStoreProvider) Create(context.Context, config.Interface) (snapshotStore, func(), error) {
	if p.err != nil {
		return nil, nil, p.err
	}
	return p.store, func() { p.cleaned++ }, nil
}

// writeConfig writes baseConfig plus extra to a temporary config file.
func writeConfig(t *testing.T, extra string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(baseConfig+extra), 0o600))
	return path
}

// executeCommand runs a fresh command tree with args and returns what it printed.
func executeCommand(t *testing.T, deps dependencies, cfgPath string, args ...string) (string, error) {
	t.Helper()
	root := newRootCommand(deps)
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(append([]string{"--config", cfgPath}, args...))
	err := root.ExecuteContext(context.Background())
	return buf.String(), err
}

func newDeps(site *mocks.Site) (dependencies, *fakeBrowserProvider, *fakeStoreProvider) {
	browsers := &fakeBrowserProvider{site: site}
	stores := &fakeStoreProvider{store: &mockStore{}}
	return dependencies{browsers: browsers, stores: stores}, browsers, stores
}

// crawlFixture crawls testSite and returns the path of the written snapshot.
func crawlFixture(t *testing.T) string {
	t.Helper()
	deps, _, _ := newDeps(testSite())
	snapPath := filepath.Join(t.TempDir(), "crawl.json.br")
	_, err := executeCommand(t, deps, writeConfig(t, ""), "crawl", appURL, "-o", snapPath)
	require.NoError(t, err)
	return snapPath
}

func TestRootCmd_VersionFlag(t *testing.T) {
	deps, _, _ := newDeps(testSite())
	out, err := executeCommand(t, deps, writeConfig(t, ""), "--version")
	require.NoError(t, err)
	assert.Contains(t, out, "stateflow version "+Version)
}

func TestRootCmd_NoArgs(t *testing.T) {
	deps, _, _ := newDeps(testSite())
	out, err := executeCommand(t, deps, writeConfig(t, ""))
	require.NoError(t, err)
	assert.Contains(t, out, "stateflow crawls a web application")
	for _, name := range []string{"crawl", "export", "path", "version"} {
		assert.Contains(t, out, name)
	}
}

func TestVersionCmd(t *testing.T) {
	deps, _, _ := newDeps(testSite())
	// The version command does not need a readable config file.
	out, err := executeCommand(t, deps, filepath.Join(t.TempDir(), "missing.yaml"), "version")
	require.NoError(t, err)
	assert.Contains(t, out, "stateflow "+Version)
}

func TestRootCmd_ConfigErrors(t *testing.T) {
	deps, _, _ := newDeps(testSite())

	t.Run("missing config file", func(t *testing.T) {
		_, err := executeCommand(t, deps, filepath.Join(t.TempDir(), "missing.yaml"), "crawl", appURL)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to initialize configuration")
	})

	t.Run("invalid value", func(t *testing.T) {
		_, err := executeCommand(t, deps, writeConfig(t, ""), "crawl", appURL, "--threshold", "2")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "equivalence.threshold")
	})

	t.Run("persist without database", func(t *testing.T) {
		_, err := executeCommand(t, deps, writeConfig(t, ""), "crawl", appURL, "--persist")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "database.url")
	})
}

func TestCrawlCmd(t *testing.T) {
	defer goleak.VerifyNone(t)

	deps, browsers, _ := newDeps(testSite())
	dir := t.TempDir()
	snapPath := filepath.Join(dir, "crawl.json")
	graphPath := filepath.Join(dir, "crawl.graphml")

	out, err := executeCommand(t, deps, writeConfig(t, ""), "crawl", appURL, "-o", snapPath, "--graphml", graphPath, "-j", "2")
	require.NoError(t, err)

	assert.Contains(t, out, "Crawl finished: "+string(schemas.ExitExhausted))
	assert.Contains(t, out, "States:   2")
	assert.Contains(t, out, "Edges:    2")
	assert.Equal(t, 1, browsers.created)
	assert.Equal(t, 1, browsers.closed, "the browser is shut down after the crawl")

	snap, err := snapshot.ReadFile(snapPath)
	require.NoError(t, err)
	assert.Equal(t, appURL, snap.SeedURL)
	assert.Equal(t, 2, snap.StateCount())
	assert.FileExists(t, graphPath)
}

func TestCrawlCmd_FlagsOverrideConfig(t *testing.T) {
	deps, _, _ := newDeps(testSite())
	cfgPath := writeConfig(t, "equivalence:\n  strategy: no_such_strategy\n")

	_, err := executeCommand(t, deps, cfgPath, "crawl", appURL)
	require.Error(t, err, "the strategy from the file is used without a flag")

	out, err := executeCommand(t, deps, cfgPath, "crawl", appURL, "--strategy", "exact", "--max-states", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "Crawl finished: "+string(schemas.ExitMaxStates))
}

func TestCrawlCmd_Errors(t *testing.T) {
	t.Run("relative seed", func(t *testing.T) {
		deps, browsers, _ := newDeps(testSite())
		_, err := executeCommand(t, deps, writeConfig(t, ""), "crawl", "/just/a/path")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "absolute URL")
		assert.Zero(t, browsers.created, "no browser is started for an invalid seed")
	})

	t.Run("missing argument", func(t *testing.T) {
		deps, _, _ := newDeps(testSite())
		_, err := executeCommand(t, deps, writeConfig(t, ""), "crawl")
		assert.Error(t, err)
	})

	t.Run("browser fails to start", func(t *testing.T) {
		deps, browsers, _ := newDeps(testSite())
		browsers.err = errors.New("chrome not installed")
		_, err := executeCommand(t, deps, writeConfig(t, ""), "crawl", appURL)
		assert.ErrorIs(t, err, browsers.err)
	})

	t.Run("all workers lost", func(t *testing.T) {
		defer goleak.VerifyNone(t)
		site := mocks.NewSite("index", appURL, page(`<button id="boom" data-crash="1">Boom</button>`)).LimitLaunches(1)
		deps, _, _ := newDeps(site)

		out, err := executeCommand(t, deps, writeConfig(t, ""), "crawl", appURL)
		assert.ErrorIs(t, err, ErrAllWorkersLost)
		assert.Contains(t, out, "Crawl finished: "+string(schemas.ExitAllWorkersLost))
		assert.Contains(t, out, "States:   1")
	})
}

func TestCrawlCmd_Persist(t *testing.T) {
	defer goleak.VerifyNone(t)

	deps, _, stores := newDeps(testSite())
	stores.store.On("PersistSnapshot", mock.Anything, mock.MatchedBy(func(s *snapshot.Snapshot) bool {
		return s.StateCount() == 2 && s.SeedURL == appURL
	})).Return(nil).Once()

	cfgPath := writeConfig(t, "database:\n  url: postgres://crawler@localhost/stateflow\n")
	_, err := executeCommand(t, deps, cfgPath, "crawl", appURL, "--persist")
	require.NoError(t, err)

	stores.store.AssertExpectations(t)
	assert.Equal(t, 1, stores.cleaned)
}

func TestCrawlCmd_PersistStoreUnavailable(t *testing.T) {
	deps, browsers, stores := newDeps(testSite())
	stores.err = errors.New("connection refused")

	cfgPath := writeConfig(t, "database:\n  url: postgres://crawler@localhost/stateflow\n")
	_, err := executeCommand(t, deps, cfgPath, "crawl", appURL, "--persist")
	assert.ErrorIs(t, err, stores.err)
	assert.Zero(t, browsers.created)
}

func TestExportCmd(t *testing.T) {
	snapPath := crawlFixture(t)
	cfgPath := writeConfig(t, "")

	t.Run("text to stdout", func(t *testing.T) {
		deps, _, _ := newDeps(testSite())
		out, err := executeCommand(t, deps, cfgPath, "export", snapPath, "-f", "text")
		require.NoError(t, err)
		assert.Contains(t, out, "States:   2")
		assert.Contains(t, out, "index -[click")
	})

	t.Run("graphml to file", func(t *testing.T) {
		deps, _, _ := newDeps(testSite())
		target := filepath.Join(t.TempDir(), "out.graphml")
		out, err := executeCommand(t, deps, cfgPath, "export", snapPath, "-f", "graphml", "-o", target)
		require.NoError(t, err)
		assert.Empty(t, out)
		raw, err := os.ReadFile(target)
		require.NoError(t, err)
		assert.Contains(t, string(raw), "<graphml")
	})

	t.Run("json round trip", func(t *testing.T) {
		deps, _, _ := newDeps(testSite())
		target := filepath.Join(t.TempDir(), "plain.json")
		_, err := executeCommand(t, deps, cfgPath, "export", snapPath, "-o", target)
		require.NoError(t, err)
		snap, err := snapshot.ReadFile(target)
		require.NoError(t, err)
		assert.Equal(t, 2, snap.StateCount())
	})

	t.Run("unsupported format", func(t *testing.T) {
		deps, _, _ := newDeps(testSite())
		_, err := executeCommand(t, deps, cfgPath, "export", snapPath, "-f", "sarif")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported output format")
	})

	t.Run("no source", func(t *testing.T) {
		deps, _, _ := newDeps(testSite())
		_, err := executeCommand(t, deps, cfgPath, "export")
		require.Error(t, err)
	})

	t.Run("file and session", func(t *testing.T) {
		deps, _, _ := newDeps(testSite())
		_, err := executeCommand(t, deps, cfgPath, "export", snapPath, "--session", "abc")
		require.Error(t, err)
	})
}

func TestExportCmd_FromSession(t *testing.T) {
	snap, err := snapshot.ReadFile(crawlFixture(t))
	require.NoError(t, err)

	deps, _, stores := newDeps(testSite())
	stores.store.On("LoadSnapshot", mock.Anything, snap.SessionID).Return(snap, nil).Once()
	stores.store.On("LoadSnapshot", mock.Anything, "unknown").Return(nil, errors.New("crawl session not found")).Once()

	out, err := executeCommand(t, deps, writeConfig(t, ""), "export", "--session", snap.SessionID, "-f", "text")
	require.NoError(t, err)
	assert.Contains(t, out, "Session:  "+snap.SessionID)

	_, err = executeCommand(t, deps, writeConfig(t, ""), "export", "--session", "unknown")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "crawl session not found")

	stores.store.AssertExpectations(t)
	assert.Equal(t, 2, stores.cleaned)
}

func TestPathCmd(t *testing.T) {
	snapPath := crawlFixture(t)
	cfgPath := writeConfig(t, "")

	tests := []struct {
		name    string
		args    []string
		want    []string
		wantErr error
	}{
		{
			name: "index to state by name",
			args: []string{"--to", "state1"},
			want: []string{"1. index -[click xpath", "1 events: index > state1"},
		},
		{
			name: "by id",
			args: []string{"--from", "1", "--to", "0"},
			want: []string{"1 events: state1 > index"},
		},
		{
			name: "same state",
			args: []string{"--to", "index"},
			want: []string{"index is the start state"},
		},
		{
			name:    "unknown state",
			args:    []string{"--to", "state9"},
			wantErr: stateflow.ErrStateNotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps, _, _ := newDeps(testSite())
			out, err := executeCommand(t, deps, cfgPath, append([]string{"path", snapPath}, tt.args...)...)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			for _, w := range tt.want {
				assert.Contains(t, out, w)
			}
		})
	}
}

func TestPathCmd_RequiresTarget(t *testing.T) {
	deps, _, _ := newDeps(testSite())
	_, err := executeCommand(t, deps, writeConfig(t, ""), "path", crawlFixture(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "to")
}

func TestDefaultStoreProvider_RequiresURL(t *testing.T) {
	cfg := new(mocks.MockConfig)
	cfg.On("Database").Return(config.DatabaseConfig{})

	st, cleanup, err := NewStoreProvider().Create(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STATEFLOW_DATABASE_URL")
	assert.Nil(t, st)
	assert.Nil(t, cleanup)
	cfg.AssertExpectations(t)
}
