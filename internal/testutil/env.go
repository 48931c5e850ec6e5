package testutil

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/thruflo/foreman/internal/config"
	"github.com/thruflo/foreman/internal/events"
	"github.com/thruflo/foreman/internal/session"
	"github.com/thruflo/foreman/internal/store"
)

// Clock is a deterministic clock that advances by Step on every read.
type Clock struct {
	mu   sync.Mutex
	now  time.Time
	Step time.Duration
}

// NewClock returns a Clock starting at a fixed instant and advancing one
// millisecond per read.
func NewClock() *Clock {
	return &Clock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), Step: time.Millisecond}
}

// Now returns the current time and advances the clock.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(c.Step)
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// RegistryEnv is a registry over an in-memory store that records events.
type RegistryEnv struct {
	Registry *session.Registry
	Store    *store.MemoryStore
	Events   *events.Recorder
	Clock    *Clock
}

// NewRegistry creates a RegistryEnv. opts.Sink and opts.Now are replaced.
func NewRegistry(t *testing.T, opts ...session.Options) *RegistryEnv {
	t.Helper()
	env := &RegistryEnv{
		Store:  store.NewMemoryStore(),
		Events: &events.Recorder{},
		Clock:  NewClock(),
	}
	var o session.Options
	if len(opts) > 0 {
		o = opts[0]
	}
	o.Sink = env.Events
	o.Now = env.Clock.Now
	reg, err := session.NewRegistry(context.Background(), env.Store, o)
	require.NoError(t, err)
	env.Registry = reg
	return env
}

// Create registers a session for project with a temp work dir.
func (e *RegistryEnv) Create(t *testing.T, project, title string) *session.Session {
	t.Helper()
	s, err := e.Registry.Create(context.Background(), session.CreateRequest{
		ProjectID:   project,
		Title:       title,
		Description: SampleDescription,
		WorkDir:     t.TempDir(),
	})
	require.NoError(t, err)
	return s
}

// SetupTestDir creates a temporary directory holding a foreman.yaml whose
// store lives in the same directory. Returns the directory and config path.
func SetupTestDir(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, config.DefaultFileName)

	cfg := config.DefaultConfig()
	cfg.Store.Driver = config.StoreDriverFile
	cfg.Store.Path = filepath.Join(dir, "data")
	cfg.Server.Addr = "127.0.0.1:0"
	WriteTestFile(t, dir, config.DefaultFileName, MustMarshalYAML(t, &cfg))
	return dir, path
}

// MustMarshalJSON marshals a value to JSON, failing the test on error.
// Uses indented format for readability.
func MustMarshalJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.MarshalIndent(v, "", "  ")
	require.NoError(t, err)
	return data
}

// MustUnmarshalJSON unmarshals JSON data into v, failing the test on error.
func MustUnmarshalJSON(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(data, v))
}

// WriteTestFile writes content to a file in the test directory.
// Creates parent directories as needed.
func WriteTestFile(t *testing.T, basePath, relativePath string, content []byte) {
	t.Helper()
	fullPath := filepath.Join(basePath, relativePath)
	require.NoError(t, os.MkdirAll(filepath.Dir(fullPath), 0o755))
	require.NoError(t, os.WriteFile(fullPath, content, 0o644))
}

// MustMarshalYAML marshals a value to YAML, failing the test on error.
func MustMarshalYAML(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := yaml.Marshal(v)
	require.NoError(t, err)
	return data
}
