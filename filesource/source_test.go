package filesource

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dynprop"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func newTestSource(t *testing.T, path string) *Source {
	t.Helper()
	s, err := New(path,
		WithLogger(quietLogger()),
		WithPollInterval(MinPollInterval),
		WithDebounce(10*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// rawRecorder collects asynchronous raw deliveries.
type rawRecorder struct {
	mu     sync.Mutex
	events []string
}

func (r *rawRecorder) listener(value string, present bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !present {
		value = "<absent>"
	}
	r.events = append(r.events, value)
}

func (r *rawRecorder) last() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return ""
	}
	return r.events[len(r.events)-1]
}

func (r *rawRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

const tomlDoc = `
greeting = "hello"

[server]
host = "localhost"
port = 8080
debug = true

[server.limits]
rate = 2.5
tags = ["a", "b", "c"]
`

func TestTOMLFlattening(t *testing.T) {
	path := writeTempFile(t, "app.toml", tomlDoc)
	s := newTestSource(t, path)

	cases := map[string]string{
		"greeting":           "hello",
		"server/host":        "localhost",
		"server/port":        "8080",
		"server/debug":       "true",
		"server/limits/rate": "2.5",
		"server/limits/tags": "a,b,c",
	}
	for key, want := range cases {
		value, ok, err := s.GetProperty(key)
		require.NoError(t, err)
		require.True(t, ok, "key %q", key)
		assert.Equal(t, want, value, "key %q", key)
	}

	_, ok, err := s.GetProperty("no/such/key")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestYAMLFlattening(t *testing.T) {
	path := writeTempFile(t, "app.yaml", `
greeting: hello
server:
  host: localhost
  port: 8080
`)
	s := newTestSource(t, path)

	value, ok, err := s.GetProperty("server/port")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "8080", value)
}

func TestUnsupportedExtension(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "app.json"), WithLogger(quietLogger()))
	assert.Error(t, err)
}

func TestMissingFileStartsEmptyAndLoadsOnAppearance(t *testing.T) {
	path := filepath.Join(t.TempDir(), "late.toml")
	s := newTestSource(t, path)

	rec := &rawRecorder{}
	_, err := s.SubscribeAndCall("greeting", dynprop.Absent[string](), rec.listener)
	require.NoError(t, err)
	require.Equal(t, "<absent>", rec.last())

	require.NoError(t, os.WriteFile(path, []byte(`greeting = "finally"`), 0644))

	require.Eventually(t, func() bool { return rec.last() == "finally" },
		3*time.Second, 20*time.Millisecond)
}

func TestReloadFiresOnlyChangedKeys(t *testing.T) {
	path := writeTempFile(t, "app.toml", "a = \"1\"\nb = \"2\"\nc = \"3\"\n")
	s := newTestSource(t, path)

	recA := &rawRecorder{}
	recB := &rawRecorder{}
	recC := &rawRecorder{}
	_, err := s.SubscribeAndCall("a", dynprop.Absent[string](), recA.listener)
	require.NoError(t, err)
	_, err = s.SubscribeAndCall("b", dynprop.Present("fallback"), recB.listener)
	require.NoError(t, err)
	_, err = s.SubscribeAndCall("c", dynprop.Absent[string](), recC.listener)
	require.NoError(t, err)

	// a changes, b vanishes, c stays.
	require.NoError(t, os.WriteFile(path, []byte("a = \"10\"\nc = \"3\"\n"), 0644))

	require.Eventually(t, func() bool { return recA.last() == "10" },
		3*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool { return recB.last() == "fallback" },
		3*time.Second, 20*time.Millisecond)
	assert.Equal(t, 1, recC.count(), "untouched key must not refire")
}

func TestUpsertPersistsAndFires(t *testing.T) {
	path := writeTempFile(t, "app.toml", "[server]\nhost = \"localhost\"\n")
	s := newTestSource(t, path)

	rec := &rawRecorder{}
	_, err := s.SubscribeAndCall("server/port", dynprop.Absent[string](), rec.listener)
	require.NoError(t, err)

	require.NoError(t, s.UpsertProperty("server/port", "9090"))
	assert.Equal(t, "9090", rec.last())

	// Idempotent: the same payload writes nothing and fires nothing.
	require.NoError(t, s.UpsertProperty("server/port", "9090"))
	assert.Equal(t, 2, rec.count())

	// The write survives a fresh parse of the file.
	reopened := newTestSource(t, path)
	value, ok, err := reopened.GetProperty("server/port")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "9090", value)
}

func TestPutIfAbsentKeepsExistingValue(t *testing.T) {
	path := writeTempFile(t, "app.toml", "key = \"original\"\n")
	s := newTestSource(t, path)

	require.NoError(t, s.PutIfAbsent("key", "replacement"))
	value, _, err := s.GetProperty("key")
	require.NoError(t, err)
	assert.Equal(t, "original", value)

	require.NoError(t, s.PutIfAbsent("fresh", "v"))
	value, ok, err := s.GetProperty("fresh")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v", value)
}

func TestReadAllSubtreeReadsFileDirectly(t *testing.T) {
	path := writeTempFile(t, "app.toml", tomlDoc)
	s := newTestSource(t, path)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	props, err := s.ReadAllSubtreeProperties(ctx, "server/limits")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"rate": "2.5",
		"tags": "a,b,c",
	}, props)
}

func TestReadAllRespectsCancelledContext(t *testing.T) {
	path := writeTempFile(t, "app.toml", "a = \"1\"\n")
	s := newTestSource(t, path)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.ReadAllProperties(ctx)
	assert.Error(t, err)
}

func TestCloseStopsDeliveries(t *testing.T) {
	path := writeTempFile(t, "app.toml", "key = \"v1\"\n")
	s := newTestSource(t, path)

	rec := &rawRecorder{}
	_, err := s.SubscribeAndCall("key", dynprop.Absent[string](), rec.listener)
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "close is idempotent")

	_, err = s.SubscribeAndCall("key", dynprop.Absent[string](), rec.listener)
	assert.Error(t, err)
	assert.Equal(t, 1, rec.count())
}

func TestSourcedPropertyOverFile(t *testing.T) {
	path := writeTempFile(t, "app.toml", "[limits]\nrate = 250\n")
	s := newTestSource(t, path)

	rate, err := dynprop.NewSourced[int](s, "limits/rate",
		dynprop.DefaultMarshaller[int](), dynprop.Present(100),
		dynprop.WithLogger(quietLogger()))
	require.NoError(t, err)
	defer rate.Close()

	require.Equal(t, 250, rate.Get())

	require.NoError(t, os.WriteFile(path, []byte("[limits]\nrate = 300\n"), 0644))

	require.Eventually(t, func() bool { return rate.Get() == 300 },
		3*time.Second, 20*time.Millisecond)
}
