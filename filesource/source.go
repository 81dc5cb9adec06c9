// Package filesource implements a dynprop.PropertySource backed by a
// local TOML or YAML file. Nested documents are exposed as flat
// slash-separated keys, and an edit to the file (by any process) is
// picked up by a polling watcher and propagated to subscribers.
package filesource

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"dynprop"
)

// Timing behavior of the file watcher.
const (
	// MinPollInterval is the hard floor for file stat polling.
	MinPollInterval = 100 * time.Millisecond

	// DefaultPollInterval is the standard file monitoring frequency.
	DefaultPollInterval = time.Second

	// DefaultDebounce coalesces rapid successive file changes.
	DefaultDebounce = 500 * time.Millisecond
)

// Option configures a Source.
type Option func(*Source)

// WithLogger sets the logger used for watch and reload diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Source) {
		if logger != nil {
			s.log = logger
		}
	}
}

// WithPollInterval overrides the file stat polling frequency. Values
// below MinPollInterval are raised to it.
func WithPollInterval(interval time.Duration) Option {
	return func(s *Source) {
		if interval < MinPollInterval {
			interval = MinPollInterval
		}
		s.pollInterval = interval
	}
}

// WithDebounce overrides the change coalescence period.
func WithDebounce(debounce time.Duration) Option {
	return func(s *Source) {
		if debounce >= 0 {
			s.debounce = debounce
		}
	}
}

// Source is a file-backed dynprop.PropertySource. All reads are served
// from an in-memory snapshot of the last successful parse; writes go
// through an atomic temp-file rename so a concurrent reader never sees
// a torn file.
type Source struct {
	path         string
	format       string
	log          *slog.Logger
	pollInterval time.Duration
	debounce     time.Duration

	dispatcher *dynprop.Dispatcher

	mu            sync.Mutex
	values        map[string]string
	doc           map[string]any
	lastModTime   time.Time
	lastSize      int64
	debounceTimer *time.Timer
	closed        bool

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New opens path and starts watching it. The format is inferred from
// the file extension (.toml, .yaml or .yml). A missing file is not an
// error: the source starts empty and loads the file once it appears.
func New(path string, opts ...Option) (*Source, error) {
	format, err := formatForPath(path)
	if err != nil {
		return nil, err
	}

	s := &Source{
		path:         path,
		format:       format,
		log:          slog.Default(),
		pollInterval: DefaultPollInterval,
		debounce:     DefaultDebounce,
		values:       make(map[string]string),
		doc:          make(map[string]any),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.dispatcher = dynprop.NewDispatcher(s.log)

	doc, info, err := s.readFile()
	switch {
	case err == nil:
		s.doc = doc
		s.values = flatten(doc)
		s.lastModTime = info.ModTime()
		s.lastSize = info.Size()
	case os.IsNotExist(err):
		s.log.Warn("property file not found, starting empty", "path", path)
	default:
		return nil, err
	}

	s.wg.Add(1)
	go s.watchLoop()
	return s, nil
}

func formatForPath(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return "toml", nil
	case ".yaml", ".yml":
		return "yaml", nil
	default:
		return "", fmt.Errorf("unsupported property file extension %q", filepath.Ext(path))
	}
}

// SubscribeAndCall implements dynprop.PropertySource. The initial
// callback is served from the in-memory snapshot before this returns.
func (s *Source) SubscribeAndCall(key string, defaultValue dynprop.OptionalValue[string], l dynprop.RawListener) (*dynprop.Subscription, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("subscribe %q: source is closed", key)
	}
	return s.dispatcher.SubscribeAndCall(key, defaultValue, l, s.lookup), nil
}

// GetProperty implements dynprop.PropertySource, served from the
// in-memory snapshot.
func (s *Source) GetProperty(key string) (string, bool, error) {
	value, ok := s.lookup(key)
	return value, ok, nil
}

func (s *Source) lookup(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.values[key]
	return value, ok
}

// ReadAllProperties implements dynprop.PropertySource. It re-reads the
// file rather than serving the snapshot, so a caller that just wrote
// the file through another process sees its own write.
func (s *Source) ReadAllProperties(ctx context.Context) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	doc, _, err := s.readFile()
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, err
	}
	return flatten(doc), nil
}

// ReadAllSubtreeProperties implements dynprop.PropertySource. Keys in
// the result are relative to root.
func (s *Source) ReadAllSubtreeProperties(ctx context.Context, root string) (map[string]string, error) {
	all, err := s.ReadAllProperties(ctx)
	if err != nil {
		return nil, err
	}
	prefix := root + "/"
	subtree := make(map[string]string)
	for key, value := range all {
		if strings.HasPrefix(key, prefix) {
			subtree[strings.TrimPrefix(key, prefix)] = value
		}
	}
	return subtree, nil
}

// UpsertProperty implements dynprop.PropertySource. The updated
// document is written back atomically. Writing the value the file
// already holds is a no-op and produces no event.
func (s *Source) UpsertProperty(key, value string) error {
	return s.write(key, value, false)
}

// PutIfAbsent implements dynprop.PropertySource.
func (s *Source) PutIfAbsent(key, value string) error {
	return s.write(key, value, true)
}

func (s *Source) write(key, value string, onlyIfAbsent bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("write %q: source is closed", key)
	}
	current, exists := s.values[key]
	if exists && (onlyIfAbsent || current == value) {
		s.mu.Unlock()
		return nil
	}

	setNested(s.doc, key, value)
	data, err := s.encode(s.doc)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("encode property file: %w", err)
	}
	if err := atomicWriteFile(s.path, data); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("write property file: %w", err)
	}
	s.values[key] = value

	// Track our own write so the poller does not schedule a redundant
	// reload for it.
	if info, err := os.Stat(s.path); err == nil {
		s.lastModTime = info.ModTime()
		s.lastSize = info.Size()
	}
	s.mu.Unlock()

	s.dispatcher.Fire(key, value, true)
	return nil
}

// Close stops the watcher and drops every subscription. Closing twice
// is a no-op.
func (s *Source) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		if s.debounceTimer != nil {
			s.debounceTimer.Stop()
		}
		s.mu.Unlock()
		close(s.done)
		s.wg.Wait()
		s.dispatcher.Close()
	})
	return nil
}

func (s *Source) watchLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.checkAndReload()
		}
	}
}

// checkAndReload compares file stat against the last observed state and
// schedules a debounced reload when it differs.
func (s *Source) checkAndReload() {
	info, err := os.Stat(s.path)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	if err != nil {
		if os.IsNotExist(err) && !s.lastModTime.IsZero() {
			s.lastModTime = time.Time{}
			s.lastSize = 0
			s.scheduleReloadLocked()
		}
		return
	}

	if info.ModTime().Equal(s.lastModTime) && info.Size() == s.lastSize {
		return
	}
	s.lastModTime = info.ModTime()
	s.lastSize = info.Size()
	s.scheduleReloadLocked()
}

func (s *Source) scheduleReloadLocked() {
	if s.debounceTimer != nil {
		s.debounceTimer.Stop()
	}
	s.debounceTimer = time.AfterFunc(s.debounce, s.reload)
}

// reload re-parses the file, swaps the snapshot and fires one event per
// key whose value changed, appeared or vanished.
func (s *Source) reload() {
	doc, _, err := s.readFile()
	if err != nil && !os.IsNotExist(err) {
		s.log.Error("property file reload failed, keeping last snapshot",
			"path", s.path, "error", err)
		return
	}
	if doc == nil {
		doc = make(map[string]any)
	}
	next := flatten(doc)

	type delta struct {
		key     string
		value   string
		present bool
	}
	var deltas []delta

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	for key, value := range next {
		if old, ok := s.values[key]; !ok || old != value {
			deltas = append(deltas, delta{key, value, true})
		}
	}
	for key := range s.values {
		if _, ok := next[key]; !ok {
			deltas = append(deltas, delta{key: key})
		}
	}
	s.doc = doc
	s.values = next
	s.mu.Unlock()

	for _, d := range deltas {
		s.dispatcher.Fire(d.key, d.value, d.present)
	}
	if len(deltas) > 0 {
		s.log.Debug("property file reloaded", "path", s.path, "changed", len(deltas))
	}
}
