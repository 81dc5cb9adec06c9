// Package zk implements a dynprop.PropertySource backed by Apache
// ZooKeeper. It maintains a live mirror of the subtree under a configured
// root path via ZooKeeper watches, dispatches change events to per-key
// subscribers, and performs optimistic-retry writes against concurrent
// external writers.
package zk

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-zookeeper/zk"

	"dynprop"
)

const (
	// upsertRetryCount bounds the optimistic create loop of UpsertProperty.
	upsertRetryCount = 10

	// defaultReadTimeout bounds bulk reads that bypass the mirror.
	defaultReadTimeout = 120 * time.Second

	// watchRetryDelay spaces out re-arming a watch after a transient error.
	watchRetryDelay = time.Second
)

// ErrUpsertConflict reports that UpsertProperty lost the creation race on
// every attempt.
var ErrUpsertConflict = errors.New("upsert lost the creation race too many times")

// client is the subset of *zk.Conn the source uses, extracted so tests can
// inject a fake.
type client interface {
	Get(path string) ([]byte, *zk.Stat, error)
	GetW(path string) ([]byte, *zk.Stat, <-chan zk.Event, error)
	Children(path string) ([]string, *zk.Stat, error)
	ChildrenW(path string) ([]string, *zk.Stat, <-chan zk.Event, error)
	Exists(path string) (bool, *zk.Stat, error)
	ExistsW(path string) (bool, *zk.Stat, <-chan zk.Event, error)
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	Set(path string, data []byte, version int32) (*zk.Stat, error)
}

// Option configures a Source.
type Option func(*Source)

// WithLogger sets the logging sink. Passing nil keeps slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Source) {
		if logger != nil {
			s.log = logger
		}
	}
}

// WithReadTimeout bounds ReadAllProperties and ReadAllSubtreeProperties
// when the caller's context carries no deadline of its own.
func WithReadTimeout(timeout time.Duration) Option {
	return func(s *Source) {
		if timeout > 0 {
			s.readTimeout = timeout
		}
	}
}

// Source mirrors the subtree under root and serves the
// dynprop.PropertySource contract. The mirror map is owned exclusively by
// the event-processing path; consumers only ever read it.
//
// The source does not own the connection: closing the source stops its
// watch goroutines but leaves conn usable.
type Source struct {
	conn        client
	root        string
	log         *slog.Logger
	readTimeout time.Duration
	dispatcher  *dynprop.Dispatcher

	mu      sync.RWMutex
	mirror  map[string][]byte
	watched map[string]struct{}
	closed  bool

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New creates a source mirroring the subtree under root, e.g.
// "/config/myservice". The connection must already be established. New
// performs one synchronous sweep of the subtree so that subscriptions taken
// immediately after it returns observe the current state.
func New(conn *zk.Conn, root string, opts ...Option) (*Source, error) {
	return newSource(conn, root, opts...)
}

func newSource(conn client, root string, opts ...Option) (*Source, error) {
	if !strings.HasPrefix(root, "/") || strings.HasSuffix(root, "/") {
		return nil, fmt.Errorf("root path %q must start with '/' and not end with one", root)
	}

	s := &Source{
		conn:        conn,
		root:        root,
		log:         slog.Default(),
		readTimeout: defaultReadTimeout,
		mirror:      make(map[string][]byte),
		watched:     make(map[string]struct{}),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.dispatcher = dynprop.NewDispatcher(s.log)

	s.syncSubtree(root)
	s.ensureWatched(root)
	return s, nil
}

// SubscribeAndCall implements dynprop.PropertySource. The initial callback
// reads the mirror, never the store directly, so it cannot run ahead of the
// event stream.
func (s *Source) SubscribeAndCall(key string, defaultValue dynprop.OptionalValue[string], l dynprop.RawListener) (*dynprop.Subscription, error) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil, fmt.Errorf("subscribe %q: source is closed", key)
	}
	return s.dispatcher.SubscribeAndCall(s.absolutePath(key), defaultValue, l, s.lookup), nil
}

// GetProperty implements dynprop.PropertySource, served from the mirror.
func (s *Source) GetProperty(key string) (string, bool, error) {
	value, ok := s.lookup(s.absolutePath(key))
	return value, ok, nil
}

// Close stops all watch goroutines and drops every subscription. It does
// not close the underlying connection. Closing twice is a no-op.
func (s *Source) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)
		s.wg.Wait()
		s.dispatcher.Close()
	})
	return nil
}

// syncSubtree loads the current subtree into the mirror before any watch
// goroutine runs. No events fire: there are no subscribers yet.
func (s *Source) syncSubtree(path string) {
	data, _, err := s.conn.Get(path)
	if err != nil {
		if !errors.Is(err, zk.ErrNoNode) {
			s.log.Error("initial read failed", "path", path, "error", err)
		}
		return
	}
	s.mu.Lock()
	s.mirror[path] = data
	s.mu.Unlock()

	children, _, err := s.conn.Children(path)
	if err != nil {
		if !errors.Is(err, zk.ErrNoNode) {
			s.log.Error("initial children read failed", "path", path, "error", err)
		}
		return
	}
	for _, child := range children {
		s.syncSubtree(path + "/" + child)
	}
}

// ensureWatched spawns the watch goroutine for path exactly once.
func (s *Source) ensureWatched(path string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if _, ok := s.watched[path]; ok {
		s.mu.Unlock()
		return
	}
	s.watched[path] = struct{}{}
	s.mu.Unlock()

	s.wg.Add(1)
	go s.watchNode(path)
}

// watchNode keeps one node of the subtree mirrored. Each pass re-arms the
// data and children watches, applies the observed state, and parks until
// the store reports a change. A deleted node parks on its existence watch
// so a later re-creation resumes mirroring.
func (s *Source) watchNode(path string) {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		default:
		}

		exists, _, existCh, err := s.conn.ExistsW(path)
		if err != nil {
			s.log.Error("watch exists failed", "path", path, "error", err)
			if !s.pause(watchRetryDelay) {
				return
			}
			continue
		}
		if !exists {
			s.dropNode(path)
			select {
			case <-existCh:
				continue
			case <-s.done:
				return
			}
		}

		data, _, dataCh, err := s.conn.GetW(path)
		if err != nil {
			if errors.Is(err, zk.ErrNoNode) {
				continue
			}
			s.log.Error("watch read failed", "path", path, "error", err)
			if !s.pause(watchRetryDelay) {
				return
			}
			continue
		}
		s.applyNode(path, data)

		children, _, childCh, err := s.conn.ChildrenW(path)
		if err != nil {
			if errors.Is(err, zk.ErrNoNode) {
				continue
			}
			s.log.Error("watch children failed", "path", path, "error", err)
			if !s.pause(watchRetryDelay) {
				return
			}
			continue
		}
		for _, child := range children {
			s.ensureWatched(path + "/" + child)
		}

		select {
		case <-dataCh:
		case <-childCh:
		case <-s.done:
			return
		}
	}
}

// applyNode stores the payload and dispatches when it differs from the
// mirrored one, which also keeps re-armed watches from replaying the
// current value as a change.
func (s *Source) applyNode(path string, data []byte) {
	s.mu.Lock()
	prev, ok := s.mirror[path]
	if ok && bytes.Equal(prev, data) {
		s.mu.Unlock()
		return
	}
	s.mirror[path] = data
	s.mu.Unlock()

	s.log.Info("property changed", "path", path, "value", string(data))
	s.dispatcher.Fire(path, string(data), true)
}

// dropNode removes the payload and dispatches the removal to subscribers.
func (s *Source) dropNode(path string) {
	s.mu.Lock()
	_, ok := s.mirror[path]
	if ok {
		delete(s.mirror, path)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	s.log.Info("property removed", "path", path)
	s.dispatcher.Fire(path, "", false)
}

func (s *Source) lookup(path string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.mirror[path]
	return string(data), ok
}

// pause sleeps for d unless the source closes first.
func (s *Source) pause(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-s.done:
		return false
	}
}

func (s *Source) absolutePath(key string) string {
	if key == "" {
		return s.root
	}
	return s.root + "/" + key
}

// ReadAllProperties implements dynprop.PropertySource with a direct store
// read.
func (s *Source) ReadAllProperties(ctx context.Context) (map[string]string, error) {
	return s.ReadAllSubtreeProperties(ctx, "")
}

// ReadAllSubtreeProperties implements dynprop.PropertySource. The walk goes
// directly to the store, bypassing the mirror, to avoid serving values the
// mirror has not caught up to. Without a caller deadline the read timeout
// applies; on expiry the failure surfaces instead of an empty result.
func (s *Source) ReadAllSubtreeProperties(ctx context.Context, root string) (map[string]string, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.readTimeout)
		defer cancel()
	}

	type result struct {
		props map[string]string
		err   error
	}
	results := make(chan result, 1)
	go func() {
		props := make(map[string]string)
		err := s.collect(s.absolutePath(root), "", props)
		results <- result{props: props, err: err}
	}()

	select {
	case r := <-results:
		if r.err != nil {
			return nil, fmt.Errorf("read subtree %q: %w", root, r.err)
		}
		return r.props, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("read subtree %q: %w", root, ctx.Err())
	}
}

// collect walks the store recursively, keying results by path relative to
// the walk root. A node that disappears mid-walk is skipped, not an error.
func (s *Source) collect(path, prefix string, out map[string]string) error {
	children, _, err := s.conn.Children(path)
	if err != nil {
		if errors.Is(err, zk.ErrNoNode) {
			return nil
		}
		return err
	}
	for _, child := range children {
		childPath := path + "/" + child
		rel := child
		if prefix != "" {
			rel = prefix + "/" + child
		}
		data, _, err := s.conn.Get(childPath)
		if err != nil {
			if errors.Is(err, zk.ErrNoNode) {
				continue
			}
			return err
		}
		out[rel] = string(data)
		if err := s.collect(childPath, rel, out); err != nil {
			return err
		}
	}
	return nil
}
