package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// Common errors
var (
	ErrUnknownStore   = errors.New("unknown store")
	ErrInvalidStoreID = errors.New("invalid store id")
	ErrClosed         = errors.New("registry closed")
)

// Handle is an opened store instance owned by a Registry.
type Handle interface {
	io.Closer
	Type() string
}

// Entry is a statically configured store.
type Entry struct {
	ID  string
	URL string
}

// Opener opens the store identified by id from an already expanded URL.
type Opener[T Handle] func(ctx context.Context, id, url string) (T, error)

// Options configures a Registry
type Options[T Handle] struct {
	Kind       string // "kv" or "rdb", used in logs
	AutoCreate bool
	DefaultURL string // template used for IDs without a static entry
	DataDir    string
	Entries    []Entry
	Open       Opener[T]

	// OnOpen is called without the registry lock after a store is opened.
	// open is the number of open stores including the new one.
	OnOpen func(id, url string, handle T, open int)

	Logger *logrus.Logger
}

type handle[T Handle] struct {
	value  T
	rawURL string // unexpanded URL, compared on Reload
	static bool
}

// Registry maps store IDs to opened handles. Stores are opened on first use
// and live until Reload drops their configuration or the registry is closed.
type Registry[T Handle] struct {
	mu      sync.RWMutex
	opts    Options[T]
	static  map[string]string
	handles map[string]*handle[T]
	opening map[string]*pendingOpen[T]
	closed  bool
	logger  *logrus.Logger
}

// New creates a registry. No store is opened until it is first requested.
func New[T Handle](opts Options[T]) (*Registry[T], error) {
	if opts.Open == nil {
		return nil, fmt.Errorf("%s registry: opener is required", opts.Kind)
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}

	static, err := staticMap(opts.Entries)
	if err != nil {
		return nil, fmt.Errorf("%s registry: %w", opts.Kind, err)
	}

	return &Registry[T]{
		opts:    opts,
		static:  static,
		handles: make(map[string]*handle[T]),
		opening: make(map[string]*pendingOpen[T]),
		logger:  opts.Logger,
	}, nil
}

func staticMap(entries []Entry) (map[string]string, error) {
	static := make(map[string]string, len(entries))
	for _, e := range entries {
		if err := ValidateID(e.ID); err != nil {
			return nil, err
		}
		if _, dup := static[e.ID]; dup {
			return nil, fmt.Errorf("duplicate store id %q", e.ID)
		}
		static[e.ID] = e.URL
	}
	return static, nil
}

// Get returns the store for id, opening it if needed. Opening runs without
// the registry lock held; concurrent callers for the same id wait for the
// single in-flight open.
func (r *Registry[T]) Get(ctx context.Context, id string) (T, error) {
	var zero T
	if err := ValidateID(id); err != nil {
		return zero, err
	}

	r.mu.RLock()
	h, ok := r.handles[id]
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return zero, ErrClosed
	}
	if ok {
		return h.value, nil
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return zero, ErrClosed
	}
	if h, ok := r.handles[id]; ok {
		r.mu.Unlock()
		return h.value, nil
	}
	if p, ok := r.opening[id]; ok {
		r.mu.Unlock()
		return p.wait(ctx)
	}

	rawURL, static, err := r.resolve(id)
	if err != nil {
		r.mu.Unlock()
		return zero, err
	}
	p := &pendingOpen[T]{done: make(chan struct{})}
	r.opening[id] = p
	r.mu.Unlock()

	p.value, p.err = r.open(ctx, id, rawURL, static)
	close(p.done)
	return p.value, p.err
}

// resolve returns the unexpanded URL for id. Caller holds r.mu.
func (r *Registry[T]) resolve(id string) (string, bool, error) {
	if rawURL, ok := r.static[id]; ok {
		return rawURL, true, nil
	}
	if !r.opts.AutoCreate {
		return "", false, fmt.Errorf("%w: %s %q", ErrUnknownStore, r.opts.Kind, id)
	}
	return r.opts.DefaultURL, false, nil
}

func (r *Registry[T]) open(ctx context.Context, id, rawURL string, static bool) (T, error) {
	var zero T
	fields := logrus.Fields{"kind": r.opts.Kind, "store": id}

	url, err := Expand(rawURL, id, r.opts.DataDir)
	if err == nil {
		var value T
		value, err = r.opts.Open(ctx, id, url)
		if err == nil {
			return r.install(id, url, rawURL, static, value)
		}
		r.logger.WithFields(fields).WithError(err).Error("Failed to open store")
		err = fmt.Errorf("open %s store %q: %w", r.opts.Kind, id, err)
	}

	r.mu.Lock()
	delete(r.opening, id)
	r.mu.Unlock()
	return zero, err
}

// install publishes a freshly opened handle, unless the registry was closed
// or reconfigured while it was opening.
func (r *Registry[T]) install(id, url, rawURL string, static bool, value T) (T, error) {
	var zero T

	r.mu.Lock()
	delete(r.opening, id)
	if r.closed {
		r.mu.Unlock()
		_ = value.Close()
		return zero, ErrClosed
	}
	if current, currentStatic, err := r.resolve(id); err != nil || current != rawURL || currentStatic != static {
		r.mu.Unlock()
		_ = value.Close()
		if err != nil {
			return zero, err
		}
		return zero, fmt.Errorf("open %s store %q: configuration changed while opening", r.opts.Kind, id)
	}
	r.handles[id] = &handle[T]{value: value, rawURL: rawURL, static: static}
	open := len(r.handles)
	r.mu.Unlock()

	r.logger.WithFields(logrus.Fields{
		"kind":   r.opts.Kind,
		"store":  id,
		"engine": value.Type(),
		"static": static,
	}).Info("Opened store")

	if r.opts.OnOpen != nil {
		r.opts.OnOpen(id, url, value, open)
	}
	return value, nil
}

type pendingOpen[T Handle] struct {
	done  chan struct{}
	value T
	err   error
}

func (p *pendingOpen[T]) wait(ctx context.Context) (T, error) {
	select {
	case <-p.done:
		return p.value, p.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Reload replaces the static entries. Handles whose URL is unchanged stay
// open; handles whose entry changed or was removed are closed and will be
// reopened on next use. Auto-created handles are kept unless a new static
// entry now claims their ID.
func (r *Registry[T]) Reload(entries []Entry) error {
	static, err := staticMap(entries)
	if err != nil {
		return fmt.Errorf("%s registry: %w", r.opts.Kind, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for id, h := range r.handles {
		newURL, configured := static[id]
		switch {
		case h.static && configured && newURL == h.rawURL:
			r.logger.WithField("store", id).Debugf("%s store unchanged, keeping it open", r.opts.Kind)
			continue
		case !h.static && !configured:
			continue
		}

		if err := h.value.Close(); err != nil {
			r.logger.WithField("store", id).WithError(err).Warnf("Failed to close %s store", r.opts.Kind)
		}
		delete(r.handles, id)
		r.logger.WithField("store", id).Infof("Closed %s store after reload", r.opts.Kind)
	}

	r.static = static
	return nil
}

// List returns the IDs of open stores in sorted order.
func (r *Registry[T]) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.handles))
	for id := range r.handles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of open stores.
func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}

// Close closes every open store. The registry cannot be used afterwards.
func (r *Registry[T]) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	var errs []error
	for id, h := range r.handles {
		if err := h.value.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s store %q: %w", r.opts.Kind, id, err))
		}
	}
	r.handles = make(map[string]*handle[T])
	return errors.Join(errs...)
}
