// Package worker implements the page cache policy: populate on install,
// drop superseded generations on activate, serve cache-first on every request.
package worker

import (
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/iTrooz/pagecache-proxy/internal/cache/httpcache"
	"github.com/iTrooz/pagecache-proxy/internal/fetch"

	"github.com/prometheus/client_golang/prometheus"
)

// State is the lifecycle position of a worker. It is informational only.
type State int32

const (
	StateParsed State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	default:
		return "unknown"
	}
}

// Host receives the lifecycle signals of a worker
type Host interface {
	// SkipWaiting is sent after a successful install: the worker takes over
	// new requests right away instead of waiting for the previous one to go idle.
	SkipWaiting(w *Worker)
	// Claim is sent after activation: the worker now controls every client.
	Claim(w *Worker)
}

type noopHost struct{}

func (noopHost) SkipWaiting(*Worker) {}
func (noopHost) Claim(*Worker)       {}

// Options configures a Worker
type Options struct {
	Storage httpcache.CacheStorage
	// Fetcher answers intercepted requests
	Fetcher fetch.Fetcher
	// Populator fetches install resources. Defaults to Fetcher.
	Populator fetch.Fetcher
	// Version names the current cache generation
	Version string
	// Scope is the page origin; relative required resources resolve against it
	Scope *url.URL
	// Required resources must all be stored or Install fails
	Required []string
	// Optional resources are stored when they can be fetched
	Optional    []string
	OfflineText string
	Host        Host
	Metrics     *Metrics
}

// Worker applies the cache policy for one generation
type Worker struct {
	storage     httpcache.CacheStorage
	fetcher     fetch.Fetcher
	populator   fetch.Fetcher
	version     string
	scope       *url.URL
	required    []string
	optional    []string
	offlineText string
	host        Host
	metrics     *Metrics

	state atomic.Int32
	// current generation, set by Install
	cache atomic.Value
	// held shared by every Handle call, exclusively by Retire
	handling sync.RWMutex
	// detached cache writes
	pending sync.WaitGroup
}

// New creates a worker. Required resources are resolved against the scope.
func New(opts Options) (*Worker, error) {
	if opts.Storage == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if opts.Fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if opts.Version == "" {
		return nil, fmt.Errorf("version is required")
	}
	if opts.Scope == nil || !opts.Scope.IsAbs() {
		return nil, fmt.Errorf("scope must be an absolute URL")
	}

	required := make([]string, 0, len(opts.Required))
	for _, r := range opts.Required {
		ref, err := url.Parse(r)
		if err != nil {
			return nil, fmt.Errorf("invalid required resource %s: %w", r, err)
		}
		required = append(required, opts.Scope.ResolveReference(ref).String())
	}

	optional := make([]string, 0, len(opts.Optional))
	for _, o := range opts.Optional {
		u, err := url.Parse(o)
		if err != nil || !u.IsAbs() {
			return nil, fmt.Errorf("optional resource must be an absolute URL: %s", o)
		}
		optional = append(optional, u.String())
	}

	w := &Worker{
		storage:     opts.Storage,
		fetcher:     opts.Fetcher,
		populator:   opts.Populator,
		version:     opts.Version,
		scope:       opts.Scope,
		required:    required,
		optional:    optional,
		offlineText: opts.OfflineText,
		host:        opts.Host,
		metrics:     opts.Metrics,
	}
	if w.populator == nil {
		w.populator = w.fetcher
	}
	if w.host == nil {
		w.host = noopHost{}
	}
	if w.metrics == nil {
		w.metrics = NewMetrics(prometheus.NewRegistry())
	}
	return w, nil
}

func (w *Worker) Version() string {
	return w.version
}

func (w *Worker) Scope() *url.URL {
	return w.scope
}

// Required returns the resolved required resource URLs
func (w *Worker) Required() []string {
	return append([]string(nil), w.required...)
}

func (w *Worker) State() State {
	return State(w.state.Load())
}

func (w *Worker) setState(s State) {
	w.state.Store(int32(s))
}

func (w *Worker) currentCache() httpcache.Cache {
	c, _ := w.cache.Load().(httpcache.Cache)
	return c
}

// Wait blocks until every detached cache write started so far has finished
func (w *Worker) Wait() {
	w.pending.Wait()
}

// Retire marks the worker as superseded. It waits for the requests the worker
// is still handling and for their cache writes. Requests handled afterwards
// are answered but never stored.
func (w *Worker) Retire() {
	w.handling.Lock()
	w.setState(StateRedundant)
	w.handling.Unlock()
	w.pending.Wait()
}
