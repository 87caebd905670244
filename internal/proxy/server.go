package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/iTrooz/pagecache-proxy/internal/cache"
	"github.com/iTrooz/pagecache-proxy/internal/cache/httpcache"
	"github.com/iTrooz/pagecache-proxy/internal/config"
	"github.com/iTrooz/pagecache-proxy/internal/fetch"
	"github.com/iTrooz/pagecache-proxy/internal/worker"

	"github.com/elazarl/goproxy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Server represents the caching proxy server. It hosts one active worker at a time.
type Server struct {
	config    *config.Config
	proxy     *goproxy.ProxyHttpServer
	cache     cache.GenericCache
	storage   httpcache.CacheStorage
	fetcher   fetch.Fetcher
	populator fetch.Fetcher // follows redirects, for install resources
	registry  *prometheus.Registry
	metrics   *worker.Metrics

	active  atomic.Pointer[worker.Worker]
	claimed atomic.Bool
	// serializes install/activate cycles
	updateMu sync.Mutex
}

// New creates a new proxy server
func New(cfg *config.Config) (*Server, error) {
	timeout, err := cfg.GetTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid network timeout: %w", err)
	}

	genericCache, err := cache.Open(cfg.Cache.Backend, cfg.Cache.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache storage: %w", err)
	}

	registry := prometheus.NewRegistry()

	s := &Server{
		config:    cfg,
		proxy:     goproxy.NewProxyHttpServer(),
		cache:     genericCache,
		storage:   httpcache.New(genericCache),
		fetcher:   fetch.NewClient(timeout, cfg.Network.RetryMax),
		populator: fetch.NewFollowingClient(timeout, cfg.Network.RetryMax),
		registry:  registry,
		metrics:   worker.NewMetrics(registry),
	}

	s.proxy.Verbose = logrus.IsLevelEnabled(logrus.TraceLevel)
	s.proxy.NonproxyHandler = s.adminRouter()

	if cfg.Server.HTTPS.Enabled {
		if err := s.setupHTTPSProxyHandler(); err != nil {
			_ = genericCache.Close()
			return nil, fmt.Errorf("failed to set up HTTPS interception: %w", err)
		}
	}

	s.proxy.OnRequest().DoFunc(s.handleRequest)

	return s, nil
}

// GetProxy returns the HTTP handler of the proxy
func (s *Server) GetProxy() http.Handler {
	return s.proxy
}

// Storage exposes the cache generations
func (s *Server) Storage() httpcache.CacheStorage {
	return s.storage
}

// Active returns the worker currently handling requests, or nil
func (s *Server) Active() *worker.Worker {
	return s.active.Load()
}

// NewWorker builds a worker for the configured page, hosted by this server
func (s *Server) NewWorker() (*worker.Worker, error) {
	scope, err := s.config.GetScope()
	if err != nil {
		return nil, err
	}

	return worker.New(worker.Options{
		Storage:     s.storage,
		Fetcher:     s.fetcher,
		Populator:   s.populator,
		Version:     s.config.Cache.Version,
		Scope:       scope,
		Required:    s.config.Worker.Required,
		Optional:    s.config.Worker.Optional,
		OfflineText: s.config.Worker.OfflineText,
		Host:        s,
		Metrics:     s.metrics,
	})
}

// Register installs then activates w. If the install fails the previous
// worker, if any, keeps handling requests.
func (s *Server) Register(ctx context.Context, w *worker.Worker) error {
	s.updateMu.Lock()
	defer s.updateMu.Unlock()

	if err := w.Install(ctx); err != nil {
		return err
	}
	return w.Activate(ctx)
}

// Update registers a fresh worker built from the configuration
func (s *Server) Update(ctx context.Context) error {
	w, err := s.NewWorker()
	if err != nil {
		return fmt.Errorf("failed to create worker: %w", err)
	}
	return s.Register(ctx, w)
}

// SkipWaiting makes w handle every new request. The previous worker is retired:
// requests it is already serving finish on their own, and its pending cache
// writes are drained before w goes on to activation.
func (s *Server) SkipWaiting(w *worker.Worker) {
	s.claimed.Store(false)
	prev := s.active.Swap(w)
	logrus.Infof("Worker for cache %s takes over", w.Version())

	if prev != nil && prev != w {
		prev.Retire()
		logrus.Infof("Retired worker for cache %s", prev.Version())
	}
}

// Claim marks w as controlling all clients
func (s *Server) Claim(w *worker.Worker) {
	s.active.Store(w)
	s.claimed.Store(true)
	logrus.Infof("Worker for cache %s controls all clients", w.Version())
}

// Start runs the initial install and serves until ctx is cancelled
func (s *Server) Start(ctx context.Context) error {
	if err := s.Update(ctx); err != nil {
		logrus.Errorf("Initial install failed, forwarding requests without caching: %v", err)
	}

	if port := s.config.Server.HTTPS.TransparentPort; port != 0 {
		go func() {
			if err := s.StartTransparentHTTPS(fmt.Sprintf(":%d", port)); err != nil {
				logrus.Errorf("Transparent HTTPS listener failed: %v", err)
			}
		}()
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.config.Server.Port),
		Handler: s.proxy,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logrus.Errorf("Failed to shut down proxy: %v", err)
		}
	}()

	logrus.Infof("Starting caching proxy on port %d", s.config.Server.Port)
	logrus.Infof("Page scope: %s", s.config.Worker.Scope)
	logrus.Infof("Cache: %s (%s at %s)", s.config.Cache.Version, s.config.Cache.Backend, s.config.Cache.Path)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close waits for pending cache writes and releases the storage
func (s *Server) Close() error {
	if w := s.active.Load(); w != nil {
		w.Wait()
	}
	return s.cache.Close()
}

func (s *Server) handleRequest(req *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
	w := s.active.Load()
	if w == nil {
		logrus.Debugf("No active worker, forwarding %s %s", req.Method, req.URL)
		return req, nil
	}

	resp, source := w.Handle(req.Context(), req)

	switch source {
	case worker.SourceCache:
		resp.Header.Set("X-Cache", "HIT")
	case worker.SourceNetwork:
		resp.Header.Set("X-Cache", "MISS")
	case worker.SourceOffline:
		resp.Header.Set("X-Cache", "OFFLINE")
	}

	logrus.Infof("%s %s -> %d (%s)", req.Method, req.URL, resp.StatusCode, source)
	return req, resp
}
