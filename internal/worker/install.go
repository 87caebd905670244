package worker

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/iTrooz/pagecache-proxy/internal/cache/httpcache"
	"github.com/iTrooz/pagecache-proxy/internal/fetch"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Install opens the current generation and populates it.
// Required resources are added all-or-nothing and any failure fails the install.
// Optional resources are fetched alongside; their failures are only logged.
func (w *Worker) Install(ctx context.Context) error {
	w.setState(StateInstalling)
	logrus.Infof("Installing worker for %s (cache %s)", w.scope, w.version)

	gen, err := w.storage.Open(ctx, w.version)
	if err != nil {
		return w.installFailed(err)
	}

	var optional sync.WaitGroup
	for _, resource := range w.optional {
		optional.Add(1)
		go func() {
			defer optional.Done()
			w.cacheOptional(ctx, gen, resource)
		}()
	}

	logrus.Infof("Caching %d required resources", len(w.required))
	requiredErr := w.cacheRequired(ctx, gen)
	optional.Wait()

	if requiredErr != nil {
		return w.installFailed(requiredErr)
	}

	w.cache.Store(gen)
	w.setState(StateInstalled)
	w.metrics.Installs.WithLabelValues("success").Inc()
	logrus.Infof("Install complete for cache %s", w.version)

	w.host.SkipWaiting(w)
	return nil
}

func (w *Worker) installFailed(err error) error {
	w.setState(StateRedundant)
	w.metrics.Installs.WithLabelValues("failure").Inc()
	logrus.Errorf("Install failed for cache %s: %v", w.version, err)
	return fmt.Errorf("install failed: %w", err)
}

// cacheRequired fetches every required resource, stopping at the first failure,
// and stores them only once all of them succeeded.
func (w *Worker) cacheRequired(ctx context.Context, gen httpcache.Cache) error {
	entries := make([]httpcache.Entry, len(w.required))
	g, gctx := errgroup.WithContext(ctx)

	for i, resource := range w.required {
		g.Go(func() error {
			req, err := http.NewRequestWithContext(gctx, http.MethodGet, resource, nil)
			if err != nil {
				return err
			}

			resp, err := w.populator.Fetch(gctx, req)
			if err != nil {
				return fmt.Errorf("failed to fetch %s: %w", resource, err)
			}
			if !fetch.OK(resp) {
				_ = resp.Body.Close()
				return fmt.Errorf("failed to fetch %s: unexpected status %d", resource, resp.StatusCode)
			}
			if err := fetch.Buffer(resp); err != nil {
				return fmt.Errorf("failed to fetch %s: %w", resource, err)
			}

			entries[i] = httpcache.Entry{Request: req, Response: resp}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	if err := gen.PutAll(ctx, entries); err != nil {
		return fmt.Errorf("failed to store required resources: %w", err)
	}
	return nil
}

// cacheOptional stores one optional resource on a best-effort basis
func (w *Worker) cacheOptional(ctx context.Context, gen httpcache.Cache, resource string) {
	log := logrus.WithField("url", resource)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, resource, nil)
	if err != nil {
		w.metrics.OptionalFailures.Inc()
		log.Warnf("Optional resource skipped: %v", err)
		return
	}

	resp, err := w.populator.Fetch(ctx, req)
	if err != nil {
		w.metrics.OptionalFailures.Inc()
		log.Warnf("Optional resource not cached: %v", err)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if !fetch.OK(resp) {
		w.metrics.OptionalFailures.Inc()
		log.Warnf("Optional resource not cached: unexpected status %d", resp.StatusCode)
		return
	}

	if err := gen.Put(ctx, req, resp); err != nil {
		w.metrics.OptionalFailures.Inc()
		log.Warnf("Optional resource not stored: %v", err)
		return
	}
	log.Debugf("Optional resource cached")
}
