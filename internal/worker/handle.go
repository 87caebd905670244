package worker

import (
	"context"
	"net/http"

	"github.com/iTrooz/pagecache-proxy/internal/cache/httpcache"
	"github.com/iTrooz/pagecache-proxy/internal/fetch"

	"github.com/sirupsen/logrus"
)

// Source tells where a handled response came from
type Source int

const (
	SourceCache Source = iota
	SourceNetwork
	SourceOffline
)

func (s Source) String() string {
	switch s {
	case SourceCache:
		return "cache"
	case SourceNetwork:
		return "network"
	case SourceOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// Handle answers an intercepted request, cache first.
// On a miss the request goes to the network; a same-origin 200 response is
// stored in the background while the original is returned. A network failure
// yields the offline placeholder, so Handle always returns a response.
// A retired worker still answers but no longer stores.
func (w *Worker) Handle(ctx context.Context, req *http.Request) (*http.Response, Source) {
	w.handling.RLock()
	defer w.handling.RUnlock()

	gen := w.currentCache()

	if resp := w.lookup(ctx, gen, req); resp != nil {
		return resp, SourceCache
	}

	logrus.Debugf("Fetching from network: %s %s", req.Method, req.URL)
	resp, err := w.fetcher.Fetch(ctx, req)
	if err != nil {
		return w.offline(req, err), SourceOffline
	}

	if gen == nil || w.State() == StateRedundant || req.Method != http.MethodGet ||
		resp.StatusCode != http.StatusOK || fetch.Classify(w.scope, req, resp) != fetch.TypeBasic {
		w.metrics.Stores.WithLabelValues("skipped").Inc()
		return resp, SourceNetwork
	}

	dup, err := fetch.Duplicate(resp)
	if err != nil {
		return w.offline(req, err), SourceOffline
	}
	w.storeDetached(ctx, gen, req, dup)

	return resp, SourceNetwork
}

func (w *Worker) lookup(ctx context.Context, gen httpcache.Cache, req *http.Request) *http.Response {
	if gen == nil {
		return nil
	}

	resp, err := gen.Match(ctx, req)
	if err != nil {
		w.metrics.Lookups.WithLabelValues("error").Inc()
		logrus.Errorf("Failed to look up %s in cache %s: %v", req.URL, gen.Name(), err)
		return nil
	}
	if resp == nil {
		w.metrics.Lookups.WithLabelValues("miss").Inc()
		return nil
	}

	w.metrics.Lookups.WithLabelValues("hit").Inc()
	logrus.Infof("Serving from cache: %s", req.URL)
	return resp
}

// storeDetached writes dup in the background. Nothing on the response path
// waits for it; a failed write is logged and the entry is simply missing.
func (w *Worker) storeDetached(ctx context.Context, gen httpcache.Cache, req *http.Request, dup *http.Response) {
	storeCtx := context.WithoutCancel(ctx)
	keyReq := req.Clone(storeCtx)

	w.pending.Add(1)
	go func() {
		defer w.pending.Done()

		if err := gen.Put(storeCtx, keyReq, dup); err != nil {
			w.metrics.Stores.WithLabelValues("failed").Inc()
			logrus.Warnf("Failed to cache response for %s: %v", keyReq.URL, err)
			return
		}
		w.metrics.Stores.WithLabelValues("stored").Inc()
		logrus.Debugf("Cached response for %s in %s", keyReq.URL, gen.Name())
	}()
}

func (w *Worker) offline(req *http.Request, err error) *http.Response {
	w.metrics.NetworkFailures.Inc()
	logrus.Errorf("Fetch failed for %s, answering offline: %v", req.URL, err)
	return fetch.NewTextResponse(req, w.offlineText)
}
