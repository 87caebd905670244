package proxy

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/iTrooz/pagecache-proxy/internal/config"
	"github.com/iTrooz/pagecache-proxy/internal/worker"

	"github.com/elazarl/goproxy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixture_upstream(t *testing.T) *httptest.Server {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/index.html":
			_, _ = w.Write([]byte("<html>query</html>"))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(upstream.Close)
	return upstream
}

func fixture_server(t *testing.T, scope, version string) *Server {
	cfg := config.Default()
	cfg.Server.HTTPS.Enabled = false
	cfg.Cache.Version = version
	cfg.Cache.Path = filepath.Join(t.TempDir(), "cache.db")
	cfg.Worker.Scope = scope + "/"
	cfg.Worker.Required = []string{"./index.html"}
	cfg.Worker.Optional = nil
	cfg.Network.RetryMax = 0

	s, err := New(&cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func adminGet(t *testing.T, s *Server, path string, v any) int {
	rec := httptest.NewRecorder()
	s.adminRouter().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	if v != nil && rec.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
	}
	return rec.Code
}

func TestNew(t *testing.T) {
	cfg := config.Default()
	cfg.Cache.Backend = "unknown"

	_, err := New(&cfg)
	assert.Error(t, err)
}

func TestNewFailsOnUnreadableCA(t *testing.T) {
	cfg := config.Default()
	cfg.Cache.Path = filepath.Join(t.TempDir(), "cache.db")
	cfg.Server.HTTPS.Enabled = true
	cfg.Server.HTTPS.CACertFile = filepath.Join(t.TempDir(), "missing.crt")
	cfg.Server.HTTPS.CAKeyFile = filepath.Join(t.TempDir(), "missing.key")

	_, err := New(&cfg)
	assert.ErrorContains(t, err, "HTTPS interception")
}

func TestNewWithBuiltinCA(t *testing.T) {
	cfg := config.Default()
	cfg.Cache.Path = filepath.Join(t.TempDir(), "cache.db")
	cfg.Server.HTTPS.Enabled = true

	s, err := New(&cfg)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	assert.NotNil(t, s.proxy.CertStore)
}

func TestHandleRequestWithoutWorker(t *testing.T) {
	upstream := fixture_upstream(t)
	s := fixture_server(t, upstream.URL, "v1")

	req := httptest.NewRequest(http.MethodGet, upstream.URL+"/index.html", nil)
	outReq, resp := s.handleRequest(req, &goproxy.ProxyCtx{Req: req})

	assert.Same(t, req, outReq)
	assert.Nil(t, resp, "requests are forwarded untouched")
}

func TestUpdateInstallsAndActivates(t *testing.T) {
	upstream := fixture_upstream(t)
	s := fixture_server(t, upstream.URL, "v1")

	require.NoError(t, s.Update(context.Background()))

	active := s.Active()
	require.NotNil(t, active)
	assert.Equal(t, "v1", active.Version())
	assert.Equal(t, worker.StateActivated, active.State())
	assert.True(t, s.claimed.Load())

	req := httptest.NewRequest(http.MethodGet, upstream.URL+"/index.html", nil)
	_, resp := s.handleRequest(req, &goproxy.ProxyCtx{Req: req})
	require.NotNil(t, resp)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, "HIT", resp.Header.Get("X-Cache"))
}

func TestUpdateFailureKeepsPreviousWorker(t *testing.T) {
	upstream := fixture_upstream(t)
	s := fixture_server(t, upstream.URL, "v1")
	require.NoError(t, s.Update(context.Background()))
	previous := s.Active()

	s.config.Cache.Version = "v2"
	s.config.Worker.Required = []string{"./missing.html"}
	assert.Error(t, s.Update(context.Background()))

	assert.Same(t, previous, s.Active())
	names, err := s.Storage().Keys(context.Background())
	require.NoError(t, err)
	assert.Contains(t, names, "v1")

	req := httptest.NewRequest(http.MethodGet, upstream.URL+"/index.html", nil)
	_, resp := s.handleRequest(req, &goproxy.ProxyCtx{Req: req})
	require.NotNil(t, resp)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, "HIT", resp.Header.Get("X-Cache"))
}

func TestSkipWaitingRetiresPrevious(t *testing.T) {
	upstream := fixture_upstream(t)
	s := fixture_server(t, upstream.URL, "v1")

	first, err := s.NewWorker()
	require.NoError(t, err)
	second, err := s.NewWorker()
	require.NoError(t, err)

	s.SkipWaiting(first)
	assert.Same(t, first, s.Active())
	assert.False(t, s.claimed.Load())

	s.SkipWaiting(second)
	assert.Same(t, second, s.Active())
	assert.Equal(t, worker.StateRedundant, first.State())

	s.Claim(second)
	assert.True(t, s.claimed.Load())
}

func TestAdminStatus(t *testing.T) {
	upstream := fixture_upstream(t)
	s := fixture_server(t, upstream.URL, "v1")

	var status statusResponse
	require.Equal(t, http.StatusOK, adminGet(t, s, AdminPrefix+"/status", &status))
	assert.Equal(t, "none", status.State)

	require.NoError(t, s.Update(context.Background()))

	require.Equal(t, http.StatusOK, adminGet(t, s, AdminPrefix+"/status", &status))
	assert.Equal(t, statusResponse{Version: "v1", Scope: upstream.URL + "/", State: "activated", Claimed: true}, status)
}

func TestAdminCaches(t *testing.T) {
	upstream := fixture_upstream(t)
	s := fixture_server(t, upstream.URL, "v1")
	require.NoError(t, s.Update(context.Background()))

	var caches []cacheResponse
	require.Equal(t, http.StatusOK, adminGet(t, s, AdminPrefix+"/caches", &caches))
	assert.Equal(t, []cacheResponse{{Name: "v1", Current: true}}, caches)

	var detail cacheResponse
	require.Equal(t, http.StatusOK, adminGet(t, s, AdminPrefix+"/caches/v1", &detail))
	assert.Equal(t, []string{upstream.URL + "/index.html"}, detail.Keys)

	assert.Equal(t, http.StatusNotFound, adminGet(t, s, AdminPrefix+"/caches/v0", nil))
	names, err := s.Storage().Keys(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"v1"}, names, "reading a cache never creates one")
}

func TestAdminUpdate(t *testing.T) {
	upstream := fixture_upstream(t)
	s := fixture_server(t, upstream.URL, "v1")

	rec := httptest.NewRecorder()
	s.adminRouter().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, AdminPrefix+"/update", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"state":"activated"`)

	s.config.Worker.Required = []string{"./missing.html"}
	s.config.Cache.Version = "v2"
	rec = httptest.NewRecorder()
	s.adminRouter().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, AdminPrefix+"/update", nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestAdminMetrics(t *testing.T) {
	upstream := fixture_upstream(t)
	s := fixture_server(t, upstream.URL, "v1")
	require.NoError(t, s.Update(context.Background()))

	rec := httptest.NewRecorder()
	s.adminRouter().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "pagecache_installs_total"))
}

func TestCertStoreCachesPerHost(t *testing.T) {
	store := newCertStore()
	calls := 0
	gen := func() (*tls.Certificate, error) {
		calls++
		return &tls.Certificate{}, nil
	}

	first, err := store.Fetch("example.com", gen)
	require.NoError(t, err)
	second, err := store.Fetch("example.com", gen)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, calls)
}
