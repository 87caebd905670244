package tests

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/iTrooz/pagecache-proxy/internal/config"
	"github.com/iTrooz/pagecache-proxy/internal/proxy"
)

// upstream is a test origin serving a small page and counting the requests it receives
type upstream struct {
	*httptest.Server
	hits atomic.Int32
}

// fixture_upstream creates a test upstream server
func fixture_upstream(t *testing.T) *upstream {
	u := &upstream{}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, requ *http.Request) {
		u.hits.Add(1)
		switch requ.URL.Path {
		case "/index.html":
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte("<html>Product query</html>"))
		case "/manifest.json":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"name": "Product query"}`))
		case "/api/products":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"message": "Hello from upstream", "path": "` + requ.URL.Path + `"}`))
		case "/old":
			http.Redirect(w, requ, "/index.html", http.StatusFound)
		default:
			http.NotFound(w, requ)
		}
	}))
	t.Cleanup(u.Close)
	return u
}

// fixture_config creates a test config caching the upstream page into tempDir
func fixture_config(upstreamURL, tempDir, version string) *config.Config {
	cfg := config.Default()
	cfg.Server.Port = 0 // Will be set by test server
	cfg.Server.HTTPS.Enabled = false
	cfg.Cache.Version = version
	cfg.Cache.Backend = "disk"
	cfg.Cache.Path = tempDir
	cfg.Worker.Scope = upstreamURL + "/"
	cfg.Worker.Required = []string{"./index.html", "./manifest.json"}
	cfg.Worker.Optional = nil
	cfg.Network.Timeout = "2s"
	cfg.Network.RetryMax = 0
	return &cfg
}

// fixture_proxy creates a proxy server with the given config and returns the server, test server, and HTTP client
func fixture_proxy(t *testing.T, cfg *config.Config) (*proxy.Server, *httptest.Server, *http.Client) {
	proxyServer, err := proxy.New(cfg)
	if err != nil {
		t.Fatalf("Failed to create proxy server: %v", err)
	}
	t.Cleanup(func() { _ = proxyServer.Close() })

	// Create test proxy HTTP server using goproxy
	proxyTestServer := httptest.NewServer(proxyServer.GetProxy())
	t.Cleanup(proxyTestServer.Close)

	// Create HTTP client that uses our proxy
	proxyURL, _ := url.Parse(proxyTestServer.URL)
	client := &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyURL(proxyURL),
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
		Timeout: 10 * time.Second,
	}

	return proxyServer, proxyTestServer, client
}

// fixture_installed is fixture_proxy with the worker already installed and activated
func fixture_installed(t *testing.T, cfg *config.Config) (*proxy.Server, *httptest.Server, *http.Client) {
	proxyServer, proxyTestServer, client := fixture_proxy(t, cfg)
	if err := proxyServer.Update(context.Background()); err != nil {
		t.Fatalf("Failed to install worker: %v", err)
	}
	return proxyServer, proxyTestServer, client
}

// cacheDir returns the on-disk folder of a generation
func cacheDir(tempDir, version string) string {
	return filepath.Join(tempDir, url.PathEscape(version))
}
