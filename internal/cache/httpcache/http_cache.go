package httpcache

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/iTrooz/pagecache-proxy/internal/cache"

	"github.com/sirupsen/logrus"
)

// ErrMethodNotCacheable is returned when storing a response to a non-GET request
var ErrMethodNotCacheable = errors.New("only GET requests can be cached")

// CacheStorage is the set of named cache generations
type CacheStorage interface {
	// Open returns the generation called name, creating it if absent
	Open(ctx context.Context, name string) (Cache, error)
	Has(ctx context.Context, name string) (bool, error)
	// Lookup returns the generation called name, or nil, nil if it does not exist.
	// Unlike Open it never creates one.
	Lookup(ctx context.Context, name string) (Cache, error)
	// Delete removes a generation and all its entries.
	// Deleting a missing generation returns false and no error.
	Delete(ctx context.Context, name string) (bool, error)
	// Keys lists generation names in no particular order
	Keys(ctx context.Context) ([]string, error)
}

// Cache is one generation of stored request/response pairs
type Cache interface {
	Name() string
	// Match returns the stored response for req, or nil, nil on a miss
	Match(ctx context.Context, req *http.Request) (*http.Response, error)
	// Put stores resp under the key of req, replacing any previous entry
	Put(ctx context.Context, req *http.Request, resp *http.Response) error
	// PutAll stores every entry or none of them
	PutAll(ctx context.Context, entries []Entry) error
	Delete(ctx context.Context, req *http.Request) (bool, error)
	// Keys lists the stored request URLs
	Keys(ctx context.Context) ([]string, error)
}

type Entry struct {
	Request  *http.Request
	Response *http.Response
}

// HTTPCache implements CacheStorage on top of a GenericCache:
// generations are namespaces, entries are serialized responses.
type HTTPCache struct {
	cache cache.GenericCache
}

type generation struct {
	name  string
	cache cache.GenericCache
}

// GenerateKey returns the key a request is stored under: its absolute URL
// without the fragment. Only GET requests have a key.
func GenerateKey(request *http.Request) (string, error) {
	if request.Method != "" && request.Method != http.MethodGet {
		return "", fmt.Errorf("%w: %s", ErrMethodNotCacheable, request.Method)
	}
	if request.URL == nil || !request.URL.IsAbs() {
		return "", fmt.Errorf("request URL must be absolute")
	}

	u := *request.URL
	u.Fragment = ""
	u.RawFragment = ""
	return u.String(), nil
}

func (d *HTTPCache) Open(ctx context.Context, name string) (Cache, error) {
	if err := d.cache.CreateNamespace(name); err != nil {
		return nil, fmt.Errorf("failed to open cache %s: %w", name, err)
	}
	return &generation{name: name, cache: d.cache}, nil
}

func (d *HTTPCache) Has(ctx context.Context, name string) (bool, error) {
	names, err := d.Keys(ctx)
	if err != nil {
		return false, err
	}
	for _, n := range names {
		if n == name {
			return true, nil
		}
	}
	return false, nil
}

func (d *HTTPCache) Lookup(ctx context.Context, name string) (Cache, error) {
	exists, err := d.Has(ctx, name)
	if err != nil || !exists {
		return nil, err
	}
	return &generation{name: name, cache: d.cache}, nil
}

func (d *HTTPCache) Delete(ctx context.Context, name string) (bool, error) {
	deleted, err := d.cache.DropNamespace(name)
	if err != nil {
		return false, fmt.Errorf("failed to delete cache %s: %w", name, err)
	}
	return deleted, nil
}

func (d *HTTPCache) Keys(ctx context.Context) ([]string, error) {
	names, err := d.cache.Namespaces()
	if err != nil {
		return nil, fmt.Errorf("failed to list caches: %w", err)
	}
	return names, nil
}

func (g *generation) Name() string {
	return g.name
}

func (g *generation) Match(ctx context.Context, req *http.Request) (*http.Response, error) {
	requestKey, err := GenerateKey(req)
	if errors.Is(err, ErrMethodNotCacheable) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to generate cache key: %w", err)
	}

	data, err := g.cache.Get(g.name, requestKey)
	if err != nil {
		return nil, fmt.Errorf("failed to get cache: %w", err)
	}
	if data == nil {
		return nil, nil // Cache miss
	}

	resp, err := Deserialize(data, req)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize response: %w", err)
	}

	logrus.Debugf("Cache hit for %s in %s", requestKey, g.name)
	return resp, nil
}

func (g *generation) Put(ctx context.Context, req *http.Request, resp *http.Response) error {
	requestKey, err := GenerateKey(req)
	if err != nil {
		return fmt.Errorf("failed to generate cache key: %w", err)
	}

	data, err := Serialize(resp)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if err := g.cache.Set(g.name, requestKey, data); err != nil {
		return fmt.Errorf("failed to set cache: %w", err)
	}
	return nil
}

func (g *generation) PutAll(ctx context.Context, entries []Entry) error {
	values := make(map[string][]byte, len(entries))
	for _, entry := range entries {
		requestKey, err := GenerateKey(entry.Request)
		if err != nil {
			return fmt.Errorf("failed to generate cache key: %w", err)
		}

		data, err := Serialize(entry.Response)
		if err != nil {
			return fmt.Errorf("failed to read response body for %s: %w", requestKey, err)
		}
		values[requestKey] = data
	}

	if err := g.cache.SetAll(g.name, values); err != nil {
		return fmt.Errorf("failed to set cache: %w", err)
	}
	return nil
}

func (g *generation) Delete(ctx context.Context, req *http.Request) (bool, error) {
	requestKey, err := GenerateKey(req)
	if errors.Is(err, ErrMethodNotCacheable) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to generate cache key: %w", err)
	}
	return g.cache.Delete(g.name, requestKey)
}

func (g *generation) Keys(ctx context.Context) ([]string, error) {
	return g.cache.Keys(g.name)
}
