package httpcache

import "github.com/iTrooz/pagecache-proxy/internal/cache"

func New(cache cache.GenericCache) *HTTPCache {
	return &HTTPCache{
		cache: cache,
	}
}
