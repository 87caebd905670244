package cache

import "fmt"

// Open returns the GenericCache for the configured backend, initialized
func Open(backend, path string) (GenericCache, error) {
	var c GenericCache
	switch backend {
	case "disk":
		c = NewGenericDisk(path)
	case "sqlite":
		c = NewGenericSQLite(path)
	default:
		return nil, fmt.Errorf("unknown cache backend: %s", backend)
	}

	if err := c.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize %s cache: %w", backend, err)
	}
	return c, nil
}
