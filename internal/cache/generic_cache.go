// Handles storage of cache generations
package cache

import "errors"

// ErrNoNamespace is returned when writing into a namespace that does not exist
// (never created, or dropped while the write was in flight).
var ErrNoNamespace = errors.New("namespace does not exist")

// GenericCache stores opaque values grouped in namespaces.
// Implementations must be safe for concurrent use.
type GenericCache interface {
	// initializes the cache (e.g., creates necessary directories or tables)
	Init() error
	// releases resources held by the cache
	Close() error

	// creates the namespace if it is absent
	CreateNamespace(namespace string) error
	// lists all existing namespaces, in no particular order
	Namespaces() ([]string, error)
	// removes a namespace and every value in it.
	// returns false when the namespace did not exist
	DropNamespace(namespace string) (bool, error)

	// retrieves a value.
	// returns nil, nil when not found
	Get(namespace, key string) ([]byte, error)
	// stores a value, replacing any previous one
	Set(namespace, key string, value []byte) error
	// stores all values or none of them
	SetAll(namespace string, values map[string][]byte) error
	// removes a value. returns false when it did not exist
	Delete(namespace, key string) (bool, error)
	// lists the keys of a namespace
	Keys(namespace string) ([]string, error)
}
