package cache

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "github.com/glebarez/go-sqlite"
)

// SQLiteCache implements GenericCache in a single SQLite database.
// Writes are serialized with a mutex, reads run concurrently (WAL mode).
type SQLiteCache struct {
	path       string
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewGenericSQLite creates a cache backed by the database file at path.
// Use "memory" for a private in-memory database.
func NewGenericSQLite(path string) *SQLiteCache {
	return &SQLiteCache{
		path:       path,
		writeMutex: &sync.Mutex{},
	}
}

func (s *SQLiteCache) Init() error {
	dsn := s.path
	if dsn == "memory" {
		dsn = ":memory:"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return err
	}
	if s.path == "memory" {
		// every connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	}

	statements := []string{
		"PRAGMA journal_mode=WAL",
		"CREATE TABLE IF NOT EXISTS namespaces (name TEXT PRIMARY KEY)",
		"CREATE TABLE IF NOT EXISTS entries (namespace TEXT NOT NULL, key TEXT NOT NULL, bytes BLOB, PRIMARY KEY (namespace, key))",
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to run %q: %w", stmt, err)
		}
	}

	s.db = db
	return nil
}

func (s *SQLiteCache) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteCache) CreateNamespace(namespace string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("INSERT OR IGNORE INTO namespaces (name) VALUES (?)", namespace)
	return err
}

func (s *SQLiteCache) Namespaces() ([]string, error) {
	rows, err := s.db.Query("SELECT name FROM namespaces ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *SQLiteCache) DropNamespace(namespace string) (bool, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec("DELETE FROM entries WHERE namespace = ?", namespace); err != nil {
		return false, err
	}
	result, err := tx.Exec("DELETE FROM namespaces WHERE name = ?", namespace)
	if err != nil {
		return false, err
	}
	dropped, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return dropped > 0, tx.Commit()
}

func (s *SQLiteCache) Get(namespace, key string) ([]byte, error) {
	var bytes []byte
	err := s.db.QueryRow("SELECT bytes FROM entries WHERE namespace = ? AND key = ?", namespace, key).Scan(&bytes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return bytes, nil
}

func (s *SQLiteCache) Set(namespace, key string, value []byte) error {
	return s.SetAll(namespace, map[string][]byte{key: value})
}

// SetAll writes the values in one transaction
func (s *SQLiteCache) SetAll(namespace string, values map[string][]byte) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRow("SELECT COUNT(*) FROM namespaces WHERE name = ?", namespace).Scan(&exists)
	if err != nil {
		return err
	}
	if exists == 0 {
		return fmt.Errorf("%w: %s", ErrNoNamespace, namespace)
	}

	for key, value := range values {
		_, err := tx.Exec("INSERT OR REPLACE INTO entries (namespace, key, bytes) VALUES (?, ?, ?)", namespace, key, value)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteCache) Delete(namespace, key string) (bool, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()

	result, err := s.db.Exec("DELETE FROM entries WHERE namespace = ? AND key = ?", namespace, key)
	if err != nil {
		return false, err
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return deleted > 0, nil
}

func (s *SQLiteCache) Keys(namespace string) ([]string, error) {
	rows, err := s.db.Query("SELECT key FROM entries WHERE namespace = ?", namespace)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
