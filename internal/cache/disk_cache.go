package cache

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

const diskSuffix = ".bin"

// DiskCache implements GenericCache on the filesystem.
// Each namespace is a directory, each value a file whose first line is its key.
type DiskCache struct {
	cacheDir string
}

// NewGenericDisk creates a new disk cache rooted at cacheDir
func NewGenericDisk(cacheDir string) *DiskCache {
	return &DiskCache{
		cacheDir: cacheDir,
	}
}

// Init ensures the cache directory exists
func (d *DiskCache) Init() error {
	return os.MkdirAll(d.cacheDir, 0755)
}

func (d *DiskCache) Close() error {
	return nil
}

func (d *DiskCache) namespaceDir(namespace string) string {
	return filepath.Join(d.cacheDir, url.PathEscape(namespace))
}

// getPath maps a key to a file inside the namespace directory.
// Keys that parse as URLs are laid out as host/path/<hash>.bin so the tree stays browsable.
func (d *DiskCache) getPath(namespace, key string) string {
	hash := sha256.Sum256([]byte(key))
	filename := hex.EncodeToString(hash[:])[:16] + diskSuffix

	pathParts := []string{d.namespaceDir(namespace)}

	if u, err := url.Parse(key); err == nil && u.Host != "" {
		host := strings.TrimSuffix(strings.TrimSuffix(u.Host, ":80"), ":443")
		pathParts = append(pathParts, url.PathEscape(host))

		// path.Clean on a rooted path drops any leading ".." segments
		cleaned := strings.Trim(path.Clean("/"+u.Path), "/")
		if cleaned != "" {
			pathParts = append(pathParts, filepath.FromSlash(cleaned))
		}
	} else {
		pathParts = append(pathParts, "_")
	}

	pathParts = append(pathParts, filename)
	return filepath.Join(pathParts...)
}

func (d *DiskCache) CreateNamespace(namespace string) error {
	return os.MkdirAll(d.namespaceDir(namespace), 0755)
}

func (d *DiskCache) Namespaces() ([]string, error) {
	entries, err := os.ReadDir(d.cacheDir)
	if err != nil {
		return nil, err
	}

	namespaces := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name, err := url.PathUnescape(entry.Name())
		if err != nil {
			logrus.Warnf("Skipping unexpected directory %s in cache folder", entry.Name())
			continue
		}
		namespaces = append(namespaces, name)
	}
	return namespaces, nil
}

func (d *DiskCache) DropNamespace(namespace string) (bool, error) {
	dir := d.namespaceDir(namespace)
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return false, err
	}
	return true, nil
}

// Get retrieves a value if it exists
func (d *DiskCache) Get(namespace, key string) ([]byte, error) {
	data, err := os.ReadFile(d.getPath(namespace, key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	storedKey, value, ok := bytes.Cut(data, []byte("\n"))
	if !ok {
		return nil, fmt.Errorf("corrupted cache file for key %s", key)
	}
	if string(storedKey) != key {
		// hash collision, treat as a miss
		return nil, nil
	}
	return value, nil
}

// Set stores a value, writing to a temporary file first so readers never see partial data
func (d *DiskCache) Set(namespace, key string, value []byte) error {
	cachePath := d.getPath(namespace, key)
	dir := filepath.Dir(cachePath)
	if err := mkdirUnder(d.namespaceDir(namespace), dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNoNamespace, namespace)
		}
		return err
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.WriteString(key + "\n"); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(value); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Rename(tmp.Name(), cachePath); err != nil {
		return err
	}

	logrus.Debugf("Cached value: %s", cachePath)
	return nil
}

// mkdirUnder creates dir and its parents below root, one level at a time.
// Unlike os.MkdirAll it never creates root itself, so a namespace dropped
// concurrently fails with fs.ErrNotExist instead of coming back.
func mkdirUnder(root, dir string) error {
	if _, err := os.Stat(root); err != nil {
		return err
	}
	rel, err := filepath.Rel(root, dir)
	if err != nil {
		return err
	}
	current := root
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if part == "." {
			continue
		}
		current = filepath.Join(current, part)
		if err := os.Mkdir(current, 0755); err != nil && !errors.Is(err, fs.ErrExist) {
			return err
		}
	}
	return nil
}

// SetAll writes every value. The filesystem has no transactions, so a failure
// removes the values already written by this call.
func (d *DiskCache) SetAll(namespace string, values map[string][]byte) error {
	written := make([]string, 0, len(values))
	for key, value := range values {
		if err := d.Set(namespace, key, value); err != nil {
			for _, k := range written {
				if _, rmErr := d.Delete(namespace, k); rmErr != nil {
					logrus.Errorf("Failed to roll back cache file for %s: %v", k, rmErr)
				}
			}
			return err
		}
		written = append(written, key)
	}
	return nil
}

func (d *DiskCache) Delete(namespace, key string) (bool, error) {
	err := os.Remove(d.getPath(namespace, key))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Keys walks the namespace directory and reads the key line of every file
func (d *DiskCache) Keys(namespace string) ([]string, error) {
	root := d.namespaceDir(namespace)
	keys := make([]string, 0)

	err := filepath.WalkDir(root, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && p == root {
				return fs.SkipAll
			}
			return err
		}
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), diskSuffix) {
			return nil
		}

		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()

		line, err := bufio.NewReader(f).ReadString('\n')
		if err != nil {
			logrus.Warnf("Skipping unreadable cache file %s: %v", p, err)
			return nil
		}
		keys = append(keys, strings.TrimSuffix(line, "\n"))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}
