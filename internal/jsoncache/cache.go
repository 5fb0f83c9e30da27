// Package jsoncache is a small file-backed JSON store.
//
// The root document is either an object or an array. It is mirrored in memory
// and every mutation rewrites the whole file before the call returns. There is
// no commit step and no locking against external editors: the last writer wins.
package jsoncache

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

var (
	ErrNotArray   = errors.New("jsoncache: root is not an array")
	ErrKeyType    = errors.New("jsoncache: key does not fit root type")
	ErrIndexRange = errors.New("jsoncache: index out of range")
	ErrRootType   = errors.New("jsoncache: root must be an object or array")
)

// Cache is safe for concurrent use within one process.
type Cache struct {
	mu   sync.RWMutex
	path string
	data any // map[string]any or []any
	perm os.FileMode
}

type Option func(*Cache)

// WithPerm sets the file mode used for writes (default 0o644).
func WithPerm(perm os.FileMode) Option { return func(c *Cache) { c.perm = perm } }

// Open loads path, creating it with initialContent first if it does not exist.
// A ".json" suffix is appended when missing. Malformed JSON is an error.
func Open(path, initialContent string, opts ...Option) (*Cache, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("jsoncache: path is required")
	}
	if !strings.HasSuffix(path, ".json") {
		path += ".json"
	}
	c := &Cache{path: path, perm: 0o644}
	for _, o := range opts {
		o(c)
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("jsoncache: create dir: %w", err)
		}
		if err := os.WriteFile(path, []byte(initialContent), c.perm); err != nil {
			return nil, fmt.Errorf("jsoncache: init %s: %w", path, err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("jsoncache: stat %s: %w", path, err)
	}

	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Cache) Path() string { return c.path }

// Reload re-reads the file. On error the in-memory mirror is left as it was.
func (c *Cache) Reload() error {
	b, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("jsoncache: read %s: %w", c.path, err)
	}
	v, err := decode(b)
	if err != nil {
		return fmt.Errorf("jsoncache: %s: %w", c.path, err)
	}
	c.mu.Lock()
	c.data = v
	c.mu.Unlock()
	return nil
}

func decode(b []byte) (any, error) {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, err
	}
	switch v.(type) {
	case map[string]any, []any:
		return v, nil
	default:
		return nil, ErrRootType
	}
}

// Get returns the value stored under key. For arrays, key must be an integer
// index. Unknown keys and out-of-range indexes report false.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch root := c.data.(type) {
	case map[string]any:
		v, ok := root[key]
		return v, ok
	case []any:
		i, err := strconv.Atoi(strings.TrimSpace(key))
		if err != nil || i < 0 || i >= len(root) {
			return nil, false
		}
		return root[i], true
	}
	return nil, false
}

// Int returns an integer value; JSON numbers decode as float64.
func (c *Cache) Int(key string) (int, bool) {
	v, ok := c.Get(key)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case int64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		return i, err == nil
	}
	return 0, false
}

func (c *Cache) String(key string) (string, bool) {
	v, ok := c.Get(key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Set stores value under key and rewrites the file.
// For arrays, key must be an existing index.
func (c *Cache) Set(key string, value any) error {
	value = deepCopy(value)
	return c.mutate(func(root any) (any, error) {
		switch r := root.(type) {
		case map[string]any:
			r[key] = value
			return r, nil
		case []any:
			i, err := strconv.Atoi(strings.TrimSpace(key))
			if err != nil {
				return nil, fmt.Errorf("%w: %q", ErrKeyType, key)
			}
			if i < 0 || i >= len(r) {
				return nil, fmt.Errorf("%w: %d (len %d)", ErrIndexRange, i, len(r))
			}
			r[i] = value
			return r, nil
		}
		return nil, ErrRootType
	})
}

// Delete removes key (or the element at an index) and rewrites the file.
// Deleting a missing object key is a no-op write.
func (c *Cache) Delete(key string) error {
	return c.mutate(func(root any) (any, error) {
		switch r := root.(type) {
		case map[string]any:
			delete(r, key)
			return r, nil
		case []any:
			i, err := strconv.Atoi(strings.TrimSpace(key))
			if err != nil {
				return nil, fmt.Errorf("%w: %q", ErrKeyType, key)
			}
			if i < 0 || i >= len(r) {
				return nil, fmt.Errorf("%w: %d (len %d)", ErrIndexRange, i, len(r))
			}
			return append(r[:i], r[i+1:]...), nil
		}
		return nil, ErrRootType
	})
}

// Append adds value to an array root and rewrites the file.
func (c *Cache) Append(value any) error {
	value = deepCopy(value)
	return c.mutate(func(root any) (any, error) {
		r, ok := root.([]any)
		if !ok {
			return nil, ErrNotArray
		}
		return append(r, value), nil
	})
}

// mutate applies fn to a deep copy of the mirror, writes the result and only
// then swaps it in, so a failed write leaves the mirror equal to the file.
func (c *Cache) mutate(fn func(root any) (any, error)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	next, err := fn(deepCopy(c.data))
	if err != nil {
		return err
	}
	if err := c.writeLocked(next); err != nil {
		return err
	}
	c.data = next
	return nil
}

func (c *Cache) writeLocked(v any) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("jsoncache: encode: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(c.path), filepath.Base(c.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("jsoncache: write %s: %w", c.path, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("jsoncache: write %s: %w", c.path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("jsoncache: write %s: %w", c.path, err)
	}
	_ = os.Chmod(tmpName, c.perm)
	if err := os.Rename(tmpName, c.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("jsoncache: replace %s: %w", c.path, err)
	}
	return nil
}

// Snapshot returns a deep copy of the root document.
func (c *Cache) Snapshot() any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return deepCopy(c.data)
}

// Items returns a deep copy of an array root.
func (c *Cache) Items() ([]any, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.data.([]any)
	if !ok {
		return nil, ErrNotArray
	}
	out, _ := deepCopy(r).([]any)
	return out, nil
}

// Len is the number of keys or elements in the root.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch r := c.data.(type) {
	case map[string]any:
		return len(r)
	case []any:
		return len(r)
	}
	return 0
}

func deepCopy(v any) any {
	switch x := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, vv := range x {
			m[k] = deepCopy(vv)
		}
		return m
	case []any:
		s := make([]any, len(x))
		for i, vv := range x {
			s[i] = deepCopy(vv)
		}
		return s
	default:
		return v
	}
}
