package cache

import (
	"fmt"
	"sync"

	"github.com/metafates/gache"
	"github.com/spf13/afero"
)

// tableData is the on-disk shape of a table file.
type tableData[T any] struct {
	Items map[string]T `json:"items"`
}

// Table is a durable key/value map backed by one JSON file. Every Set and Delete
// rewrites the file before returning. Entries never expire.
type Table[T any] struct {
	mu       sync.RWMutex
	fs       afero.Fs
	path     string
	internal *gache.Cache[*tableData[T]]
}

func newTable[T any](fs afero.Fs, path string) *Table[T] {
	return &Table[T]{
		fs:   fs,
		path: path,
		internal: gache.New[*tableData[T]](&gache.Options{
			Path:       path,
			FileSystem: gacheFs{fs: fs},
		}),
	}
}

// Get returns the value stored under key.
func (t *Table[T]) Get(key string) (T, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var zero T
	data, err := t.load()
	if err != nil {
		return zero, false
	}
	v, ok := data.Items[key]
	return v, ok
}

// Set stores value under key and flushes the file.
func (t *Table[T]) Set(key string, value T) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	data, err := t.load()
	if err != nil {
		return err
	}
	data.Items[key] = value
	if err := t.internal.Set(data); err != nil {
		return fmt.Errorf("write cache %s: %w", t.path, err)
	}
	return nil
}

// Delete removes key and flushes the file.
func (t *Table[T]) Delete(key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	data, err := t.load()
	if err != nil {
		return err
	}
	if _, ok := data.Items[key]; !ok {
		return nil
	}
	delete(data.Items, key)
	if err := t.internal.Set(data); err != nil {
		return fmt.Errorf("write cache %s: %w", t.path, err)
	}
	return nil
}

// Len returns the number of entries.
func (t *Table[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	data, err := t.load()
	if err != nil {
		return 0
	}
	return len(data.Items)
}

func (t *Table[T]) load() (*tableData[T], error) {
	empty := &tableData[T]{Items: make(map[string]T)}
	exists, err := afero.Exists(t.fs, t.path)
	if err != nil {
		return nil, fmt.Errorf("stat cache %s: %w", t.path, err)
	}
	if !exists {
		return empty, nil
	}
	data, expired, err := t.internal.Get()
	if err != nil {
		return nil, fmt.Errorf("read cache %s: %w", t.path, err)
	}
	if expired || data == nil || data.Items == nil {
		return empty, nil
	}
	return data, nil
}
