package sessions

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// FileStore keeps all entries in a single JSON object file keyed by session
// key. Each update reads the file, mutates one entry, and rewrites the file
// atomically (temp file + rename). Logical updates serialize per key via
// keyedLocks; the physical read/rewrite takes a short file-level critical
// section so interleaved rewrites for different keys cannot lose entries.
type FileStore struct {
	path   string
	locks  *keyedLocks
	fileMu chan struct{}
}

// NewFileStore creates a file-backed store at path. The file is created on
// first update.
func NewFileStore(path string) *FileStore {
	fileMu := make(chan struct{}, 1)
	fileMu <- struct{}{}
	return &FileStore{
		path:   path,
		locks:  newKeyedLocks(),
		fileMu: fileMu,
	}
}

func (s *FileStore) Get(ctx context.Context, key string) (Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, false, err
	}
	all, err := s.load()
	if err != nil {
		return Entry{}, false, err
	}
	e, ok := all[key]
	return e, ok, nil
}

func (s *FileStore) Update(ctx context.Context, key string, fn func(*Entry)) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}

	unlock := s.locks.Lock(key)
	defer unlock()

	select {
	case <-s.fileMu:
	case <-ctx.Done():
		return Entry{}, ctx.Err()
	}
	defer func() { s.fileMu <- struct{}{} }()

	all, err := s.load()
	if err != nil {
		return Entry{}, err
	}

	e := all[key]
	if e.SessionID == "" {
		e.SessionID = NewSessionID()
	}
	fn(&e)
	e.UpdatedAt = time.Now().UTC()
	all[key] = e

	if err := s.rewrite(all); err != nil {
		return Entry{}, err
	}
	return e, nil
}

func (s *FileStore) List(ctx context.Context) (map[string]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.load()
}

func (s *FileStore) Close() error { return nil }

func (s *FileStore) load() (map[string]Entry, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]Entry), nil
		}
		return nil, fmt.Errorf("read session store: %w", err)
	}
	all := make(map[string]Entry)
	if len(data) == 0 {
		return all, nil
	}
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, fmt.Errorf("parse session store: %w", err)
	}
	return all, nil
}

// rewrite persists the full map atomically: a corrupted half-written store
// file would take every session down with it.
func (s *FileStore) rewrite(all map[string]Entry) error {
	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".sessions-*.json")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
