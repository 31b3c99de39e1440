package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

const (
	// FileVersion is the on-disk document version.
	FileVersion = 1

	defaultDebounce = 1 * time.Second
)

type fileDocument struct {
	Version int               `json:"version"`
	Entries map[string]string `json:"entries"`
}

// FileStore keeps entries in a single JSON document. Writes are debounced,
// serialized across processes with flock, and replace the file atomically.
type FileStore struct {
	path     string
	lockPath string

	mu        sync.Mutex
	entries   map[string]string
	dirty     bool
	timer     *time.Timer
	debounce  time.Duration
	lastWrite time.Time
	closed    bool
	saveErr   error
}

// FileOption configures a FileStore.
type FileOption func(*FileStore)

// WithDebounce sets how long writes are coalesced. Zero writes through.
func WithDebounce(d time.Duration) FileOption {
	return func(s *FileStore) {
		if d >= 0 {
			s.debounce = d
		}
	}
}

// OpenFile loads (or creates on first write) the store at path.
func OpenFile(path string, opts ...FileOption) (*FileStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("kv: file path is required")
	}
	s := &FileStore{
		path:     path,
		lockPath: path + ".lock",
		entries:  make(map[string]string),
		debounce: defaultDebounce,
	}
	for _, opt := range opts {
		opt(s)
	}
	entries, err := s.load()
	if err != nil {
		return nil, fmt.Errorf("kv: load %s: %w", path, err)
	}
	s.entries = entries
	return s, nil
}

// Path returns the backing file path.
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}
	v, ok := s.entries[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (s *FileStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if prev, ok := s.entries[key]; ok && prev == value {
		s.mu.Unlock()
		return nil
	}
	s.entries[key] = value
	return s.markDirtyAndUnlock()
}

func (s *FileStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if _, ok := s.entries[key]; !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.entries, key)
	return s.markDirtyAndUnlock()
}

func (s *FileStore) All(_ context.Context) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return cloneEntries(s.entries), nil
}

// Flush writes pending changes now.
func (s *FileStore) Flush() error {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	needsSave := s.dirty
	s.mu.Unlock()
	if !needsSave {
		return nil
	}
	return s.saveNow()
}

// LastWrite returns when the file was last written by this store.
func (s *FileStore) LastWrite() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastWrite
}

// Close flushes pending changes. Further calls fail with ErrClosed.
func (s *FileStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	err := s.Flush()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return err
}

// markDirtyAndUnlock schedules a save. With a zero debounce the write happens
// synchronously and its error is returned.
func (s *FileStore) markDirtyAndUnlock() error {
	s.dirty = true
	if s.debounce == 0 {
		s.mu.Unlock()
		return s.saveNow()
	}
	if s.timer == nil {
		s.timer = time.AfterFunc(s.debounce, func() {
			_ = s.saveNow()
		})
	} else {
		s.timer.Reset(s.debounce)
	}
	s.mu.Unlock()
	return nil
}

func (s *FileStore) saveNow() error {
	s.mu.Lock()
	doc := fileDocument{Version: FileVersion, Entries: cloneEntries(s.entries)}
	s.dirty = false
	s.mu.Unlock()

	err := withFileLock(s.lockPath, func() error {
		return writeAtomicJSON(s.path, doc)
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveErr = err
	if err != nil {
		s.dirty = true
		return err
	}
	s.lastWrite = time.Now().UTC()
	return nil
}

func (s *FileStore) load() (map[string]string, error) {
	out := make(map[string]string)
	err := withFileLock(s.lockPath, func() error {
		payload, err := os.ReadFile(s.path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		if len(strings.TrimSpace(string(payload))) == 0 {
			return nil
		}

		var doc fileDocument
		if err := json.Unmarshal(payload, &doc); err == nil && doc.Version > 0 {
			for k, v := range doc.Entries {
				out[k] = v
			}
			return nil
		}

		// Legacy layout: a flat object of key -> string or number.
		var legacy map[string]json.RawMessage
		if err := json.Unmarshal(payload, &legacy); err != nil {
			return err
		}
		for k, raw := range legacy {
			if v, ok := legacyValue(raw); ok {
				out[k] = v
			}
		}
		return nil
	})
	return out, err
}

func legacyValue(raw json.RawMessage) (string, bool) {
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return str, true
	}
	var num json.Number
	if err := json.Unmarshal(raw, &num); err == nil {
		if _, err := strconv.ParseFloat(num.String(), 64); err == nil {
			return num.String(), true
		}
	}
	return "", false
}

func withFileLock(lockPath string, fn func() error) error {
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("lock %s: %w", lockPath, err)
	}
	defer func() {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	}()
	return fn()
}

func writeAtomicJSON(path string, doc fileDocument) error {
	payload, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
