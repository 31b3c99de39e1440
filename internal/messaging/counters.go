package messaging

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tOgg1/gardenchat/internal/db"
	"github.com/tOgg1/gardenchat/internal/kv"
)

// CounterStoreConfig selects and locates the unread counter backend.
type CounterStoreConfig struct {
	Backend kv.Backend
	// Path overrides the default location under DataDir.
	Path         string
	DataDir      string
	SaveDebounce time.Duration
}

// DefaultCounterPath is where a backend keeps its data when no path is set.
func DefaultCounterPath(backend kv.Backend, dataDir string) string {
	switch backend {
	case kv.BackendSQLite:
		return filepath.Join(dataDir, "unread.db")
	case kv.BackendPebble:
		return filepath.Join(dataDir, "unread.pebble")
	default:
		return filepath.Join(dataDir, "unread.json")
	}
}

// OpenCounterStore opens the durable store behind the unread counters.
func OpenCounterStore(ctx context.Context, cfg CounterStoreConfig) (kv.Store, error) {
	backend := cfg.Backend
	if backend == "" {
		backend = kv.BackendFile
	}
	if !backend.Valid() {
		return nil, fmt.Errorf("unknown unread backend %q", backend)
	}
	if backend == kv.BackendMemory {
		return kv.NewMemoryStore(nil), nil
	}

	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		if strings.TrimSpace(cfg.DataDir) == "" {
			return nil, fmt.Errorf("unread store: data dir or path is required")
		}
		path = DefaultCounterPath(backend, cfg.DataDir)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create unread store dir: %w", err)
	}

	var (
		store kv.Store
		err   error
	)
	switch backend {
	case kv.BackendSQLite:
		store, err = db.OpenKVRepository(ctx, path, db.DefaultKVNamespace)
	case kv.BackendPebble:
		store, err = kv.OpenPebble(path, kv.DefaultPebblePrefix)
	default:
		store, err = kv.OpenFile(path, kv.WithDebounce(cfg.SaveDebounce))
	}
	if err != nil {
		return nil, err
	}
	return store, nil
}
