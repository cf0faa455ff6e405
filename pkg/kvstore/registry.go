package kvstore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"go.uber.org/zap"
)

// Registry owns the physical LevelDB handles of the process. One handle is
// opened per path and shared by every logical Store carved out of it.
//
// The registry only linearizes writers inside this process. LevelDB's own
// file lock rejects a second process opening the same path.
type Registry struct {
	mu     sync.Mutex
	dbs    map[string]*leveldb.DB
	stores map[string]*Store
	logger *zap.Logger
	now    func() time.Time
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithClock overrides the clock used to stamp _createdAt.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		r.now = now
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger, opts ...RegistryOption) *Registry {
	r := &Registry{
		dbs:    make(map[string]*leveldb.DB),
		stores: make(map[string]*Store),
		logger: logger.Named("db"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Store returns the logical store for prefix (optionally scoped by namespace)
// inside the database at path. Calls with the same arguments return the same
// *Store, so all callers share its exclusion lock.
func (r *Registry) Store(path, prefix, namespace string) (*Store, error) {
	if prefix == "" {
		return nil, ErrPrefixRequired
	}
	if namespace != "" {
		prefix = namespace + ":" + prefix
	}

	pathname, err := resolvePath(path)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := pathname + ":" + prefix
	if s, ok := r.stores[key]; ok {
		return s, nil
	}

	db, ok := r.dbs[pathname]
	if !ok {
		if err := os.MkdirAll(filepath.Dir(pathname), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
		db, err = leveldb.OpenFile(pathname, nil)
		if err != nil {
			return nil, fmt.Errorf("open leveldb at %s: %w", pathname, err)
		}
		r.logger.Info("Opened database", zap.String("path", pathname))
		r.dbs[pathname] = db
	}

	s := newStore(db, prefix, r.logger.With(zap.String("prefix", prefix)), r.now)
	r.stores[key] = s
	return s, nil
}

// Close closes every physical handle. Stores obtained from the registry must
// not be used afterwards.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for path, db := range r.dbs {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close leveldb at %s: %w", path, err)
		}
		delete(r.dbs, path)
	}
	r.stores = make(map[string]*Store)
	return firstErr
}

func resolvePath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("db path is required")
	}
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		path = filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve db path: %w", err)
	}
	return abs, nil
}
