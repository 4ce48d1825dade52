package cairn

import (
	"path/filepath"
	"sync"

	"github.com/hashicorp/go-multierror"

	"cairn/internal/base"
	"cairn/internal/migrate"
	"cairn/internal/pagestore"
	"cairn/internal/sentinel"
	"cairn/internal/txn"
	"cairn/internal/version"
)

// sharedStore is the per-path half of a session: the page store, version
// chain, transaction controller, and cross-process sentinel are opened once
// per process and shared by every Realm at the same resolved path.
type sharedStore struct {
	key      string
	inMemory bool
	readOnly bool

	pages    *pagestore.Store
	versions *version.Manager
	ctrl     *txn.Controller
	sent     *sentinel.Sentinel

	refs int
}

var registry = struct {
	mu     sync.Mutex
	stores map[string]*sharedStore
}{stores: make(map[string]*sharedStore)}

// resolveKey normalizes a store path to its registry identity. In-memory
// names resolve the same way so that an in-memory open and an on-disk open
// of the same path collide instead of silently coexisting.
func resolveKey(path string) (string, error) {
	if path == "" {
		return "", base.ContractErr(base.CodeConflictingMode, "store path must not be empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", base.EnvErr(base.CodeIO, "resolve path "+path, err)
	}
	return abs, nil
}

// acquireShared returns the shared store for cfg, opening it on first use
// and running any needed migration before the store becomes visible.
func acquireShared(cfg Config) (*sharedStore, error) {
	key, err := resolveKey(cfg.Path)
	if err != nil {
		return nil, err
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()

	if ss, ok := registry.stores[key]; ok {
		if ss.inMemory != cfg.InMemory {
			return nil, base.ContractErr(base.CodeConflictingMode,
				"store %s is already open with a different storage mode", key)
		}
		if ss.readOnly && !cfg.ReadOnly {
			return nil, base.ContractErr(base.CodeConflictingMode,
				"store %s is already open read-only", key)
		}
		if err := checkSchemaVersion(cfg, ss.versions.Latest()); err != nil {
			return nil, err
		}
		ss.refs++
		return ss, nil
	}

	ss, err := openShared(cfg, key)
	if err != nil {
		return nil, err
	}
	registry.stores[key] = ss
	return ss, nil
}

// checkSchemaVersion compares the declared schema version against an
// already-open store, where migration is no longer possible.
func checkSchemaVersion(cfg Config, snap *version.Snapshot) error {
	defer snap.Release()
	current := snap.SchemaVersion()
	switch {
	case cfg.SchemaVersion > current:
		return base.ContractErr(base.CodeMigrationRequired,
			"store is open at schema version %d; cannot migrate to %d while in use",
			current, cfg.SchemaVersion)
	case cfg.SchemaVersion < current:
		return base.ContractErr(base.CodeSchemaNewer,
			"store is at schema version %d, newer than declared %d",
			current, cfg.SchemaVersion)
	}
	return nil
}

func openShared(cfg Config, key string) (*sharedStore, error) {
	store, created, err := pagestore.Open(key, pagestore.Options{
		ReadOnly:             cfg.ReadOnly,
		InMemory:             cfg.InMemory,
		InitialSchemaVersion: cfg.SchemaVersion,
	})
	if err != nil {
		return nil, err
	}
	meta := store.Meta()

	needMigration := false
	if !created {
		switch {
		case meta.SchemaVersion > cfg.SchemaVersion:
			store.Close()
			return nil, base.ContractErr(base.CodeSchemaNewer,
				"store is at schema version %d, newer than declared %d",
				meta.SchemaVersion, cfg.SchemaVersion)
		case meta.SchemaVersion < cfg.SchemaVersion:
			if cfg.Migration == nil {
				store.Close()
				return nil, base.ContractErr(base.CodeMigrationRequired,
					"store is at schema version %d but %d was declared and no migration was supplied",
					meta.SchemaVersion, cfg.SchemaVersion)
			}
			needMigration = true
		}
	}

	sent, err := sentinel.New(key, meta.Version, cfg.InMemory, cfg.ReadOnly)
	if err != nil {
		store.Close()
		return nil, err
	}
	versions := version.NewManager(meta, store.Reclaim)
	ctrl := txn.NewController(store, versions, sent)

	ss := &sharedStore{
		key:      key,
		inMemory: cfg.InMemory,
		readOnly: cfg.ReadOnly,
		pages:    store,
		versions: versions,
		ctrl:     ctrl,
		sent:     sent,
	}

	if needMigration {
		schema := cfg.Schema
		schema.Version = cfg.SchemaVersion
		if _, err := migrate.Run(ctrl, key, schema, cfg.Migration); err != nil {
			ss.close()
			return nil, err
		}
	}

	ss.refs = 1
	return ss, nil
}

// releaseShared drops one session reference and tears the shared store down
// when the last one goes away.
func releaseShared(ss *sharedStore) error {
	registry.mu.Lock()
	ss.refs--
	last := ss.refs == 0
	if last {
		delete(registry.stores, ss.key)
	}
	registry.mu.Unlock()
	if !last {
		return nil
	}
	return ss.close()
}

func (ss *sharedStore) close() error {
	var result error
	if err := ss.sent.Close(!ss.readOnly); err != nil {
		result = multierror.Append(result, err)
	}
	if err := ss.pages.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result
}
