package cairn

import (
	"cairn/internal/base"
	"cairn/internal/migrate"
	"cairn/internal/pagestore"
	"cairn/internal/sentinel"
	"cairn/internal/txn"
	"cairn/internal/version"
)

// Migrate upgrades the store at path to schema.Version without keeping a
// session open. The store must not already be open in this process. When
// the on-disk version already matches, fn is not invoked.
func Migrate(path string, schema Schema, fn MigrationFunc) error {
	key, err := resolveKey(path)
	if err != nil {
		return err
	}

	registry.mu.Lock()
	_, open := registry.stores[key]
	registry.mu.Unlock()
	if open {
		return base.ContractErr(base.CodeConflictingMode,
			"store %s is open; migrate through its session config instead", key)
	}

	store, _, err := pagestore.Open(key, pagestore.Options{
		InitialSchemaVersion: schema.Version,
	})
	if err != nil {
		return err
	}
	meta := store.Meta()
	if meta.SchemaVersion == schema.Version {
		return store.Close()
	}
	if meta.SchemaVersion > schema.Version {
		store.Close()
		return base.ContractErr(base.CodeSchemaNewer,
			"store is at schema version %d, newer than declared %d",
			meta.SchemaVersion, schema.Version)
	}

	sent, err := sentinel.New(key, meta.Version, false, false)
	if err != nil {
		store.Close()
		return err
	}
	versions := version.NewManager(meta, store.Reclaim)
	ctrl := txn.NewController(store, versions, sent)

	_, runErr := migrate.Run(ctrl, key, schema, fn)

	closeErr := sent.Close(false)
	if err := store.Close(); err != nil && closeErr == nil {
		closeErr = err
	}
	if runErr != nil {
		return runErr
	}
	return closeErr
}
