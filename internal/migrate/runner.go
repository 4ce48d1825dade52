// Package migrate transforms a store's committed data shape from one
// schema version to the next. A migration is an ordinary write transaction
// with extra validation bolted onto commit: the returned schema version
// must strictly increase, and every row must satisfy the newly declared
// required properties, either through an explicit default or a value
// assigned during the migration. Any violation rolls the transaction back
// and leaves the original snapshot current.
package migrate

import (
	"fmt"

	"cairn/internal/base"
	"cairn/internal/objstore"
	"cairn/internal/txn"
)

// FieldSchema declares one property of a table.
type FieldSchema struct {
	Name     string
	Kind     objstore.Kind
	Required bool
	Default  *objstore.Value
}

// TableSchema declares one table.
type TableSchema struct {
	Name   string
	Fields []FieldSchema
}

// Schema is the caller-declared shape of the store: a version number plus
// the tables the caller expects. Rows are self-describing on disk; the
// schema drives migration validation, not storage layout.
type Schema struct {
	Version uint64
	Tables  []TableSchema
}

// Func is the migration callback. It inspects and mutates existing objects
// through mig and returns the new schema version, which must be strictly
// greater than oldVersion.
type Func func(mig *Migration, oldVersion uint64) (uint64, error)

// Migration is the callback's handle onto the in-progress write
// transaction.
type Migration struct {
	tx  *txn.Tx
	cat *objstore.Catalog
	tag string

	// defaults set during the migration, by table then field
	defaults map[string]map[string]objstore.Value
}

// Enumerate visits every live object of the table. Objects mutated by fn
// are rewritten in place after it returns. The visit works over the rows
// as they stood when Enumerate was called, so fn may add and delete
// objects freely.
func (mig *Migration) Enumerate(table string, fn func(obj *objstore.Object) error) error {
	var objs []*objstore.Object
	err := objstore.Enumerate(mig.tx, mig.cat, mig.tag, table, func(o *objstore.Object) error {
		objs = append(objs, o)
		return nil
	})
	if err != nil {
		return err
	}
	for _, o := range objs {
		if err := fn(o); err != nil {
			return err
		}
		if o.Deleted() || !o.Dirty() {
			continue
		}
		if err := objstore.ReplaceRow(mig.tx, mig.cat, mig.tag, o); err != nil {
			return err
		}
	}
	return nil
}

// Add persists a new object (with its links) inside the migration.
func (mig *Migration) Add(obj *objstore.Object) error {
	return objstore.Add(mig.tx, mig.cat, mig.tag, obj)
}

// Delete removes an object inside the migration.
func (mig *Migration) Delete(obj *objstore.Object) error {
	return objstore.Delete(mig.tx, mig.cat, mig.tag, obj)
}

// SetDefault supplies the value backfilled into existing rows that lack
// the named property. It overrides a default declared in the schema.
func (mig *Migration) SetDefault(table, field string, v objstore.Value) {
	if mig.defaults[table] == nil {
		mig.defaults[table] = make(map[string]objstore.Value)
	}
	mig.defaults[table][field] = v
}

// Run executes fn inside an implicit write transaction and publishes the
// result as a normal commit carrying the new schema version. tag is the
// owning store's affiliation tag.
func Run(ctrl *txn.Controller, tag string, schema Schema, fn Func) (uint64, error) {
	tx, err := ctrl.BeginWrite()
	if err != nil {
		return 0, err
	}
	old := tx.SchemaVersion()
	cat, err := objstore.LoadCatalog(tx, tx.Root())
	if err != nil {
		tx.Rollback()
		return 0, err
	}
	mig := &Migration{
		tx:       tx,
		cat:      cat,
		tag:      tag,
		defaults: make(map[string]map[string]objstore.Value),
	}

	newVersion, err := fn(mig, old)
	if err != nil {
		tx.Rollback()
		return 0, err
	}
	if newVersion <= old {
		tx.Rollback()
		return 0, base.ContractErr(base.CodeMigrationVersion,
			fmt.Sprintf("migration returned schema version %d, want greater than %d", newVersion, old))
	}
	if schema.Version != 0 && newVersion != schema.Version {
		tx.Rollback()
		return 0, base.ContractErr(base.CodeMigrationVersion,
			fmt.Sprintf("migration returned schema version %d, want declared version %d", newVersion, schema.Version))
	}
	if err := mig.backfill(schema); err != nil {
		tx.Rollback()
		return 0, err
	}

	if err := cat.Flush(tx); err != nil {
		tx.Rollback()
		return 0, err
	}
	tx.SetSchemaVersion(newVersion)
	snap, err := tx.Commit()
	if err != nil {
		return 0, err
	}
	snap.Release()
	return newVersion, nil
}

// backfill applies defaults to rows missing newly declared properties and
// rejects the migration when a required property has neither a default nor
// a migrated value on some existing row.
func (mig *Migration) backfill(schema Schema) error {
	for _, ts := range schema.Tables {
		if mig.cat.Table(ts.Name) == nil {
			continue // no existing rows to satisfy
		}
		for _, fs := range ts.Fields {
			def, hasDef := mig.defaultFor(ts.Name, fs)
			err := mig.Enumerate(ts.Name, func(o *objstore.Object) error {
				if _, ok := o.Get(fs.Name); ok {
					return nil
				}
				if hasDef {
					o.Set(fs.Name, def)
					return nil
				}
				if fs.Required {
					return base.ContractErr(base.CodeMissingDefault,
						fmt.Sprintf("required property %s.%s has no default and row %d was not migrated", ts.Name, fs.Name, o.Row()))
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func (mig *Migration) defaultFor(table string, fs FieldSchema) (objstore.Value, bool) {
	if m, ok := mig.defaults[table]; ok {
		if v, ok := m[fs.Name]; ok {
			return v, true
		}
	}
	if fs.Default != nil {
		return *fs.Default, true
	}
	return objstore.Value{}, false
}
