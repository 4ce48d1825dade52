package cairn

import (
	"cairn/internal/migrate"
	"cairn/internal/objstore"
)

// Object is an in-memory row staged for or loaded from a store.
type Object = objstore.Object

// Field is a named value inside an Object.
type Field = objstore.Field

// RowID identifies a persisted row within its table.
type RowID = objstore.RowID

// Value is a dynamically typed field value.
type Value = objstore.Value

// Kind discriminates Value payloads.
type Kind = objstore.Kind

const (
	KindString = objstore.KindString
	KindInt    = objstore.KindInt
	KindFloat  = objstore.KindFloat
	KindBool   = objstore.KindBool
	KindBytes  = objstore.KindBytes
	KindLink   = objstore.KindLink
)

// NewObject returns an unpersisted object destined for table.
func NewObject(table string) *Object { return objstore.NewObject(table) }

// String returns a string Value.
func String(s string) Value { return objstore.String(s) }

// Int returns an integer Value.
func Int(v int64) Value { return objstore.Int(v) }

// Float returns a floating point Value.
func Float(v float64) Value { return objstore.Float(v) }

// Bool returns a boolean Value.
func Bool(v bool) Value { return objstore.Bool(v) }

// Bytes returns a binary Value.
func Bytes(b []byte) Value { return objstore.Bytes(b) }

// Link returns a Value referencing another object in the same store.
func Link(o *Object) Value { return objstore.Link(o) }

// Schema declares a store's tables and schema version.
type Schema = migrate.Schema

// TableSchema declares one table's fields.
type TableSchema = migrate.TableSchema

// FieldSchema declares one field, optionally with a backfill default.
type FieldSchema = migrate.FieldSchema

// Migration is the handle a MigrationFunc uses to rewrite old data.
type Migration = migrate.Migration

// MigrationFunc upgrades a store from oldVersion and returns the new
// schema version, which must be strictly greater.
type MigrationFunc = migrate.Func
