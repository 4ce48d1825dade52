package cairn

import (
	"os"

	"gopkg.in/yaml.v3"

	"cairn/internal/base"
)

// Config describes how to open a store. The zero value plus a path is a
// normal read-write, auto-refreshing session at schema version 0; Open
// applies functional options on top of DefaultConfig.
type Config struct {
	// Path locates the store file. For in-memory stores it is only a
	// name: two in-memory opens with the same name share content.
	Path string `yaml:"path"`
	// InMemory keeps the store in heap memory; content is lost when the
	// last session over it closes.
	InMemory bool `yaml:"in_memory"`
	// ReadOnly rejects write transactions with a mode error.
	ReadOnly bool `yaml:"read_only"`
	// SchemaVersion is the schema version the caller declares. A store
	// whose on-disk version is older requires a Migration; a newer one is
	// a contract violation.
	SchemaVersion uint64 `yaml:"schema_version"`
	// AutoRefresh delivers change notifications and advances the session
	// on its own goroutine after other sessions commit. Defaults to on.
	AutoRefresh bool `yaml:"auto_refresh"`

	// Schema declares the expected tables; it drives migration
	// validation only, never storage layout.
	Schema Schema `yaml:"-"`
	// Migration is run inside an implicit write transaction when the
	// on-disk schema version is older than SchemaVersion.
	Migration MigrationFunc `yaml:"-"`
}

// DefaultConfig returns the configuration Open starts from.
func DefaultConfig(path string) Config {
	return Config{Path: path, AutoRefresh: true}
}

// LoadConfig reads a YAML config file.
func LoadConfig(path string) (Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return Config{}, base.EnvErr(base.CodeIO, "read config "+path, err)
	}
	cfg := DefaultConfig("")
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return Config{}, base.EnvErr(base.CodeIO, "parse config "+path, err)
	}
	return cfg, nil
}

// Option adjusts a Config.
type Option func(*Config)

// WithReadOnly opens the store read-only.
func WithReadOnly() Option {
	return func(c *Config) { c.ReadOnly = true }
}

// WithInMemory opens an in-memory store under the given name.
func WithInMemory() Option {
	return func(c *Config) { c.InMemory = true }
}

// WithSchemaVersion declares the caller's schema version.
func WithSchemaVersion(v uint64) Option {
	return func(c *Config) { c.SchemaVersion = v }
}

// WithSchema declares the expected tables and, when the schema carries a
// version, the schema version too.
func WithSchema(s Schema) Option {
	return func(c *Config) {
		c.Schema = s
		if s.Version != 0 {
			c.SchemaVersion = s.Version
		}
	}
}

// WithMigration supplies the migration run when the on-disk schema version
// is older than the declared one.
func WithMigration(fn MigrationFunc) Option {
	return func(c *Config) { c.Migration = fn }
}

// WithAutoRefresh toggles automatic refresh delivery.
func WithAutoRefresh(on bool) Option {
	return func(c *Config) { c.AutoRefresh = on }
}
