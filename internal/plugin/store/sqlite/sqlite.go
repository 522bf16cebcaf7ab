// Package sqlite registers an embedded single-node store. Writers are
// serialized through one connection, which stands in for the row locks the
// postgres store takes.
package sqlite

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-service/internal/config"
	"github.com/chirino/chat-service/internal/model"
	"github.com/chirino/chat-service/internal/plugin/store/gormstore"
	registrymigrate "github.com/chirino/chat-service/internal/registry/migrate"
	registrystore "github.com/chirino/chat-service/internal/registry/store"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// ForceImport is a no-op variable that can be referenced to ensure this package's init() runs.
var ForceImport = 0

// Models lists every table the sqlite schema is derived from.
var Models = []any{
	&model.Conversation{},
	&model.Participant{},
	&model.Message{},
	&model.ClientToken{},
	&model.Block{},
}

func init() {
	registrystore.Register(registrystore.Plugin{
		Name: "sqlite",
		Loader: func(ctx context.Context) (registrystore.ChatStore, error) {
			cfg := config.FromContext(ctx)
			db, err := Open(cfg.DBURL)
			if err != nil {
				return nil, err
			}
			// In-memory databases live and die with their connection, so the
			// schema has to be created on the connection the store uses.
			if err := db.AutoMigrate(Models...); err != nil {
				return nil, fmt.Errorf("sqlite: migrate: %w", err)
			}
			return gormstore.New(db, gormstore.Options{}), nil
		},
	})

	registrymigrate.Register(registrymigrate.Plugin{Order: 100, Migrator: &sqliteMigrator{}})
}

// DSN converts a configured DB URL into a go-sqlite3 DSN. An empty URL selects
// a private in-memory database. File databases default to WAL journaling and a
// busy timeout so readers on other connections do not fail while a send commits.
func DSN(dbURL string) string {
	dsn := strings.TrimSpace(dbURL)
	dsn = strings.TrimPrefix(dsn, "sqlite://")
	dsn = strings.TrimPrefix(dsn, "sqlite:")
	if dsn == "" {
		return "file::memory:"
	}
	if strings.Contains(dsn, ":memory:") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	if !strings.Contains(dsn, "_journal_mode=") {
		dsn += sep + "_journal_mode=WAL"
		sep = "&"
	}
	if !strings.Contains(dsn, "_busy_timeout=") {
		dsn += sep + "_busy_timeout=5000"
	}
	return dsn
}

// Open connects to sqlite with a single connection.
func Open(dbURL string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(DSN(dbURL)), &gorm.Config{
		TranslateError: true,
		Logger:         gormstore.Logger(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying db: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)
	return db, nil
}

type sqliteMigrator struct{}

func (m *sqliteMigrator) Name() string { return "sqlite-schema" }
func (m *sqliteMigrator) Migrate(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.DatastoreType != "sqlite" || !cfg.DatastoreMigrateAtStart {
		return nil
	}
	if DSN(cfg.DBURL) == "file::memory:" {
		return nil // the loader migrates its own in-memory database
	}
	log.Info("Running migration", "name", m.Name())
	db, err := Open(cfg.DBURL)
	if err != nil {
		return fmt.Errorf("migration: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()
	if err := db.WithContext(ctx).AutoMigrate(Models...); err != nil {
		return fmt.Errorf("migration: %w", err)
	}
	log.Info("SQLite schema migration complete")
	return nil
}
