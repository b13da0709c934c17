package database

import (
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/chronicle/internal/lease"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	// DriverSQLite selects the embedded pure-Go SQLite backend.
	DriverSQLite = "sqlite"
	// DriverPostgres selects the PostgreSQL backend.
	DriverPostgres = "postgres"
)

// Config selects and locates a gorm-backed database.
type Config struct {
	Driver string
	Path   string
	DSN    string
}

// Open connects to the configured SQL backend and migrates the schema.
func Open(cfg Config, logger *zap.Logger) (*gorm.DB, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case DriverSQLite, "":
		return OpenSQLite(cfg.Path, logger)
	case DriverPostgres:
		return OpenPostgres(cfg.DSN, logger)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// Migrate creates the chat log tables and applies named data migrations.
func Migrate(db *gorm.DB, logger *zap.Logger) error {
	if err := db.AutoMigrate(
		&messageRecord{},
		&userRecord{},
		&summaryRecord{},
		&contextRecord{},
		&auditRecord{},
		&lease.Record{},
		&migrationRecord{},
	); err != nil {
		return err
	}
	return applyMigrations(db, logger)
}
