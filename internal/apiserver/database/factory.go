package database

import (
	"fmt"
	"strings"

	"github.com/amoylab/chatgate/internal/common/config"
)

// NewDatabase opens the store for cfg.Type and migrates the schema.
// "postgresql" is accepted as an alias of "postgres".
func NewDatabase(cfg *config.DatabaseConfig) (Database, error) {
	normalized := *cfg
	normalized.Type = strings.ToLower(strings.TrimSpace(cfg.Type))
	if normalized.Type == "postgresql" {
		normalized.Type = "postgres"
	}

	var (
		db  Database
		err error
	)
	switch normalized.Type {
	case "postgres":
		db, err = NewPostgres(&normalized)
	case "sqlite":
		db, err = NewSQLite(&normalized)
	case "mysql":
		db, err = NewMySQL(&normalized)
	default:
		return nil, fmt.Errorf("unsupported database type: %q", cfg.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", normalized.Type, err)
	}
	return db, nil
}
