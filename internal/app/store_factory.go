package app

import (
	"fmt"
	"strings"

	"github.com/shrimpsizemoose/trekker/logger"

	"github.com/shrimpsizemoose/avlokan/internal/store"
	"github.com/shrimpsizemoose/avlokan/internal/store/postgres"
	"github.com/shrimpsizemoose/avlokan/internal/store/sqlite"
)

// DatabaseTypeFor picks the backend for a DSN. Postgres takes URLs and
// key=value connection strings, everything else must look like a sqlite
// file name, a file: URI or :memory:.
func DatabaseTypeFor(dsn string) (store.DatabaseType, error) {
	dsn = strings.TrimSpace(dsn)
	lower := strings.ToLower(dsn)
	switch {
	case dsn == "":
		return "", fmt.Errorf("database dsn is empty")
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		return store.DBTypePostgres, nil
	case strings.Contains(lower, "host=") || strings.Contains(lower, "dbname="):
		return store.DBTypePostgres, nil
	case strings.HasPrefix(lower, "file:"), strings.HasPrefix(lower, ":memory:"):
		return store.DBTypeSQLite, nil
	case strings.Contains(lower, "://"):
		scheme, _, _ := strings.Cut(lower, "://")
		return "", fmt.Errorf("unsupported database scheme %q", scheme)
	}
	return store.DBTypeSQLite, nil
}

func NewStore(dsn, migrationsDir string) (store.CertificateStore, error) {
	dbType, err := DatabaseTypeFor(dsn)
	if err != nil {
		return nil, err
	}
	logger.Info.Printf("Opening %s store with migrations from %s", dbType, migrationsDir)

	switch dbType {
	case store.DBTypePostgres:
		st, err := postgres.NewPostgresStore(dsn, migrationsDir)
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		st, err := sqlite.NewSQLiteStore(dsn, migrationsDir)
		if err != nil {
			return nil, err
		}
		return st, nil
	}
}
