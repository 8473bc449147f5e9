// Package store is the Session Store (C8): the persistent, transactional
// record of session configuration, background status, cycle counter,
// last error, and the append-only CycleRecord audit log.
package store

import (
	"fmt"
	"os"
	"strings"
)

// DBType selects which GORM backend the store binds to.
type DBType string

const (
	DBTypeSQLite   DBType = "sqlite"
	DBTypePostgres DBType = "postgres"
)

// DBConfig is the dial configuration for either backend.
type DBConfig struct {
	Type     DBType
	Path     string // SQLite file path
	Host     string // Postgres host
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// DBConfigFromEnv builds a DBConfig the same way config.Init reads DB_* vars,
// so standalone tools (migrations, one-off scripts) don't need the full
// config package.
func DBConfigFromEnv() (DBConfig, error) {
	dbType := DBType(strings.ToLower(getEnv("DB_TYPE", "sqlite")))
	switch dbType {
	case DBTypeSQLite:
		return DBConfig{Type: DBTypeSQLite, Path: getEnv("DB_PATH", "data/data.db")}, nil
	case DBTypePostgres:
		port := 5432
		if p := os.Getenv("DB_PORT"); p != "" {
			fmt.Sscanf(p, "%d", &port)
		}
		return DBConfig{
			Type:     DBTypePostgres,
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     port,
			User:     getEnv("DB_USER", "postgres"),
			Password: os.Getenv("DB_PASSWORD"),
			DBName:   getEnv("DB_NAME", "futuresagent"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		}, nil
	default:
		return DBConfig{}, fmt.Errorf("unsupported DB_TYPE: %s (use 'sqlite' or 'postgres')", dbType)
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// convertQuery rewrites ? placeholders and SQLite datetime() calls for
// Postgres. Nothing in the store calls it at present; its raw-SQL
// statements go through GORM's Exec as written.
func convertQuery(query string, dbType DBType) string {
	if dbType != DBTypePostgres {
		return query
	}
	result := query
	index := 1
	for strings.Contains(result, "?") {
		result = strings.Replace(result, "?", fmt.Sprintf("$%d", index), 1)
		index++
	}
	result = strings.ReplaceAll(result, "datetime('now')", "CURRENT_TIMESTAMP")
	return result
}
