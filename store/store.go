// Package store is the Session Store (C8): the persistent, transactional
// record of session configuration, background status, cycle counter,
// last error, and the append-only CycleRecord audit log.
package store

import (
	"fmt"
	"sync"

	"gorm.io/gorm"

	"futuresagent/logger"
)

// Store is the unified persistence handle. All package-external access to
// sessions and cycle records goes through its two sub-stores.
type Store struct {
	gdb *gorm.DB

	session     *SessionStore
	cycleRecord *CycleRecordStore

	mu sync.RWMutex
}

// New opens a Store backed by SQLite at dbPath. Convenience wrapper around
// NewWithConfig for the common single-file case.
func New(dbPath string) (*Store, error) {
	return NewWithConfig(DBConfig{Type: DBTypeSQLite, Path: dbPath})
}

// NewWithConfig opens a Store against either backend and runs migrations.
func NewWithConfig(cfg DBConfig) (*Store, error) {
	gdb, err := InitGormWithConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{gdb: gdb}
	if err := s.initTables(); err != nil {
		return nil, fmt.Errorf("failed to initialize table structure: %w", err)
	}

	dbTypeStr := "SQLite"
	if cfg.Type == DBTypePostgres {
		dbTypeStr = "PostgreSQL"
	}
	logger.Infof("database initialized (GORM, %s)", dbTypeStr)
	return s, nil
}

// NewFromGorm wraps an already-open GORM connection and creates the tables
// on it. The tests open their in-memory SQLite store through New instead.
func NewFromGorm(gdb *gorm.DB) (*Store, error) {
	s := &Store{gdb: gdb}
	if err := s.initTables(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) initTables() error {
	if err := s.gdb.Exec(`
		CREATE TABLE IF NOT EXISTS system_config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)
	`).Error; err != nil {
		return fmt.Errorf("failed to create system_config table: %w", err)
	}
	if err := s.Session().initTables(); err != nil {
		return fmt.Errorf("failed to initialize session table: %w", err)
	}
	if err := s.CycleRecord().initTables(); err != nil {
		return fmt.Errorf("failed to initialize cycle record table: %w", err)
	}
	return nil
}

// Session returns the session sub-store, constructing it on first use.
func (s *Store) Session() *SessionStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		s.session = NewSessionStore(s.gdb)
	}
	return s.session
}

// CycleRecord returns the cycle-record sub-store, constructing it on first use.
func (s *Store) CycleRecord() *CycleRecordStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cycleRecord == nil {
		s.cycleRecord = NewCycleRecordStore(s.gdb)
	}
	return s.cycleRecord
}

// GormDB exposes the underlying connection for callers that need a
// transaction spanning both sub-stores.
func (s *Store) GormDB() *gorm.DB {
	return s.gdb
}

// DBType reports which backend is in use, detected from the GORM dialector.
func (s *Store) DBType() DBType {
	if s.gdb != nil && s.gdb.Dialector.Name() == "postgres" {
		return DBTypePostgres
	}
	return DBTypeSQLite
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	sqlDB, err := s.gdb.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// GetSystemConfig reads a key from the flat system_config table.
func (s *Store) GetSystemConfig(key string) (string, error) {
	var value string
	result := s.gdb.Raw("SELECT value FROM system_config WHERE key = ?", key).Scan(&value)
	if result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			return "", nil
		}
		return "", result.Error
	}
	return value, nil
}

// SetSystemConfig upserts a key in the flat system_config table.
func (s *Store) SetSystemConfig(key, value string) error {
	return s.gdb.Exec(`
		INSERT INTO system_config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value).Error
}

// Transaction runs fn inside a GORM transaction.
func (s *Store) Transaction(fn func(tx *gorm.DB) error) error {
	return s.gdb.Transaction(fn)
}
