// Package localstore is the client's durable mirror: the sealed key vault and
// the ciphertext history fetched for this device. Nothing stored here is
// plaintext.
package localstore

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

//go:embed migrations/*.sql
var migrations embed.FS

var ErrNotFound = errors.New("localstore: record not found")

type Store struct {
	DB *gorm.DB
}

// Open opens (creating if needed) the sqlite file at path and applies the
// schema migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path+"?_busy_timeout=5000"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("localstore: open %s: %w", path, err)
	}
	s := New(db)
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// One writer at a time; the mirror is owned by a single client.
	sqlDB.SetMaxOpenConns(1)
	return s, nil
}

func New(db *gorm.DB) *Store {
	return &Store{DB: db}
}

// Migrate brings the schema up to date. Running it again is a no-op.
func (s *Store) Migrate(ctx context.Context) error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	dir, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, sqlDB, dir)
	if err != nil {
		return fmt.Errorf("localstore: migrations: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("localstore: migrate: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func translate(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
