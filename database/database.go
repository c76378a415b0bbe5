// Copyright 2025 Lagoon Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package database

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/lagoonlabs-io/marmot/database/models"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var ErrNotFound = errors.New("record not found")

// Database combines the sqlite metadata store (locks, allocations, tallies,
// finalization results, distribution records) with a badger append-only
// journal for audit records. An empty data dir keeps everything in memory
type Database struct {
	logger   *slog.Logger
	metadata *gorm.DB
	journal  *badger.DB
	dataDir  string
}

type Config struct {
	Logger  *slog.Logger
	DataDir string
}

func New(cfg *Config) (*Database, error) {
	logger := cfg.Logger
	if logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	metadata, err := openMetadata(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata store: %w", err)
	}
	journal, err := openJournal(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal store: %w", err)
	}
	db := &Database{
		logger:   logger,
		metadata: metadata,
		journal:  journal,
		dataDir:  cfg.DataDir,
	}
	if err := db.metadata.AutoMigrate(models.MigrateModels()...); err != nil {
		return nil, fmt.Errorf("failed to migrate metadata store: %w", err)
	}
	return db, nil
}

func openMetadata(dataDir string) (*gorm.DB, error) {
	// Named in-memory databases keep gorm's pooled connections on the same
	// store while isolating separate Database instances
	dsn := fmt.Sprintf(
		"file:marmot-%s?mode=memory&cache=shared",
		uuid.NewString(),
	)
	if dataDir != "" {
		dsn = filepath.Join(dataDir, "metadata.sqlite")
	}
	return gorm.Open(
		sqlite.Open(dsn),
		&gorm.Config{
			Logger: gormlogger.Discard,
		},
	)
}

func openJournal(dataDir string) (*badger.DB, error) {
	opts := badger.DefaultOptions("").
		WithInMemory(true).
		WithLogger(nil)
	if dataDir != "" {
		opts = badger.DefaultOptions(filepath.Join(dataDir, "journal")).
			WithLogger(nil)
	}
	return badger.Open(opts)
}

// DataDir returns the path to the data directory used for storage
func (d *Database) DataDir() string {
	return d.dataDir
}

// Logger returns the logger instance
func (d *Database) Logger() *slog.Logger {
	return d.logger
}

// Metadata returns the underlying metadata store handle
func (d *Database) Metadata() *gorm.DB {
	return d.metadata
}

// Close cleans up the database connections
func (d *Database) Close() error {
	var err error
	if sqlDb, sqlErr := d.metadata.DB(); sqlErr == nil {
		err = errors.Join(err, sqlDb.Close())
	}
	err = errors.Join(err, d.journal.Close())
	return err
}

func mapNotFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
