// Package store is the durable repository: engines, ecosystems, hardware
// inventory, climate configuration, telemetry records and their archive
// twins. SQLite with WAL mode; the archive tables may live in a separate
// database file attached to the main connection, so one sweep transaction
// still covers both sides.
package store

import (
	"context"
	"database/sql"
	_ "embed"

	"github.com/mattn/go-sqlite3"

	"github.com/canopyhq/canopy/errors"
)

//go:embed schema.sql
var schemaSQL string

//go:embed archive_schema.sql
var archiveSchemaSQL string

// Store wraps the database handle. All methods are safe for concurrent
// use; SQLite serializes writers through the single-connection pool.
type Store struct {
	db *sql.DB

	// archivePrefix qualifies archive table names: empty when archive
	// tables share the main database, "archive." when attached.
	archivePrefix string
}

// Open creates or opens the database at path and applies the schema.
// When archivePath is non-empty and differs from path, archive tables are
// created there and the file is attached to the main connection.
func Open(path, archivePath string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.WrapFatal(err, "Store", "Open", "open database")
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.WrapFatal(err, "Store", "Open", "connect")
	}

	// One writer avoids SQLITE_BUSY under load.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, errors.WrapFatal(err, "Store", "Open", pragma)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, errors.WrapFatal(err, "Store", "Open", "apply schema")
	}

	s := &Store{db: db}
	if archivePath != "" && archivePath != path {
		if err := s.attachArchive(archivePath); err != nil {
			db.Close()
			return nil, err
		}
		s.archivePrefix = "archive."
	} else {
		if _, err := db.Exec(archiveSchemaSQL); err != nil {
			db.Close()
			return nil, errors.WrapFatal(err, "Store", "Open", "apply archive schema")
		}
	}
	return s, nil
}

// attachArchive initializes the archive database file and attaches it, so
// cross-database statements run inside one transaction.
func (s *Store) attachArchive(path string) error {
	archive, err := sql.Open("sqlite3", path)
	if err != nil {
		return errors.WrapFatal(err, "Store", "Open", "open archive database")
	}
	_, err = archive.Exec(archiveSchemaSQL)
	closeErr := archive.Close()
	if err != nil {
		return errors.WrapFatal(err, "Store", "Open", "apply archive schema")
	}
	if closeErr != nil {
		return errors.WrapFatal(closeErr, "Store", "Open", "close archive bootstrap handle")
	}

	if _, err := s.db.Exec("ATTACH DATABASE ? AS archive", path); err != nil {
		return errors.WrapFatal(err, "Store", "Open", "attach archive database")
	}
	return nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// withTx runs fn inside one transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.WrapTransient(err, "Store", "withTx", "begin")
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.WrapTransient(err, "Store", "withTx", "commit")
	}
	return nil
}

// isUniqueViolation reports whether err is the SQLite unique-constraint
// error raised on duplicate telemetry tuples.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}
