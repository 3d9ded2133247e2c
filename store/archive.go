package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/canopyhq/canopy/errors"
)

// archiveTable returns the qualified archive twin for a live table.
func (s *Store) archiveTable(live string) string {
	return s.archivePrefix + "archive_" + live
}

// ArchiveSweep moves every row of the kind older than cutoff from the
// live table into its archive twin. Copy and delete happen in one
// transaction; the ATTACH at Open time makes this atomic even when the
// archive lives in a separate file. Returns the number of rows moved.
func (s *Store) ArchiveSweep(ctx context.Context, kind RecordKind, cutoff time.Time) (int64, error) {
	if !kind.Valid() {
		return 0, errors.WrapInvalid(fmt.Errorf("unknown record kind %q", kind), "Store", "ArchiveSweep", "validate kind")
	}

	live := kind.table()
	archive := s.archiveTable(live)

	var moved int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		copyQuery := fmt.Sprintf(`
			INSERT OR IGNORE INTO %s (ecosystem_uid, source_uid, measure, value, timestamp)
			SELECT ecosystem_uid, source_uid, measure, value, timestamp
			FROM %s WHERE timestamp < ?`, archive, live)
		if _, err := tx.ExecContext(ctx, copyQuery, cutoff.UTC()); err != nil {
			return errors.WrapTransient(err, "Store", "ArchiveSweep", "copy to archive")
		}

		deleteQuery := fmt.Sprintf("DELETE FROM %s WHERE timestamp < ?", live)
		res, err := tx.ExecContext(ctx, deleteQuery, cutoff.UTC())
		if err != nil {
			return errors.WrapTransient(err, "Store", "ArchiveSweep", "delete from live")
		}
		moved, err = res.RowsAffected()
		if err != nil {
			return errors.WrapTransient(err, "Store", "ArchiveSweep", "rows affected")
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return moved, nil
}

// CountArchivedRecords returns the number of rows in the archive twin.
func (s *Store) CountArchivedRecords(ctx context.Context, kind RecordKind) (int64, error) {
	if !kind.Valid() {
		return 0, errors.WrapInvalid(fmt.Errorf("unknown record kind %q", kind), "Store", "CountArchivedRecords", "validate kind")
	}

	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", s.archiveTable(kind.table()))
	var count int64
	if err := s.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, errors.WrapTransient(err, "Store", "CountArchivedRecords", string(kind))
	}
	return count, nil
}
