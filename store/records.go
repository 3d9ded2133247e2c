package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/canopyhq/canopy/errors"
)

// InsertRecord writes one telemetry record. A re-delivered record (same
// ecosystem, source, measure, timestamp and value) returns
// ErrDuplicateRecord; callers on the live path treat it as success.
func (s *Store) InsertRecord(ctx context.Context, kind RecordKind, rec Record) error {
	if !kind.Valid() {
		return errors.WrapInvalid(fmt.Errorf("unknown record kind %q", kind), "Store", "InsertRecord", "validate kind")
	}

	query := fmt.Sprintf(`INSERT INTO %s (ecosystem_uid, source_uid, measure, value, timestamp)
		VALUES (?, ?, ?, ?, ?)`, kind.table())
	_, err := s.db.ExecContext(ctx, query,
		rec.EcosystemUID, rec.SourceUID, rec.Measure, rec.Value, rec.Timestamp.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return errors.ErrDuplicateRecord
		}
		return errors.WrapTransient(err, "Store", "InsertRecord", string(kind))
	}
	return nil
}

// InsertRecordTx writes one telemetry record inside a caller-owned
// transaction via INSERT OR IGNORE, so the surrounding batch stays
// all-or-nothing while duplicate re-delivery is absorbed. Reports
// whether a row was actually inserted.
func (s *Store) InsertRecordTx(ctx context.Context, tx *sql.Tx, kind RecordKind, rec Record) (bool, error) {
	if !kind.Valid() {
		return false, errors.WrapInvalid(fmt.Errorf("unknown record kind %q", kind), "Store", "InsertRecordTx", "validate kind")
	}

	query := fmt.Sprintf(`INSERT OR IGNORE INTO %s (ecosystem_uid, source_uid, measure, value, timestamp)
		VALUES (?, ?, ?, ?, ?)`, kind.table())
	res, err := tx.ExecContext(ctx, query,
		rec.EcosystemUID, rec.SourceUID, rec.Measure, rec.Value, rec.Timestamp.UTC())
	if err != nil {
		return false, errors.WrapTransient(err, "Store", "InsertRecordTx", string(kind))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.WrapTransient(err, "Store", "InsertRecordTx", "rows affected")
	}
	return n > 0, nil
}

// BulkInsertRecords writes a whole batch in one transaction. Duplicates
// are skipped via INSERT OR IGNORE; any other failure rolls the entire
// batch back. Returns the number of rows actually inserted.
func (s *Store) BulkInsertRecords(ctx context.Context, kind RecordKind, recs []Record) (int64, error) {
	if !kind.Valid() {
		return 0, errors.WrapInvalid(fmt.Errorf("unknown record kind %q", kind), "Store", "BulkInsertRecords", "validate kind")
	}

	var inserted int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		query := fmt.Sprintf(`INSERT OR IGNORE INTO %s (ecosystem_uid, source_uid, measure, value, timestamp)
			VALUES (?, ?, ?, ?, ?)`, kind.table())
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return errors.WrapTransient(err, "Store", "BulkInsertRecords", "prepare")
		}
		defer stmt.Close()

		for _, rec := range recs {
			res, err := stmt.ExecContext(ctx,
				rec.EcosystemUID, rec.SourceUID, rec.Measure, rec.Value, rec.Timestamp.UTC())
			if err != nil {
				return errors.WrapTransient(err, "Store", "BulkInsertRecords", string(kind))
			}
			n, err := res.RowsAffected()
			if err != nil {
				return errors.WrapTransient(err, "Store", "BulkInsertRecords", "rows affected")
			}
			inserted += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// CountRecords returns the number of live rows for the kind, optionally
// filtered by ecosystem ("" means all).
func (s *Store) CountRecords(ctx context.Context, kind RecordKind, ecosystemUID string) (int64, error) {
	if !kind.Valid() {
		return 0, errors.WrapInvalid(fmt.Errorf("unknown record kind %q", kind), "Store", "CountRecords", "validate kind")
	}

	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", kind.table())
	args := []any{}
	if ecosystemUID != "" {
		query += " WHERE ecosystem_uid = ?"
		args = append(args, ecosystemUID)
	}

	var count int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, errors.WrapTransient(err, "Store", "CountRecords", string(kind))
	}
	return count, nil
}

// ListRecordsSince returns live rows with a timestamp at or after since,
// oldest first.
func (s *Store) ListRecordsSince(ctx context.Context, kind RecordKind, since time.Time) ([]Record, error) {
	if !kind.Valid() {
		return nil, errors.WrapInvalid(fmt.Errorf("unknown record kind %q", kind), "Store", "ListRecordsSince", "validate kind")
	}

	query := fmt.Sprintf(`SELECT ecosystem_uid, source_uid, measure, value, timestamp
		FROM %s WHERE timestamp >= ? ORDER BY timestamp`, kind.table())
	rows, err := s.db.QueryContext(ctx, query, since.UTC())
	if err != nil {
		return nil, errors.WrapTransient(err, "Store", "ListRecordsSince", string(kind))
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.EcosystemUID, &rec.SourceUID, &rec.Measure, &rec.Value, &rec.Timestamp); err != nil {
			return nil, errors.WrapTransient(err, "Store", "ListRecordsSince", "scan")
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapTransient(err, "Store", "ListRecordsSince", "iterate")
	}
	return recs, nil
}
