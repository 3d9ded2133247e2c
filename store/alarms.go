package store

import (
	"context"
	"database/sql"

	"github.com/canopyhq/canopy/errors"
)

// UpsertAlarm merges the alarm into an open alarm of the same kind (same
// ecosystem, sensor, measure and position) when one exists, extending its
// window and refreshing severity; otherwise a new open row is inserted.
func (s *Store) UpsertAlarm(ctx context.Context, tx *sql.Tx, a Alarm) error {
	var id int64
	err := tx.QueryRowContext(ctx, `
		SELECT id FROM alarms
		WHERE ecosystem_uid = ? AND sensor_uid = ? AND measure = ? AND position = ? AND status = 'open'`,
		a.EcosystemUID, a.SensorUID, a.Measure, a.Position).Scan(&id)
	switch {
	case err == sql.ErrNoRows:
		_, err = tx.ExecContext(ctx, `
			INSERT INTO alarms (ecosystem_uid, sensor_uid, measure, position, delta, level, since, until, status)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'open')`,
			a.EcosystemUID, a.SensorUID, a.Measure, a.Position,
			a.Delta, a.Level, a.Since.UTC(), a.Until.UTC())
		if err != nil {
			return errors.WrapTransient(err, "Store", "UpsertAlarm", "insert")
		}
		return nil
	case err != nil:
		return errors.WrapTransient(err, "Store", "UpsertAlarm", "lookup open alarm")
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE alarms SET delta = ?, level = ?, until = ? WHERE id = ?`,
		a.Delta, a.Level, a.Until.UTC(), id)
	if err != nil {
		return errors.WrapTransient(err, "Store", "UpsertAlarm", "merge")
	}
	return nil
}

// CloseAlarm marks an open alarm closed.
func (s *Store) CloseAlarm(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE alarms SET status = 'closed' WHERE id = ?", id)
	if err != nil {
		return errors.WrapTransient(err, "Store", "CloseAlarm", "update")
	}
	return nil
}

// ListOpenAlarms returns every alarm still accumulating, oldest first.
func (s *Store) ListOpenAlarms(ctx context.Context, ecosystemUID string) ([]Alarm, error) {
	query := `
		SELECT id, ecosystem_uid, sensor_uid, measure, position, delta, level, since, until, status
		FROM alarms WHERE status = 'open'`
	args := []any{}
	if ecosystemUID != "" {
		query += " AND ecosystem_uid = ?"
		args = append(args, ecosystemUID)
	}
	query += " ORDER BY since"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.WrapTransient(err, "Store", "ListOpenAlarms", "query")
	}
	defer rows.Close()

	var alarms []Alarm
	for rows.Next() {
		var a Alarm
		if err := rows.Scan(&a.ID, &a.EcosystemUID, &a.SensorUID, &a.Measure,
			&a.Position, &a.Delta, &a.Level, &a.Since, &a.Until, &a.Status); err != nil {
			return nil, errors.WrapTransient(err, "Store", "ListOpenAlarms", "scan")
		}
		alarms = append(alarms, a)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapTransient(err, "Store", "ListOpenAlarms", "iterate")
	}
	return alarms, nil
}
