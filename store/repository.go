package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/canopyhq/canopy/errors"
)

// UpsertEngine creates the engine on first registration or refreshes its
// connection id, address and last-seen on re-registration.
func (s *Store) UpsertEngine(ctx context.Context, e Engine) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO engines (uid, connection_id, address, last_seen, registered_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (uid) DO UPDATE SET
			connection_id = excluded.connection_id,
			address       = excluded.address,
			last_seen     = excluded.last_seen`,
		e.UID, e.ConnectionID, e.Address, e.LastSeen.UTC(), e.RegisteredAt.UTC())
	if err != nil {
		return errors.WrapTransient(err, "Store", "UpsertEngine", e.UID)
	}
	return nil
}

// GetEngine looks an engine up by uid.
func (s *Store) GetEngine(ctx context.Context, uid string) (*Engine, error) {
	var e Engine
	var lastSeen, registeredAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT uid, connection_id, address, last_seen, registered_at
		FROM engines WHERE uid = ?`, uid).
		Scan(&e.UID, &e.ConnectionID, &e.Address, &lastSeen, &registeredAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "Store", "GetEngine", uid)
	}
	e.LastSeen = lastSeen.Time
	e.RegisteredAt = registeredAt.Time
	return &e, nil
}

// TouchEngine refreshes the engine's last-seen timestamp on heartbeat.
func (s *Store) TouchEngine(ctx context.Context, uid string, seen time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE engines SET last_seen = ? WHERE uid = ?", seen.UTC(), uid)
	if err != nil {
		return errors.WrapTransient(err, "Store", "TouchEngine", uid)
	}
	return nil
}

// UpsertEcosystem creates or updates one ecosystem row, marking it back
// in config.
func (s *Store) UpsertEcosystem(ctx context.Context, eco Ecosystem) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ecosystems (uid, engine_uid, name, status, management, in_config, last_seen)
		VALUES (?, ?, ?, ?, ?, 1, ?)
		ON CONFLICT (uid) DO UPDATE SET
			engine_uid = excluded.engine_uid,
			name       = excluded.name,
			status     = excluded.status,
			in_config  = 1,
			last_seen  = excluded.last_seen`,
		eco.UID, eco.EngineUID, eco.Name, eco.Status, eco.Management, eco.LastSeen.UTC())
	if err != nil {
		return errors.WrapTransient(err, "Store", "UpsertEcosystem", eco.UID)
	}
	return nil
}

// ReconcileEcosystems soft-removes the engine's ecosystems that were
// absent from the latest base info payload.
func (s *Store) ReconcileEcosystems(ctx context.Context, tx *sql.Tx, engineUID string, keepUIDs []string) error {
	query := "UPDATE ecosystems SET in_config = 0 WHERE engine_uid = ?"
	args := []any{engineUID}
	if len(keepUIDs) > 0 {
		query += " AND uid NOT IN (?" + strings.Repeat(", ?", len(keepUIDs)-1) + ")"
		for _, uid := range keepUIDs {
			args = append(args, uid)
		}
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return errors.WrapTransient(err, "Store", "ReconcileEcosystems", engineUID)
	}
	return nil
}

// SetEcosystemManagement updates the capability bitmask.
func (s *Store) SetEcosystemManagement(ctx context.Context, uid string, management int64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE ecosystems SET management = ? WHERE uid = ?", management, uid)
	if err != nil {
		return errors.WrapTransient(err, "Store", "SetEcosystemManagement", uid)
	}
	return nil
}

// TouchEcosystem refreshes the ecosystem's last-seen timestamp.
func (s *Store) TouchEcosystem(ctx context.Context, uid string, seen time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE ecosystems SET last_seen = ? WHERE uid = ?", seen.UTC(), uid)
	if err != nil {
		return errors.WrapTransient(err, "Store", "TouchEcosystem", uid)
	}
	return nil
}

// ListEcosystems returns every ecosystem owned by the engine.
func (s *Store) ListEcosystems(ctx context.Context, engineUID string) ([]Ecosystem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT uid, engine_uid, name, status, management, in_config, last_seen
		FROM ecosystems WHERE engine_uid = ? ORDER BY uid`, engineUID)
	if err != nil {
		return nil, errors.WrapTransient(err, "Store", "ListEcosystems", engineUID)
	}
	defer rows.Close()

	var ecos []Ecosystem
	for rows.Next() {
		var eco Ecosystem
		var lastSeen sql.NullTime
		if err := rows.Scan(&eco.UID, &eco.EngineUID, &eco.Name, &eco.Status, &eco.Management, &eco.InConfig, &lastSeen); err != nil {
			return nil, errors.WrapTransient(err, "Store", "ListEcosystems", "scan")
		}
		eco.LastSeen = lastSeen.Time
		ecos = append(ecos, eco)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapTransient(err, "Store", "ListEcosystems", "iterate")
	}
	return ecos, nil
}

// UpsertHardware creates or updates one hardware row inside tx, marking it
// back in config.
func (s *Store) UpsertHardware(ctx context.Context, tx *sql.Tx, hw Hardware) error {
	measures, err := json.Marshal(hw.Measures)
	if err != nil {
		return errors.WrapInvalid(err, "Store", "UpsertHardware", "marshal measures")
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO hardware (uid, ecosystem_uid, name, level, address, type, model, measures, in_config)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT (uid) DO UPDATE SET
			ecosystem_uid = excluded.ecosystem_uid,
			name          = excluded.name,
			level         = excluded.level,
			address       = excluded.address,
			type          = excluded.type,
			model         = excluded.model,
			measures      = excluded.measures,
			in_config     = 1`,
		hw.UID, hw.EcosystemUID, hw.Name, hw.Level, hw.Address, hw.Type, hw.Model, string(measures))
	if err != nil {
		return errors.WrapTransient(err, "Store", "UpsertHardware", hw.UID)
	}
	return nil
}

// ReconcileHardware soft-removes rows for the ecosystem that were absent
// from the latest inventory payload.
func (s *Store) ReconcileHardware(ctx context.Context, tx *sql.Tx, ecosystemUID string, keepUIDs []string) error {
	query := "UPDATE hardware SET in_config = 0 WHERE ecosystem_uid = ?"
	args := []any{ecosystemUID}
	if len(keepUIDs) > 0 {
		query += " AND uid NOT IN (?" + strings.Repeat(", ?", len(keepUIDs)-1) + ")"
		for _, uid := range keepUIDs {
			args = append(args, uid)
		}
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return errors.WrapTransient(err, "Store", "ReconcileHardware", ecosystemUID)
	}
	return nil
}

// GetHardware looks one hardware row up by uid.
func (s *Store) GetHardware(ctx context.Context, uid string) (*Hardware, error) {
	var hw Hardware
	var measures string
	var lastLog sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT uid, ecosystem_uid, name, level, address, type, model, measures, in_config, last_log
		FROM hardware WHERE uid = ?`, uid).
		Scan(&hw.UID, &hw.EcosystemUID, &hw.Name, &hw.Level, &hw.Address,
			&hw.Type, &hw.Model, &measures, &hw.InConfig, &lastLog)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "Store", "GetHardware", uid)
	}
	if err := json.Unmarshal([]byte(measures), &hw.Measures); err != nil {
		return nil, errors.WrapInvalid(err, "Store", "GetHardware", "unmarshal measures")
	}
	hw.LastLog = lastLog.Time
	return &hw, nil
}

// SetHardwareLastLog updates the last-logged marker the periodic logger
// maintains.
func (s *Store) SetHardwareLastLog(ctx context.Context, uid string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE hardware SET last_log = ? WHERE uid = ?", at.UTC(), uid)
	if err != nil {
		return errors.WrapTransient(err, "Store", "SetHardwareLastLog", uid)
	}
	return nil
}

// UpsertEnvironmentParameter creates or updates one climate parameter row
// inside tx.
func (s *Store) UpsertEnvironmentParameter(ctx context.Context, tx *sql.Tx, p EnvironmentParameter) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO environment_parameters (ecosystem_uid, parameter, day, night, hysteresis, in_config)
		VALUES (?, ?, ?, ?, ?, 1)
		ON CONFLICT (ecosystem_uid, parameter) DO UPDATE SET
			day        = excluded.day,
			night      = excluded.night,
			hysteresis = excluded.hysteresis,
			in_config  = 1`,
		p.EcosystemUID, p.Parameter, p.Day, p.Night, p.Hysteresis)
	if err != nil {
		return errors.WrapTransient(err, "Store", "UpsertEnvironmentParameter", p.Parameter)
	}
	return nil
}

// ReconcileEnvironmentParameters soft-removes parameters absent from the
// latest climate payload.
func (s *Store) ReconcileEnvironmentParameters(ctx context.Context, tx *sql.Tx, ecosystemUID string, keep []string) error {
	query := "UPDATE environment_parameters SET in_config = 0 WHERE ecosystem_uid = ?"
	args := []any{ecosystemUID}
	if len(keep) > 0 {
		query += " AND parameter NOT IN (?" + strings.Repeat(", ?", len(keep)-1) + ")"
		for _, p := range keep {
			args = append(args, p)
		}
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return errors.WrapTransient(err, "Store", "ReconcileEnvironmentParameters", ecosystemUID)
	}
	return nil
}

// UpsertNycthemeralCycle persists the day/night window and lighting method.
func (s *Store) UpsertNycthemeralCycle(ctx context.Context, tx *sql.Tx, n NycthemeralCycle) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO nycthemeral_cycles (ecosystem_uid, span, lighting, day, night)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (ecosystem_uid) DO UPDATE SET
			span     = excluded.span,
			lighting = excluded.lighting,
			day      = excluded.day,
			night    = excluded.night`,
		n.EcosystemUID, n.Span, n.Lighting, n.Day, n.Night)
	if err != nil {
		return errors.WrapTransient(err, "Store", "UpsertNycthemeralCycle", n.EcosystemUID)
	}
	return nil
}

// UpsertChaosParameters persists the perturbation window configuration.
func (s *Store) UpsertChaosParameters(ctx context.Context, tx *sql.Tx, c ChaosParameters) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO chaos_parameters (ecosystem_uid, frequency, duration, intensity, beginning, end)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (ecosystem_uid) DO UPDATE SET
			frequency = excluded.frequency,
			duration  = excluded.duration,
			intensity = excluded.intensity,
			beginning = excluded.beginning,
			end       = excluded.end`,
		c.EcosystemUID, c.Frequency, c.Duration, c.Intensity, c.Beginning.UTC(), c.End.UTC())
	if err != nil {
		return errors.WrapTransient(err, "Store", "UpsertChaosParameters", c.EcosystemUID)
	}
	return nil
}

// WithTx exposes the transaction helper so the ingestion pipeline can run
// one category batch per transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return s.withTx(ctx, fn)
}

// GetMeta reads one process-level marker, e.g. the archiver's last run.
func (s *Store) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM meta WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", errors.WrapTransient(err, "Store", "GetMeta", key)
	}
	return value, nil
}

// SetMeta writes one process-level marker.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return errors.WrapTransient(err, "Store", "SetMeta", key)
	}
	return nil
}
