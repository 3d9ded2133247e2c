package store

import (
	"context"
	"database/sql"

	"github.com/canopyhq/canopy/errors"
)

// UpsertEcosystemTx is UpsertEcosystem scoped to a caller-owned
// transaction, so one category batch commits atomically.
func (s *Store) UpsertEcosystemTx(ctx context.Context, tx *sql.Tx, eco Ecosystem) error {
	_, err := tx.ExecContext(ctx, `
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
		return errors.WrapTransient(err, "Store", "UpsertEcosystemTx", eco.UID)
	}
	return nil
}

// GetEcosystem looks one ecosystem up by uid.
func (s *Store) GetEcosystem(ctx context.Context, uid string) (*Ecosystem, error) {
	var eco Ecosystem
	var lastSeen sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT uid, engine_uid, name, status, management, in_config, last_seen
		FROM ecosystems WHERE uid = ?`, uid).
		Scan(&eco.UID, &eco.EngineUID, &eco.Name, &eco.Status, &eco.Management, &eco.InConfig, &lastSeen)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "Store", "GetEcosystem", uid)
	}
	eco.LastSeen = lastSeen.Time
	return &eco, nil
}

// SetEcosystemManagementTx updates the capability bitmask inside tx.
func (s *Store) SetEcosystemManagementTx(ctx context.Context, tx *sql.Tx, uid string, management int64) error {
	_, err := tx.ExecContext(ctx,
		"UPDATE ecosystems SET management = ? WHERE uid = ?", management, uid)
	if err != nil {
		return errors.WrapTransient(err, "Store", "SetEcosystemManagementTx", uid)
	}
	return nil
}
