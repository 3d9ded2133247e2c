package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canopyhq/canopy/errors"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "canopy.db"), "")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedEcosystem(t *testing.T, s *Store, engineUID, ecoUID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.UpsertEngine(ctx, Engine{
		UID: engineUID, ConnectionID: "conn-1", Address: "10.0.0.5",
		LastSeen: time.Now(), RegisteredAt: time.Now(),
	}))
	require.NoError(t, s.UpsertEcosystem(ctx, Ecosystem{
		UID: ecoUID, EngineUID: engineUID, Name: "greenhouse", Status: true,
		LastSeen: time.Now(),
	}))
}

func TestEngineUpsertAndTouch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	registered := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	require.NoError(t, s.UpsertEngine(ctx, Engine{
		UID: "E1", ConnectionID: "conn-1", Address: "10.0.0.5",
		LastSeen: registered, RegisteredAt: registered,
	}))

	// Re-registration updates connection details.
	require.NoError(t, s.UpsertEngine(ctx, Engine{
		UID: "E1", ConnectionID: "conn-2", Address: "10.0.0.6",
		LastSeen: registered.Add(time.Hour), RegisteredAt: registered.Add(time.Hour),
	}))

	e, err := s.GetEngine(ctx, "E1")
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, "conn-2", e.ConnectionID)
	assert.Equal(t, "10.0.0.6", e.Address)

	seen := registered.Add(2 * time.Hour)
	require.NoError(t, s.TouchEngine(ctx, "E1", seen))
	e, err = s.GetEngine(ctx, "E1")
	require.NoError(t, err)
	assert.True(t, e.LastSeen.Equal(seen))

	missing, err := s.GetEngine(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestInsertRecordDetectsDuplicates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := Record{
		EcosystemUID: "eco-1", SourceUID: "S1", Measure: "temperature",
		Value: 21.5, Timestamp: time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, s.InsertRecord(ctx, KindSensor, rec))

	err := s.InsertRecord(ctx, KindSensor, rec)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrDuplicateRecord))

	count, err := s.CountRecords(ctx, KindSensor, "eco-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	// Same tuple with a different value is a distinct fact.
	rec.Value = 21.6
	require.NoError(t, s.InsertRecord(ctx, KindSensor, rec))
}

func TestBulkInsertSkipsDuplicates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ts := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	recs := []Record{
		{EcosystemUID: "eco-1", SourceUID: "S1", Measure: "temperature", Value: 21.5, Timestamp: ts},
		{EcosystemUID: "eco-1", SourceUID: "S1", Measure: "humidity", Value: 60, Timestamp: ts},
	}

	inserted, err := s.BulkInsertRecords(ctx, KindSensor, recs)
	require.NoError(t, err)
	assert.Equal(t, int64(2), inserted)

	// Replaying the batch inserts nothing and raises nothing.
	inserted, err = s.BulkInsertRecords(ctx, KindSensor, recs)
	require.NoError(t, err)
	assert.Equal(t, int64(0), inserted)

	count, err := s.CountRecords(ctx, KindSensor, "")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestInsertRecordTxRollsBackWithBatch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ts := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		inserted, err := s.InsertRecordTx(ctx, tx, KindSensor, Record{
			EcosystemUID: "eco-1", SourceUID: "S1", Measure: "temperature",
			Value: 21.5, Timestamp: ts,
		})
		require.NoError(t, err)
		assert.True(t, inserted)

		// A repeat inside the same transaction is absorbed, not an error.
		inserted, err = s.InsertRecordTx(ctx, tx, KindSensor, Record{
			EcosystemUID: "eco-1", SourceUID: "S1", Measure: "temperature",
			Value: 21.5, Timestamp: ts,
		})
		require.NoError(t, err)
		assert.False(t, inserted)

		return errors.New("mid-batch failure")
	})
	require.Error(t, err)

	count, err := s.CountRecords(ctx, KindSensor, "eco-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), count, "failed batch leaves no partial rows")
}

func TestEcosystemReconcileSoftRemoves(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedEcosystem(t, s, "E1", "eco-1")
	require.NoError(t, s.UpsertEcosystem(ctx, Ecosystem{
		UID: "eco-2", EngineUID: "E1", Name: "back", Status: true, LastSeen: time.Now(),
	}))

	// The next base info only mentions eco-1.
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		return s.ReconcileEcosystems(ctx, tx, "E1", []string{"eco-1"})
	})
	require.NoError(t, err)

	ecos, err := s.ListEcosystems(ctx, "E1")
	require.NoError(t, err)
	require.Len(t, ecos, 2, "soft removal never deletes")
	assert.True(t, ecos[0].InConfig)  // eco-1
	assert.False(t, ecos[1].InConfig) // eco-2

	// Upserting eco-2 again marks it back in config.
	require.NoError(t, s.UpsertEcosystem(ctx, Ecosystem{
		UID: "eco-2", EngineUID: "E1", Name: "back", Status: true, LastSeen: time.Now(),
	}))
	ecos, err = s.ListEcosystems(ctx, "E1")
	require.NoError(t, err)
	assert.True(t, ecos[1].InConfig)
}

func TestHardwareReconcileSoftRemoves(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedEcosystem(t, s, "E1", "eco-1")

	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		for _, uid := range []string{"S1", "S2"} {
			if err := s.UpsertHardware(ctx, tx, Hardware{
				UID: uid, EcosystemUID: "eco-1", Name: uid,
				Type: "sensor", Level: "environment",
				Measures: []string{"temperature"},
			}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	// Next inventory only mentions S1.
	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.UpsertHardware(ctx, tx, Hardware{
			UID: "S1", EcosystemUID: "eco-1", Name: "S1",
			Type: "sensor", Level: "environment",
		}); err != nil {
			return err
		}
		return s.ReconcileHardware(ctx, tx, "eco-1", []string{"S1"})
	})
	require.NoError(t, err)

	s1, err := s.GetHardware(ctx, "S1")
	require.NoError(t, err)
	assert.True(t, s1.InConfig)

	s2, err := s.GetHardware(ctx, "S2")
	require.NoError(t, err)
	require.NotNil(t, s2, "soft removal never deletes")
	assert.False(t, s2.InConfig)
}

func TestAlarmMergesIntoOpenAlarm(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	alarm := Alarm{
		EcosystemUID: "eco-1", SensorUID: "S1", Measure: "temperature",
		Position: "above", Delta: 2.5, Level: "warning",
		Since: base, Until: base,
	}

	require.NoError(t, s.WithTx(ctx, func(tx *sql.Tx) error {
		return s.UpsertAlarm(ctx, tx, alarm)
	}))

	// Same kind again extends the open alarm instead of duplicating it.
	alarm.Delta = 3.1
	alarm.Level = "critical"
	alarm.Until = base.Add(10 * time.Minute)
	require.NoError(t, s.WithTx(ctx, func(tx *sql.Tx) error {
		return s.UpsertAlarm(ctx, tx, alarm)
	}))

	open, err := s.ListOpenAlarms(ctx, "eco-1")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "critical", open[0].Level)
	assert.InDelta(t, 3.1, open[0].Delta, 1e-9)
	assert.True(t, open[0].Until.Equal(base.Add(10*time.Minute)))

	// A closed alarm no longer absorbs; a fresh one opens.
	require.NoError(t, s.CloseAlarm(ctx, open[0].ID))
	require.NoError(t, s.WithTx(ctx, func(tx *sql.Tx) error {
		return s.UpsertAlarm(ctx, tx, alarm)
	}))
	open, err = s.ListOpenAlarms(ctx, "eco-1")
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestArchiveSweepMovesOnlyOldRows(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	old := Record{
		EcosystemUID: "eco-1", SourceUID: "S1", Measure: "temperature",
		Value: 20, Timestamp: now.AddDate(0, 0, -100),
	}
	fresh := Record{
		EcosystemUID: "eco-1", SourceUID: "S1", Measure: "temperature",
		Value: 21, Timestamp: now.AddDate(0, 0, -1),
	}
	require.NoError(t, s.InsertRecord(ctx, KindSensor, old))
	require.NoError(t, s.InsertRecord(ctx, KindSensor, fresh))

	moved, err := s.ArchiveSweep(ctx, KindSensor, now.AddDate(0, 0, -90))
	require.NoError(t, err)
	assert.Equal(t, int64(1), moved)

	live, err := s.CountRecords(ctx, KindSensor, "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), live)

	archived, err := s.CountArchivedRecords(ctx, KindSensor)
	require.NoError(t, err)
	assert.Equal(t, int64(1), archived)

	remaining, err := s.ListRecordsSince(ctx, KindSensor, time.Time{})
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.InDelta(t, 21, remaining[0].Value, 1e-9)
}

func TestArchiveSweepIntoSeparateFile(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "live.db"), filepath.Join(dir, "archive.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, s.InsertRecord(ctx, KindHealth, Record{
		EcosystemUID: "eco-1", SourceUID: "S1", Measure: "green",
		Value: 0.8, Timestamp: now.AddDate(0, 0, -400),
	}))

	moved, err := s.ArchiveSweep(ctx, KindHealth, now.AddDate(0, 0, -365))
	require.NoError(t, err)
	assert.Equal(t, int64(1), moved)

	archived, err := s.CountArchivedRecords(ctx, KindHealth)
	require.NoError(t, err)
	assert.Equal(t, int64(1), archived)
}

func TestMetaRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	v, err := s.GetMeta(ctx, "archiver_last_run")
	require.NoError(t, err)
	assert.Empty(t, v)

	require.NoError(t, s.SetMeta(ctx, "archiver_last_run", "2026-02-01T12:00:00Z"))
	require.NoError(t, s.SetMeta(ctx, "archiver_last_run", "2026-02-08T12:00:00Z"))

	v, err = s.GetMeta(ctx, "archiver_last_run")
	require.NoError(t, err)
	assert.Equal(t, "2026-02-08T12:00:00Z", v)
}
