// Package storage persists events and low-rate telemetry readings in an
// embedded sqlite database.
package storage

import (
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/rallykit/dashd/internal/detect"
	"github.com/rallykit/dashd/internal/monitoring"
)

// Store wraps the sqlite handle with the daemon's queries.
type Store struct {
	*sql.DB
}

// Open opens (creating if needed) the database at path, enables WAL and
// applies pending migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Single writer; the WAL keeps readers unblocked during capture
	// bursts.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db}, nil
}

// SaveEvent persists a completed event, returning its row id. An empty
// videoPath stores NULL so a late save callback can fill it in.
func (s *Store) SaveEvent(ev *detect.Event, videoPath string) (int64, error) {
	var video any
	if videoPath != "" {
		video = videoPath
	}

	res, err := s.Exec(`
		INSERT INTO events (
			event_uuid, event_type, start_time, end_time,
			peak_value, peak_ax, peak_ay, peak_az, sample_count,
			latitude, longitude, speed_kph, dist_from_km, dist_to_km,
			video_path
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Type.String(), ev.StartTime, ev.EndTime,
		ev.PeakValue, ev.PeakAX, ev.PeakAY, ev.PeakAZ, len(ev.Samples),
		ev.Latitude, ev.Longitude, ev.SpeedKPH, ev.DistFromKM, ev.DistToKM,
		video,
	)
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("event id: %w", err)
	}
	return id, nil
}

// UpdateEventVideo attaches a video path to an already-stored event.
func (s *Store) UpdateEventVideo(id int64, videoPath string) error {
	_, err := s.Exec("UPDATE events SET video_path = ? WHERE id = ?", videoPath, id)
	if err != nil {
		return fmt.Errorf("update event video: %w", err)
	}
	return nil
}

// EventCount returns the total number of stored events.
func (s *Store) EventCount() (int, error) {
	var n int
	if err := s.QueryRow("SELECT COUNT(*) FROM events").Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// EventVideoPath returns the stored video path for an event row, or ""
// when none is recorded.
func (s *Store) EventVideoPath(id int64) (string, error) {
	var path sql.NullString
	err := s.QueryRow("SELECT video_path FROM events WHERE id = ?", id).Scan(&path)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("event %d not found", id)
	}
	if err != nil {
		return "", fmt.Errorf("query event video: %w", err)
	}
	return path.String, nil
}

// Reading is one low-rate telemetry sample.
type Reading struct {
	ID        int64
	Timestamp float64 // Unix seconds
	Name      string
	Value     float64
}

// InsertReading appends one telemetry reading.
func (s *Store) InsertReading(ts float64, name string, value float64) error {
	_, err := s.Exec("INSERT INTO readings (ts, name, value) VALUES (?, ?, ?)", ts, name, value)
	if err != nil {
		return fmt.Errorf("insert reading: %w", err)
	}
	return nil
}

// ReadingsAfter returns up to limit readings with id greater than
// afterID, oldest first. Used by the batch syncer.
func (s *Store) ReadingsAfter(afterID int64, limit int) ([]Reading, error) {
	rows, err := s.Query(
		"SELECT id, ts, name, value FROM readings WHERE id > ? ORDER BY id LIMIT ?",
		afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("query readings: %w", err)
	}
	defer rows.Close()

	var out []Reading
	for rows.Next() {
		var r Reading
		if err := rows.Scan(&r.ID, &r.Timestamp, &r.Name, &r.Value); err != nil {
			return nil, fmt.Errorf("scan reading: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// SyncCursor returns the last reading id pushed upstream for the named
// destination; zero when never synced.
func (s *Store) SyncCursor(name string) (int64, error) {
	var id int64
	err := s.QueryRow("SELECT last_id FROM sync_cursor WHERE name = ?", name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query sync cursor: %w", err)
	}
	return id, nil
}

// SetSyncCursor records the last reading id pushed upstream.
func (s *Store) SetSyncCursor(name string, id int64) error {
	_, err := s.Exec(`
		INSERT INTO sync_cursor (name, last_id) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET last_id = excluded.last_id`,
		name, id)
	if err != nil {
		return fmt.Errorf("set sync cursor: %w", err)
	}
	return nil
}

// TripState returns a trip-state value and whether it was present.
func (s *Store) TripState(key string) (string, bool, error) {
	var value string
	err := s.QueryRow("SELECT value FROM trip_state WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query trip state: %w", err)
	}
	return value, true, nil
}

// SetTripState upserts a trip-state value.
func (s *Store) SetTripState(key, value string) error {
	_, err := s.Exec(`
		INSERT INTO trip_state (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
		key, value)
	if err != nil {
		return fmt.Errorf("set trip state: %w", err)
	}
	return nil
}

// CheckpointWAL truncates the write-ahead log so the database file stays
// bounded on the SD card.
func (s *Store) CheckpointWAL() error {
	if _, err := s.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("wal checkpoint: %w", err)
	}
	return nil
}

// PruneReadings deletes readings older than the cutoff timestamp and
// returns how many were removed.
func (s *Store) PruneReadings(cutoff float64) (int64, error) {
	res, err := s.Exec("DELETE FROM readings WHERE ts < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune readings: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		monitoring.Logf("storage: pruned %d readings older than %.0f", n, cutoff)
	}
	return n, nil
}
