package storage

import (
	"fmt"
	"os"

	"github.com/rallykit/dashd/internal/fsutil"
	"github.com/rallykit/dashd/internal/monitoring"
)

// DetectUncleanShutdown reports whether the previous run left a WAL
// file behind, meaning the process died without a clean close. Must be
// called before Open, which recreates the WAL.
func DetectUncleanShutdown(path string) bool {
	_, err := os.Stat(path + "-wal")
	return err == nil
}

// RecoveryReport summarizes one crash recovery pass.
type RecoveryReport struct {
	IntegrityOK     bool
	OrphansRepaired int
}

// RecoverFromCrash runs after an unclean shutdown was detected: a
// quick integrity check, then repair of orphaned event rows. An orphan
// is an event stored without a video path whose capture file exists on
// disk anyway; the save finished but the process died before the late
// callback could attach it.
func (s *Store) RecoverFromCrash(fsys fsutil.FileSystem, pathFor func(eventUUID string) string) (RecoveryReport, error) {
	var rep RecoveryReport

	ok, err := s.quickCheck()
	if err != nil {
		return rep, err
	}
	rep.IntegrityOK = ok
	if !ok {
		monitoring.Logf("storage: integrity check failed after crash")
	}

	orphans, err := s.orphanedEvents()
	if err != nil {
		return rep, err
	}
	for _, o := range orphans {
		candidate := pathFor(o.uuid)
		if !fsys.Exists(candidate) {
			continue
		}
		if err := s.UpdateEventVideo(o.id, candidate); err != nil {
			monitoring.Logf("storage: repair event %d: %v", o.id, err)
			continue
		}
		rep.OrphansRepaired++
	}

	if rep.OrphansRepaired > 0 {
		monitoring.Logf("storage: crash recovery attached %d orphaned captures", rep.OrphansRepaired)
	}
	return rep, nil
}

func (s *Store) quickCheck() (bool, error) {
	rows, err := s.Query("PRAGMA quick_check")
	if err != nil {
		return false, fmt.Errorf("quick_check: %w", err)
	}
	defer rows.Close()

	var results []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return false, fmt.Errorf("scan quick_check: %w", err)
		}
		results = append(results, line)
	}
	if err := rows.Err(); err != nil {
		return false, err
	}
	return len(results) == 1 && results[0] == "ok", nil
}

type orphanedEvent struct {
	id   int64
	uuid string
}

func (s *Store) orphanedEvents() ([]orphanedEvent, error) {
	rows, err := s.Query(
		"SELECT id, event_uuid FROM events WHERE video_path IS NULL OR video_path = ''")
	if err != nil {
		return nil, fmt.Errorf("query orphaned events: %w", err)
	}
	defer rows.Close()

	var out []orphanedEvent
	for rows.Next() {
		var o orphanedEvent
		if err := rows.Scan(&o.id, &o.uuid); err != nil {
			return nil, fmt.Errorf("scan orphaned event: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
