package uplink

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rallykit/dashd/internal/config"
	"github.com/rallykit/dashd/internal/monitoring"
	"github.com/rallykit/dashd/internal/storage"
	"github.com/rallykit/dashd/internal/timeutil"
)

const (
	syncCursorName = "prometheus"

	// After this many consecutive failures on the same batch the
	// cursor advances past it. Readings older than the endpoint's
	// ingestion window would otherwise wedge the sync forever.
	maxBatchRetries = 20

	syncBackoffBase = 5 * time.Second
	syncBackoffMax  = 5 * time.Minute
)

// Pusher sends one batch upstream. Implemented by RemoteWriter.
type Pusher interface {
	Push(readings []storage.Reading) (int, error)
}

// ReadingSource is the slice of the store the syncer needs.
type ReadingSource interface {
	ReadingsAfter(afterID int64, limit int) ([]storage.Reading, error)
	SyncCursor(name string) (int64, error)
	SetSyncCursor(name string, id int64) error
}

// OnlineChecker gates sync attempts on connectivity.
type OnlineChecker interface {
	Online() bool
}

// Syncer drains unsynced readings to the remote-write endpoint in
// batches, tracking progress in the store so restarts resume where
// they left off.
type Syncer struct {
	cfg    config.PrometheusConfig
	store  ReadingSource
	pusher Pusher
	conn   OnlineChecker
	clock  timeutil.Clock

	mu          sync.Mutex
	failures    int
	backoffWait time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// NewSyncer builds a syncer. conn may be nil to sync unconditionally.
func NewSyncer(cfg config.PrometheusConfig, store ReadingSource, pusher Pusher, conn OnlineChecker, clock timeutil.Clock) *Syncer {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Syncer{
		cfg:    cfg,
		store:  store,
		pusher: pusher,
		conn:   conn,
		clock:  clock,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start runs the sync loop in the background.
func (s *Syncer) Start() {
	go s.loop()
}

// Stop terminates the loop, waiting for an in-flight push to finish.
func (s *Syncer) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		<-s.done
	})
}

func (s *Syncer) loop() {
	defer close(s.done)
	interval := time.Duration(s.cfg.SyncIntervalSeconds) * time.Second
	for {
		select {
		case <-s.stopCh:
			return
		case <-s.clock.After(interval):
			s.SyncOnce()
		}
	}
}

// SyncOnce pushes pending batches until the backlog is drained or a
// push fails. Exported so shutdown can flush explicitly.
func (s *Syncer) SyncOnce() {
	if s.conn != nil && !s.conn.Online() {
		return
	}

	// Ticks that land inside the backoff window only burn it down; the
	// next tick after it expires syncs.
	s.mu.Lock()
	if s.backoffWait > 0 {
		s.backoffWait -= time.Duration(s.cfg.SyncIntervalSeconds) * time.Second
		if s.backoffWait < 0 {
			s.backoffWait = 0
		}
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	for {
		advanced, err := s.syncBatch()
		if err != nil {
			s.recordFailure(err)
			return
		}
		s.recordSuccess()
		if !advanced {
			return
		}
		select {
		case <-s.stopCh:
			return
		default:
		}
	}
}

// syncBatch pushes one batch and advances the cursor. Returns whether
// a full batch was sent, meaning more may be pending.
func (s *Syncer) syncBatch() (bool, error) {
	cursor, err := s.store.SyncCursor(syncCursorName)
	if err != nil {
		return false, err
	}

	batch, err := s.store.ReadingsAfter(cursor, s.cfg.BatchSize)
	if err != nil {
		return false, err
	}
	if len(batch) == 0 {
		return false, nil
	}

	lastID := batch[len(batch)-1].ID

	status, err := s.pusher.Push(batch)
	if err != nil && !isDuplicateError(status, err) {
		s.mu.Lock()
		exhausted := s.failures+1 >= maxBatchRetries
		s.mu.Unlock()
		if exhausted {
			monitoring.Logf("uplink: giving up on batch ending at id %d after %d attempts: %v",
				lastID, maxBatchRetries, err)
			if cerr := s.store.SetSyncCursor(syncCursorName, lastID); cerr != nil {
				return false, cerr
			}
			s.mu.Lock()
			s.failures = 0
			s.mu.Unlock()
			return len(batch) == s.cfg.BatchSize, nil
		}
		return false, err
	}
	if err != nil {
		// Duplicate samples mean this batch already landed, likely a
		// crash between push and cursor update. Advance past it.
		monitoring.Debugf("uplink: batch ending at id %d already ingested, advancing cursor", lastID)
	}

	if err := s.store.SetSyncCursor(syncCursorName, lastID); err != nil {
		return false, err
	}
	monitoring.Debugf("uplink: synced %d readings through id %d", len(batch), lastID)
	return len(batch) == s.cfg.BatchSize, nil
}

func (s *Syncer) recordFailure(err error) {
	s.mu.Lock()
	s.failures++
	backoff := syncBackoffBase << (s.failures - 1)
	if backoff > syncBackoffMax || backoff <= 0 {
		backoff = syncBackoffMax
	}
	s.backoffWait = backoff
	n := s.failures
	s.mu.Unlock()
	monitoring.Logf("uplink: sync failed (attempt %d, backing off %s): %v", n, backoff, err)
}

func (s *Syncer) recordSuccess() {
	s.mu.Lock()
	s.failures = 0
	s.backoffWait = 0
	s.mu.Unlock()
}

// isDuplicateError detects the endpoint telling us these samples were
// already ingested.
func isDuplicateError(status int, err error) bool {
	if status == http.StatusConflict {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "duplicate sample")
}
