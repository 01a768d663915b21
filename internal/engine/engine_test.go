package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rallykit/dashd/internal/config"
	"github.com/rallykit/dashd/internal/detect"
	"github.com/rallykit/dashd/internal/fsutil"
	"github.com/rallykit/dashd/internal/gps"
	"github.com/rallykit/dashd/internal/imu"
	"github.com/rallykit/dashd/internal/timeutil"
)

type savedCall struct {
	eventID  string
	callback func(string)
}

type fakeVideo struct {
	mu       sync.Mutex
	saves    []savedCall
	segments int
	frames   []string

	// instant, when set, completes the save synchronously inside
	// SaveEvent with this path.
	instant string
}

func (f *fakeVideo) SaveEvent(eventID string, callback func(path string)) {
	f.mu.Lock()
	f.saves = append(f.saves, savedCall{eventID, callback})
	instant := f.instant
	f.mu.Unlock()
	if instant != "" {
		callback(instant)
	}
}

func (f *fakeVideo) OutputPathFor(eventID string) string {
	return "/out/event_" + eventID + ".mp4"
}

func (f *fakeVideo) CompletedSegmentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.segments
}

func (f *fakeVideo) CaptureFrame(outPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, outPath)
	return nil
}

func (f *fakeVideo) saveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.saves)
}

type storedEvent struct {
	event *detect.Event
	path  string
}

type fakeStore struct {
	mu        sync.Mutex
	events    []storedEvent
	updates   map[int64]string
	readings  []string
	tripState map[string]string
	pruned    int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		updates:   map[int64]string{},
		tripState: map[string]string{},
	}
}

func (f *fakeStore) SaveEvent(ev *detect.Event, videoPath string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, storedEvent{ev, videoPath})
	return int64(len(f.events)), nil
}

func (f *fakeStore) UpdateEventVideo(id int64, videoPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates[id] = videoPath
	return nil
}

func (f *fakeStore) InsertReading(ts float64, name string, value float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readings = append(f.readings, name)
	return nil
}

func (f *fakeStore) PruneReadings(cutoff float64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pruned++
	return 0, nil
}

func (f *fakeStore) CheckpointWAL() error { return nil }

func (f *fakeStore) TripState(key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.tripState[key]
	return v, ok, nil
}

func (f *fakeStore) SetTripState(key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tripState[key] = value
	return nil
}

func (f *fakeStore) eventCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

type fakePub struct {
	mu       sync.Mutex
	events   []*detect.Event
	readings []string
}

func (f *fakePub) PublishEvent(ev *detect.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func (f *fakePub) PublishReading(ts float64, name string, value float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readings = append(f.readings, name)
}

type fakeGPS struct {
	pos gps.Position
	ok  bool
}

func (f *fakeGPS) Start() error                   { return nil }
func (f *fakeGPS) Stop()                          {}
func (f *fakeGPS) Position() (gps.Position, bool) { return f.pos, f.ok }

type engineFixture struct {
	engine *Engine
	video  *fakeVideo
	store  *fakeStore
	pub    *fakePub
	clock  *timeutil.MockClock
	fs     *fsutil.MemoryFileSystem
	cfg    *config.Config
}

func newFixture(t *testing.T, mutate func(*Options)) *engineFixture {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Video.OutputDir = "/out"

	f := &engineFixture{
		video: &fakeVideo{segments: 5},
		store: newFakeStore(),
		pub:   &fakePub{},
		clock: timeutil.NewMockClock(time.Unix(100000, 0)),
		fs:    fsutil.NewMemoryFileSystem(),
		cfg:   cfg,
	}

	opts := Options{
		Config: cfg,
		Ring:   imu.NewRing(cfg.IMU.RingCapacity()),
		Video:  f.video,
		Store:  f.store,
		Pub:    f.pub,
		Clock:  f.clock,
		FS:     f.fs,
	}
	if mutate != nil {
		mutate(&opts)
	}

	e, err := New(opts)
	require.NoError(t, err)
	f.engine = e
	return f
}

func brakeEvent(ts float64) *detect.Event {
	ev := detect.NewSyntheticEvent(detect.EventHardBrake, ts)
	ev.PeakValue = 0.6
	return ev
}

func TestSecondEventExtendsPendingDeadline(t *testing.T) {
	f := newFixture(t, nil)

	f.engine.HandleEvent(brakeEvent(100000))
	require.Equal(t, 1, f.video.saveCount())

	// A second trigger while the first capture is pending must not
	// start another save.
	f.clock.Advance(5 * time.Second)
	f.engine.HandleEvent(brakeEvent(100005))
	assert.Equal(t, 1, f.video.saveCount())

	// The original deadline was now+20s; the suppression pushed it out
	// another 20s, so a sweep at +21s finds nothing due.
	f.clock.Advance(16 * time.Second)
	f.engine.sweep()
	assert.Equal(t, 0, f.store.eventCount())
	assert.Equal(t, 1, f.engine.Status().PendingCaptures)

	f.clock.Advance(20 * time.Second)
	f.engine.sweep()
	assert.Equal(t, 1, f.store.eventCount())
	assert.Equal(t, 0, f.engine.Status().PendingCaptures)
}

func TestSweepStoresCallbackResult(t *testing.T) {
	f := newFixture(t, nil)

	f.engine.HandleEvent(brakeEvent(100000))
	require.Equal(t, 1, f.video.saveCount())

	// Save worker finishes before the deadline.
	f.video.saves[0].callback("/out/done.mp4")

	f.clock.Advance(21 * time.Second)
	f.engine.sweep()

	require.Equal(t, 1, f.store.eventCount())
	assert.Equal(t, "/out/done.mp4", f.store.events[0].path)

	f.pub.mu.Lock()
	published := len(f.pub.events)
	f.pub.mu.Unlock()
	assert.Equal(t, 1, published)
}

func TestLateCallbackUpdatesStoredRow(t *testing.T) {
	f := newFixture(t, nil)

	f.engine.HandleEvent(brakeEvent(100000))
	require.Equal(t, 1, f.video.saveCount())

	// Deadline passes before the save worker finishes. No file exists
	// yet, so the row is stored with an empty path.
	f.clock.Advance(21 * time.Second)
	f.engine.sweep()
	require.Equal(t, 1, f.store.eventCount())
	assert.Equal(t, "", f.store.events[0].path)

	// The worker's callback then fills the row in.
	f.video.saves[0].callback("/out/late.mp4")
	assert.Equal(t, "/out/late.mp4", f.store.updates[1])
}

func TestSweepFallsBackToNamingConvention(t *testing.T) {
	f := newFixture(t, nil)

	ev := brakeEvent(100000)
	f.engine.HandleEvent(ev)

	// The output exists on disk but the callback has not fired.
	path := f.video.OutputPathFor(ev.ID)
	require.NoError(t, f.fs.MkdirAll("/out", 0o755))
	require.NoError(t, f.fs.WriteFile(path, []byte("video"), 0o644))

	f.clock.Advance(21 * time.Second)
	f.engine.sweep()

	require.Equal(t, 1, f.store.eventCount())
	assert.Equal(t, path, f.store.events[0].path)
}

func TestBootEventWaitsForSegments(t *testing.T) {
	f := newFixture(t, nil)
	f.video.segments = 1

	f.engine.tick()
	assert.Equal(t, 0, f.video.saveCount())

	f.video.mu.Lock()
	f.video.segments = 2
	f.video.mu.Unlock()

	f.engine.tick()
	require.Equal(t, 1, f.video.saveCount())

	// One-shot: further ticks do not fire another boot capture, and the
	// pending boot capture suppresses nothing new from the boot path.
	f.engine.tick()
	assert.Equal(t, 1, f.video.saveCount())
}

func TestManualCaptureStartsSave(t *testing.T) {
	f := newFixture(t, nil)

	f.engine.ManualCapture()
	require.Equal(t, 1, f.video.saveCount())

	f.clock.Advance(21 * time.Second)
	f.engine.sweep()
	require.Equal(t, 1, f.store.eventCount())
	assert.Equal(t, detect.EventManual, f.store.events[0].event.Type)
}

func TestEventEnrichedFromGPS(t *testing.T) {
	provider := &fakeGPS{
		pos: gps.Position{Latitude: -16.9186, Longitude: 145.7781, SpeedKPH: 80},
		ok:  true,
	}
	f := newFixture(t, func(o *Options) {
		o.GPS = provider
		o.Config.GPS.StartLatitude = -16.4838
		o.Config.GPS.StartLongitude = 145.4673
	})

	ev := brakeEvent(100000)
	f.engine.HandleEvent(ev)

	require.NotNil(t, ev.Latitude)
	assert.Equal(t, -16.9186, *ev.Latitude)
	require.NotNil(t, ev.SpeedKPH)
	assert.Equal(t, 80.0, *ev.SpeedKPH)
	require.NotNil(t, ev.DistFromKM)
	assert.Greater(t, *ev.DistFromKM, 55.0)
	assert.Less(t, *ev.DistFromKM, 65.0)
	assert.Nil(t, ev.DistToKM)
}

func TestSweepExtendsSampleWindow(t *testing.T) {
	f := newFixture(t, nil)

	ring := f.engine.ring
	for i := 0; i < 10; i++ {
		ring.Append(imu.Sample{Timestamp: 100000 + float64(i)*0.01, AZ: 1})
	}

	ev := brakeEvent(100000)
	ev.EndTime = 100000.02
	ev.Samples = ring.Window(0.1)[:3]
	f.engine.HandleEvent(ev)

	// More samples arrive during the post-event window.
	for i := 10; i < 20; i++ {
		ring.Append(imu.Sample{Timestamp: 100000 + float64(i)*0.01, AZ: 1})
	}

	f.clock.Advance(21 * time.Second)
	f.engine.sweep()

	require.Equal(t, 1, f.store.eventCount())
	stored := f.store.events[0].event
	assert.Greater(t, len(stored.Samples), 3)
	for i := 1; i < len(stored.Samples); i++ {
		assert.Greater(t, stored.Samples[i].Timestamp, stored.Samples[i-1].Timestamp)
	}
}

func TestTelemetryRecordedOnSchedule(t *testing.T) {
	provider := &fakeGPS{pos: gps.Position{SpeedKPH: 42}, ok: true}
	f := newFixture(t, func(o *Options) { o.GPS = provider })

	f.engine.ring.Append(imu.Sample{Timestamp: 100000, AX: 0.1, AY: 0.2, AZ: 1.0})

	f.clock.Advance(11 * time.Second)
	f.engine.tick()

	f.store.mu.Lock()
	names := append([]string(nil), f.store.readings...)
	f.store.mu.Unlock()
	assert.Contains(t, names, "accel_z")
	assert.Contains(t, names, "speed_kph")

	f.pub.mu.Lock()
	mirrored := len(f.pub.readings)
	f.pub.mu.Unlock()
	assert.Equal(t, len(names), mirrored)
}

func TestTimelapseOnlyWhenMoving(t *testing.T) {
	provider := &fakeGPS{pos: gps.Position{SpeedKPH: 3}, ok: true}
	f := newFixture(t, func(o *Options) { o.GPS = provider })
	f.video.segments = 0 // keep the boot event out of the way

	f.clock.Advance(61 * time.Second)
	f.engine.tick()
	assert.Empty(t, f.video.frames)

	provider.pos.SpeedKPH = 60
	f.clock.Advance(61 * time.Second)
	f.engine.tick()
	require.Len(t, f.video.frames, 1)
	assert.Contains(t, f.video.frames[0], "/out/timelapse_")
}

func TestFallbackRecorderWhenVideoDisabled(t *testing.T) {
	recorded := make(chan string, 1)
	rec := recorderFunc(func(eventID string, d time.Duration) (string, error) {
		recorded <- eventID
		return "/out/event_" + eventID + ".mp4", nil
	})

	f := newFixture(t, func(o *Options) {
		o.Video = nil
		o.Recorder = rec
	})
	f.engine.ManualCapture()

	select {
	case id := <-recorded:
		assert.NotEmpty(t, id)
	case <-time.After(time.Second):
		t.Fatal("fallback recorder was not invoked")
	}
}

type recorderFunc func(eventID string, d time.Duration) (string, error)

func (f recorderFunc) Record(eventID string, d time.Duration) (string, error) {
	return f(eventID, d)
}

func TestImmediateCallbackResultStored(t *testing.T) {
	f := newFixture(t, nil)

	// The save completes synchronously, before HandleEvent returns. Its
	// result must land in the pending entry, not be discarded.
	f.video.instant = "/out/quick.mp4"
	f.engine.HandleEvent(brakeEvent(100000))

	f.clock.Advance(21 * time.Second)
	f.engine.sweep()

	require.Equal(t, 1, f.store.eventCount())
	assert.Equal(t, "/out/quick.mp4", f.store.events[0].path)
	assert.Empty(t, f.store.updates, "result should be stored directly, not patched in later")
}

func TestTripStartAnchoredOnFirstFix(t *testing.T) {
	provider := &fakeGPS{
		pos: gps.Position{Latitude: -16.4838, Longitude: 145.4673, SpeedKPH: 50},
		ok:  true,
	}
	f := newFixture(t, func(o *Options) { o.GPS = provider })

	// No configured start: the first enriched event pins the anchor.
	ev := brakeEvent(100000)
	f.engine.HandleEvent(ev)
	require.NotNil(t, ev.DistFromKM)
	assert.InDelta(t, 0.0, *ev.DistFromKM, 0.01)

	f.store.mu.Lock()
	persisted := f.store.tripState["trip_start"]
	f.store.mu.Unlock()
	assert.Contains(t, persisted, "-16.4838")

	// Later events measure from the same anchor even as the fix moves.
	f.clock.Advance(41 * time.Second)
	f.engine.sweep()
	provider.pos.Latitude = -16.9186
	provider.pos.Longitude = 145.7781

	ev2 := brakeEvent(100041)
	f.engine.HandleEvent(ev2)
	require.NotNil(t, ev2.DistFromKM)
	assert.Greater(t, *ev2.DistFromKM, 55.0)
	assert.Less(t, *ev2.DistFromKM, 65.0)
}

func TestTripStartLoadedFromStore(t *testing.T) {
	store := newFakeStore()
	store.tripState["trip_start"] = "-16.4838000,145.4673000"
	provider := &fakeGPS{
		pos: gps.Position{Latitude: -16.9186, Longitude: 145.7781, SpeedKPH: 80},
		ok:  true,
	}

	cfg := config.DefaultConfig()
	cfg.Video.OutputDir = "/out"
	e, err := New(Options{
		Config: cfg,
		Ring:   imu.NewRing(cfg.IMU.RingCapacity()),
		Video:  &fakeVideo{segments: 5},
		Store:  store,
		GPS:    provider,
		Clock:  timeutil.NewMockClock(time.Unix(100000, 0)),
		FS:     fsutil.NewMemoryFileSystem(),
	})
	require.NoError(t, err)

	ev := brakeEvent(100000)
	e.HandleEvent(ev)

	// The persisted anchor survives the restart; no new one is written.
	require.NotNil(t, ev.DistFromKM)
	assert.Greater(t, *ev.DistFromKM, 55.0)
	assert.Less(t, *ev.DistFromKM, 65.0)
	store.mu.Lock()
	assert.Equal(t, "-16.4838000,145.4673000", store.tripState["trip_start"])
	store.mu.Unlock()
}
