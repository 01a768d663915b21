// Package engine wires the sampler, detector, video ring buffer and
// collaborators together and owns the event capture lifecycle.
package engine

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rallykit/dashd/internal/alert"
	"github.com/rallykit/dashd/internal/config"
	"github.com/rallykit/dashd/internal/detect"
	"github.com/rallykit/dashd/internal/fsutil"
	"github.com/rallykit/dashd/internal/gps"
	"github.com/rallykit/dashd/internal/imu"
	"github.com/rallykit/dashd/internal/monitoring"
	"github.com/rallykit/dashd/internal/timeutil"
)

const (
	sweepInterval     = time.Second
	telemetryInterval = 10 * time.Second
	timelapseInterval = time.Minute

	// Minimum speed before timelapse frames are worth keeping.
	timelapseMinSpeedKPH = 10.0

	// Swept events are remembered this long so a late save callback can
	// still attach its video path to the stored row.
	sweptRetention = 10 * time.Minute

	// A boot capture needs this many completed segments behind it.
	bootMinSegments = 2
)

// VideoBuffer is the slice of the video ring buffer the engine drives.
type VideoBuffer interface {
	SaveEvent(eventID string, callback func(path string))
	OutputPathFor(eventID string) string
	CompletedSegmentCount() int
	CaptureFrame(outPath string) error
}

// Recorder is the fixed-duration fallback used when the segmented
// ring buffer is disabled.
type Recorder interface {
	Record(eventID string, duration time.Duration) (string, error)
}

// EventStore is the slice of the storage layer the engine drives.
type EventStore interface {
	SaveEvent(ev *detect.Event, videoPath string) (int64, error)
	UpdateEventVideo(id int64, videoPath string) error
	InsertReading(ts float64, name string, value float64) error
	PruneReadings(cutoff float64) (int64, error)
	CheckpointWAL() error
	TripState(key string) (string, bool, error)
	SetTripState(key, value string) error
}

// Publisher pushes live events and readings upstream. May be nil.
type Publisher interface {
	PublishEvent(ev *detect.Event)
	PublishReading(ts float64, name string, value float64)
}

// pendingCapture tracks one in-flight event save.
type pendingCapture struct {
	event    *detect.Event
	deadline time.Time

	// videoPath holds the save callback's result once it fires.
	videoPath     string
	callbackFired bool
}

// sweptRecord remembers a stored event so a late callback can update
// its video path.
type sweptRecord struct {
	storageID int64
	sweptAt   time.Time
}

// Options carries the engine's collaborators.
type Options struct {
	Config *config.Config

	Ring     *imu.Ring
	Video    VideoBuffer // nil when the segmented buffer is disabled
	Recorder Recorder    // fallback when Video is nil
	Store    EventStore
	Pub      Publisher    // nil when MQTT is disabled
	GPS      gps.Provider // nil when no location source
	Alerter  *alert.Alerter
	FS       fsutil.FileSystem
	Clock    timeutil.Clock
	Detector *detect.Detector // built internally when nil
}

// Engine applies the event coalescing policy, schedules post-event
// sweeps and hands finished events to storage.
type Engine struct {
	cfg      *config.Config
	ring     *imu.Ring
	video    VideoBuffer
	recorder Recorder
	store    EventStore
	pub      Publisher
	gps      gps.Provider
	alerter  *alert.Alerter
	fs       fsutil.FileSystem
	clock    timeutil.Clock
	detector *detect.Detector

	mu       sync.Mutex
	pending  map[string]*pendingCapture
	swept    map[string]sweptRecord
	bootSent bool

	// Trip start anchor for distance enrichment when the config does
	// not pin one. Persisted so restarts mid-trip keep the same anchor.
	tripStartLat float64
	tripStartLon float64
	tripStartSet bool

	lastTelemetry time.Time
	lastTimelapse time.Time
	lastRetention time.Time

	sampler interface {
		Healthy() bool
		Dropped() uint64
	}

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// New builds an engine. The detector is constructed around the ring
// unless one is injected for tests.
func New(opts Options) (*Engine, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("engine: config is required")
	}
	if opts.Ring == nil {
		return nil, fmt.Errorf("engine: sample ring is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("engine: store is required")
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.FS == nil {
		opts.FS = fsutil.OSFileSystem{}
	}

	e := &Engine{
		cfg:      opts.Config,
		ring:     opts.Ring,
		video:    opts.Video,
		recorder: opts.Recorder,
		store:    opts.Store,
		pub:      opts.Pub,
		gps:      opts.GPS,
		alerter:  opts.Alerter,
		fs:       opts.FS,
		clock:    opts.Clock,
		pending:  make(map[string]*pendingCapture),
		swept:    make(map[string]sweptRecord),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}

	e.detector = opts.Detector
	if e.detector == nil {
		e.detector = detect.NewDetector(opts.Config.Detector, opts.Config.IMU.SampleRateHz, opts.Ring, e.HandleEvent)
	}

	e.loadTripStart()

	now := e.clock.Now()
	e.lastTelemetry = now
	e.lastTimelapse = now
	e.lastRetention = now
	return e, nil
}

const tripStartKey = "trip_start"

// loadTripStart restores a persisted trip start anchor. A configured
// start takes precedence and skips the lookup entirely.
func (e *Engine) loadTripStart() {
	if e.cfg.GPS.HasStart() {
		return
	}
	raw, ok, err := e.store.TripState(tripStartKey)
	if err != nil {
		monitoring.Logf("engine: load trip start: %v", err)
		return
	}
	if !ok {
		return
	}
	lat, lon, err := parseLatLon(raw)
	if err != nil {
		monitoring.Logf("engine: bad trip start %q: %v", raw, err)
		return
	}
	e.tripStartLat, e.tripStartLon = lat, lon
	e.tripStartSet = true
}

func parseLatLon(raw string) (float64, float64, error) {
	latStr, lonStr, found := strings.Cut(raw, ",")
	if !found {
		return 0, 0, fmt.Errorf("expected lat,lon")
	}
	lat, err := strconv.ParseFloat(latStr, 64)
	if err != nil {
		return 0, 0, err
	}
	lon, err := strconv.ParseFloat(lonStr, 64)
	if err != nil {
		return 0, 0, err
	}
	return lat, lon, nil
}

// startPoint returns the distance-from-start anchor: the configured
// start when present, otherwise the persisted trip start. The first
// fix of a fresh trip becomes the anchor and is written through to
// the trip-state store.
func (e *Engine) startPoint(pos gps.Position) (float64, float64) {
	if e.cfg.GPS.HasStart() {
		return e.cfg.GPS.StartLatitude, e.cfg.GPS.StartLongitude
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tripStartSet {
		return e.tripStartLat, e.tripStartLon
	}

	e.tripStartLat, e.tripStartLon = pos.Latitude, pos.Longitude
	e.tripStartSet = true
	value := fmt.Sprintf("%.7f,%.7f", pos.Latitude, pos.Longitude)
	if err := e.store.SetTripState(tripStartKey, value); err != nil {
		monitoring.Logf("engine: persist trip start: %v", err)
	}
	monitoring.Logf("engine: trip start anchored at %s", value)
	return e.tripStartLat, e.tripStartLon
}

// SetSampler attaches the sampler for health reporting in Status.
func (e *Engine) SetSampler(s interface {
	Healthy() bool
	Dropped() uint64
}) {
	e.sampler = s
}

// HandleSample is the sampler callback; it feeds the detector.
func (e *Engine) HandleSample(s imu.Sample) {
	e.detector.Process(s)
}

// Start launches the low-rate sweep loop.
func (e *Engine) Start() {
	go e.loop()
}

// Stop terminates the sweep loop and flushes pending captures whose
// deadline already passed. Saves still sleeping keep their worker in
// the video buffer; Stop there drains them.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopCh)
		<-e.done
		e.sweep()
	})
}

// ManualCapture synthesizes a manually triggered event, e.g. from a
// dashboard button or SIGUSR1.
func (e *Engine) ManualCapture() {
	ts := float64(e.clock.Now().UnixNano()) / 1e9
	monitoring.Logf("engine: manual capture requested")
	e.HandleEvent(detect.NewSyntheticEvent(detect.EventManual, ts))
}

// HandleEvent applies the coalescing policy to a completed event.
//
// Any capture already pending suppresses the new event: all in-flight
// deadlines are pushed out by the post-event duration so a burst of
// triggers becomes one longer artifact. Only the boot event bypasses
// suppression, since it fires exactly once into an empty map anyway.
func (e *Engine) HandleEvent(ev *detect.Event) {
	now := e.clock.Now()

	e.mu.Lock()
	if len(e.pending) > 0 && ev.Type != detect.EventBoot {
		for _, pc := range e.pending {
			pc.deadline = pc.deadline.Add(e.cfg.Video.PostEvent())
		}
		e.mu.Unlock()
		monitoring.Logf("engine: %s at %.2f suppressed, extended pending capture window", ev.Type, ev.StartTime)
		return
	}
	// Register under the same lock as the suppression check: a save
	// whose callback fires before HandleEvent returns must find its
	// pending entry, and a concurrent trigger must see this one.
	e.pending[ev.ID] = &pendingCapture{
		event:    ev,
		deadline: now.Add(e.cfg.Video.PostEvent()),
	}
	e.mu.Unlock()

	e.enrich(ev)
	e.alerter.Notify(alert.SoundCaptureStart)
	monitoring.Logf("engine: %s event %s, peak %.2f, starting capture", ev.Type, ev.ID, ev.PeakValue)

	switch {
	case e.video != nil:
		e.video.SaveEvent(ev.ID, func(path string) { e.saveFinished(ev.ID, path) })
	case e.recorder != nil:
		go func() {
			path, err := e.recorder.Record(ev.ID, e.cfg.Video.PostEvent())
			if err != nil {
				monitoring.Logf("engine: fallback recording for %s: %v", ev.ID, err)
				e.alerter.Notify(alert.SoundCaptureFailed)
			}
			e.saveFinished(ev.ID, path)
		}()
	}
}

// enrich attaches location context when a fix is available.
func (e *Engine) enrich(ev *detect.Event) {
	if e.gps == nil {
		return
	}
	pos, ok := e.gps.Position()
	if !ok {
		return
	}
	lat, lon, speed := pos.Latitude, pos.Longitude, pos.SpeedKPH
	ev.Latitude = &lat
	ev.Longitude = &lon
	ev.SpeedKPH = &speed

	lat0, lon0 := e.startPoint(pos)
	d := gps.DistanceKM(lat0, lon0, lat, lon)
	ev.DistFromKM = &d
	if e.cfg.GPS.HasDestination() {
		d := gps.DistanceKM(lat, lon, e.cfg.GPS.DestLatitude, e.cfg.GPS.DestLongitude)
		ev.DistToKM = &d
	}
}

// saveFinished is the video buffer's save callback. It races the
// deadline sweep; whichever runs second finds the other's result.
func (e *Engine) saveFinished(eventID, path string) {
	e.mu.Lock()
	if pc, ok := e.pending[eventID]; ok {
		pc.videoPath = path
		pc.callbackFired = true
		e.mu.Unlock()
		return
	}
	rec, swept := e.swept[eventID]
	e.mu.Unlock()

	if !swept {
		monitoring.Logf("engine: save callback for unknown event %s", eventID)
		return
	}
	if path == "" {
		return
	}
	if err := e.store.UpdateEventVideo(rec.storageID, path); err != nil {
		monitoring.Logf("engine: attach late video to event %s: %v", eventID, err)
	}
}

func (e *Engine) loop() {
	defer close(e.done)
	ticker := e.clock.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C():
			e.tick()
		}
	}
}

// tick runs one low-rate pass: boot gating, deadline sweep and the
// slower housekeeping schedules.
func (e *Engine) tick() {
	e.maybeEmitBoot()
	e.sweep()

	now := e.clock.Now()
	if now.Sub(e.lastTelemetry) >= telemetryInterval {
		e.lastTelemetry = now
		e.recordTelemetry()
	}
	if now.Sub(e.lastTimelapse) >= timelapseInterval {
		e.lastTimelapse = now
		e.captureTimelapse()
	}
	if now.Sub(e.lastRetention) >= time.Duration(e.cfg.Storage.CheckpointMinutes)*time.Minute {
		e.lastRetention = now
		e.runRetention()
	}
}

// maybeEmitBoot fires the one-shot boot event once the video buffer
// holds enough footage to make the capture worthwhile.
func (e *Engine) maybeEmitBoot() {
	if e.video == nil {
		return
	}
	e.mu.Lock()
	sent := e.bootSent
	e.mu.Unlock()
	if sent {
		return
	}
	if e.video.CompletedSegmentCount() < bootMinSegments {
		return
	}
	e.mu.Lock()
	e.bootSent = true
	e.mu.Unlock()

	ts := float64(e.clock.Now().UnixNano()) / 1e9
	monitoring.Logf("engine: emitting boot capture")
	e.HandleEvent(detect.NewSyntheticEvent(detect.EventBoot, ts))
}

// sweep finishes pending captures whose deadline has passed.
func (e *Engine) sweep() {
	now := e.clock.Now()

	e.mu.Lock()
	var due []*pendingCapture
	for id, pc := range e.pending {
		if !pc.deadline.After(now) {
			due = append(due, pc)
			delete(e.pending, id)
		}
	}
	for id, rec := range e.swept {
		if now.Sub(rec.sweptAt) > sweptRetention {
			delete(e.swept, id)
		}
	}
	e.mu.Unlock()

	for _, pc := range due {
		e.finishCapture(pc, now)
	}
}

func (e *Engine) finishCapture(pc *pendingCapture, now time.Time) {
	ev := pc.event
	e.extendSamples(ev)

	path := pc.videoPath
	if !pc.callbackFired && e.video != nil {
		// The save worker is still sleeping. Fall back to the naming
		// convention; the late callback fills the row in if the file
		// appears afterwards.
		candidate := e.video.OutputPathFor(ev.ID)
		if e.fs.Exists(candidate) {
			path = candidate
		}
	}

	id, err := e.store.SaveEvent(ev, path)
	if err != nil {
		monitoring.Logf("engine: store event %s: %v", ev.ID, err)
		return
	}

	e.mu.Lock()
	e.swept[ev.ID] = sweptRecord{storageID: id, sweptAt: now}
	e.mu.Unlock()

	if e.pub != nil {
		e.pub.PublishEvent(ev)
	}
	monitoring.Logf("engine: stored %s event %s (row %d, video %q)", ev.Type, ev.ID, id, path)
}

// extendSamples appends ring samples newer than the event's current
// window, covering the post-event period.
func (e *Engine) extendSamples(ev *detect.Event) {
	last := ev.EndTime
	if n := len(ev.Samples); n > 0 {
		last = ev.Samples[n-1].Timestamp
	}

	span := float64(e.cfg.Video.PostEventSeconds) + e.cfg.Detector.LookbackSeconds
	for _, s := range e.ring.Window(span) {
		if s.Timestamp > last {
			ev.Samples = append(ev.Samples, s)
		}
	}
}

// recordTelemetry stores one low-rate snapshot and mirrors it to MQTT.
func (e *Engine) recordTelemetry() {
	now := float64(e.clock.Now().UnixNano()) / 1e9

	if latest := e.ring.Latest(1); len(latest) == 1 {
		s := latest[0]
		e.record(now, "accel_x", s.AX)
		e.record(now, "accel_y", s.AY)
		e.record(now, "accel_z", s.AZ)
	}
	if e.gps != nil {
		if pos, ok := e.gps.Position(); ok {
			// The first fix of a fresh trip anchors the trip start.
			e.startPoint(pos)
			e.record(now, "speed_kph", pos.SpeedKPH)
		}
	}
}

func (e *Engine) record(ts float64, name string, value float64) {
	if err := e.store.InsertReading(ts, name, value); err != nil {
		monitoring.Logf("engine: record %s: %v", name, err)
		return
	}
	if e.pub != nil {
		e.pub.PublishReading(ts, name, value)
	}
}

// captureTimelapse grabs a still frame while the vehicle is moving.
func (e *Engine) captureTimelapse() {
	if e.video == nil || e.gps == nil {
		return
	}
	pos, ok := e.gps.Position()
	if !ok || pos.SpeedKPH < timelapseMinSpeedKPH {
		return
	}

	out := fmt.Sprintf("%s/timelapse_%d.jpg", e.cfg.Video.OutputDir, e.clock.Now().Unix())
	if err := e.video.CaptureFrame(out); err != nil {
		monitoring.Debugf("engine: timelapse frame: %v", err)
	}
}

// runRetention prunes old readings and truncates the WAL.
func (e *Engine) runRetention() {
	cutoff := float64(e.clock.Now().Add(-time.Duration(e.cfg.Storage.RetentionDays)*24*time.Hour).UnixNano()) / 1e9
	if _, err := e.store.PruneReadings(cutoff); err != nil {
		monitoring.Logf("engine: prune readings: %v", err)
	}
	if err := e.store.CheckpointWAL(); err != nil {
		monitoring.Logf("engine: wal checkpoint: %v", err)
	}
}

// Status is a point-in-time snapshot for health pollers.
type Status struct {
	SamplerHealthy  bool
	DroppedSamples  uint64
	PendingCaptures int
	TotalEvents     int
	GPSFix          bool
}

// Status reports the engine's current state.
func (e *Engine) Status() Status {
	st := Status{TotalEvents: e.detector.TotalEvents()}
	if e.sampler != nil {
		st.SamplerHealthy = e.sampler.Healthy()
		st.DroppedSamples = e.sampler.Dropped()
	}
	if e.gps != nil {
		_, st.GPSFix = e.gps.Position()
	}
	e.mu.Lock()
	st.PendingCaptures = len(e.pending)
	e.mu.Unlock()
	return st
}
