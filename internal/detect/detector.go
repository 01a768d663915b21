package detect

import (
	"math"
	"sync"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat"

	"github.com/rallykit/dashd/internal/config"
	"github.com/rallykit/dashd/internal/imu"
	"github.com/rallykit/dashd/internal/monitoring"
)

// activeEpisode tracks one open episode of an event type.
type activeEpisode struct {
	start      float64
	peak       float64
	peakSample imu.Sample
}

// Detector evaluates each sample against every configured event type and
// emits completed events. All timing is measured in sample timestamps,
// never wall clock, so replayed sample streams detect identically.
type Detector struct {
	cfg  config.DetectorConfig
	ring *imu.Ring

	// onEvent receives each completed event. Called on the sampler
	// goroutine; must not block.
	onEvent func(*Event)

	mu        sync.Mutex
	active    map[EventType]*activeEpisode
	lastEvent map[EventType]float64
	counts    map[EventType]int

	// rough holds the rolling vertical-axis window. No verdict is
	// produced until it is full.
	rough     []float64
	roughSize int
}

// NewDetector creates a detector reading lookback windows from ring.
func NewDetector(cfg config.DetectorConfig, sampleRateHz int, ring *imu.Ring, onEvent func(*Event)) *Detector {
	roughSize := int(cfg.RoughRoadWindowSecs * float64(sampleRateHz))
	if roughSize < 2 {
		roughSize = 2
	}

	return &Detector{
		cfg:       cfg,
		ring:      ring,
		onEvent:   onEvent,
		active:    make(map[EventType]*activeEpisode),
		lastEvent: make(map[EventType]float64),
		counts:    make(map[EventType]int),
		rough:     make([]float64, 0, roughSize),
		roughSize: roughSize,
	}
}

// Process evaluates one sample against all event types.
func (d *Detector) Process(s imu.Sample) {
	d.mu.Lock()
	defer d.mu.Unlock()

	// Hard brake: forward acceleration below a negative threshold.
	d.evaluate(EventHardBrake, s.AX < d.cfg.HardBrakeThresholdG,
		math.Abs(s.AX), s, d.cfg.HardBrakeMinDuration)

	// Big corner: absolute lateral acceleration.
	d.evaluate(EventBigCorner, math.Abs(s.AY) > d.cfg.CornerThresholdG,
		math.Abs(s.AY), s, d.cfg.CornerMinDuration)

	// High g: combined lateral + longitudinal magnitude.
	combined := math.Hypot(s.AX, s.AY)
	d.evaluate(EventHighG, combined > d.cfg.HighGThresholdG,
		combined, s, d.cfg.HighGMinDuration)

	// Rough road: rolling stddev of the vertical axis. The window size
	// itself is the minimum evaluation latency.
	d.rough = append(d.rough, s.AZ)
	if len(d.rough) > d.roughSize {
		d.rough = d.rough[1:]
	}
	if len(d.rough) == d.roughSize {
		sd := stat.PopStdDev(d.rough, nil)
		d.evaluate(EventRoughRoad, sd > d.cfg.RoughRoadStdDevG,
			sd, s, d.cfg.RoughRoadMinDuration)
	}
}

// evaluate advances one event type's idle/active state machine. Caller
// holds the lock.
func (d *Detector) evaluate(t EventType, breach bool, magnitude float64, s imu.Sample, minDuration float64) {
	ep := d.active[t]

	if breach {
		if ep != nil {
			if magnitude > ep.peak {
				ep.peak = magnitude
				ep.peakSample = s
			}
			return
		}
		if s.Timestamp-d.lastEvent[t] < d.cfg.CooldownSeconds {
			return
		}
		d.active[t] = &activeEpisode{start: s.Timestamp, peak: magnitude, peakSample: s}
		return
	}

	if ep == nil {
		return
	}
	delete(d.active, t)

	duration := s.Timestamp - ep.start
	if duration < minDuration {
		// Too short, discard with no externally visible effect.
		return
	}

	d.lastEvent[t] = s.Timestamp
	d.counts[t]++

	ev := &Event{
		ID:        uuid.NewString(),
		Type:      t,
		StartTime: ep.start,
		EndTime:   s.Timestamp,
		PeakValue: ep.peak,
		PeakAX:    ep.peakSample.AX,
		PeakAY:    ep.peakSample.AY,
		PeakAZ:    ep.peakSample.AZ,
	}
	if d.ring != nil {
		ev.Samples = d.ring.Window(d.cfg.LookbackSeconds)
	}

	monitoring.Logf("detect: %s event, duration=%.2fs peak=%.3f", t, duration, ep.peak)
	if d.onEvent != nil {
		d.onEvent(ev)
	}
}

// Counts returns per-type completed event counts.
func (d *Detector) Counts() map[EventType]int {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make(map[EventType]int, len(d.counts))
	for k, v := range d.counts {
		out[k] = v
	}
	return out
}

// TotalEvents returns the count of all completed events.
func (d *Detector) TotalEvents() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	total := 0
	for _, v := range d.counts {
		total += v
	}
	return total
}
