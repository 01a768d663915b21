package detect

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rallykit/dashd/internal/config"
	"github.com/rallykit/dashd/internal/imu"
)

const rate = 100 // Hz

func testDetectorConfig() config.DetectorConfig {
	return config.DetectorConfig{
		HardBrakeThresholdG:  -0.45,
		HardBrakeMinDuration: 0.2,
		CornerThresholdG:     0.5,
		CornerMinDuration:    0.3,
		HighGThresholdG:      0.6,
		HighGMinDuration:     0.2,
		RoughRoadStdDevG:     0.18,
		RoughRoadWindowSecs:  2.0,
		RoughRoadMinDuration: 1.0,
		CooldownSeconds:      10,
		LookbackSeconds:      10,
	}
}

// feed pushes n samples into the detector (and the ring, when present)
// starting at ts, spaced one sample interval apart. The mutate callback
// shapes each sample before processing.
func feed(d *Detector, ring *imu.Ring, ts float64, n int, mutate func(*imu.Sample)) float64 {
	for i := 0; i < n; i++ {
		s := imu.Sample{Timestamp: ts, AZ: 1.0}
		if mutate != nil {
			mutate(&s)
		}
		if ring != nil {
			ring.Append(s)
		}
		d.Process(s)
		ts += 1.0 / rate
	}
	return ts
}

func collect(events *[]*Event) func(*Event) {
	return func(e *Event) { *events = append(*events, e) }
}

func TestHardBrakeSustainedFires(t *testing.T) {
	var events []*Event
	d := NewDetector(testDetectorConfig(), rate, nil, collect(&events))

	ts := feed(d, nil, 1000, 50, nil) // quiet lead-in
	ts = feed(d, nil, ts, 30, func(s *imu.Sample) { s.AX = -0.6 })
	feed(d, nil, ts, 50, nil) // breach clears

	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, EventHardBrake, ev.Type)
	assert.InDelta(t, 0.6, ev.PeakValue, 1e-9)
	assert.InDelta(t, -0.6, ev.PeakAX, 1e-9)
	assert.Greater(t, ev.EndTime, ev.StartTime)
}

func TestHardBrakeTooShortIsDiscarded(t *testing.T) {
	var events []*Event
	d := NewDetector(testDetectorConfig(), rate, nil, collect(&events))

	// 100ms of breach against a 200ms minimum.
	ts := feed(d, nil, 1000, 50, nil)
	ts = feed(d, nil, ts, 10, func(s *imu.Sample) { s.AX = -0.6 })
	feed(d, nil, ts, 50, nil)

	assert.Empty(t, events)
	assert.Equal(t, 0, d.TotalEvents())
}

func TestCooldownSuppressesSecondEvent(t *testing.T) {
	var events []*Event
	d := NewDetector(testDetectorConfig(), rate, nil, collect(&events))

	ts := feed(d, nil, 1000, 10, nil)
	ts = feed(d, nil, ts, 30, func(s *imu.Sample) { s.AX = -0.6 })
	// 2s gap, well inside the 10s cooldown.
	ts = feed(d, nil, ts, 200, nil)
	ts = feed(d, nil, ts, 30, func(s *imu.Sample) { s.AX = -0.6 })
	feed(d, nil, ts, 10, nil)

	assert.Len(t, events, 1)
}

func TestCooldownElapsedAllowsSecondEvent(t *testing.T) {
	var events []*Event
	d := NewDetector(testDetectorConfig(), rate, nil, collect(&events))

	ts := feed(d, nil, 1000, 10, nil)
	ts = feed(d, nil, ts, 30, func(s *imu.Sample) { s.AX = -0.6 })
	// 12s gap, past the 10s cooldown.
	ts = feed(d, nil, ts, 1200, nil)
	ts = feed(d, nil, ts, 30, func(s *imu.Sample) { s.AX = -0.6 })
	feed(d, nil, ts, 10, nil)

	assert.Len(t, events, 2)
}

func TestRoughRoadWaitsForFullWindow(t *testing.T) {
	var events []*Event
	d := NewDetector(testDetectorConfig(), rate, nil, collect(&events))

	// Huge alternating vertical signal, but fewer samples than the
	// 2s window holds. Nothing may fire, including after the signal
	// stops, because the window never filled while it was breaching.
	ts := 1000.0
	for i := 0; i < 100; i++ {
		az := 3.0
		if i%2 == 0 {
			az = -3.0
		}
		d.Process(imu.Sample{Timestamp: ts, AZ: az})
		ts += 1.0 / rate
	}

	assert.Empty(t, events)
}

func TestRoughRoadFiresAfterWindowFull(t *testing.T) {
	var events []*Event
	d := NewDetector(testDetectorConfig(), rate, nil, collect(&events))

	// 4s of alternating vertical signal fills the 2s window and breaches
	// for over the 1s minimum, then 3s of calm road clears it. The calm
	// span must exceed the window so the stddev actually drops.
	ts := 1000.0
	for i := 0; i < 400; i++ {
		az := 1.8
		if i%2 == 0 {
			az = 0.2
		}
		d.Process(imu.Sample{Timestamp: ts, AZ: az})
		ts += 1.0 / rate
	}
	for i := 0; i < 300; i++ {
		d.Process(imu.Sample{Timestamp: ts, AZ: 1.0})
		ts += 1.0 / rate
	}

	require.Len(t, events, 1)
	assert.Equal(t, EventRoughRoad, events[0].Type)
}

func TestSimultaneousTypesBothFire(t *testing.T) {
	var events []*Event
	d := NewDetector(testDetectorConfig(), rate, nil, collect(&events))

	// Braking and cornering at once, both over their minimum durations.
	ts := feed(d, nil, 1000, 10, nil)
	ts = feed(d, nil, ts, 40, func(s *imu.Sample) {
		s.AX = -0.6
		s.AY = 0.7
	})
	feed(d, nil, ts, 10, nil)

	types := map[EventType]bool{}
	for _, e := range events {
		types[e.Type] = true
	}
	assert.True(t, types[EventHardBrake])
	assert.True(t, types[EventBigCorner])
	// The combined magnitude also breached high-g.
	assert.True(t, types[EventHighG])
}

func TestCompletedEventCarriesLookbackWindow(t *testing.T) {
	ring := imu.NewRing(rate * 60)
	var events []*Event
	d := NewDetector(testDetectorConfig(), rate, ring, collect(&events))

	ts := feed(d, ring, 1000, 500, nil) // 5s of history
	ts = feed(d, ring, ts, 30, func(s *imu.Sample) { s.AX = -0.6 })
	feed(d, ring, ts, 10, nil)

	require.Len(t, events, 1)
	samples := events[0].Samples
	require.NotEmpty(t, samples)

	// The lookback reaches back before the episode start.
	assert.Less(t, samples[0].Timestamp, events[0].StartTime)
	for i := 1; i < len(samples); i++ {
		assert.Greater(t, samples[i].Timestamp, samples[i-1].Timestamp)
	}
}

func TestCountsTrackCompletedEvents(t *testing.T) {
	var events []*Event
	d := NewDetector(testDetectorConfig(), rate, nil, collect(&events))

	ts := feed(d, nil, 1000, 10, nil)
	ts = feed(d, nil, ts, 30, func(s *imu.Sample) { s.AX = -0.6 })
	feed(d, nil, ts, 10, nil)

	counts := d.Counts()
	assert.Equal(t, 1, counts[EventHardBrake])
	assert.Equal(t, 1, d.TotalEvents())
}

func TestEventTypeString(t *testing.T) {
	assert.Equal(t, "hard_brake", EventHardBrake.String())
	assert.Equal(t, "boot", EventBoot.String())
	assert.Equal(t, "unknown", EventType(42).String())
}
