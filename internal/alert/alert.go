// Package alert fans out best-effort audible notifications.
package alert

import (
	"sync"

	"github.com/rallykit/dashd/internal/monitoring"
)

// Sound identifies a notification.
type Sound int

const (
	// SoundBusLockup plays when the sensor bus locks up.
	SoundBusLockup Sound = iota

	// SoundRecovered plays after a successful bus recovery.
	SoundRecovered

	// SoundEncoderStall plays when the video encoder stalls.
	SoundEncoderStall

	// SoundCaptureStart plays when an event capture begins.
	SoundCaptureStart

	// SoundCaptureEnd plays when a capture is assembled.
	SoundCaptureEnd

	// SoundCaptureFailed plays when a capture produced no output.
	SoundCaptureFailed

	// SoundHealthAlarm plays for general health problems.
	SoundHealthAlarm
)

// String returns a short name for logging.
func (s Sound) String() string {
	switch s {
	case SoundBusLockup:
		return "bus-lockup"
	case SoundRecovered:
		return "recovered"
	case SoundEncoderStall:
		return "encoder-stall"
	case SoundCaptureStart:
		return "capture-start"
	case SoundCaptureEnd:
		return "capture-end"
	case SoundCaptureFailed:
		return "capture-failed"
	case SoundHealthAlarm:
		return "health-alarm"
	default:
		return "unknown"
	}
}

// Sounder plays a sound on whatever hardware is available. Play may
// block; the Alerter calls it from its own goroutine.
type Sounder interface {
	Play(s Sound) error
}

// Alerter queues sounds for a Sounder. Notify never blocks; sounds are
// dropped when the queue is full or no sounder is attached.
type Alerter struct {
	sounder Sounder
	queue   chan Sound
	stop    chan struct{}
	wg      sync.WaitGroup
}

// New creates an Alerter draining into sounder. A nil sounder yields an
// Alerter whose Notify is a no-op.
func New(sounder Sounder, queueSize int) *Alerter {
	if queueSize <= 0 {
		queueSize = 16
	}

	a := &Alerter{
		sounder: sounder,
		queue:   make(chan Sound, queueSize),
		stop:    make(chan struct{}),
	}

	if sounder != nil {
		a.wg.Add(1)
		go a.run()
	}

	return a
}

// Notify queues a sound without blocking. Dropped when the queue is
// full.
func (a *Alerter) Notify(s Sound) {
	if a == nil || a.sounder == nil {
		return
	}

	select {
	case a.queue <- s:
	default:
		monitoring.Debugf("alert: queue full, dropped %s", s)
	}
}

// Stop drains queued sounds and stops the playback goroutine.
func (a *Alerter) Stop() {
	if a == nil || a.sounder == nil {
		return
	}
	close(a.stop)
	a.wg.Wait()
}

func (a *Alerter) run() {
	defer a.wg.Done()

	for {
		select {
		case s := <-a.queue:
			if err := a.sounder.Play(s); err != nil {
				monitoring.Logf("alert: play %s: %v", s, err)
			}
		case <-a.stop:
			// Drain what is already queued, then exit.
			for {
				select {
				case s := <-a.queue:
					if err := a.sounder.Play(s); err != nil {
						monitoring.Logf("alert: play %s: %v", s, err)
					}
				default:
					return
				}
			}
		}
	}
}
