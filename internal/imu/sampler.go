package imu

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rallykit/dashd/internal/alert"
	"github.com/rallykit/dashd/internal/config"
	"github.com/rallykit/dashd/internal/monitoring"
	"github.com/rallykit/dashd/internal/timeutil"
)

const (
	// busRecoveryPulses is how many clock pulses to issue during
	// bit-bang recovery. Nine lets a slave mid-byte clock out its
	// remaining bits and release the data line.
	busRecoveryPulses = 9

	// busHalfPeriod is half of one bit-bang clock period.
	busHalfPeriod = 5 * time.Microsecond

	// busSettleDelay is the wait between bit-bang recovery and
	// reopening the bus handle.
	busSettleDelay = 100 * time.Millisecond

	// resetBackoff is multiplied by the attempt number between failed
	// recovery attempts.
	resetBackoff = 500 * time.Millisecond

	stopTimeout = 2 * time.Second
)

var errBusClosed = errors.New("sensor bus not open")

// SamplerOptions configures a Sampler.
type SamplerOptions struct {
	Config  config.IMUConfig
	Ring    *Ring
	Open    BusOpener
	Pins    PinDriver
	Alerter *alert.Alerter
	Clock   timeutil.Clock

	// OnSample is called with each good sample after it is appended to
	// the ring. May be nil.
	OnSample func(Sample)

	// Restart is invoked when bus recovery is exhausted. In production
	// it reboots the host.
	Restart func()
}

// Sampler drives sensor reads at a fixed rate, feeding the ring buffer,
// and runs the bus-lockup recovery protocol on persistent read failures.
type Sampler struct {
	cfg      config.IMUConfig
	ring     *Ring
	open     BusOpener
	pins     PinDriver
	alerter  *alert.Alerter
	clock    timeutil.Clock
	onSample func(Sample)
	restart  func()

	bus      Bus
	accelLSB float64
	gyroLSB  float64

	mu            sync.Mutex
	consecFails   int
	resetAttempts int
	dropped       uint64
	healthy       bool
	stopped       bool

	stopCh chan struct{}
	done   chan struct{}
}

// NewSampler creates a sampler. Start must be called to begin sampling.
func NewSampler(opts SamplerOptions) (*Sampler, error) {
	accelLSB, ok := accelScale[opts.Config.AccelRangeG]
	if !ok {
		return nil, fmt.Errorf("unsupported accel range %dg", opts.Config.AccelRangeG)
	}
	gyroLSB, ok := gyroScale[opts.Config.GyroRangeDPS]
	if !ok {
		return nil, fmt.Errorf("unsupported gyro range %d deg/s", opts.Config.GyroRangeDPS)
	}
	if opts.Open == nil {
		return nil, errors.New("sampler requires a bus opener")
	}
	if opts.Ring == nil {
		return nil, errors.New("sampler requires a ring buffer")
	}

	clock := opts.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}

	return &Sampler{
		cfg:      opts.Config,
		ring:     opts.Ring,
		open:     opts.Open,
		pins:     opts.Pins,
		alerter:  opts.Alerter,
		clock:    clock,
		onSample: opts.OnSample,
		restart:  opts.Restart,
		accelLSB: accelLSB,
		gyroLSB:  gyroLSB,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Start opens the bus, initializes the sensor and launches the sampling
// loop. Setup failures are returned, not retried.
func (s *Sampler) Start() error {
	bus, err := s.open()
	if err != nil {
		return fmt.Errorf("open sensor bus: %w", err)
	}
	s.bus = bus

	if err := s.initSensor(); err != nil {
		bus.Close()
		s.bus = nil
		return fmt.Errorf("init sensor: %w", err)
	}

	s.mu.Lock()
	s.healthy = true
	s.mu.Unlock()

	go s.loop()
	return nil
}

// Stop halts the sampling loop with a bounded wait and closes the bus.
func (s *Sampler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.resetAttempts = 0
	s.mu.Unlock()

	close(s.stopCh)
	select {
	case <-s.done:
	case <-s.clock.After(stopTimeout):
		monitoring.Logf("sampler: loop did not stop within %v", stopTimeout)
	}

	if s.bus != nil {
		s.bus.Close()
		s.bus = nil
	}
}

// Healthy reports whether the last read succeeded.
func (s *Sampler) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthy
}

// Dropped returns the count of resyncs where the loop fell behind.
func (s *Sampler) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// ResetAttempts returns the current recovery escalation count.
func (s *Sampler) ResetAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resetAttempts
}

func (s *Sampler) loop() {
	defer close(s.done)

	interval := s.cfg.SampleInterval()
	next := s.clock.Now()

	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		if d := next.Sub(s.clock.Now()); d > 0 {
			s.clock.Sleep(d)
		}

		sample, err := s.readOnce()
		if err != nil {
			s.onReadError(err)
		} else {
			s.onGoodRead(sample)
		}

		next = next.Add(interval)
		if behind := s.clock.Now().Sub(next); behind > interval {
			s.mu.Lock()
			s.dropped++
			n := s.dropped
			s.mu.Unlock()
			monitoring.Debugf("sampler: %v behind schedule, resyncing (dropped=%d)", behind, n)
			next = s.clock.Now()
		}
	}
}

func (s *Sampler) readOnce() (Sample, error) {
	if s.bus == nil {
		return Sample{}, errBusClosed
	}

	var block [sampleBlockLen]byte
	if err := s.bus.ReadBlock(regAccelXOutH, block[:]); err != nil {
		return Sample{}, err
	}

	sample, err := decodeSample(block[:], s.accelLSB, s.gyroLSB)
	if err != nil {
		return Sample{}, err
	}
	sample.Timestamp = float64(s.clock.Now().UnixNano()) / 1e9
	return sample, nil
}

func (s *Sampler) onGoodRead(sample Sample) {
	s.mu.Lock()
	s.consecFails = 0
	s.resetAttempts = 0
	s.healthy = true
	s.mu.Unlock()

	s.ring.Append(sample)
	if s.onSample != nil {
		s.onSample(sample)
	}
}

func (s *Sampler) onReadError(err error) {
	s.mu.Lock()
	s.consecFails++
	n := s.consecFails
	s.mu.Unlock()

	monitoring.Debugf("sampler: read failed (%d consecutive): %v", n, err)
	if n < s.cfg.FailureThreshold {
		return
	}

	s.mu.Lock()
	s.consecFails = 0
	s.healthy = false
	s.mu.Unlock()

	monitoring.Logf("sampler: bus lockup after %d consecutive read failures", n)
	s.alerter.Notify(alert.SoundBusLockup)
	s.recoverWithEscalation()
}

// recoverWithEscalation retries bus recovery with growing backoff. The
// escalation counter survives across separate lockups until a good read
// and only a good read (or Stop) clears it.
func (s *Sampler) recoverWithEscalation() {
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		s.mu.Lock()
		s.resetAttempts++
		attempt := s.resetAttempts
		s.mu.Unlock()

		if attempt > s.cfg.MaxResetAttempts {
			monitoring.Logf("sampler: bus recovery exhausted after %d attempts, requesting host restart", attempt-1)
			if s.restart != nil {
				s.restart()
			}
			return
		}

		if err := s.recoverBus(); err != nil {
			monitoring.Logf("sampler: bus recovery attempt %d failed: %v", attempt, err)
			s.clock.Sleep(time.Duration(attempt) * resetBackoff)
			continue
		}

		monitoring.Logf("sampler: bus recovered on attempt %d", attempt)
		s.alerter.Notify(alert.SoundRecovered)
		return
	}
}

func (s *Sampler) recoverBus() error {
	if s.bus != nil {
		s.bus.Close()
		s.bus = nil
	}

	if err := s.bitBangRecovery(); err != nil {
		return fmt.Errorf("bit-bang recovery: %w", err)
	}

	s.clock.Sleep(busSettleDelay)

	bus, err := s.open()
	if err != nil {
		return fmt.Errorf("reopen bus: %w", err)
	}
	s.bus = bus

	if err := s.initSensor(); err != nil {
		s.bus.Close()
		s.bus = nil
		return fmt.Errorf("reinit sensor: %w", err)
	}
	return nil
}

// bitBangRecovery clocks the bus manually to free a slave holding the
// data line low, then issues a stop condition. The pins are released
// before the bus handle is reopened.
func (s *Sampler) bitBangRecovery() error {
	if s.pins == nil {
		return nil
	}

	if err := s.pins.Open(); err != nil {
		return err
	}
	defer s.pins.Release()

	for i := 0; i < busRecoveryPulses; i++ {
		if err := s.pins.SetSCL(false); err != nil {
			return err
		}
		s.clock.Sleep(busHalfPeriod)
		if err := s.pins.SetSCL(true); err != nil {
			return err
		}
		s.clock.Sleep(busHalfPeriod)
	}

	// Stop condition: data rising while clock is high.
	if err := s.pins.SetSDA(false); err != nil {
		return err
	}
	s.clock.Sleep(busHalfPeriod)
	if err := s.pins.SetSDA(true); err != nil {
		return err
	}
	return nil
}

func (s *Sampler) initSensor() error {
	var div byte
	if s.cfg.SampleRateHz > 0 && s.cfg.SampleRateHz <= 1000 {
		div = byte(1000/s.cfg.SampleRateHz - 1)
	}

	writes := []struct{ reg, val byte }{
		{regPowerMgmt1, 0x00}, // wake from sleep
		{regConfig, 0x03},     // DLPF 44 Hz
		{regSampleRateDiv, div},
		{regAccelConfig, accelFS[s.cfg.AccelRangeG] << 3},
		{regGyroConfig, gyroFS[s.cfg.GyroRangeDPS] << 3},
	}
	for _, w := range writes {
		if err := s.bus.WriteReg(w.reg, w.val); err != nil {
			return fmt.Errorf("write reg 0x%02x: %w", w.reg, err)
		}
	}
	return nil
}
