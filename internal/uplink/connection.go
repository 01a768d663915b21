// Package uplink pushes events and telemetry readings to remote
// consumers when the vehicle has connectivity.
package uplink

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rallykit/dashd/internal/config"
	"github.com/rallykit/dashd/internal/monitoring"
	"github.com/rallykit/dashd/internal/timeutil"
)

const probeTimeout = 3 * time.Second

// Dialer opens a TCP connection for reachability probes. Swappable in
// tests.
type Dialer func(network, addr string, timeout time.Duration) (net.Conn, error)

// ConnMonitor periodically probes a TCP endpoint to decide whether the
// uplink is reachable. Cell coverage comes and goes on stage roads, so
// everything that talks upstream gates on Online.
type ConnMonitor struct {
	addr     string
	interval time.Duration
	clock    timeutil.Clock
	dial     Dialer

	mu     sync.Mutex
	online bool

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// NewConnMonitor builds a monitor from configuration. A nil dialer
// uses net.DialTimeout.
func NewConnMonitor(cfg config.ConnectivityConfig, clock timeutil.Clock, dial Dialer) *ConnMonitor {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if dial == nil {
		dial = net.DialTimeout
	}
	return &ConnMonitor{
		addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		interval: time.Duration(cfg.IntervalSeconds) * time.Second,
		clock:    clock,
		dial:     dial,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start probes once immediately and then keeps probing in the
// background.
func (m *ConnMonitor) Start() {
	m.probe()
	go m.loop()
}

// Stop terminates the probe loop.
func (m *ConnMonitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		<-m.done
	})
}

// Online reports the result of the most recent probe.
func (m *ConnMonitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

func (m *ConnMonitor) loop() {
	defer close(m.done)
	for {
		select {
		case <-m.stopCh:
			return
		case <-m.clock.After(m.interval):
			m.probe()
		}
	}
}

func (m *ConnMonitor) probe() {
	conn, err := m.dial("tcp", m.addr, probeTimeout)
	reachable := err == nil
	if conn != nil {
		conn.Close()
	}

	m.mu.Lock()
	changed := m.online != reachable
	m.online = reachable
	m.mu.Unlock()

	if changed {
		if reachable {
			monitoring.Logf("uplink: connectivity restored (%s reachable)", m.addr)
		} else {
			monitoring.Logf("uplink: connectivity lost (%s unreachable: %v)", m.addr, err)
		}
	}
}
