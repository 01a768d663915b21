package gps

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rallykit/dashd/internal/monitoring"
	"github.com/rallykit/dashd/internal/timeutil"
	"github.com/rallykit/dashd/internal/units"
)

const (
	gpsdWatchCommand   = "?WATCH={\"enable\":true,\"json\":true};\n"
	gpsdDialTimeout    = 5 * time.Second
	gpsdReconnectDelay = 5 * time.Second
)

// tpvReport is the subset of a gpsd TPV message the daemon uses. Speed
// arrives in metres per second.
type tpvReport struct {
	Class string  `json:"class"`
	Mode  int     `json:"mode"`
	Lat   float64 `json:"lat"`
	Lon   float64 `json:"lon"`
	Speed float64 `json:"speed"`
	Track float64 `json:"track"`
}

// GpsdClient reads fixes from a gpsd daemon over its JSON TCP
// protocol, reconnecting whenever the stream drops.
type GpsdClient struct {
	fixHolder

	addr  string
	clock timeutil.Clock
	dial  func(network, addr string, timeout time.Duration) (net.Conn, error)

	connMu sync.Mutex
	conn   net.Conn

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// NewGpsdClient builds a client for the given gpsd address. A nil
// dialer uses net.DialTimeout.
func NewGpsdClient(addr string, clock timeutil.Clock, dial func(network, addr string, timeout time.Duration) (net.Conn, error)) *GpsdClient {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if dial == nil {
		dial = net.DialTimeout
	}
	return &GpsdClient{
		addr:   addr,
		clock:  clock,
		dial:   dial,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the read loop. Connection failures are retried in the
// background, so Start never fails on an unreachable daemon.
func (c *GpsdClient) Start() error {
	go c.loop()
	return nil
}

// Stop terminates the read loop and closes the connection.
func (c *GpsdClient) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.connMu.Lock()
		if c.conn != nil {
			c.conn.Close()
		}
		c.connMu.Unlock()
		<-c.done
	})
}

func (c *GpsdClient) loop() {
	defer close(c.done)
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		if err := c.session(); err != nil {
			select {
			case <-c.stopCh:
				return
			default:
			}
			monitoring.Debugf("gps: gpsd session ended: %v", err)
		}
		c.clearFix()

		select {
		case <-c.stopCh:
			return
		case <-c.clock.After(gpsdReconnectDelay):
		}
	}
}

// session runs one connection to gpsd until it drops.
func (c *GpsdClient) session() error {
	conn, err := c.dial("tcp", c.addr, gpsdDialTimeout)
	if err != nil {
		return fmt.Errorf("dial gpsd: %w", err)
	}
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	defer func() {
		c.connMu.Lock()
		c.conn = nil
		c.connMu.Unlock()
		conn.Close()
	}()

	if _, err := conn.Write([]byte(gpsdWatchCommand)); err != nil {
		return fmt.Errorf("send watch: %w", err)
	}
	monitoring.Logf("gps: watching gpsd at %s", c.addr)

	scan := bufio.NewScanner(conn)
	for scan.Scan() {
		c.handleLine(scan.Bytes())
	}
	if err := scan.Err(); err != nil {
		return err
	}
	return fmt.Errorf("gpsd closed connection")
}

func (c *GpsdClient) handleLine(line []byte) {
	var tpv tpvReport
	if err := json.Unmarshal(line, &tpv); err != nil {
		return
	}
	if tpv.Class != "TPV" {
		return
	}
	// Mode 2 is a 2D fix, 3 is 3D. Anything less carries no position.
	if tpv.Mode < 2 {
		c.clearFix()
		return
	}
	c.setFix(Position{
		Latitude:   tpv.Lat,
		Longitude:  tpv.Lon,
		SpeedKPH:   units.KPHFromMPS(tpv.Speed),
		HeadingDeg: tpv.Track,
		Timestamp:  float64(c.clock.Now().UnixNano()) / 1e9,
	})
}
