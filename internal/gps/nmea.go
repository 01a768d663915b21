package gps

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"go.bug.st/serial"

	"github.com/rallykit/dashd/internal/monitoring"
	"github.com/rallykit/dashd/internal/timeutil"
	"github.com/rallykit/dashd/internal/units"
)

// PortOpener opens the NMEA byte stream. Swappable in tests.
type PortOpener func() (io.ReadCloser, error)

// NMEAReader parses RMC sentences from a serial GPS receiver.
type NMEAReader struct {
	fixHolder

	open  PortOpener
	clock timeutil.Clock

	portMu sync.Mutex
	port   io.ReadCloser

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// NewNMEAReader builds a reader over a serial device.
func NewNMEAReader(portName string, baudRate int, clock timeutil.Clock) *NMEAReader {
	open := func() (io.ReadCloser, error) {
		mode := &serial.Mode{
			BaudRate: baudRate,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: 1,
		}
		return serial.Open(portName, mode)
	}
	return NewNMEAReaderWithOpener(open, clock)
}

// NewNMEAReaderWithOpener builds a reader over an arbitrary stream.
func NewNMEAReaderWithOpener(open PortOpener, clock timeutil.Clock) *NMEAReader {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &NMEAReader{
		open:   open,
		clock:  clock,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start opens the port and launches the read loop.
func (r *NMEAReader) Start() error {
	port, err := r.open()
	if err != nil {
		return fmt.Errorf("open nmea port: %w", err)
	}
	r.portMu.Lock()
	r.port = port
	r.portMu.Unlock()

	go r.loop(port)
	return nil
}

// Stop closes the port, which unblocks the read loop.
func (r *NMEAReader) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		r.portMu.Lock()
		started := r.port != nil
		if started {
			r.port.Close()
		}
		r.portMu.Unlock()
		if started {
			<-r.done
		}
	})
}

func (r *NMEAReader) loop(port io.ReadCloser) {
	defer close(r.done)
	scan := bufio.NewScanner(port)
	for scan.Scan() {
		if pos, ok := r.parseLine(scan.Text()); ok {
			r.setFix(pos)
		}
	}
	select {
	case <-r.stopCh:
	default:
		if err := scan.Err(); err != nil {
			monitoring.Logf("gps: nmea read: %v", err)
		}
	}
}

func (r *NMEAReader) parseLine(line string) (Position, bool) {
	fields, ok := parseSentence(line)
	if !ok {
		return Position{}, false
	}
	// RMC carries position, speed and track in one sentence. The talker
	// prefix varies (GP, GN, GL) so match on the sentence type only.
	if len(fields[0]) != 5 || fields[0][2:] != "RMC" {
		return Position{}, false
	}
	pos, ok := parseRMC(fields)
	if !ok {
		return Position{}, false
	}
	pos.Timestamp = float64(r.clock.Now().UnixNano()) / 1e9
	return pos, true
}

// parseSentence splits an NMEA sentence into fields after verifying
// its checksum. Returns false for anything malformed.
func parseSentence(line string) ([]string, bool) {
	line = strings.TrimSpace(line)
	if len(line) < 4 || line[0] != '$' {
		return nil, false
	}

	star := strings.LastIndexByte(line, '*')
	if star < 0 || star+3 > len(line) {
		return nil, false
	}

	body := line[1:star]
	want, err := strconv.ParseUint(line[star+1:star+3], 16, 8)
	if err != nil {
		return nil, false
	}

	var sum byte
	for i := 0; i < len(body); i++ {
		sum ^= body[i]
	}
	if sum != byte(want) {
		return nil, false
	}

	return strings.Split(body, ","), true
}

// parseRMC extracts position, speed and heading from an RMC sentence.
// Field layout: 1 time, 2 status, 3-4 lat, 5-6 lon, 7 speed in knots,
// 8 track degrees.
func parseRMC(fields []string) (Position, bool) {
	if len(fields) < 9 {
		return Position{}, false
	}
	if fields[2] != "A" {
		// V means void, no fix.
		return Position{}, false
	}

	lat, ok := parseCoordinate(fields[3], fields[4])
	if !ok {
		return Position{}, false
	}
	lon, ok := parseCoordinate(fields[5], fields[6])
	if !ok {
		return Position{}, false
	}

	pos := Position{Latitude: lat, Longitude: lon}
	if fields[7] != "" {
		knots, err := strconv.ParseFloat(fields[7], 64)
		if err != nil {
			return Position{}, false
		}
		pos.SpeedKPH = units.KPHFromKnots(knots)
	}
	if fields[8] != "" {
		track, err := strconv.ParseFloat(fields[8], 64)
		if err == nil {
			pos.HeadingDeg = track
		}
	}
	return pos, true
}

// parseCoordinate converts NMEA ddmm.mmmm (or dddmm.mmmm) plus a
// hemisphere letter into signed decimal degrees.
func parseCoordinate(value, hemisphere string) (float64, bool) {
	if value == "" || hemisphere == "" {
		return 0, false
	}

	dot := strings.IndexByte(value, '.')
	if dot < 3 {
		return 0, false
	}

	degrees, err := strconv.ParseFloat(value[:dot-2], 64)
	if err != nil {
		return 0, false
	}
	minutes, err := strconv.ParseFloat(value[dot-2:], 64)
	if err != nil {
		return 0, false
	}

	deg := degrees + minutes/60
	switch hemisphere {
	case "S", "W":
		deg = -deg
	case "N", "E":
	default:
		return 0, false
	}
	return deg, true
}
