package imu

import (
	"encoding/binary"
	"fmt"
)

// MPU-6050 register map, the subset this daemon touches.
const (
	regSampleRateDiv = 0x19
	regConfig        = 0x1A
	regGyroConfig    = 0x1B
	regAccelConfig   = 0x1C
	regAccelXOutH    = 0x3B
	regPowerMgmt1    = 0x6B
)

// sampleBlockLen covers accel (6), temperature (2) and gyro (6) registers
// read in one burst starting at regAccelXOutH.
const sampleBlockLen = 14

// accelScale maps full-scale range in g to LSB per g.
var accelScale = map[int]float64{
	2:  16384,
	4:  8192,
	8:  4096,
	16: 2048,
}

// gyroScale maps full-scale range in deg/s to LSB per deg/s.
var gyroScale = map[int]float64{
	250:  131,
	500:  65.5,
	1000: 32.8,
	2000: 16.4,
}

// accelFS maps full-scale range in g to the ACCEL_CONFIG FS_SEL bits.
var accelFS = map[int]byte{2: 0, 4: 1, 8: 2, 16: 3}

// gyroFS maps full-scale range in deg/s to the GYRO_CONFIG FS_SEL bits.
var gyroFS = map[int]byte{250: 0, 500: 1, 1000: 2, 2000: 3}

// Bus is a register-level handle to the sensor over I2C.
type Bus interface {
	// WriteReg writes one byte to a register.
	WriteReg(reg, val byte) error

	// ReadBlock reads len(buf) bytes starting at reg.
	ReadBlock(reg byte, buf []byte) error

	// Close releases the bus handle.
	Close() error
}

// BusOpener acquires a fresh bus handle. Called at startup and again
// after each bus recovery.
type BusOpener func() (Bus, error)

// PinDriver drives the I2C clock and data lines directly as GPIO, used
// only during bus recovery while no Bus handle is held.
type PinDriver interface {
	// Open claims the clock and data lines as outputs.
	Open() error

	// SetSCL drives the clock line.
	SetSCL(high bool) error

	// SetSDA drives the data line.
	SetSDA(high bool) error

	// Release returns just the claimed lines to the kernel so the I2C
	// controller can take them back.
	Release() error
}

// decodeSample converts a raw register block into physical units using
// the configured full-scale factors.
func decodeSample(block []byte, accelLSB, gyroLSB float64) (Sample, error) {
	if len(block) != sampleBlockLen {
		return Sample{}, fmt.Errorf("sensor block: got %d bytes, want %d", len(block), sampleBlockLen)
	}

	raw := func(off int) float64 {
		return float64(int16(binary.BigEndian.Uint16(block[off:])))
	}

	// Bytes 6..7 are the temperature registers, unused here.
	return Sample{
		AX: raw(0) / accelLSB,
		AY: raw(2) / accelLSB,
		AZ: raw(4) / accelLSB,
		GX: raw(8) / gyroLSB,
		GY: raw(10) / gyroLSB,
		GZ: raw(12) / gyroLSB,
	}, nil
}
