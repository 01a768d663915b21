//go:build linux

package imu

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Kernel uAPI request numbers not exposed by x/sys/unix. i2cSlave is
// from linux/i2c-dev.h; the GPIO numbers are the v1 line-handle ioctls
// from linux/gpio.h, encoded as _IOWR(0xB4, nr, struct).
const (
	i2cSlave = 0x0703

	gpioHandleRequestOutput = 1 << 1

	gpioGetLineHandleIoctl       = 0xc16cb403
	gpioHandleSetLineValuesIoctl = 0xc040b409
)

// linuxBus talks to the sensor through the kernel i2c-dev interface.
type linuxBus struct {
	f    *os.File
	addr uint8
}

// OpenLinuxBus opens an i2c-dev device and selects the slave address.
func OpenLinuxBus(path string, addr uint8) (Bus, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open i2c bus %s: %w", path, err)
	}
	if err := unix.IoctlSetInt(int(f.Fd()), i2cSlave, int(addr)); err != nil {
		f.Close()
		return nil, fmt.Errorf("select i2c address 0x%02x: %w", addr, err)
	}
	return &linuxBus{f: f, addr: addr}, nil
}

func (b *linuxBus) WriteReg(reg, val byte) error {
	if _, err := b.f.Write([]byte{reg, val}); err != nil {
		return fmt.Errorf("write reg 0x%02x: %w", reg, err)
	}
	return nil
}

func (b *linuxBus) ReadBlock(reg byte, buf []byte) error {
	if _, err := b.f.Write([]byte{reg}); err != nil {
		return fmt.Errorf("select reg 0x%02x: %w", reg, err)
	}
	if _, err := b.f.Read(buf); err != nil {
		return fmt.Errorf("read reg 0x%02x: %w", reg, err)
	}
	return nil
}

func (b *linuxBus) Close() error {
	return b.f.Close()
}

// gpiohandleRequest mirrors struct gpiohandle_request from
// linux/gpio.h for the v1 line handle ABI.
type gpiohandleRequest struct {
	LineOffsets   [64]uint32
	Flags         uint32
	DefaultValues [64]uint8
	ConsumerLabel [32]byte
	Lines         uint32
	Fd            int32
}

// gpiohandleData mirrors struct gpiohandle_data from linux/gpio.h.
type gpiohandleData struct {
	Values [64]uint8
}

// GPIOPinDriver claims the bus clock and data pins through the GPIO
// character device for bit-bang recovery.
type GPIOPinDriver struct {
	ChipPath string
	SCLLine  int
	SDALine  int

	sclFd int
	sdaFd int
}

// Open claims both lines as outputs, initially high (the idle state of
// an open-drain I2C bus with pull-ups).
func (d *GPIOPinDriver) Open() error {
	chip, err := os.OpenFile(d.ChipPath, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("open gpio chip %s: %w", d.ChipPath, err)
	}
	defer chip.Close()

	scl, err := requestOutputLine(chip, d.SCLLine, "dashd-scl")
	if err != nil {
		return err
	}
	sda, err := requestOutputLine(chip, d.SDALine, "dashd-sda")
	if err != nil {
		unix.Close(scl)
		return err
	}

	d.sclFd = scl
	d.sdaFd = sda
	return nil
}

func requestOutputLine(chip *os.File, line int, label string) (int, error) {
	var req gpiohandleRequest
	req.LineOffsets[0] = uint32(line)
	req.Flags = gpioHandleRequestOutput
	req.DefaultValues[0] = 1
	copy(req.ConsumerLabel[:], label)
	req.Lines = 1

	if err := ioctlPtr(int(chip.Fd()), gpioGetLineHandleIoctl, unsafe.Pointer(&req)); err != nil {
		return 0, fmt.Errorf("request gpio line %d: %w", line, err)
	}
	return int(req.Fd), nil
}

func setLine(fd int, high bool) error {
	var data gpiohandleData
	if high {
		data.Values[0] = 1
	}
	if err := ioctlPtr(fd, gpioHandleSetLineValuesIoctl, unsafe.Pointer(&data)); err != nil {
		return fmt.Errorf("set gpio line: %w", err)
	}
	return nil
}

func ioctlPtr(fd int, req uint, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

// SetSCL drives the clock line.
func (d *GPIOPinDriver) SetSCL(high bool) error { return setLine(d.sclFd, high) }

// SetSDA drives the data line.
func (d *GPIOPinDriver) SetSDA(high bool) error { return setLine(d.sdaFd, high) }

// Release closes only the two claimed line handles; other GPIO state on
// the chip is untouched.
func (d *GPIOPinDriver) Release() error {
	var first error
	if d.sclFd > 0 {
		if err := unix.Close(d.sclFd); err != nil && first == nil {
			first = err
		}
		d.sclFd = 0
	}
	if d.sdaFd > 0 {
		if err := unix.Close(d.sdaFd); err != nil && first == nil {
			first = err
		}
		d.sdaFd = 0
	}
	return first
}
