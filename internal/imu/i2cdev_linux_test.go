//go:build linux

package imu

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
)

// iowr reproduces the kernel's _IOWR macro for the default (non-alpha,
// non-mips) encoding: 2 bits direction, 14 bits size, 8 bits type,
// 8 bits number.
func iowr(typ, nr, size uintptr) uintptr {
	const (
		iocWrite = 1
		iocRead  = 2
	)
	return (iocRead|iocWrite)<<30 | size<<16 | typ<<8 | nr
}

func TestGPIOIoctlNumbersMatchStructSizes(t *testing.T) {
	// The request numbers are hardcoded; they must agree with the sizes
	// of the structs actually passed to the kernel.
	assert.Equal(t, iowr(0xB4, 0x03, unsafe.Sizeof(gpiohandleRequest{})),
		uintptr(gpioGetLineHandleIoctl))
	assert.Equal(t, iowr(0xB4, 0x09, unsafe.Sizeof(gpiohandleData{})),
		uintptr(gpioHandleSetLineValuesIoctl))
}

func TestGPIOStructLayoutsMatchKernelABI(t *testing.T) {
	// linux/gpio.h: gpiohandle_request is 364 bytes, gpiohandle_data 64.
	assert.Equal(t, uintptr(364), unsafe.Sizeof(gpiohandleRequest{}))
	assert.Equal(t, uintptr(64), unsafe.Sizeof(gpiohandleData{}))
}
