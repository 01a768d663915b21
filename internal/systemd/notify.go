// Package systemd implements the sd_notify readiness and watchdog
// protocol over the notify socket.
package systemd

import (
	"net"
	"os"
	"strconv"
	"time"
)

// Notify sends one state message to the socket named by NOTIFY_SOCKET.
// Returns false when not running under systemd.
func Notify(state string) bool {
	socket := os.Getenv("NOTIFY_SOCKET")
	if socket == "" {
		return false
	}

	conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: socket, Net: "unixgram"})
	if err != nil {
		return false
	}
	defer conn.Close()

	_, err = conn.Write([]byte(state))
	return err == nil
}

// Ready signals successful startup.
func Ready() bool { return Notify("READY=1") }

// Watchdog pets the watchdog.
func Watchdog() bool { return Notify("WATCHDOG=1") }

// WatchdogInterval returns the recommended petting interval (half the
// configured watchdog timeout) and whether the watchdog is armed.
func WatchdogInterval() (time.Duration, bool) {
	usec := os.Getenv("WATCHDOG_USEC")
	if usec == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(usec, 10, 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	return time.Duration(n) * time.Microsecond / 2, true
}
