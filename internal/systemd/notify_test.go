package systemd

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotifyWithoutSocket(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	assert.False(t, Notify("READY=1"))
}

func TestNotifySendsDatagram(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notify.sock")
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: path, Net: "unixgram"})
	require.NoError(t, err)
	defer conn.Close()

	t.Setenv("NOTIFY_SOCKET", path)
	require.True(t, Ready())

	buf := make([]byte, 64)
	conn.SetReadDeadline(time.Now().Add(time.Second))
	n, err := conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "READY=1", string(buf[:n]))
}

func TestWatchdogInterval(t *testing.T) {
	t.Setenv("WATCHDOG_USEC", "")
	_, armed := WatchdogInterval()
	assert.False(t, armed)

	t.Setenv("WATCHDOG_USEC", "30000000")
	d, armed := WatchdogInterval()
	require.True(t, armed)
	assert.Equal(t, 15*time.Second, d)

	t.Setenv("WATCHDOG_USEC", "junk")
	_, armed = WatchdogInterval()
	assert.False(t, armed)
}
