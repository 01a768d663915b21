package monitoring

import (
	"fmt"
	"testing"
)

func TestSetLogger(t *testing.T) {
	defer SetLogger(nil)

	var got string
	SetLogger(func(format string, v ...interface{}) {
		got = fmt.Sprintf(format, v...)
	})
	Logf("sampler: %d samples", 42)
	if got != "sampler: 42 samples" {
		t.Errorf("Logf routed %q, want %q", got, "sampler: 42 samples")
	}
}

func TestSetLoggerNilIsNoOp(t *testing.T) {
	SetLogger(nil)
	// Must not panic.
	Logf("dropped")
}

func TestSetVerbose(t *testing.T) {
	defer SetLogger(nil)
	defer SetVerbose(false)

	var calls int
	SetLogger(func(string, ...interface{}) { calls++ })

	SetVerbose(false)
	Debugf("quiet")
	if calls != 0 {
		t.Fatalf("Debugf emitted while verbose disabled")
	}

	SetVerbose(true)
	Debugf("loud")
	if calls != 1 {
		t.Fatalf("Debugf calls = %d, want 1", calls)
	}
}
