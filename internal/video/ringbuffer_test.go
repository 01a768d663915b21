package video

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rallykit/dashd/internal/config"
	"github.com/rallykit/dashd/internal/fsutil"
	"github.com/rallykit/dashd/internal/timeutil"
)

func testVideoConfig() config.VideoConfig {
	return config.VideoConfig{
		Enabled:             true,
		FFmpegPath:          "ffmpeg",
		Device:              "/dev/video0",
		Width:               1280,
		Height:              720,
		FrameRate:           30,
		SegmentSeconds:      10,
		SegmentCount:        12,
		BufferDir:           "/buf",
		OutputDir:           "/out",
		PostEventSeconds:    20,
		StallTimeoutSeconds: 30,
		HealthPollSeconds:   5,
		AudioRetrySeconds:   30,
		MinSegmentBytes:     1024,
	}
}

type fakeProcess struct {
	mu     sync.Mutex
	exited bool
	code   int
	stderr string
	done   chan struct{}
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{done: make(chan struct{})}
}

func (p *fakeProcess) exit(code int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return
	}
	p.exited = true
	p.code = code
	close(p.done)
}

func (p *fakeProcess) Exited() (bool, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exited, p.code
}

func (p *fakeProcess) Wait() error {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.code != 0 {
		return &exitError{code: p.code}
	}
	return nil
}

type exitError struct{ code int }

func (e *exitError) Error() string { return "exit status" }

func (p *fakeProcess) Stderr() string   { return p.stderr }
func (p *fakeProcess) Terminate() error { p.exit(0); return nil }
func (p *fakeProcess) Kill() error      { p.exit(-9); return nil }

type fakeRunner struct {
	mu      sync.Mutex
	calls   [][]string
	factory func(name string, args []string) (Process, error)
}

func (r *fakeRunner) Start(name string, args []string) (Process, error) {
	r.mu.Lock()
	r.calls = append(r.calls, append([]string{name}, args...))
	r.mu.Unlock()
	if r.factory != nil {
		return r.factory(name, args)
	}
	return newFakeProcess(), nil
}

func (r *fakeRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *fakeRunner) call(i int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls[i]...)
}

func hasArg(args []string, want string) bool {
	for _, a := range args {
		if a == want {
			return true
		}
	}
	return false
}

// hookClock lets a test inject filesystem activity at the moment the
// save worker sleeps through its post-event window.
type hookClock struct {
	*timeutil.MockClock
	onSleep func(time.Duration)
}

func (c *hookClock) Sleep(d time.Duration) {
	if c.onSleep != nil {
		c.onSleep(d)
	}
	c.MockClock.Sleep(d)
}

func writeSeg(t *testing.T, m *fsutil.MemoryFileSystem, name string, size int, mtime time.Time) {
	t.Helper()
	require.NoError(t, m.WriteFile("/buf/"+name, make([]byte, size), 0644))
	require.NoError(t, m.Chtimes("/buf/"+name, mtime))
}

// segPayload builds segment content starting with a recognizable
// marker, padded to the requested size.
func segPayload(marker string, size int) []byte {
	buf := make([]byte, size)
	copy(buf, marker)
	return buf
}

func newTestBuffer(cfg config.VideoConfig, runner Runner, m *fsutil.MemoryFileSystem, clock timeutil.Clock) *RingBuffer {
	return New(Options{Config: cfg, Runner: runner, FS: m, Clock: clock})
}

func TestCheckStallNotArmedWithoutSegments(t *testing.T) {
	m := fsutil.NewMemoryFileSystem()
	require.NoError(t, m.MkdirAll("/buf", 0755))
	clock := timeutil.NewMockClock(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	b := newTestBuffer(testVideoConfig(), &fakeRunner{}, m, clock)

	assert.False(t, b.checkStall())
	assert.False(t, b.stallArmed)

	// Still no verdict long past the timeout when nothing ever existed.
	clock.Advance(5 * time.Minute)
	assert.False(t, b.checkStall())
}

func TestCheckStallArmsOnFirstObservation(t *testing.T) {
	m := fsutil.NewMemoryFileSystem()
	clock := timeutil.NewMockClock(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	b := newTestBuffer(testVideoConfig(), &fakeRunner{}, m, clock)

	writeSeg(t, m, "seg_000.ts", 2048, clock.Now())

	assert.False(t, b.checkStall(), "first observation only arms")
	assert.True(t, b.stallArmed)

	// Within the timeout with no change: still no verdict.
	clock.Advance(10 * time.Second)
	assert.False(t, b.checkStall())

	// Past the timeout with zero change: stall.
	clock.Advance(25 * time.Second)
	assert.True(t, b.checkStall())
}

func TestCheckStallActivityResetsBaseline(t *testing.T) {
	m := fsutil.NewMemoryFileSystem()
	clock := timeutil.NewMockClock(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	b := newTestBuffer(testVideoConfig(), &fakeRunner{}, m, clock)

	writeSeg(t, m, "seg_000.ts", 2048, clock.Now())
	assert.False(t, b.checkStall())

	// Keep touching the newest segment; the stall clock must keep
	// resetting no matter how much total time passes.
	for i := 0; i < 10; i++ {
		clock.Advance(20 * time.Second)
		require.NoError(t, m.Chtimes("/buf/seg_000.ts", clock.Now()))
		assert.False(t, b.checkStall())
	}

	// Then freeze it and let the timeout run out.
	clock.Advance(31 * time.Second)
	assert.True(t, b.checkStall())
}

func TestResetStallStateDisarms(t *testing.T) {
	m := fsutil.NewMemoryFileSystem()
	clock := timeutil.NewMockClock(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	b := newTestBuffer(testVideoConfig(), &fakeRunner{}, m, clock)

	writeSeg(t, m, "seg_000.ts", 2048, clock.Now())
	assert.False(t, b.checkStall())
	clock.Advance(31 * time.Second)
	assert.True(t, b.checkStall())

	b.mu.Lock()
	b.resetStallStateLocked()
	b.mu.Unlock()

	// After a reset the next observation arms again with no verdict.
	assert.False(t, b.checkStall())
}

func TestSaveWithNoSegmentsReportsEmpty(t *testing.T) {
	m := fsutil.NewMemoryFileSystem()
	require.NoError(t, m.MkdirAll("/buf", 0755))
	clock := timeutil.NewMockClock(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	b := newTestBuffer(testVideoConfig(), &fakeRunner{}, m, clock)

	got := make(chan string, 1)
	b.SaveEvent("ev1", func(path string) { got <- path })

	select {
	case path := <-got:
		assert.Equal(t, "", path)
	case <-time.After(2 * time.Second):
		t.Fatal("save callback never fired")
	}
}

func TestSaveAssemblesPreAndPostSets(t *testing.T) {
	m := fsutil.NewMemoryFileSystem()
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	mock := timeutil.NewMockClock(base)
	clock := &hookClock{MockClock: mock}

	cfg := testVideoConfig()

	// seg_003 is newest (open), seg_002 is undersized. Pre set must be
	// exactly seg_000 and seg_001. Markers identify each payload; the
	// padding keeps the completed segments above the size floor.
	require.NoError(t, m.WriteFile("/buf/seg_000.ts", segPayload("old000", 1024), 0644))
	require.NoError(t, m.Chtimes("/buf/seg_000.ts", base.Add(-30*time.Second)))
	require.NoError(t, m.WriteFile("/buf/seg_001.ts", segPayload("old001", 1024), 0644))
	require.NoError(t, m.Chtimes("/buf/seg_001.ts", base.Add(-20*time.Second)))
	writeSeg(t, m, "seg_002.ts", 100, base.Add(-15*time.Second))
	writeSeg(t, m, "seg_003.ts", 2048, base.Add(-10*time.Second))
	cfg.MinSegmentBytes = 200

	// During the post-event sleep the encoder wraps onto seg_000 and
	// opens seg_004. Only the rewritten seg_000 qualifies as post: it
	// changed after the fence and is not the newest.
	clock.onSleep = func(d time.Duration) {
		if d != cfg.PostEvent() {
			return
		}
		require.NoError(t, m.WriteFile("/buf/seg_000.ts", segPayload("new000", 1024), 0644))
		require.NoError(t, m.Chtimes("/buf/seg_000.ts", base.Add(19*time.Second)))
		writeSeg(t, m, "seg_004.ts", 2048, base.Add(20*time.Second))
	}

	// Part contents are captured at remux time, before the save worker
	// cleans up its working directory.
	var concatList string
	partData := map[string]string{}
	runner := &fakeRunner{}
	runner.factory = func(name string, args []string) (Process, error) {
		p := newFakeProcess()
		if hasArg(args, "concat") {
			listPath := ""
			for i, a := range args {
				if a == "-i" && i+1 < len(args) {
					listPath = args[i+1]
				}
			}
			raw, err := m.ReadFile(listPath)
			require.NoError(t, err)
			concatList = string(raw)
			for _, line := range strings.Split(strings.TrimSpace(concatList), "\n") {
				part := strings.TrimSuffix(strings.TrimPrefix(line, "file '"), "'")
				if data, err := m.ReadFile(part); err == nil {
					partData[part] = string(data)
				}
			}
			require.NoError(t, m.WriteFile(args[len(args)-1], []byte("mp4data"), 0644))
		}
		p.exit(0)
		return p, nil
	}

	b := newTestBuffer(cfg, runner, m, clock)
	got := make(chan string, 1)
	b.SaveEvent("ev42", func(path string) { got <- path })

	var out string
	select {
	case out = <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("save callback never fired")
	}

	require.Equal(t, b.OutputPathFor("ev42"), out)
	assert.True(t, m.Exists(out))

	lines := strings.Split(strings.TrimSpace(concatList), "\n")
	require.Len(t, lines, 3, "two pre parts and one post part:\n%s", concatList)
	assert.Contains(t, lines[0], "pre_000")
	assert.Contains(t, lines[1], "pre_001")
	assert.Contains(t, lines[2], "post_")

	// The pre copy snapshots the segment before the encoder wrapped
	// over it; the post copy holds the new content.
	preCopy := strings.TrimSuffix(strings.TrimPrefix(lines[0], "file '"), "'")
	assert.True(t, strings.HasPrefix(partData[preCopy], "old000"))

	postCopy := strings.TrimSuffix(strings.TrimPrefix(lines[2], "file '"), "'")
	assert.True(t, strings.HasPrefix(partData[postCopy], "new000"))
}

func TestSaveFailedRemuxReportsEmpty(t *testing.T) {
	m := fsutil.NewMemoryFileSystem()
	clock := timeutil.NewMockClock(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	writeSeg(t, m, "seg_000.ts", 2048, clock.Now().Add(-20*time.Second))
	writeSeg(t, m, "seg_001.ts", 2048, clock.Now().Add(-10*time.Second))

	runner := &fakeRunner{}
	runner.factory = func(name string, args []string) (Process, error) {
		// Remux exits zero but never produces the output file.
		p := newFakeProcess()
		p.exit(0)
		return p, nil
	}

	b := newTestBuffer(testVideoConfig(), runner, m, clock)
	got := make(chan string, 1)
	b.SaveEvent("ev9", func(path string) { got <- path })

	select {
	case path := <-got:
		assert.Equal(t, "", path)
	case <-time.After(2 * time.Second):
		t.Fatal("save callback never fired")
	}
}

func TestCrashDetectionRelaunches(t *testing.T) {
	m := fsutil.NewMemoryFileSystem()
	clock := timeutil.NewMockClock(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))

	var procs []*fakeProcess
	var mu sync.Mutex
	runner := &fakeRunner{}
	runner.factory = func(name string, args []string) (Process, error) {
		p := newFakeProcess()
		mu.Lock()
		procs = append(procs, p)
		mu.Unlock()
		return p, nil
	}

	b := newTestBuffer(testVideoConfig(), runner, m, clock)
	require.NoError(t, b.Start())

	mu.Lock()
	procs[0].stderr = "device disappeared"
	first := procs[0]
	mu.Unlock()
	first.exit(1)

	require.Eventually(t, func() bool {
		clock.Advance(5 * time.Second)
		return runner.callCount() >= 2
	}, 2*time.Second, 10*time.Millisecond, "encoder was not relaunched after crash")

	b.Stop()
}

func TestAudioFallbackAtStartup(t *testing.T) {
	m := fsutil.NewMemoryFileSystem()
	clock := timeutil.NewMockClock(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))

	cfg := testVideoConfig()
	cfg.AudioDevice = "hw:1"

	runner := &fakeRunner{}
	runner.factory = func(name string, args []string) (Process, error) {
		p := newFakeProcess()
		if hasArg(args, "alsa") {
			p.stderr = "cannot open audio device"
			p.exit(1)
		}
		return p, nil
	}

	b := newTestBuffer(cfg, runner, m, clock)
	require.NoError(t, b.Start())
	defer b.Stop()

	require.GreaterOrEqual(t, runner.callCount(), 2)
	assert.True(t, hasArg(runner.call(0), "alsa"), "first launch attempts audio")
	assert.False(t, hasArg(runner.call(1), "alsa"), "fallback launch is video-only")
	assert.Equal(t, StateRunning, b.State())
}

func TestAudioRetryAfterInterval(t *testing.T) {
	m := fsutil.NewMemoryFileSystem()
	clock := timeutil.NewMockClock(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))

	cfg := testVideoConfig()
	cfg.AudioDevice = "hw:1"

	var audioAttempts int32
	var mu sync.Mutex
	runner := &fakeRunner{}
	runner.factory = func(name string, args []string) (Process, error) {
		p := newFakeProcess()
		if hasArg(args, "alsa") {
			mu.Lock()
			audioAttempts++
			n := audioAttempts
			mu.Unlock()
			if n == 1 {
				p.exit(1) // device not ready at boot
			}
		}
		return p, nil
	}

	b := newTestBuffer(cfg, runner, m, clock)
	require.NoError(t, b.Start())

	// Advance past the audio retry interval in poll-sized steps.
	require.Eventually(t, func() bool {
		clock.Advance(5 * time.Second)
		mu.Lock()
		defer mu.Unlock()
		return audioAttempts >= 2
	}, 2*time.Second, 10*time.Millisecond, "audio path was never retried")

	b.Stop()
}

func TestCaptureFrameUsesSecondNewestSegment(t *testing.T) {
	m := fsutil.NewMemoryFileSystem()
	clock := timeutil.NewMockClock(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	writeSeg(t, m, "seg_000.ts", 2048, clock.Now().Add(-30*time.Second))
	writeSeg(t, m, "seg_001.ts", 2048, clock.Now().Add(-20*time.Second))
	writeSeg(t, m, "seg_002.ts", 2048, clock.Now().Add(-10*time.Second))

	var frameArgs []string
	runner := &fakeRunner{}
	runner.factory = func(name string, args []string) (Process, error) {
		p := newFakeProcess()
		if hasArg(args, "-frames:v") {
			frameArgs = args
			require.NoError(t, m.WriteFile(args[len(args)-1], []byte("jpeg"), 0644))
		}
		p.exit(0)
		return p, nil
	}

	b := newTestBuffer(testVideoConfig(), runner, m, clock)
	require.NoError(t, b.CaptureFrame("/out/frame.jpg"))

	assert.True(t, hasArg(frameArgs, "/buf/seg_001.ts"), "expected second-newest segment, got %v", frameArgs)
}

func TestCaptureFrameNeedsTwoSegments(t *testing.T) {
	m := fsutil.NewMemoryFileSystem()
	clock := timeutil.NewMockClock(time.Now())
	writeSeg(t, m, "seg_000.ts", 2048, clock.Now())

	b := newTestBuffer(testVideoConfig(), &fakeRunner{}, m, clock)
	assert.Error(t, b.CaptureFrame("/out/frame.jpg"))
}

func TestStopDrainsPendingSaves(t *testing.T) {
	m := fsutil.NewMemoryFileSystem()
	require.NoError(t, m.MkdirAll("/buf", 0755))
	clock := timeutil.NewMockClock(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))

	b := newTestBuffer(testVideoConfig(), &fakeRunner{}, m, clock)
	require.NoError(t, b.Start())

	done := make(chan string, 1)
	b.SaveEvent("ev1", func(path string) { done <- path })

	b.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop returned before the pending save completed")
	}
}

func TestRecorderBuildsFixedDurationCapture(t *testing.T) {
	m := fsutil.NewMemoryFileSystem()

	var recArgs []string
	runner := &fakeRunner{}
	runner.factory = func(name string, args []string) (Process, error) {
		recArgs = args
		require.NoError(t, m.WriteFile(args[len(args)-1], []byte("mp4"), 0644))
		p := newFakeProcess()
		p.exit(0)
		return p, nil
	}

	r := NewRecorder(testVideoConfig(), runner, m)
	out, err := r.Record("ev7", 30*time.Second)
	require.NoError(t, err)

	assert.Equal(t, "/out/event_ev7.mp4", out)
	assert.True(t, hasArg(recArgs, "-t"))
	assert.True(t, hasArg(recArgs, "30"))
}
