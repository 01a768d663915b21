package video

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rallykit/dashd/internal/alert"
	"github.com/rallykit/dashd/internal/config"
	"github.com/rallykit/dashd/internal/fsutil"
	"github.com/rallykit/dashd/internal/monitoring"
	"github.com/rallykit/dashd/internal/timeutil"
)

// State is the encoder lifecycle state.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateCrashed
	StateStalled
)

// String returns a short name for logging.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateCrashed:
		return "crashed"
	case StateStalled:
		return "stalled"
	default:
		return "unknown"
	}
}

const (
	segmentPrefix = "seg_"
	segmentSuffix = ".ts"

	// audioGrace is how long after an audio-enabled launch an exit is
	// treated as "audio device not ready" rather than a crash.
	audioGrace = 3 * time.Second

	// audioFailWindow extends the audio-failure interpretation to exits
	// first observed on a later health poll.
	audioFailWindow = 10 * time.Second

	// stopGrace is the wait for a graceful encoder exit before kill.
	stopGrace = 5 * time.Second
)

// Options configures a RingBuffer.
type Options struct {
	Config  config.VideoConfig
	Runner  Runner
	FS      fsutil.FileSystem
	Clock   timeutil.Clock
	Alerter *alert.Alerter
}

// RingBuffer drives an external encoder writing fixed-length wrapping
// segments, monitors its health, and assembles event captures.
type RingBuffer struct {
	cfg     config.VideoConfig
	runner  Runner
	fsys    fsutil.FileSystem
	clock   timeutil.Clock
	alerter *alert.Alerter

	mu               sync.Mutex
	state            State
	proc             Process
	withAudio        bool
	startedAt        time.Time
	lastAudioAttempt time.Time

	// Stall detection state. Armed on the first segment observation
	// after each launch; cleared by resetStallState.
	stallArmed bool
	stallMTime time.Time
	stallSize  int64
	stallSince time.Time

	stopped     bool
	stopCh      chan struct{}
	monitorDone chan struct{}
	saves       sync.WaitGroup
}

// New creates a RingBuffer. Start must be called to launch the encoder.
func New(opts Options) *RingBuffer {
	clock := opts.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	fsys := opts.FS
	if fsys == nil {
		fsys = fsutil.OSFileSystem{}
	}
	runner := opts.Runner
	if runner == nil {
		runner = ExecRunner{}
	}

	return &RingBuffer{
		cfg:         opts.Config,
		runner:      runner,
		fsys:        fsys,
		clock:       clock,
		alerter:     opts.Alerter,
		stopCh:      make(chan struct{}),
		monitorDone: make(chan struct{}),
	}
}

// Start launches the encoder and the health monitor. Setup failures are
// returned to the caller.
func (b *RingBuffer) Start() error {
	if err := b.fsys.MkdirAll(b.cfg.BufferDir, 0755); err != nil {
		return fmt.Errorf("create buffer dir: %w", err)
	}
	if err := b.fsys.MkdirAll(b.cfg.OutputDir, 0755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	wantAudio := b.cfg.AudioDevice != ""
	if err := b.launch(wantAudio); err != nil {
		return fmt.Errorf("launch encoder: %w", err)
	}

	if wantAudio {
		// The encoder exits quickly when the audio device is not
		// ready; fall back to video-only rather than failing startup.
		b.clock.Sleep(audioGrace)
		b.mu.Lock()
		proc := b.proc
		b.mu.Unlock()
		if exited, code := proc.Exited(); exited {
			monitoring.Logf("video: encoder with audio exited early (code=%d), falling back to video-only: %s",
				code, proc.Stderr())
			b.mu.Lock()
			b.lastAudioAttempt = b.clock.Now()
			b.mu.Unlock()
			if err := b.launch(false); err != nil {
				return fmt.Errorf("launch encoder without audio: %w", err)
			}
		}
	}

	go b.monitor()
	return nil
}

// Stop terminates the encoder with a bounded grace period and drains
// in-flight saves. Pending saves run to completion so footage for an
// already-detected event is never lost.
func (b *RingBuffer) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	b.mu.Unlock()

	close(b.stopCh)
	<-b.monitorDone

	b.mu.Lock()
	proc := b.proc
	b.proc = nil
	b.state = StateStopped
	b.mu.Unlock()

	if proc != nil {
		b.terminate(proc)
	}

	b.saves.Wait()
}

// State returns the current encoder state.
func (b *RingBuffer) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// CompletedSegmentCount returns how many completed segments are on disk.
func (b *RingBuffer) CompletedSegmentCount() int {
	return len(b.completedSegments())
}

// OutputPath is the naming convention for event capture files, shared
// by the ring buffer, the fallback recorder and crash recovery.
func OutputPath(dir, eventID string) string {
	return filepath.Join(dir, "event_"+eventID+".mp4")
}

// OutputPathFor returns the capture path an event save will produce.
func (b *RingBuffer) OutputPathFor(eventID string) string {
	return OutputPath(b.cfg.OutputDir, eventID)
}

// SaveEvent assembles pre+post footage for an event off the caller's
// goroutine. The callback receives the output path, or "" when the save
// produced nothing.
func (b *RingBuffer) SaveEvent(eventID string, callback func(path string)) {
	b.saves.Add(1)
	go func() {
		defer b.saves.Done()
		b.runSave(eventID, callback)
	}()
}

// launch starts a fresh encoder process and resets stall tracking so a
// deliberate restart never trips on stale baselines.
func (b *RingBuffer) launch(audio bool) error {
	args := b.buildArgs(audio)
	monitoring.Debugf("video: launching %s %s", b.cfg.FFmpegPath, strings.Join(args, " "))

	proc, err := b.runner.Start(b.cfg.FFmpegPath, args)
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.proc = proc
	b.withAudio = audio
	b.startedAt = b.clock.Now()
	b.state = StateRunning
	b.resetStallStateLocked()
	b.mu.Unlock()

	monitoring.Logf("video: encoder started (audio=%v)", audio)
	return nil
}

// buildArgs assembles the encoder invocation for the segment muxer.
func (b *RingBuffer) buildArgs(audio bool) []string {
	args := []string{
		"-y",
		"-f", "v4l2",
		"-framerate", fmt.Sprintf("%d", b.cfg.FrameRate),
		"-video_size", fmt.Sprintf("%dx%d", b.cfg.Width, b.cfg.Height),
		"-i", b.cfg.Device,
	}
	if audio {
		args = append(args, "-f", "alsa", "-i", b.cfg.AudioDevice)
	}
	args = append(args,
		"-c:v", "libx264",
		"-preset", "ultrafast",
		"-tune", "zerolatency",
	)
	if audio {
		args = append(args, "-c:a", "aac")
	}
	args = append(args,
		"-f", "segment",
		"-segment_time", fmt.Sprintf("%d", b.cfg.SegmentSeconds),
		"-segment_wrap", fmt.Sprintf("%d", b.cfg.SegmentCount),
		"-reset_timestamps", "1",
		filepath.Join(b.cfg.BufferDir, segmentPrefix+"%03d"+segmentSuffix),
	)
	return args
}

// monitor is the health loop: crash relaunch, stall detection and audio
// retry, on a fixed poll interval.
func (b *RingBuffer) monitor() {
	defer close(b.monitorDone)

	ticker := b.clock.NewTicker(b.cfg.HealthPoll())
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C():
			b.poll()
		}
	}
}

func (b *RingBuffer) poll() {
	b.mu.Lock()
	proc := b.proc
	withAudio := b.withAudio
	startedAt := b.startedAt
	lastAudio := b.lastAudioAttempt
	b.mu.Unlock()

	if proc == nil {
		return
	}

	if exited, code := proc.Exited(); exited {
		stderr := proc.Stderr()
		monitoring.Logf("video: encoder exited (code=%d): %s", code, stderr)

		b.mu.Lock()
		b.state = StateCrashed
		b.mu.Unlock()

		relaunchAudio := withAudio
		if withAudio && b.clock.Since(startedAt) < audioFailWindow {
			// Early exit after an audio launch means the audio path is
			// broken; come back without it.
			monitoring.Logf("video: treating early exit as audio failure, retrying video-only")
			relaunchAudio = false
			b.mu.Lock()
			b.lastAudioAttempt = b.clock.Now()
			b.mu.Unlock()
		}

		if err := b.launch(relaunchAudio); err != nil {
			monitoring.Logf("video: relaunch failed: %v", err)
			b.alerter.Notify(alert.SoundHealthAlarm)
		}
		return
	}

	if b.checkStall() {
		monitoring.Logf("video: encoder stalled, no segment activity for %v, restarting", b.cfg.StallTimeout())
		b.alerter.Notify(alert.SoundEncoderStall)

		b.mu.Lock()
		b.state = StateStalled
		b.mu.Unlock()

		b.terminate(proc)
		if err := b.launch(withAudio); err != nil {
			monitoring.Logf("video: relaunch after stall failed: %v", err)
			b.alerter.Notify(alert.SoundHealthAlarm)
		}
		return
	}

	// Running video-only with audio configured: retry the audio path
	// periodically.
	if !withAudio && b.cfg.AudioDevice != "" && b.clock.Since(lastAudio) >= b.cfg.AudioRetry() {
		monitoring.Logf("video: retrying encoder with audio")
		b.mu.Lock()
		b.lastAudioAttempt = b.clock.Now()
		b.mu.Unlock()

		b.terminate(proc)
		if err := b.launch(true); err != nil {
			monitoring.Logf("video: audio retry launch failed: %v", err)
			if err := b.launch(false); err != nil {
				monitoring.Logf("video: relaunch failed: %v", err)
				b.alerter.Notify(alert.SoundHealthAlarm)
			}
		}
	}
}

// checkStall tracks the newest segment's mtime and size across polls.
// The first observation after a (re)launch only arms the detector; a
// verdict requires a full stall timeout with zero observed change. No
// segments present never stalls.
func (b *RingBuffer) checkStall() bool {
	segments := b.listSegments()
	if len(segments) == 0 {
		return false
	}
	newest := segments[len(segments)-1]

	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.stallArmed {
		b.stallArmed = true
		b.stallMTime = newest.mtime
		b.stallSize = newest.size
		b.stallSince = b.clock.Now()
		return false
	}

	if !newest.mtime.Equal(b.stallMTime) || newest.size != b.stallSize {
		b.stallMTime = newest.mtime
		b.stallSize = newest.size
		b.stallSince = b.clock.Now()
		return false
	}

	return b.clock.Since(b.stallSince) > b.cfg.StallTimeout()
}

func (b *RingBuffer) resetStallStateLocked() {
	b.stallArmed = false
	b.stallMTime = time.Time{}
	b.stallSize = 0
	b.stallSince = time.Time{}
}

// terminate asks the process to exit and kills it after a grace period.
func (b *RingBuffer) terminate(proc Process) {
	if err := proc.Terminate(); err != nil {
		proc.Kill()
		return
	}

	done := make(chan struct{})
	go func() {
		proc.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-b.clock.After(stopGrace):
		monitoring.Logf("video: encoder did not exit, killing")
		proc.Kill()
	}
}

type segmentInfo struct {
	name  string
	path  string
	size  int64
	mtime time.Time
}

// listSegments returns all ring segments sorted oldest first by mtime.
func (b *RingBuffer) listSegments() []segmentInfo {
	infos, err := b.fsys.ReadDir(b.cfg.BufferDir)
	if err != nil {
		return nil
	}

	var segs []segmentInfo
	for _, info := range infos {
		if info.IsDir() {
			continue
		}
		name := info.Name()
		if !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentSuffix) {
			continue
		}
		segs = append(segs, segmentInfo{
			name:  name,
			path:  filepath.Join(b.cfg.BufferDir, name),
			size:  info.Size(),
			mtime: info.ModTime(),
		})
	}

	sort.Slice(segs, func(i, j int) bool {
		if segs[i].mtime.Equal(segs[j].mtime) {
			return segs[i].name < segs[j].name
		}
		return segs[i].mtime.Before(segs[j].mtime)
	})
	return segs
}

// completedSegments excludes the newest segment, which the encoder still
// holds open, and anything under the minimum size floor.
func (b *RingBuffer) completedSegments() []segmentInfo {
	segs := b.listSegments()
	if len(segs) == 0 {
		return nil
	}
	segs = segs[:len(segs)-1]

	out := segs[:0]
	for _, s := range segs {
		if s.size < b.cfg.MinSegmentBytes {
			monitoring.Debugf("video: skipping undersized segment %s (%d bytes)", s.name, s.size)
			continue
		}
		out = append(out, s)
	}
	return out
}

// runSave performs the pre/sleep/post/concat sequence for one event.
func (b *RingBuffer) runSave(eventID string, callback func(string)) {
	workDir := filepath.Join(b.cfg.OutputDir, "work-"+uuid.NewString())
	defer func() {
		if err := b.fsys.RemoveAll(workDir); err != nil {
			monitoring.Logf("video: cleanup %s: %v", workDir, err)
		}
	}()

	if err := b.fsys.MkdirAll(workDir, 0755); err != nil {
		monitoring.Logf("video: save %s: create workdir: %v", eventID, err)
		b.failSave(callback)
		return
	}

	// The fence timestamp separates the pre set from the post set so a
	// segment is never copied twice.
	fence := b.clock.Now()

	var parts []string
	pre := b.completedSegments()
	for i, seg := range pre {
		dst := filepath.Join(workDir, fmt.Sprintf("pre_%03d"+segmentSuffix, i))
		if err := b.fsys.CopyFile(seg.path, dst); err != nil {
			monitoring.Logf("video: save %s: copy %s: %v", eventID, seg.name, err)
			continue
		}
		parts = append(parts, dst)
	}

	b.clock.Sleep(b.cfg.PostEvent())

	var postCount int
	for i, seg := range b.completedSegments() {
		if seg.mtime.Before(fence) {
			continue
		}
		dst := filepath.Join(workDir, fmt.Sprintf("post_%03d"+segmentSuffix, i))
		if err := b.fsys.CopyFile(seg.path, dst); err != nil {
			monitoring.Logf("video: save %s: copy %s: %v", eventID, seg.name, err)
			continue
		}
		parts = append(parts, dst)
		postCount++
	}

	if len(parts) == 0 {
		monitoring.Logf("video: save %s: no segments to assemble", eventID)
		b.failSave(callback)
		return
	}
	if postCount == 0 {
		// Encoder may have been mid-restart; pre-only is still valid.
		monitoring.Logf("video: save %s: no post-event segments, saving pre-roll only", eventID)
	}

	out := b.OutputPathFor(eventID)
	if err := b.assemble(workDir, parts, out); err != nil {
		monitoring.Logf("video: save %s: assemble: %v", eventID, err)
		b.failSave(callback)
		return
	}

	info, err := b.fsys.Stat(out)
	if err != nil || info.Size() == 0 {
		monitoring.Logf("video: save %s: output missing or empty", eventID)
		b.failSave(callback)
		return
	}

	monitoring.Logf("video: save %s: wrote %s (%d bytes, %d parts)", eventID, out, info.Size(), len(parts))
	b.alerter.Notify(alert.SoundCaptureEnd)
	if callback != nil {
		callback(out)
	}
}

func (b *RingBuffer) failSave(callback func(string)) {
	b.alerter.Notify(alert.SoundCaptureFailed)
	if callback != nil {
		callback("")
	}
}

// assemble concatenates the MPEG-TS parts and remuxes them into the
// delivery container with stream copy, no re-encode.
func (b *RingBuffer) assemble(workDir string, parts []string, out string) error {
	var list strings.Builder
	if b.cfg.IntroPath != "" && b.fsys.Exists(b.cfg.IntroPath) {
		fmt.Fprintf(&list, "file '%s'\n", b.cfg.IntroPath)
	}
	for _, p := range parts {
		fmt.Fprintf(&list, "file '%s'\n", p)
	}

	listPath := filepath.Join(workDir, "concat.txt")
	if err := b.fsys.WriteFile(listPath, []byte(list.String()), 0644); err != nil {
		return fmt.Errorf("write concat list: %w", err)
	}

	proc, err := b.runner.Start(b.cfg.FFmpegPath, []string{
		"-y",
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-c", "copy",
		out,
	})
	if err != nil {
		return fmt.Errorf("start remux: %w", err)
	}
	if err := proc.Wait(); err != nil {
		return fmt.Errorf("remux: %w", err)
	}
	return nil
}

// CaptureFrame extracts one still from the second-newest segment. The
// newest is open for writing and the capture device itself is held by
// the encoder.
func (b *RingBuffer) CaptureFrame(outPath string) error {
	segs := b.listSegments()
	if len(segs) < 2 {
		return fmt.Errorf("need at least 2 segments, have %d", len(segs))
	}
	src := segs[len(segs)-2]

	proc, err := b.runner.Start(b.cfg.FFmpegPath, []string{
		"-y",
		"-i", src.path,
		"-frames:v", "1",
		"-q:v", "2",
		outPath,
	})
	if err != nil {
		return fmt.Errorf("start frame extraction: %w", err)
	}
	if err := proc.Wait(); err != nil {
		return fmt.Errorf("frame extraction: %w", err)
	}

	if info, err := b.fsys.Stat(outPath); err != nil || info.Size() == 0 {
		return fmt.Errorf("frame output missing or empty")
	}
	return nil
}
