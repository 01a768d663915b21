package video

import (
	"fmt"
	"time"

	"github.com/rallykit/dashd/internal/config"
	"github.com/rallykit/dashd/internal/fsutil"
	"github.com/rallykit/dashd/internal/monitoring"
)

// Recorder is the fallback capture path used when the segmented ring
// buffer is disabled: one fixed-duration recording straight from the
// device.
type Recorder struct {
	cfg    config.VideoConfig
	runner Runner
	fsys   fsutil.FileSystem
}

// NewRecorder creates a fixed-duration recorder.
func NewRecorder(cfg config.VideoConfig, runner Runner, fsys fsutil.FileSystem) *Recorder {
	if runner == nil {
		runner = ExecRunner{}
	}
	if fsys == nil {
		fsys = fsutil.OSFileSystem{}
	}
	return &Recorder{cfg: cfg, runner: runner, fsys: fsys}
}

// Record captures duration of video for an event and returns the output
// path. Blocks for the full recording.
func (r *Recorder) Record(eventID string, duration time.Duration) (string, error) {
	if err := r.fsys.MkdirAll(r.cfg.OutputDir, 0755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}

	out := OutputPath(r.cfg.OutputDir, eventID)
	args := []string{
		"-y",
		"-f", "v4l2",
		"-framerate", fmt.Sprintf("%d", r.cfg.FrameRate),
		"-video_size", fmt.Sprintf("%dx%d", r.cfg.Width, r.cfg.Height),
		"-i", r.cfg.Device,
		"-t", fmt.Sprintf("%d", int(duration.Seconds())),
		"-c:v", "libx264",
		"-preset", "ultrafast",
		out,
	}

	proc, err := r.runner.Start(r.cfg.FFmpegPath, args)
	if err != nil {
		return "", fmt.Errorf("start recorder: %w", err)
	}
	if err := proc.Wait(); err != nil {
		return "", fmt.Errorf("record: %w", err)
	}

	if info, err := r.fsys.Stat(out); err != nil || info.Size() == 0 {
		return "", fmt.Errorf("recording missing or empty")
	}

	monitoring.Logf("video: recorded %s (%.0fs)", out, duration.Seconds())
	return out, nil
}
