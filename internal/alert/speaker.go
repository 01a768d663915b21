package alert

import (
	"fmt"
	"os/exec"
	"path/filepath"
)

// Speaker plays one pre-rendered WAV per alert through aplay. Missing
// files are reported as errors and logged by the Alerter; playback
// never blocks the daemon since the Alerter drives it from its own
// goroutine.
type Speaker struct {
	dir    string
	device string

	// run is swappable for tests.
	run func(name string, args ...string) error
}

// NewSpeaker creates a Speaker reading WAVs from dir. An empty device
// uses the ALSA default output.
func NewSpeaker(dir, device string) *Speaker {
	return &Speaker{
		dir:    dir,
		device: device,
		run: func(name string, args ...string) error {
			return exec.Command(name, args...).Run()
		},
	}
}

// Play plays the WAV named after the sound, e.g. capture-start.wav.
func (sp *Speaker) Play(s Sound) error {
	path := filepath.Join(sp.dir, s.String()+".wav")

	args := []string{"-q"}
	if sp.device != "" {
		args = append(args, "-D", sp.device)
	}
	args = append(args, path)

	if err := sp.run("aplay", args...); err != nil {
		return fmt.Errorf("aplay %s: %w", path, err)
	}
	return nil
}
