// dashd is an always-on vehicle telemetry and event-driven dashcam
// daemon. It samples an inertial sensor at high rate, detects driving
// events, keeps a rolling video buffer and assembles capture files
// around each event.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/rallykit/dashd/internal/alert"
	"github.com/rallykit/dashd/internal/config"
	"github.com/rallykit/dashd/internal/engine"
	"github.com/rallykit/dashd/internal/fsutil"
	"github.com/rallykit/dashd/internal/gps"
	"github.com/rallykit/dashd/internal/imu"
	"github.com/rallykit/dashd/internal/monitoring"
	"github.com/rallykit/dashd/internal/storage"
	"github.com/rallykit/dashd/internal/systemd"
	"github.com/rallykit/dashd/internal/timeutil"
	"github.com/rallykit/dashd/internal/uplink"
	"github.com/rallykit/dashd/internal/version"
	"github.com/rallykit/dashd/internal/video"
)

var (
	configPath  = flag.String("config", "/etc/dashd/config.toml", "Path to the TOML configuration file")
	noUplink    = flag.Bool("no-uplink", false, "Disable MQTT and remote-write even if configured")
	verbose     = flag.Bool("verbose", false, "Enable debug logging")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("dashd: %v", err)
	}
	monitoring.SetVerbose(cfg.Verbose || *verbose)
	monitoring.Logf("%s starting, config %s", version.String(), *configPath)

	if err := run(cfg); err != nil {
		log.Fatalf("dashd: %v", err)
	}
}

func run(cfg *config.Config) error {
	clock := timeutil.RealClock{}

	wasCrash := storage.DetectUncleanShutdown(cfg.Storage.Path)

	store, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	if wasCrash {
		monitoring.Logf("dashd: unclean shutdown detected, running recovery")
		rep, err := store.RecoverFromCrash(fsutil.OSFileSystem{}, func(eventUUID string) string {
			return video.OutputPath(cfg.Video.OutputDir, eventUUID)
		})
		if err != nil {
			monitoring.Logf("dashd: crash recovery: %v", err)
		} else {
			monitoring.Logf("dashd: crash recovery done (integrity_ok=%v, orphans_repaired=%d)",
				rep.IntegrityOK, rep.OrphansRepaired)
		}
	}

	var sounder alert.Sounder
	if cfg.Alerts.SoundDir != "" {
		sounder = alert.NewSpeaker(cfg.Alerts.SoundDir, cfg.Alerts.AlsaDevice)
	}
	alerter := alert.New(sounder, cfg.Alerts.QueueSize)
	defer alerter.Stop()

	ring := imu.NewRing(cfg.IMU.RingCapacity())

	// Video: segmented ring buffer, or the one-shot fallback recorder
	// when disabled.
	var buffer *video.RingBuffer
	var videoForEngine engine.VideoBuffer
	var recorder engine.Recorder
	if cfg.Video.Enabled {
		buffer = video.New(video.Options{Config: cfg.Video, Alerter: alerter})
		if err := buffer.Start(); err != nil {
			return err
		}
		defer buffer.Stop()
		videoForEngine = buffer
	} else {
		recorder = video.NewRecorder(cfg.Video, video.ExecRunner{}, fsutil.OSFileSystem{})
	}

	provider, err := buildGPS(cfg, clock)
	if err != nil {
		return err
	}
	if provider != nil {
		if err := provider.Start(); err != nil {
			monitoring.Logf("gps: start failed, continuing without location: %v", err)
			provider = nil
		} else {
			defer provider.Stop()
		}
	}

	var pub *uplink.MQTTPublisher
	var syncer *uplink.Syncer
	var connMon *uplink.ConnMonitor
	if !*noUplink {
		if cfg.Uplink.MQTT.Enabled {
			pub, err = uplink.NewMQTTPublisher(cfg.Uplink.MQTT)
			if err != nil {
				return err
			}
			defer pub.Stop()
		}
		if cfg.Uplink.Prometheus.Enabled {
			connMon = uplink.NewConnMonitor(cfg.Uplink.Connectivity, clock, nil)
			connMon.Start()
			defer connMon.Stop()

			writer := uplink.NewRemoteWriter(cfg.Uplink.Prometheus.URL, cfg.Uplink.MQTT.ClientID)
			syncer = uplink.NewSyncer(cfg.Uplink.Prometheus, store, writer, connMon, clock)
			syncer.Start()
			defer syncer.Stop()
		}
	}

	eng, err := engine.New(engine.Options{
		Config:   cfg,
		Ring:     ring,
		Video:    videoForEngine,
		Recorder: recorder,
		Store:    store,
		Pub:      publisherOrNil(pub),
		GPS:      provider,
		Alerter:  alerter,
		Clock:    clock,
	})
	if err != nil {
		return err
	}
	eng.Start()
	defer eng.Stop()

	sampler, err := imu.NewSampler(imu.SamplerOptions{
		Config: cfg.IMU,
		Ring:   ring,
		Open: func() (imu.Bus, error) {
			return imu.OpenLinuxBus(cfg.IMU.BusPath, cfg.IMU.Address)
		},
		Pins: &imu.GPIOPinDriver{
			ChipPath: cfg.IMU.GPIOChip,
			SCLLine:  cfg.IMU.SCLPin,
			SDALine:  cfg.IMU.SDAPin,
		},
		Alerter:  alerter,
		Clock:    clock,
		OnSample: eng.HandleSample,
		Restart: func() {
			// Bus recovery is exhausted; exit and let systemd bring the
			// whole unit back up with freshly initialized hardware.
			monitoring.Logf("dashd: imu recovery exhausted, exiting for restart")
			systemd.Notify("STOPPING=1")
			os.Exit(1)
		},
	})
	if err != nil {
		return err
	}
	if err := sampler.Start(); err != nil {
		return err
	}
	defer sampler.Stop()
	eng.SetSampler(sampler)

	systemd.Ready()
	watchdog := startWatchdog()
	defer close(watchdog)

	monitoring.Logf("dashd running")
	return waitForSignals(eng, syncer)
}

// buildGPS constructs the configured location provider, or nil.
func buildGPS(cfg *config.Config, clock timeutil.Clock) (gps.Provider, error) {
	switch cfg.GPS.Mode {
	case "gpsd":
		return gps.NewGpsdClient(cfg.GPS.GpsdAddr, clock, nil), nil
	case "nmea":
		return gps.NewNMEAReader(cfg.GPS.SerialPort, cfg.GPS.BaudRate, clock), nil
	default:
		return nil, nil
	}
}

// publisherOrNil avoids handing the engine a typed nil interface.
func publisherOrNil(p *uplink.MQTTPublisher) engine.Publisher {
	if p == nil {
		return nil
	}
	return p
}

// startWatchdog pets the systemd watchdog until the returned channel
// is closed.
func startWatchdog() chan struct{} {
	stop := make(chan struct{})
	interval, armed := systemd.WatchdogInterval()
	if !armed {
		return stop
	}
	go func() {
		ticker := timeutil.RealClock{}.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C():
				systemd.Watchdog()
			}
		}
	}()
	return stop
}

// waitForSignals blocks until SIGINT or SIGTERM. SIGUSR1 triggers a
// manual capture.
func waitForSignals(eng *engine.Engine, syncer *uplink.Syncer) error {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)

	for sig := range sigs {
		switch sig {
		case syscall.SIGUSR1:
			eng.ManualCapture()
		default:
			monitoring.Logf("dashd: received %s, shutting down", sig)
			systemd.Notify("STOPPING=1")
			if syncer != nil {
				// Best-effort flush of unsynced readings.
				syncer.SyncOnce()
			}
			return nil
		}
	}
	return nil
}
