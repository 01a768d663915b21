// Package config handles configuration loading and validation for dashd.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds the complete daemon configuration.
type Config struct {
	// IMU configures the inertial sensor and sampling loop.
	IMU IMUConfig `toml:"imu"`

	// Detector configures event detection thresholds.
	Detector DetectorConfig `toml:"detector"`

	// Video configures the segmented recording ring buffer.
	Video VideoConfig `toml:"video"`

	// Storage configures the on-device event database.
	Storage StorageConfig `toml:"storage"`

	// Uplink configures outbound telemetry.
	Uplink UplinkConfig `toml:"uplink"`

	// GPS configures the location source.
	GPS GPSConfig `toml:"gps"`

	// Alerts configures the audible alert queue.
	Alerts AlertConfig `toml:"alerts"`

	// Verbose enables debug logging.
	Verbose bool `toml:"verbose"`
}

// IMUConfig holds inertial sensor configuration.
type IMUConfig struct {
	// BusPath is the I2C bus device, e.g. /dev/i2c-1.
	BusPath string `toml:"bus_path"`

	// Address is the sensor's I2C address.
	Address uint8 `toml:"address"`

	// SampleRateHz is the target sampling frequency.
	SampleRateHz int `toml:"sample_rate_hz"`

	// BufferSeconds is how much history the sample ring buffer holds.
	BufferSeconds int `toml:"buffer_seconds"`

	// AccelRangeG selects the accelerometer full-scale range (2, 4, 8 or 16).
	AccelRangeG int `toml:"accel_range_g"`

	// GyroRangeDPS selects the gyroscope full-scale range (250, 500, 1000 or 2000).
	GyroRangeDPS int `toml:"gyro_range_dps"`

	// FailureThreshold is the consecutive read failures before a bus reset.
	FailureThreshold int `toml:"failure_threshold"`

	// MaxResetAttempts is the bus reset attempts before a host restart.
	MaxResetAttempts int `toml:"max_reset_attempts"`

	// GPIOChip is the GPIO character device used for bit-bang recovery.
	GPIOChip string `toml:"gpio_chip"`

	// SCLPin and SDAPin are the GPIO line offsets of the I2C clock and
	// data pins used for bit-bang recovery.
	SCLPin int `toml:"scl_pin"`
	SDAPin int `toml:"sda_pin"`
}

// DetectorConfig holds event detection thresholds. Durations are in
// seconds of sample time.
type DetectorConfig struct {
	// HardBrakeThresholdG fires when forward acceleration drops below it.
	// Must be negative.
	HardBrakeThresholdG float64 `toml:"hard_brake_threshold_g"`

	// HardBrakeMinDuration is the minimum episode length in seconds.
	HardBrakeMinDuration float64 `toml:"hard_brake_min_duration"`

	// CornerThresholdG fires when absolute lateral acceleration exceeds it.
	CornerThresholdG  float64 `toml:"corner_threshold_g"`
	CornerMinDuration float64 `toml:"corner_min_duration"`

	// HighGThresholdG fires when combined lateral+longitudinal magnitude
	// exceeds it.
	HighGThresholdG  float64 `toml:"high_g_threshold_g"`
	HighGMinDuration float64 `toml:"high_g_min_duration"`

	// RoughRoadStdDevG fires when the rolling stddev of vertical
	// acceleration exceeds it.
	RoughRoadStdDevG     float64 `toml:"rough_road_stddev_g"`
	RoughRoadWindowSecs  float64 `toml:"rough_road_window_secs"`
	RoughRoadMinDuration float64 `toml:"rough_road_min_duration"`

	// CooldownSeconds is the per-type gap required between two events.
	CooldownSeconds float64 `toml:"cooldown_seconds"`

	// LookbackSeconds is the pre-event sample window attached to events.
	LookbackSeconds float64 `toml:"lookback_seconds"`
}

// VideoConfig holds segmented recording configuration.
type VideoConfig struct {
	// Enabled turns the video ring buffer on.
	Enabled bool `toml:"enabled"`

	// FFmpegPath is the encoder executable.
	FFmpegPath string `toml:"ffmpeg_path"`

	// Device is the video capture device, e.g. /dev/video0.
	Device string `toml:"device"`

	// AudioDevice is the ALSA capture device; empty disables audio.
	AudioDevice string `toml:"audio_device"`

	Width     int `toml:"width"`
	Height    int `toml:"height"`
	FrameRate int `toml:"frame_rate"`

	// SegmentSeconds is the duration of each ring segment.
	SegmentSeconds int `toml:"segment_seconds"`

	// SegmentCount is the number of segments before the encoder wraps.
	SegmentCount int `toml:"segment_count"`

	// BufferDir is the scratch directory for ring segments.
	BufferDir string `toml:"buffer_dir"`

	// OutputDir receives assembled event captures.
	OutputDir string `toml:"output_dir"`

	// PostEventSeconds is how long to keep recording after an event.
	PostEventSeconds int `toml:"post_event_seconds"`

	// StallTimeoutSeconds declares a stall when no segment grows for
	// this long.
	StallTimeoutSeconds int `toml:"stall_timeout_seconds"`

	// HealthPollSeconds is the health monitor poll interval.
	HealthPollSeconds int `toml:"health_poll_seconds"`

	// AudioRetrySeconds is how often to retry the audio path when
	// running video-only.
	AudioRetrySeconds int `toml:"audio_retry_seconds"`

	// MinSegmentBytes is the floor below which a segment is treated as a
	// partial write and skipped during saves.
	MinSegmentBytes int64 `toml:"min_segment_bytes"`

	// IntroPath is an optional pre-transcoded TS clip prepended to
	// captures.
	IntroPath string `toml:"intro_path"`
}

// StorageConfig holds database configuration.
type StorageConfig struct {
	// Path is the sqlite database file.
	Path string `toml:"path"`

	// RetentionDays is how long readings are kept before cleanup.
	RetentionDays int `toml:"retention_days"`

	// CheckpointMinutes is the WAL checkpoint interval.
	CheckpointMinutes int `toml:"checkpoint_minutes"`
}

// UplinkConfig holds outbound telemetry configuration.
type UplinkConfig struct {
	MQTT         MQTTConfig         `toml:"mqtt"`
	Prometheus   PrometheusConfig   `toml:"prometheus"`
	Connectivity ConnectivityConfig `toml:"connectivity"`
}

// MQTTConfig holds the live event/reading publisher configuration.
type MQTTConfig struct {
	Enabled bool `toml:"enabled"`

	// Broker is the broker URL, e.g. tcp://host:1883.
	Broker string `toml:"broker"`

	ClientID string `toml:"client_id"`

	// TopicPrefix prefixes all published topics.
	TopicPrefix string `toml:"topic_prefix"`

	// QueueSize bounds the publish queue; messages drop when full.
	QueueSize int `toml:"queue_size"`
}

// PrometheusConfig holds remote-write sync configuration.
type PrometheusConfig struct {
	Enabled bool `toml:"enabled"`

	// URL is the remote-write endpoint.
	URL string `toml:"url"`

	// BatchSize is the number of readings pushed per request.
	BatchSize int `toml:"batch_size"`

	// SyncIntervalSeconds is how often unsynced readings are pushed.
	SyncIntervalSeconds int `toml:"sync_interval_seconds"`
}

// ConnectivityConfig holds the reachability probe configuration.
type ConnectivityConfig struct {
	// Host and Port identify the TCP endpoint probed to decide whether
	// the uplink is reachable.
	Host string `toml:"host"`
	Port int    `toml:"port"`

	// IntervalSeconds is the probe interval.
	IntervalSeconds int `toml:"interval_seconds"`
}

// GPSConfig holds location source configuration.
type GPSConfig struct {
	// Mode selects the provider: "gpsd", "nmea" or "off".
	Mode string `toml:"mode"`

	// GpsdAddr is the gpsd TCP address when Mode is "gpsd".
	GpsdAddr string `toml:"gpsd_addr"`

	// SerialPort and BaudRate configure the NMEA reader when Mode is
	// "nmea".
	SerialPort string `toml:"serial_port"`
	BaudRate   int    `toml:"baud_rate"`

	// StartLatitude/StartLongitude and DestLatitude/DestLongitude
	// optionally mark the trip start and destination for the derived
	// distance fields attached to events. Zero pairs disable them.
	StartLatitude  float64 `toml:"start_latitude"`
	StartLongitude float64 `toml:"start_longitude"`
	DestLatitude   float64 `toml:"dest_latitude"`
	DestLongitude  float64 `toml:"dest_longitude"`
}

// HasStart reports whether a trip start point is configured.
func (c *GPSConfig) HasStart() bool {
	return c.StartLatitude != 0 || c.StartLongitude != 0
}

// HasDestination reports whether a destination is configured.
func (c *GPSConfig) HasDestination() bool {
	return c.DestLatitude != 0 || c.DestLongitude != 0
}

// AlertConfig holds audible alert configuration.
type AlertConfig struct {
	// QueueSize bounds the alert queue; alerts drop when full.
	QueueSize int `toml:"queue_size"`

	// SoundDir holds one WAV per alert, named after the alert (e.g.
	// capture-start.wav). Empty disables audible alerts.
	SoundDir string `toml:"sound_dir"`

	// AlsaDevice is the aplay -D device. Empty uses the ALSA default.
	AlsaDevice string `toml:"alsa_device"`
}

// DefaultConfig returns a configuration with sensible defaults for a
// Raspberry Pi class device.
func DefaultConfig() *Config {
	return &Config{
		IMU: IMUConfig{
			BusPath:          "/dev/i2c-1",
			Address:          0x68,
			SampleRateHz:     100,
			BufferSeconds:    60,
			AccelRangeG:      2,
			GyroRangeDPS:     250,
			FailureThreshold: 5,
			MaxResetAttempts: 3,
			GPIOChip:         "/dev/gpiochip0",
			SCLPin:           3,
			SDAPin:           2,
		},
		Detector: DetectorConfig{
			HardBrakeThresholdG:  -0.45,
			HardBrakeMinDuration: 0.2,
			CornerThresholdG:     0.5,
			CornerMinDuration:    0.3,
			HighGThresholdG:      0.6,
			HighGMinDuration:     0.2,
			RoughRoadStdDevG:     0.18,
			RoughRoadWindowSecs:  2.0,
			RoughRoadMinDuration: 1.0,
			CooldownSeconds:      10,
			LookbackSeconds:      10,
		},
		Video: VideoConfig{
			Enabled:             true,
			FFmpegPath:          "ffmpeg",
			Device:              "/dev/video0",
			AudioDevice:         "",
			Width:               1280,
			Height:              720,
			FrameRate:           30,
			SegmentSeconds:      10,
			SegmentCount:        12,
			BufferDir:           "/var/lib/dashd/buffer",
			OutputDir:           "/var/lib/dashd/captures",
			PostEventSeconds:    20,
			StallTimeoutSeconds: 30,
			HealthPollSeconds:   5,
			AudioRetrySeconds:   30,
			MinSegmentBytes:     10 * 1024,
		},
		Storage: StorageConfig{
			Path:              "/var/lib/dashd/dashd.db",
			RetentionDays:     30,
			CheckpointMinutes: 60,
		},
		Uplink: UplinkConfig{
			MQTT: MQTTConfig{
				Enabled:     false,
				Broker:      "tcp://localhost:1883",
				ClientID:    "dashd",
				TopicPrefix: "dashd",
				QueueSize:   256,
			},
			Prometheus: PrometheusConfig{
				Enabled:             false,
				BatchSize:           500,
				SyncIntervalSeconds: 60,
			},
			Connectivity: ConnectivityConfig{
				Host:            "1.1.1.1",
				Port:            443,
				IntervalSeconds: 30,
			},
		},
		GPS: GPSConfig{
			Mode:     "off",
			GpsdAddr: "localhost:2947",
			BaudRate: 9600,
		},
		Alerts: AlertConfig{
			QueueSize: 16,
		},
	}
}

// Load reads configuration from a TOML file, layering it over defaults.
// A missing file returns the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

var validAccelRanges = map[int]bool{2: true, 4: true, 8: true, 16: true}
var validGyroRanges = map[int]bool{250: true, 500: true, 1000: true, 2000: true}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.IMU.SampleRateHz <= 0 {
		return fmt.Errorf("imu: sample_rate_hz must be positive, got %d", c.IMU.SampleRateHz)
	}
	if c.IMU.BufferSeconds <= 0 {
		return fmt.Errorf("imu: buffer_seconds must be positive, got %d", c.IMU.BufferSeconds)
	}
	if !validAccelRanges[c.IMU.AccelRangeG] {
		return fmt.Errorf("imu: accel_range_g must be 2, 4, 8 or 16, got %d", c.IMU.AccelRangeG)
	}
	if !validGyroRanges[c.IMU.GyroRangeDPS] {
		return fmt.Errorf("imu: gyro_range_dps must be 250, 500, 1000 or 2000, got %d", c.IMU.GyroRangeDPS)
	}
	if c.IMU.FailureThreshold <= 0 {
		return fmt.Errorf("imu: failure_threshold must be positive, got %d", c.IMU.FailureThreshold)
	}
	if c.IMU.MaxResetAttempts <= 0 {
		return fmt.Errorf("imu: max_reset_attempts must be positive, got %d", c.IMU.MaxResetAttempts)
	}

	if c.Detector.HardBrakeThresholdG >= 0 {
		return fmt.Errorf("detector: hard_brake_threshold_g must be negative, got %v", c.Detector.HardBrakeThresholdG)
	}
	if c.Detector.CornerThresholdG <= 0 {
		return fmt.Errorf("detector: corner_threshold_g must be positive, got %v", c.Detector.CornerThresholdG)
	}
	if c.Detector.HighGThresholdG <= 0 {
		return fmt.Errorf("detector: high_g_threshold_g must be positive, got %v", c.Detector.HighGThresholdG)
	}
	if c.Detector.RoughRoadWindowSecs <= 0 {
		return fmt.Errorf("detector: rough_road_window_secs must be positive, got %v", c.Detector.RoughRoadWindowSecs)
	}
	if c.Detector.CooldownSeconds < 0 {
		return fmt.Errorf("detector: cooldown_seconds must not be negative, got %v", c.Detector.CooldownSeconds)
	}

	if c.Video.Enabled {
		if c.Video.SegmentSeconds <= 0 {
			return fmt.Errorf("video: segment_seconds must be positive, got %d", c.Video.SegmentSeconds)
		}
		if c.Video.SegmentCount < 2 {
			return fmt.Errorf("video: segment_count must be at least 2, got %d", c.Video.SegmentCount)
		}
		if c.Video.BufferDir == "" {
			return fmt.Errorf("video: buffer_dir must be set")
		}
		if c.Video.OutputDir == "" {
			return fmt.Errorf("video: output_dir must be set")
		}
		if c.Video.StallTimeoutSeconds <= 0 {
			return fmt.Errorf("video: stall_timeout_seconds must be positive, got %d", c.Video.StallTimeoutSeconds)
		}
	}

	if c.Storage.Path == "" {
		return fmt.Errorf("storage: path must be set")
	}

	if c.Uplink.MQTT.Enabled && c.Uplink.MQTT.Broker == "" {
		return fmt.Errorf("uplink: mqtt.broker must be set when mqtt is enabled")
	}
	if c.Uplink.Prometheus.Enabled && c.Uplink.Prometheus.URL == "" {
		return fmt.Errorf("uplink: prometheus.url must be set when prometheus is enabled")
	}

	switch c.GPS.Mode {
	case "gpsd", "nmea", "off":
	default:
		return fmt.Errorf("gps: mode must be gpsd, nmea or off, got %q", c.GPS.Mode)
	}
	if c.GPS.Mode == "nmea" && c.GPS.SerialPort == "" {
		return fmt.Errorf("gps: serial_port must be set when mode is nmea")
	}

	return nil
}

// SampleInterval returns the period between samples.
func (c *IMUConfig) SampleInterval() time.Duration {
	return time.Second / time.Duration(c.SampleRateHz)
}

// RingCapacity returns the sample ring buffer capacity.
func (c *IMUConfig) RingCapacity() int {
	return c.SampleRateHz * c.BufferSeconds
}

// PostEvent returns the post-event capture duration.
func (c *VideoConfig) PostEvent() time.Duration {
	return time.Duration(c.PostEventSeconds) * time.Second
}

// StallTimeout returns the encoder stall timeout.
func (c *VideoConfig) StallTimeout() time.Duration {
	return time.Duration(c.StallTimeoutSeconds) * time.Second
}

// HealthPoll returns the health monitor poll interval.
func (c *VideoConfig) HealthPoll() time.Duration {
	return time.Duration(c.HealthPollSeconds) * time.Second
}

// AudioRetry returns the audio retry interval.
func (c *VideoConfig) AudioRetry() time.Duration {
	return time.Duration(c.AudioRetrySeconds) * time.Second
}
