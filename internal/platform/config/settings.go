package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings is the full runtime configuration of the server. Values are
// resolved in order: defaults, optional YAML file, environment.
type Settings struct {
	Port            string        `yaml:"port"`
	LogLevel        string        `yaml:"log_level"`
	LogFormat       string        `yaml:"log_format"`
	UserHeader      string        `yaml:"user_header"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	Pool     PoolSettings    `yaml:"pool"`
	Sessions SessionSettings `yaml:"sessions"`
	Capture  CaptureSettings `yaml:"capture"`
	ADB      ADBSettings     `yaml:"adb"`
	Relay    RelaySettings   `yaml:"relay"`
}

type PoolSettings struct {
	BasePort int `yaml:"base_port"`
	Size     int `yaml:"size"`
}

type SessionSettings struct {
	MaxSessions       int           `yaml:"max_sessions"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
	IntegrityInterval time.Duration `yaml:"integrity_interval"`
	StickyMaxAge      time.Duration `yaml:"sticky_max_age"`
}

// CaptureSettings describes how the external capture process is launched.
// Args may contain the placeholders {serial}, {port} and {session}.
type CaptureSettings struct {
	Binary       string        `yaml:"binary"`
	Args         []string      `yaml:"args"`
	Markers      []string      `yaml:"markers"`
	StartTimeout time.Duration `yaml:"start_timeout"`
	SettleDelay  time.Duration `yaml:"settle_delay"`
	StopGrace    time.Duration `yaml:"stop_grace"`
}

type ADBSettings struct {
	Binary  string        `yaml:"binary"`
	Timeout time.Duration `yaml:"timeout"`
}

type RelaySettings struct {
	Host        string        `yaml:"host"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// Defaults returns the built-in settings.
func Defaults() Settings {
	return Settings{
		Port:            "8080",
		LogLevel:        "info",
		LogFormat:       "json",
		UserHeader:      "X-User-ID",
		ShutdownTimeout: 10 * time.Second,
		Pool: PoolSettings{
			BasePort: 27183,
			Size:     100,
		},
		Sessions: SessionSettings{
			MaxSessions:       50,
			IdleTimeout:       5 * time.Minute,
			SweepInterval:     60 * time.Second,
			IntegrityInterval: 5 * time.Minute,
			StickyMaxAge:      24 * time.Hour,
		},
		Capture: CaptureSettings{
			Binary: "scrcpy",
			Args: []string{
				"--serial={serial}",
				"--port={port}",
				"--no-audio",
				"--no-window",
				"--video-codec=h264",
				"--max-size=1024",
			},
			Markers:      []string{"Device:", "INFO:", "started"},
			StartTimeout: 10 * time.Second,
			SettleDelay:  2 * time.Second,
			StopGrace:    3 * time.Second,
		},
		ADB: ADBSettings{
			Binary:  "adb",
			Timeout: 5 * time.Second,
		},
		Relay: RelaySettings{
			Host:        "127.0.0.1",
			DialTimeout: 5 * time.Second,
		},
	}
}

// LoadSettings builds Settings from defaults, the YAML file at path (skipped
// when path is empty) and the environment.
func LoadSettings(path string) (Settings, error) {
	s := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Settings{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &s); err != nil {
			return Settings{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	s.applyEnv()
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func (s *Settings) applyEnv() {
	s.Port = GetEnv("PORT", s.Port)
	s.LogLevel = GetEnv("LOG_LEVEL", s.LogLevel)
	s.LogFormat = GetEnv("LOG_FORMAT", s.LogFormat)
	s.UserHeader = GetEnv("USER_HEADER", s.UserHeader)
	s.ShutdownTimeout = GetEnvDuration("SHUTDOWN_TIMEOUT", s.ShutdownTimeout)

	s.Pool.BasePort = GetEnvInt("PORT_POOL_BASE", s.Pool.BasePort)
	s.Pool.Size = GetEnvInt("PORT_POOL_SIZE", s.Pool.Size)

	s.Sessions.MaxSessions = GetEnvInt("MAX_SESSIONS", s.Sessions.MaxSessions)
	s.Sessions.IdleTimeout = GetEnvDuration("SESSION_IDLE_TIMEOUT", s.Sessions.IdleTimeout)
	s.Sessions.SweepInterval = GetEnvDuration("SESSION_SWEEP_INTERVAL", s.Sessions.SweepInterval)
	s.Sessions.IntegrityInterval = GetEnvDuration("POOL_INTEGRITY_INTERVAL", s.Sessions.IntegrityInterval)
	s.Sessions.StickyMaxAge = GetEnvDuration("SESSION_STICKY_MAX_AGE", s.Sessions.StickyMaxAge)

	s.Capture.Binary = GetEnv("CAPTURE_BINARY", s.Capture.Binary)
	s.Capture.Args = GetEnvList("CAPTURE_ARGS", s.Capture.Args)
	s.Capture.Markers = GetEnvList("CAPTURE_READY_MARKERS", s.Capture.Markers)
	s.Capture.StartTimeout = GetEnvDuration("CAPTURE_START_TIMEOUT", s.Capture.StartTimeout)
	s.Capture.SettleDelay = GetEnvDuration("CAPTURE_SETTLE_DELAY", s.Capture.SettleDelay)
	s.Capture.StopGrace = GetEnvDuration("CAPTURE_STOP_GRACE", s.Capture.StopGrace)

	s.ADB.Binary = GetEnv("ADB_BINARY", s.ADB.Binary)
	s.ADB.Timeout = GetEnvDuration("ADB_TIMEOUT", s.ADB.Timeout)

	s.Relay.Host = GetEnv("RELAY_HOST", s.Relay.Host)
	s.Relay.DialTimeout = GetEnvDuration("RELAY_DIAL_TIMEOUT", s.Relay.DialTimeout)
}

// Validate rejects settings the server cannot run with.
func (s Settings) Validate() error {
	var errs []error
	if strings.TrimSpace(s.Port) == "" {
		errs = append(errs, errors.New("port must not be empty"))
	}
	if s.Pool.BasePort <= 0 || s.Pool.Size <= 0 {
		errs = append(errs, fmt.Errorf("invalid port pool %d+%d", s.Pool.BasePort, s.Pool.Size))
	} else if s.Pool.BasePort+s.Pool.Size-1 > 65535 {
		errs = append(errs, fmt.Errorf("port pool %d+%d exceeds 65535", s.Pool.BasePort, s.Pool.Size))
	}
	if s.Sessions.MaxSessions <= 0 {
		errs = append(errs, errors.New("max_sessions must be positive"))
	}
	if s.Capture.Binary == "" {
		errs = append(errs, errors.New("capture binary must be set"))
	}
	if len(s.Capture.Markers) == 0 {
		errs = append(errs, errors.New("at least one readiness marker is required"))
	}
	return errors.Join(errs...)
}
