package app

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/rjboer/ppsrx/internal/gpsdo"
	"github.com/rjboer/ppsrx/internal/handoff"
	"github.com/rjboer/ppsrx/internal/logging"
	"github.com/rjboer/ppsrx/internal/mdns"
	"github.com/rjboer/ppsrx/internal/sdr"
)

const (
	BackendMock   = "mock"
	BackendRemote = "remote"
)

// SSHConfig locates GPSDO sensor files on the radio host.
type SSHConfig struct {
	Host       string `yaml:"host,omitempty"`
	User       string `yaml:"user,omitempty"`
	Password   string `yaml:"password,omitempty"`
	KeyPath    string `yaml:"key_path,omitempty"`
	Port       int    `yaml:"port,omitempty"`
	SensorRoot string `yaml:"sensor_root,omitempty"`
}

func (c SSHConfig) Enabled() bool { return c.Host != "" }

// SensorConfig converts c for sdr.NewSSHSensorReader.
func (c SSHConfig) SensorConfig() sdr.SSHConfig {
	return sdr.SSHConfig{
		Host:       c.Host,
		User:       c.User,
		Password:   c.Password,
		KeyPath:    c.KeyPath,
		Port:       c.Port,
		SensorRoot: c.SensorRoot,
	}
}

// Config captures application level configuration. It is persisted as YAML.
type Config struct {
	Backend string `yaml:"backend"`
	// Address is the device selection string. For the remote backend an
	// empty address triggers mDNS discovery.
	Address         string        `yaml:"address"`
	DiscoverTimeout time.Duration `yaml:"discover_timeout"`
	DiscoverService string        `yaml:"discover_service"`
	ControlTimeout  time.Duration `yaml:"control_timeout"`

	WireFormat string        `yaml:"wire_format"`
	Lead       time.Duration `yaml:"lead"`
	// NumSamples is advisory; acquisition continues past it.
	NumSamples uint64  `yaml:"nsamps"`
	Rate       float64 `yaml:"rate"`
	Channels   string  `yaml:"channels"`
	OnePacket  bool    `yaml:"one_packet"`

	ReferenceSource string        `yaml:"reference_source"`
	LockInterval    time.Duration `yaml:"lock_interval"`
	MinLockDuration time.Duration `yaml:"min_lock_duration"`
	Settle          time.Duration `yaml:"settle"`
	WaitForEdge     bool          `yaml:"wait_for_edge"`
	Holdover        time.Duration `yaml:"holdover"`

	QueueDepth  int    `yaml:"queue_depth"`
	QueuePolicy string `yaml:"queue_policy"`
	StatusEvery int    `yaml:"status_every"`

	Quiet        bool   `yaml:"quiet"`
	LogLevel     string `yaml:"log_level"`
	LogFormat    string `yaml:"log_format"`
	WebAddr      string `yaml:"web_addr"`
	HistoryLimit int    `yaml:"history_limit"`

	SSH SSHConfig `yaml:"ssh,omitempty"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() Config {
	cfg := Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Backend == "" {
		c.Backend = BackendMock
	}
	if c.DiscoverTimeout == 0 {
		c.DiscoverTimeout = 3 * time.Second
	}
	if c.DiscoverService == "" {
		c.DiscoverService = mdns.ServiceType
	}
	if c.ControlTimeout == 0 {
		c.ControlTimeout = 5 * time.Second
	}
	if c.WireFormat == "" {
		c.WireFormat = string(sdr.WireSC16)
	}
	if c.Lead == 0 {
		c.Lead = 1500 * time.Millisecond
	}
	if c.NumSamples == 0 {
		c.NumSamples = 10000
	}
	if c.Rate == 0 {
		c.Rate = 1e6
	}
	if c.Channels == "" {
		c.Channels = "0"
	}
	if c.ReferenceSource == "" {
		c.ReferenceSource = sdr.SourceGPSDO
	}
	if c.LockInterval == 0 {
		c.LockInterval = gpsdo.DefaultLockInterval
	}
	if c.Settle == 0 {
		c.Settle = gpsdo.DefaultSettle
	}
	if c.QueuePolicy == "" {
		c.QueuePolicy = handoff.Block.String()
	}
	if c.StatusEvery == 0 {
		c.StatusEvery = 100
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.HistoryLimit == 0 {
		c.HistoryLimit = 500
	}
}

// Validate rejects configurations the pipeline cannot run with. Every
// failure is an *sdr.ConfigError.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendMock, BackendRemote:
	default:
		return sdr.NewConfigError("backend", "unknown backend %q", c.Backend)
	}
	if c.Lead <= 0 {
		return sdr.NewConfigError("lead", "must be positive, got %s", c.Lead)
	}
	if c.Rate <= 0 {
		return sdr.NewConfigError("rate", "must be positive, got %g", c.Rate)
	}
	if _, err := sdr.ParseChannelList(c.Channels); err != nil {
		return err
	}
	if _, err := sdr.ParseWireFormat(c.WireFormat); err != nil {
		return sdr.NewConfigError("wire_format", "%v", err)
	}
	if c.QueueDepth < 0 {
		return sdr.NewConfigError("queue_depth", "must not be negative")
	}
	if _, err := handoff.ParsePolicy(c.QueuePolicy); err != nil {
		return sdr.NewConfigError("queue_policy", "%v", err)
	}
	if c.Holdover < 0 || c.MinLockDuration < 0 || c.Settle < 0 || c.LockInterval < 0 {
		return sdr.NewConfigError("timing", "durations must not be negative")
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return sdr.NewConfigError("log_level", "%v", err)
	}
	if _, err := logging.ParseFormat(c.LogFormat); err != nil {
		return sdr.NewConfigError("log_format", "%v", err)
	}
	return nil
}

// LoadConfig reads path, creating it with defaults when it does not exist.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := DefaultConfig()
			if saveErr := SaveConfig(path, cfg); saveErr != nil {
				return Config{}, saveErr
			}
			return cfg, nil
		}
		return Config{}, errors.Wrapf(err, "read config %s", path)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrapf(err, "parse config %s", path)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// SaveConfig writes cfg to path.
func SaveConfig(path string, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "encode config")
	}
	return errors.Wrapf(os.WriteFile(path, data, 0o600), "write config %s", path)
}
