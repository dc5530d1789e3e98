package agent

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	membershipImpl "go.miragespace.co/conclave/membership"

	"gopkg.in/yaml.v3"
)

// Timing overrides the protocol intervals. Zero values keep the defaults.
type Timing struct {
	ProbeInterval       time.Duration `yaml:"probeInterval,omitempty"`
	ProbeTimeout        time.Duration `yaml:"probeTimeout,omitempty"`
	MissThreshold       int           `yaml:"missThreshold,omitempty"`
	SuspicionWindow     time.Duration `yaml:"suspicionWindow,omitempty"`
	VerificationTimeout time.Duration `yaml:"verificationTimeout,omitempty"`
	AckTimeout          time.Duration `yaml:"ackTimeout,omitempty"`
	MessageTimeout      time.Duration `yaml:"messageTimeout,omitempty"`
	JoinAttemptTimeout  time.Duration `yaml:"joinAttemptTimeout,omitempty"`
	JoinMaxAttempts     uint          `yaml:"joinMaxAttempts,omitempty"`
	LeaveTimeout        time.Duration `yaml:"leaveTimeout,omitempty"`
}

type Config struct {
	path      string
	Version   int     `yaml:"version"`
	Listen    string  `yaml:"listen"`
	Advertise string  `yaml:"advertise,omitempty"`
	Locator   string  `yaml:"locator,omitempty"`
	Create    bool    `yaml:"create,omitempty"`
	Secret    string  `yaml:"secret,omitempty"`
	DataDir   string  `yaml:"dataDir,omitempty"`
	Stats     string  `yaml:"stats,omitempty"`
	Monitored int     `yaml:"monitored,omitempty"`
	Timing    *Timing `yaml:"timing,omitempty"`
}

// NewConfig reads a YAML config from path. An empty path yields an empty
// config to be filled from flags.
func NewConfig(path string) (*Config, error) {
	cfg := &Config{
		path: path,
	}
	if path == "" {
		return cfg, nil
	}
	f, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(f, cfg); err != nil {
		return nil, fmt.Errorf("decoding config file: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Version > 1 {
		return fmt.Errorf("unsupported config version %d", c.Version)
	}
	if c.Listen == "" {
		return errors.New("missing listen address")
	}
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return fmt.Errorf("error parsing listen address: %w", err)
	}
	if c.Advertise == "" {
		c.Advertise = c.Listen
	}
	if _, _, err := net.SplitHostPort(c.Advertise); err != nil {
		return fmt.Errorf("error parsing advertise address: %w", err)
	}
	if !c.Create && c.Locator == "" {
		return errors.New("a locator is required to join an existing cluster")
	}
	if c.Monitored < 0 {
		return errors.New("monitored successors cannot be negative")
	}
	return nil
}

// apply copies non-zero overrides onto a manager config.
func (c *Config) apply(conf *membershipImpl.ManagerConfig) {
	if c.Monitored > 0 {
		conf.MonitoredSuccessors = c.Monitored
	}
	t := c.Timing
	if t == nil {
		return
	}
	setDuration := func(dst *time.Duration, v time.Duration) {
		if v > 0 {
			*dst = v
		}
	}
	setDuration(&conf.ProbeInterval, t.ProbeInterval)
	setDuration(&conf.ProbeTimeout, t.ProbeTimeout)
	setDuration(&conf.SuspicionWindow, t.SuspicionWindow)
	setDuration(&conf.VerificationTimeout, t.VerificationTimeout)
	setDuration(&conf.AckTimeout, t.AckTimeout)
	setDuration(&conf.MessageTimeout, t.MessageTimeout)
	setDuration(&conf.JoinAttemptTimeout, t.JoinAttemptTimeout)
	setDuration(&conf.LeaveTimeout, t.LeaveTimeout)
	if t.MissThreshold > 0 {
		conf.MissThreshold = t.MissThreshold
	}
	if t.JoinMaxAttempts > 0 {
		conf.JoinMaxAttempts = t.JoinMaxAttempts
	}
}
