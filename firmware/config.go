package firmware

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ardnew/usbfw/firmware/hal"
	"github.com/ardnew/usbfw/pkg"
)

// Resume signaling window (USB 2.0 section 7.1.7.7). The device waits at
// least MinResumeDelay after waking before driving resume, then drives it
// for at least MinResumeWidth.
const (
	MinResumeDelay = 5 * time.Millisecond
	MinResumeWidth = 15 * time.Millisecond
)

// DefaultRenumerateDelay is how long the controller stays disconnected when
// forcing the host to re-enumerate.
const DefaultRenumerateDelay = 1500 * time.Millisecond

// Config holds the options that the firmware image fixes at build time.
type Config struct {
	// SuspendEnabled compiles suspend handling into the dispatch loop.
	SuspendEnabled bool `yaml:"suspend"`

	// Renumerate forces host re-enumeration at boot. When false the
	// controller keeps the previous connection and only clears DISCON.
	Renumerate bool `yaml:"renumerate"`

	// RenumerateDelay is the disconnect time used when renumerating.
	RenumerateDelay time.Duration `yaml:"renumerate_delay"`

	// ResumeDelay precedes remote-wakeup signaling.
	ResumeDelay time.Duration `yaml:"resume_delay"`

	// ResumeWidth is how long resume signaling is driven.
	ResumeWidth time.Duration `yaml:"resume_width"`
}

// DefaultConfig returns suspend support on, renumeration on and the minimum
// resume signaling timing.
func DefaultConfig() Config {
	return Config{
		SuspendEnabled:  true,
		Renumerate:      true,
		RenumerateDelay: DefaultRenumerateDelay,
		ResumeDelay:     MinResumeDelay,
		ResumeWidth:     MinResumeWidth,
	}
}

// Validate rejects timing that would violate the resume signaling window.
func (c Config) Validate() error {
	if c.ResumeDelay < MinResumeDelay {
		return fmt.Errorf("resume_delay %v below %v: %w",
			c.ResumeDelay, MinResumeDelay, pkg.ErrInvalidConfig)
	}
	if c.ResumeWidth < MinResumeWidth {
		return fmt.Errorf("resume_width %v below %v: %w",
			c.ResumeWidth, MinResumeWidth, pkg.ErrInvalidConfig)
	}
	if c.RenumerateDelay < 0 {
		return fmt.Errorf("renumerate_delay %v negative: %w",
			c.RenumerateDelay, pkg.ErrInvalidConfig)
	}
	return nil
}

// ParseConfig decodes a YAML document over DefaultConfig and validates the
// result. Keys missing from the document keep their defaults.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfig reads and parses the YAML file at path.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	return ParseConfig(data)
}

// Option configures a Controller.
type Option func(*Controller)

// WithConfig replaces the whole configuration.
func WithConfig(cfg Config) Option {
	return func(c *Controller) { c.cfg = cfg }
}

// WithSuspend enables or disables suspend handling.
func WithSuspend(enabled bool) Option {
	return func(c *Controller) { c.cfg.SuspendEnabled = enabled }
}

// WithRenumerate selects forced re-enumeration at boot.
func WithRenumerate(enabled bool) Option {
	return func(c *Controller) { c.cfg.Renumerate = enabled }
}

// WithClock sets the delay primitive. The default is hal.SystemClock.
func WithClock(clock hal.Clock) Option {
	return func(c *Controller) { c.clock = clock }
}

// WithPowerObserver registers a callback run on the dispatch loop after
// every power state change.
func WithPowerObserver(fn func(old, new PowerState)) Option {
	return func(c *Controller) { c.onPowerChange = fn }
}
