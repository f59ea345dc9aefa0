// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// Package config holds the tunables of the AHCI driver.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// Config is the driver configuration. The zero value is not usable; start from Default.
type Config struct {
	// Request ownership from firmware before touching the HBA, if CAP2.BOH is set.
	BIOSHandoff    bool          `yaml:"bios_handoff"`
	HandoffTimeout time.Duration `yaml:"handoff_timeout"`

	ResetTimeout    time.Duration `yaml:"reset_timeout"`
	PortStopTimeout time.Duration `yaml:"port_stop_timeout"`
	LinkTimeout     time.Duration `yaml:"link_timeout"`
	SpinupTimeout   time.Duration `yaml:"spinup_timeout"`
	CommandTimeout  time.Duration `yaml:"command_timeout"`
	FlushTimeout    time.Duration `yaml:"flush_timeout"`
	PollInterval    time.Duration `yaml:"poll_interval"`

	// Capacity reported for every disk, in 512-byte blocks. Zero uses the
	// identified capacity, falling back to DefaultCapacityBlocks.
	CapacityBlocks uint64 `yaml:"capacity_blocks"`

	// Port bound to the driver's primary disk. Negative selects the first ready port.
	PrimaryPort int `yaml:"primary_port"`

	// Per-port buffer for requests whose memory is not DMA-capable. Zero disables bouncing.
	BounceBufferSize uint64 `yaml:"bounce_buffer_size"`

	QuirksFile string `yaml:"quirks_file"`
	LogLevel   string `yaml:"log_level"`
}

const (
	// Capacity reported when neither configuration nor IDENTIFY provide one (32 GiB).
	DefaultCapacityBlocks = 32 * 1024 * 1024 * 1024 / 512

	maxBounceBufferSize = 0xffff * 512
)

// Default returns the built-in configuration. Timeouts follow the values used by
// U-Boot's AHCI driver and the AHCI 1.3.1 specification.
func Default() Config {
	return Config{
		BIOSHandoff:      true,
		HandoffTimeout:   2 * time.Second,
		ResetTimeout:     time.Second,
		PortStopTimeout:  500 * time.Millisecond,
		LinkTimeout:      200 * time.Millisecond,
		SpinupTimeout:    20 * time.Second,
		CommandTimeout:   10 * time.Second,
		FlushTimeout:     5 * time.Second,
		PollInterval:     time.Millisecond,
		PrimaryPort:      -1,
		BounceBufferSize: 1 << 20,
		LogLevel:         "info",
	}
}

// Load reads a YAML configuration file. Keys absent from the file keep their default values.
func Load(path string) (Config, error) {
	cfg := Default()

	f, err := os.Open(path)
	if err != nil {
		return cfg, err
	}

	defer f.Close()
	dec := yaml.NewDecoder(f)
	dec.SetStrict(true)

	if err := dec.Decode(&cfg); err != nil {
		return cfg, errors.Wrapf(err, "decode %s", path)
	}

	return cfg, cfg.Validate()
}

// Validate rejects configurations the driver cannot operate with.
func (c *Config) Validate() error {
	if c.PollInterval <= 0 {
		return errors.Errorf("poll_interval must be positive, got %v", c.PollInterval)
	}

	timeouts := map[string]time.Duration{
		"handoff_timeout":   c.HandoffTimeout,
		"reset_timeout":     c.ResetTimeout,
		"port_stop_timeout": c.PortStopTimeout,
		"link_timeout":      c.LinkTimeout,
		"spinup_timeout":    c.SpinupTimeout,
		"command_timeout":   c.CommandTimeout,
		"flush_timeout":     c.FlushTimeout,
	}
	for name, d := range timeouts {
		if d < c.PollInterval {
			return errors.Errorf("%s (%v) shorter than poll_interval (%v)", name, d, c.PollInterval)
		}
	}

	if c.PrimaryPort > 31 {
		return errors.Errorf("primary_port %d out of range", c.PrimaryPort)
	}
	if c.BounceBufferSize%512 != 0 || c.BounceBufferSize > maxBounceBufferSize {
		return errors.Errorf("bounce_buffer_size %d must be a multiple of 512 and at most %d",
			c.BounceBufferSize, maxBounceBufferSize)
	}

	return nil
}

// Polls returns how many poll intervals fit in d, at least one.
func (c *Config) Polls(d time.Duration) int {
	n := int(d / c.PollInterval)
	if n < 1 {
		n = 1
	}
	return n
}
