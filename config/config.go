// Package config reads the declarative tree of ports, devices and
// channels the engine polls. The core never parses configuration; it
// consumes the structs produced here.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/goccy/go-yaml"
)

// Channel describes one virtual register.
type Channel struct {
	Name       string  `yaml:"name"`
	RegType    string  `yaml:"reg_type"`
	Address    uint32  `yaml:"address"`
	BitOffset  uint16  `yaml:"bit_offset"`
	BitWidth   uint16  `yaml:"bit_width"`
	BlockSize  uint16  `yaml:"block_size"`
	Format     string  `yaml:"format"`
	Scale      float64 `yaml:"scale"`
	Offset     float64 `yaml:"offset"`
	RoundTo    float64 `yaml:"round_to"`
	WordOrder  string  `yaml:"word_order"`
	ReadOnly   bool    `yaml:"channel_readonly"`
	OnValue    string  `yaml:"on_value"`
	ErrorValue string  `yaml:"error_value"`

	// PollIntervalMs groups channels into poll classes; channels with
	// distinct intervals never share a query.
	PollIntervalMs int `yaml:"poll_interval"`
}

// Device describes one polled slave on a port.
type Device struct {
	Name                string    `yaml:"name"`
	SlaveID             int       `yaml:"slave_id"`
	Protocol            string    `yaml:"protocol"`
	MaxRegHole          int       `yaml:"max_reg_hole"`
	MaxBitHole          int       `yaml:"max_bit_hole"`
	MaxReadRegisters    int       `yaml:"max_read_registers"`
	GuardIntervalUs     int       `yaml:"guard_interval_us"`
	FrameTimeoutMs      int       `yaml:"frame_timeout_ms"`
	DeviceTimeoutMs     int       `yaml:"device_timeout_ms"`
	DeviceMaxFailCycles int       `yaml:"device_max_fail_cycles"`
	Channels            []Channel `yaml:"channels"`
}

// Port describes one serial or TCP bus and its devices.
type Port struct {
	Name    string   `yaml:"name"`
	Device  string   `yaml:"device"`
	Baud    int      `yaml:"baud"`
	TCP     string   `yaml:"tcp"`
	Devices []Device `yaml:"devices"`
}

// Config is the root of the tree.
type Config struct {
	MinPublishIntervalMs int    `yaml:"min_publish_interval_ms"`
	Ports                []Port `yaml:"ports"`
}

// Defaults applied to zero-valued fields.
const (
	DefaultBaud            = 9600
	DefaultFrameTimeoutMs  = 20
	DefaultDeviceTimeoutMs = 3000
	DefaultMaxFailCycles   = 2
	DefaultPollIntervalMs  = 1000
	DefaultFormat          = "u16"
)

// Load reads, parses and validates a config file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

// Parse parses and validates config bytes.
func Parse(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate fills defaults and rejects inconsistent trees. Error
// messages name the offending port, device or channel.
func (c *Config) Validate() error {
	if len(c.Ports) == 0 {
		return fmt.Errorf("config: no ports")
	}

	for pi := range c.Ports {
		port := &c.Ports[pi]
		if port.Name == "" {
			return fmt.Errorf("ports[%d]: name is required", pi)
		}
		if port.Device == "" && port.TCP == "" {
			return fmt.Errorf("port %v: either device or tcp is required", port.Name)
		}
		if port.Device != "" && port.TCP != "" {
			return fmt.Errorf("port %v: device and tcp are mutually exclusive", port.Name)
		}
		if port.Baud == 0 {
			port.Baud = DefaultBaud
		}
		if len(port.Devices) == 0 {
			return fmt.Errorf("port %v: no devices", port.Name)
		}

		for di := range port.Devices {
			dev := &port.Devices[di]
			if dev.Name == "" {
				return fmt.Errorf("port %v: devices[%d]: name is required", port.Name, di)
			}
			if dev.Protocol == "" {
				dev.Protocol = "modbus"
			}
			if dev.FrameTimeoutMs == 0 {
				dev.FrameTimeoutMs = DefaultFrameTimeoutMs
			}
			if dev.DeviceTimeoutMs == 0 {
				dev.DeviceTimeoutMs = DefaultDeviceTimeoutMs
			}
			if dev.DeviceMaxFailCycles == 0 {
				dev.DeviceMaxFailCycles = DefaultMaxFailCycles
			}
			if len(dev.Channels) == 0 {
				return fmt.Errorf("device %v: no channels", dev.Name)
			}

			for ci := range dev.Channels {
				ch := &dev.Channels[ci]
				if ch.Name == "" {
					return fmt.Errorf("device %v: channels[%d]: name is required", dev.Name, ci)
				}
				if ch.RegType == "" {
					return fmt.Errorf("channel %v: reg_type is required", ch.Name)
				}
				if ch.Format == "" {
					ch.Format = DefaultFormat
				}
				if ch.Scale == 0 {
					ch.Scale = 1
				}
				if ch.PollIntervalMs == 0 {
					ch.PollIntervalMs = DefaultPollIntervalMs
				}
				if _, err := ch.ParseErrorValue(); err != nil {
					return fmt.Errorf("channel %v: %w", ch.Name, err)
				}
			}
		}
	}

	return nil
}

// ParseErrorValue decodes the optional error-value field, accepting
// decimal and 0x-prefixed hex. Nil when unset.
func (c *Channel) ParseErrorValue() (*uint64, error) {
	if c.ErrorValue == "" {
		return nil, nil
	}
	v, err := strconv.ParseUint(c.ErrorValue, 0, 64)
	if err != nil {
		return nil, fmt.Errorf("error_value %q: %w", c.ErrorValue, err)
	}
	return &v, nil
}
