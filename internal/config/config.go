// Package config handles configuration loading and validation for safmesh simulations.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// MaxReplicaSpace bounds the per-node replica pool.
const MaxReplicaSpace = 150

// Duration is a time.Duration written as a Go duration string in YAML ("10s", "256s").
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// AreaConfig is the simulation rectangle in meters.
type AreaConfig struct {
	Width  float64 `yaml:"width"`
	Length float64 `yaml:"length"`
}

// MobilityConfig parameterizes random-waypoint movement.
type MobilityConfig struct {
	MinSpeed float64  `yaml:"min_speed"` // meters/second
	MaxSpeed float64  `yaml:"max_speed"`
	MinPause Duration `yaml:"min_pause"`
	MaxPause Duration `yaml:"max_pause"`
}

// RadioConfig describes the shared broadcast medium.
type RadioConfig struct {
	WifiRadius       float64  `yaml:"wifi_radius"` // meters, 0 means every node hears every other
	Loss             float64  `yaml:"loss"`        // independent drop probability per delivery
	PropagationDelay Duration `yaml:"propagation_delay"`
}

// Config holds every simulation parameter.
type Config struct {
	RunTime             Duration       `yaml:"run_time"`
	StartDelay          Duration       `yaml:"start_delay"`
	Seed                uint64         `yaml:"seed"`
	Run                 uint64         `yaml:"run"`
	TotalNodes          int            `yaml:"total_nodes"`
	DataItems           int            `yaml:"data_items"`
	ReplicaSpace        int            `yaml:"replica_space"`
	DataSize            uint32         `yaml:"data_size"`
	RequestTimeout      Duration       `yaml:"request_timeout"`
	RelocationPeriod    Duration       `yaml:"relocation_period"`
	AccessFrequencyType int            `yaml:"access_frequency_type"`
	StandardDeviation   float64        `yaml:"standard_deviation"`
	MinLookupDelay      Duration       `yaml:"min_lookup_delay"`
	Area                AreaConfig     `yaml:"area"`
	Mobility            MobilityConfig `yaml:"mobility"`
	Radio               RadioConfig    `yaml:"radio"`
}

// Default returns the stock 40-node scenario.
func Default() *Config {
	return &Config{
		RunTime:             Duration(50000 * time.Second),
		StartDelay:          Duration(time.Second),
		Seed:                1,
		Run:                 1,
		TotalNodes:          40,
		DataItems:           40,
		ReplicaSpace:        10,
		DataSize:            256,
		RequestTimeout:      Duration(10 * time.Second),
		RelocationPeriod:    Duration(256 * time.Second),
		AccessFrequencyType: 1,
		StandardDeviation:   0,
		MinLookupDelay:      Duration(time.Second),
		Area: AreaConfig{
			Width:  50,
			Length: 50,
		},
		Mobility: MobilityConfig{
			MinSpeed: 1,
			MaxSpeed: 1,
			MinPause: Duration(time.Second),
			MaxPause: Duration(10 * time.Second),
		},
		Radio: RadioConfig{
			WifiRadius:       7,
			Loss:             0,
			PropagationDelay: Duration(2 * time.Millisecond),
		},
	}
}

// Load reads a YAML file over the defaults. Keys absent from the file keep their default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// Validate checks every parameter. Errors wrap ErrInvalidConfig.
func (c *Config) Validate() error {
	if c.TotalNodes <= 0 {
		return invalid("total_nodes must be positive, got %d", c.TotalNodes)
	}
	if c.DataItems <= 0 || c.DataItems > 0xffff {
		return invalid("data_items must be between 1 and 65535, got %d", c.DataItems)
	}
	if c.DataItems%c.TotalNodes != 0 {
		return invalid("data_items (%d) must be divisible by total_nodes (%d)", c.DataItems, c.TotalNodes)
	}
	if c.ReplicaSpace < 0 || c.ReplicaSpace > MaxReplicaSpace {
		return invalid("replica_space must be between 0 and %d, got %d", MaxReplicaSpace, c.ReplicaSpace)
	}
	if c.DataSize == 0 {
		return invalid("data_size must be positive")
	}
	if c.RequestTimeout <= 0 {
		return invalid("request_timeout must be positive, got %s", c.RequestTimeout)
	}
	if c.RelocationPeriod <= 0 {
		return invalid("relocation_period must be positive, got %s", c.RelocationPeriod)
	}
	if c.AccessFrequencyType < 1 || c.AccessFrequencyType > 3 {
		return invalid("access_frequency_type must be one of [1,2,3], got %d", c.AccessFrequencyType)
	}
	if c.StandardDeviation < 0 {
		return invalid("standard_deviation cannot be negative")
	}
	if c.MinLookupDelay <= 0 {
		return invalid("min_lookup_delay must be positive")
	}
	if c.StartDelay < 0 {
		return invalid("start_delay cannot be negative")
	}
	if c.RunTime <= c.StartDelay {
		return invalid("run_time (%s) must exceed start_delay (%s)", c.RunTime, c.StartDelay)
	}
	if c.Area.Width < 0 || c.Area.Length < 0 {
		return invalid("area dimensions cannot be negative")
	}
	if c.Mobility.MinSpeed < 0 || c.Mobility.MinSpeed > 60 {
		return invalid("min_speed must be between 0 and 60 m/s, got %g", c.Mobility.MinSpeed)
	}
	if c.Mobility.MaxSpeed < c.Mobility.MinSpeed {
		return invalid("max_speed (%g) cannot be less than min_speed (%g)", c.Mobility.MaxSpeed, c.Mobility.MinSpeed)
	}
	if c.Mobility.MinPause < 0 {
		return invalid("min_pause cannot be negative")
	}
	if c.Mobility.MaxPause < c.Mobility.MinPause {
		return invalid("max_pause (%s) cannot be less than min_pause (%s)", c.Mobility.MaxPause, c.Mobility.MinPause)
	}
	if c.Radio.WifiRadius < 0 {
		return invalid("wifi_radius cannot be negative")
	}
	if c.Radio.Loss < 0 || c.Radio.Loss > 1 {
		return invalid("loss must be between 0 and 1, got %g", c.Radio.Loss)
	}
	if c.Radio.PropagationDelay < 0 {
		return invalid("propagation_delay cannot be negative")
	}
	return nil
}

// OriginalsPerNode returns how many original items each node owns.
func (c *Config) OriginalsPerNode() int {
	if c.TotalNodes <= 0 {
		return 0
	}
	return c.DataItems / c.TotalNodes
}
