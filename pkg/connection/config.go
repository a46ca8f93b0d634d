package connection

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/sessamekesh/spanreed-session/pkg/errors"
)

// Config holds the policy values shared by a connection and its RTT
// estimator. It is never mutated after the connection is created.
type Config struct {
	// How long to wait for any communication from the remote host before
	// treating the connection as lost.
	DisconnectionTimeoutDuration time.Duration `toml:"disconnection_timeout"`
	// How often a heartbeat is sent while connected.
	HeartbeatInterval time.Duration `toml:"heartbeat_interval"`
	// Weight of each new RTT sample, 0 to 1.
	RttSmoothingFactor float32 `toml:"rtt_smoothing_factor"`
	// RTT above this many milliseconds is reported as a problem.
	RttMaxValueMs uint16 `toml:"rtt_max_value_ms"`
}

func DefaultConfig() Config {
	return Config{
		DisconnectionTimeoutDuration: 10 * time.Second,
		HeartbeatInterval:            4 * time.Second,
		RttSmoothingFactor:           0.10,
		RttMaxValueMs:                250,
	}
}

func (c Config) Validate() error {
	if c.DisconnectionTimeoutDuration <= 0 {
		return &errors.InvalidConfig{
			FieldName: "DisconnectionTimeoutDuration",
			Reason:    "must be positive",
		}
	}
	if c.HeartbeatInterval <= 0 {
		return &errors.InvalidConfig{
			FieldName: "HeartbeatInterval",
			Reason:    "must be positive",
		}
	}
	if c.HeartbeatInterval >= c.DisconnectionTimeoutDuration {
		return &errors.InvalidConfig{
			FieldName: "HeartbeatInterval",
			Reason:    fmt.Sprintf("%s is not shorter than disconnection timeout %s", c.HeartbeatInterval, c.DisconnectionTimeoutDuration),
		}
	}
	if !(c.RttSmoothingFactor >= 0 && c.RttSmoothingFactor <= 1) {
		return &errors.InvalidConfig{
			FieldName: "RttSmoothingFactor",
			Reason:    fmt.Sprintf("%v is outside [0, 1]", c.RttSmoothingFactor),
		}
	}
	return nil
}

// LoadConfigFile reads a TOML file on top of DefaultConfig. Fields missing
// from the file keep their defaults.
func LoadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("connection config load failed (%s): %w", path, err)
	}
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return Config{}, fmt.Errorf("connection config parse failed (%s): %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
