package canbus

import (
	"fmt"
	"os"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// Config describes one CAN connection. It is created once by the caller,
// passed by value to Open and never mutated afterwards.
type Config struct {
	// Interface names the device or network interface, e.g. "can0" or "vcan0".
	Interface string `yaml:"interface" mapstructure:"interface"`
	// Channel selects a port on a multi-channel device. Zero for SocketCAN.
	Channel int `yaml:"channel" mapstructure:"channel"`
	// Bitrate is the arbitration bitrate in bits per second.
	Bitrate int `yaml:"bitrate" mapstructure:"bitrate"`
	// AppLabel identifies the session in logs. It does not affect the bus.
	AppLabel string `yaml:"app_label" mapstructure:"app_label"`
	// FD enables reception of CAN FD frames.
	FD bool `yaml:"fd" mapstructure:"fd"`
}

// Validate checks the invariants Open relies on.
func (c Config) Validate() error {
	switch {
	case c.Interface == "":
		return fmt.Errorf("%w: interface name is empty", ErrInvalidConfig)
	case c.Channel < 0:
		return fmt.Errorf("%w: channel %d is negative", ErrInvalidConfig, c.Channel)
	case c.Bitrate <= 0:
		return fmt.Errorf("%w: bitrate %d must be positive", ErrInvalidConfig, c.Bitrate)
	}
	return nil
}

func (c Config) String() string {
	s := fmt.Sprintf("%s/%d@%d", c.Interface, c.Channel, c.Bitrate)
	if c.AppLabel != "" {
		s += " (" + c.AppLabel + ")"
	}
	return s
}

// LoadConfig reads a YAML file holding a Config and validates it.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("canbus: read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("canbus: parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfigMap reads a YAML config file into an option map that holds only
// the keys the file sets, for merging with other sources before
// ConfigFromMap. The map is not validated.
func LoadConfigMap(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("canbus: read config: %w", err)
	}
	opts := map[string]any{}
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return nil, fmt.Errorf("canbus: parse config: %w", err)
	}
	return opts, nil
}

// rcOptions accepts the option names used by python-can style settings
// dictionaries, where the label is spelled app_name.
type rcOptions struct {
	Config  `mapstructure:",squash"`
	AppName string `mapstructure:"app_name"`
}

// ConfigFromMap decodes an option dictionary such as
//
//	{"interface": "vcan0", "channel": 0, "bitrate": 500000, "app_name": "CANoe"}
//
// into a validated Config. Values are weakly typed, so "500000" is accepted
// for bitrate. Unknown keys are ignored.
func ConfigFromMap(opts map[string]any) (Config, error) {
	var rc rcOptions
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &rc,
	})
	if err != nil {
		return Config{}, err
	}
	if err := dec.Decode(opts); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	cfg := rc.Config
	if cfg.AppLabel == "" {
		cfg.AppLabel = rc.AppName
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
