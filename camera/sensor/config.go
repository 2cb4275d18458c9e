package sensor

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// FrameKind selects what a capture puts in the FIFO.
type FrameKind string

const (
	// FrameRamp fills RampSize bytes counting up from zero.
	FrameRamp FrameKind = "ramp"
	// FrameTestCard encodes a JPEG test card at the programmed output size.
	FrameTestCard FrameKind = "testcard"
)

// Config is a virtual sensor profile.
type Config struct {
	// Address is the bus address the sensor answers on.
	Address uint16    `yaml:"address"`
	PID     byte      `yaml:"pid"`
	Frame   FrameKind `yaml:"frame"`
	// RampSize is the length of a FrameRamp capture.
	RampSize int `yaml:"ramp_size"`
	// DonePolls is the number of trigger register reads answered with the
	// done bit cleared after a capture was started.
	DonePolls int `yaml:"done_polls"`
	// NeverDone keeps the done bit cleared and the FIFO empty.
	NeverDone bool `yaml:"never_done"`
	// Timeout bounds the slave side of a transfer in milliseconds.
	Timeout uint32 `yaml:"timeout_ms"`
}

func DefaultConfig() Config {
	return Config{
		Address:  0x60,
		PID:      0x42,
		Frame:    FrameTestCard,
		RampSize: 100,
		Timeout:  1000,
	}
}

func (c Config) validate() error {
	switch c.Frame {
	case FrameRamp:
		if c.RampSize <= 0 {
			return fmt.Errorf("ramp_size must be positive, got %d", c.RampSize)
		}
	case FrameTestCard:
	default:
		return fmt.Errorf("unknown frame kind %q", c.Frame)
	}
	if c.DonePolls < 0 {
		return fmt.Errorf("done_polls must not be negative, got %d", c.DonePolls)
	}
	return nil
}

// LoadConfig reads a YAML profile. Fields missing from the file keep their
// DefaultConfig value.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("could not read sensor profile: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("could not parse sensor profile %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, fmt.Errorf("invalid sensor profile %s: %w", path, err)
	}
	return cfg, nil
}
