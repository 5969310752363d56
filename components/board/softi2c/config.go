package softi2c

import (
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
	"go.viam.com/utils"
	"periph.io/x/conn/v3/physic"
)

const (
	// DefaultFrequency is the clock rate used when none is configured.
	DefaultFrequency = 100 * physic.KiloHertz

	// DefaultRecoveryPulses bounds the clock pulses spent freeing a stuck SDA line.
	DefaultRecoveryPulses = 10

	defaultSCLBit = 0
	defaultSDABit = 1
)

// Config describes a software I2C bus.
type Config struct {
	// Port is the URL of the GPIO port, see package port.
	Port           string `json:"port"`
	SCLBit         *uint  `json:"scl_bit,omitempty"`
	SDABit         *uint  `json:"sda_bit,omitempty"`
	FrequencyHz    int    `json:"frequency_hz,omitempty"`
	RecoveryPulses int    `json:"recovery_pulses,omitempty"`
	RegisterPrefix *uint8 `json:"register_prefix,omitempty"`
	RegisterMask   *uint8 `json:"register_mask,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (config *Config) Validate(path string) error {
	if config.Port == "" {
		return utils.NewConfigValidationFieldRequiredError(path, "port")
	}
	return config.check(path)
}

// check validates everything but the port, which NewBus does not need.
func (config *Config) check(path string) error {
	if config.sclBit() > 7 {
		return utils.NewConfigValidationError(path, errors.Errorf("scl_bit %d is not a port bit (0-7)", config.sclBit()))
	}
	if config.sdaBit() > 7 {
		return utils.NewConfigValidationError(path, errors.Errorf("sda_bit %d is not a port bit (0-7)", config.sdaBit()))
	}
	if config.sclBit() == config.sdaBit() {
		return utils.NewConfigValidationError(path, errors.Errorf("scl_bit and sda_bit are both %d", config.sclBit()))
	}
	if config.FrequencyHz < 0 {
		return utils.NewConfigValidationError(path, errors.Errorf("frequency_hz must be positive, got %d", config.FrequencyHz))
	}
	if config.RecoveryPulses < 0 {
		return utils.NewConfigValidationError(path, errors.Errorf("recovery_pulses must be positive, got %d", config.RecoveryPulses))
	}
	return nil
}

func (config *Config) sclBit() uint {
	if config.SCLBit == nil {
		return defaultSCLBit
	}
	return *config.SCLBit
}

func (config *Config) sdaBit() uint {
	if config.SDABit == nil {
		return defaultSDABit
	}
	return *config.SDABit
}

func (config *Config) frequency() physic.Frequency {
	if config.FrequencyHz == 0 {
		return DefaultFrequency
	}
	return physic.Frequency(config.FrequencyHz) * physic.Hertz
}

func (config *Config) recoveryPulses() int {
	if config.RecoveryPulses == 0 {
		return DefaultRecoveryPulses
	}
	return config.RecoveryPulses
}

func (config *Config) registerFormat() RegisterFormat {
	format := DefaultRegisterFormat
	if config.RegisterPrefix != nil {
		format.Prefix = *config.RegisterPrefix
	}
	if config.RegisterMask != nil {
		format.Mask = *config.RegisterMask
	}
	return format
}

// ConfigFromAttributes decodes a config from a generic attribute map, as found in a JSON robot
// config, and validates it.
func ConfigFromAttributes(path string, attributes map[string]interface{}) (*Config, error) {
	var config Config
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{TagName: "json", Result: &config})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(attributes); err != nil {
		return nil, errors.Wrapf(err, "decoding %s", path)
	}
	if err := config.Validate(path); err != nil {
		return nil, err
	}
	return &config, nil
}

// halfPeriod is the time each clock level is held at frequency f.
func halfPeriod(f physic.Frequency) time.Duration {
	return time.Duration(int64(time.Second) * int64(physic.Hertz) / (2 * int64(f)))
}
