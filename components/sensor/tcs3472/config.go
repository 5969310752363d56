package tcs3472

import (
	"github.com/pkg/errors"
	"go.viam.com/utils"

	"go.viam.com/softi2c/components/board/softi2c"
)

const (
	// DefaultAddress is the fixed address of the TCS3472.
	DefaultAddress = 0x29
	// DefaultGain is 4x.
	DefaultGain = 1
	// DefaultIntegrationTime is 63 cycles, about 150ms.
	DefaultIntegrationTime = 62
	// DefaultLEDBit is the port bit the LED board wires its LED to.
	DefaultLEDBit = 3
)

// Config describes a TCS3472 and the bus it is on.
type Config struct {
	Bus             softi2c.Config `json:"bus"`
	Address         int            `json:"address,omitempty"`
	Gain            *int           `json:"gain,omitempty"`
	IntegrationTime *int           `json:"integration_time,omitempty"`
	LEDBit          *uint          `json:"led_bit,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (cfg *Config) Validate(path string) error {
	if err := cfg.Bus.Validate(path + ".bus"); err != nil {
		return err
	}
	if cfg.Address != 0 && (cfg.Address < 0x08 || cfg.Address > 0x77) {
		return utils.NewConfigValidationError(path, errors.Errorf("address 0x%02x is not a usable 7-bit address", cfg.Address))
	}
	if err := checkGain(cfg.gain()); err != nil {
		return utils.NewConfigValidationError(path, err)
	}
	if err := checkIntegrationTime(cfg.integrationTime()); err != nil {
		return utils.NewConfigValidationError(path, err)
	}
	if cfg.ledBit() > 7 {
		return utils.NewConfigValidationError(path, errors.Errorf("led_bit %d is not a port bit (0-7)", cfg.ledBit()))
	}
	return nil
}

func (cfg *Config) address() byte {
	if cfg.Address == 0 {
		return DefaultAddress
	}
	return byte(cfg.Address)
}

func (cfg *Config) gain() int {
	if cfg.Gain == nil {
		return DefaultGain
	}
	return *cfg.Gain
}

func (cfg *Config) integrationTime() int {
	if cfg.IntegrationTime == nil {
		return DefaultIntegrationTime
	}
	return *cfg.IntegrationTime
}

func (cfg *Config) ledBit() uint {
	if cfg.LEDBit == nil {
		return DefaultLEDBit
	}
	return *cfg.LEDBit
}

func checkGain(gain int) error {
	if gain < 0 || gain > 3 {
		return errors.Errorf("gain must be 0-3 (1x, 4x, 16x, 60x), got %d", gain)
	}
	return nil
}

func checkIntegrationTime(itime int) error {
	if itime < 0 || itime > 255 {
		return errors.Errorf("integration time must be 0-255, got %d", itime)
	}
	return nil
}
