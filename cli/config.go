package cli

import (
	"os"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"github.com/yosuke-furukawa/json5/encoding/json5"
	"go.uber.org/zap"

	"go.viam.com/softi2c/components/board/softi2c"
)

// busConfig loads the bus configuration from --config, if given, and applies the bus flags over
// it. The file is JSON5 so it may carry comments.
func busConfig(c *cli.Context) (softi2c.Config, error) {
	var cfg softi2c.Config
	if path := c.Path(flagConfig); path != "" {
		//nolint:gosec
		rd, err := os.ReadFile(path)
		if err != nil {
			return softi2c.Config{}, errors.Wrap(err, "reading bus config")
		}
		if err := json5.Unmarshal(rd, &cfg); err != nil {
			return softi2c.Config{}, errors.Wrapf(err, "parsing bus config %s", path)
		}
	}
	if c.IsSet(flagBus) {
		cfg.Port = c.String(flagBus)
	}
	if c.IsSet(flagFrequency) {
		cfg.FrequencyHz = c.Int(flagFrequency)
	}
	if c.IsSet(flagSCLBit) {
		bit := c.Uint(flagSCLBit)
		cfg.SCLBit = &bit
	}
	if c.IsSet(flagSDABit) {
		bit := c.Uint(flagSDABit)
		cfg.SDABit = &bit
	}
	if err := cfg.Validate("bus"); err != nil {
		return softi2c.Config{}, err
	}
	return cfg, nil
}

func newLogger(c *cli.Context) golog.Logger {
	if c.Bool(flagDebug) {
		return golog.NewDebugLogger("softi2c")
	}
	return zap.NewNop().Sugar()
}

func openBus(c *cli.Context) (*softi2c.Bus, error) {
	cfg, err := busConfig(c)
	if err != nil {
		return nil, err
	}
	return softi2c.OpenBus(c.Context, cfg, newLogger(c))
}
