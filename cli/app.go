// Package cli contains the softi2c command line app.
package cli

import (
	"io"

	"github.com/urfave/cli/v2"
)

// Flags.
const (
	flagBus             = "bus"
	flagConfig          = "config"
	flagDebug           = "debug"
	flagFrequency       = "frequency"
	flagSCLBit          = "scl-bit"
	flagSDABit          = "sda-bit"
	flagPlain           = "plain"
	flagCount           = "count"
	flagInterval        = "interval"
	flagGain            = "gain"
	flagIntegrationTime = "integration-time"
	flagLED             = "led"
)

var app = &cli.App{
	Name:            "softi2c",
	Usage:           "talk to I2C devices through a bit-banged GPIO port",
	HideHelpCommand: true,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    flagBus,
			Aliases: []string{"b"},
			Usage:   "GPIO port `URL`, e.g. gpiochip:///dev/gpiochip0?d0=17&d1=27 or fake://",
			EnvVars: []string{"SOFTI2C_BUS"},
		},
		&cli.PathFlag{
			Name:    flagConfig,
			Aliases: []string{"c"},
			Usage:   "load bus configuration from JSON `FILE`",
		},
		&cli.BoolFlag{
			Name:    flagDebug,
			Aliases: []string{"vvv"},
			Usage:   "enable debug logging",
		},
		&cli.IntFlag{
			Name:  flagFrequency,
			Usage: "bus clock in `HZ`",
		},
		&cli.UintFlag{
			Name:  flagSCLBit,
			Usage: "port bit wired to SCL",
		},
		&cli.UintFlag{
			Name:  flagSDABit,
			Usage: "port bit wired to SDA",
		},
	},
	Commands: []*cli.Command{
		{
			Name:   "ports",
			Usage:  "list the GPIO port URL schemes this build supports",
			Action: PortsAction,
		},
		{
			Name:   "scan",
			Usage:  "list the addresses that acknowledge",
			Action: ScanAction,
		},
		{
			Name:      "read",
			Usage:     "read registers",
			ArgsUsage: "<address> <register> [length]",
			Flags: []cli.Flag{
				&cli.BoolFlag{
					Name:  flagPlain,
					Usage: "send the register address as is instead of a TCS3472 command byte",
				},
			},
			Action: ReadAction,
		},
		{
			Name:      "write",
			Usage:     "write registers",
			ArgsUsage: "<address> <register> <byte>...",
			Flags: []cli.Flag{
				&cli.BoolFlag{
					Name:  flagPlain,
					Usage: "send the register address as is instead of a TCS3472 command byte",
				},
			},
			Action: WriteAction,
		},
		{
			Name:      "dump",
			Usage:     "print a table of registers",
			ArgsUsage: "<address> [first register] [count]",
			Flags: []cli.Flag{
				&cli.BoolFlag{
					Name:  flagPlain,
					Usage: "send the register address as is instead of a TCS3472 command byte",
				},
			},
			Action: DumpAction,
		},
		{
			Name:      "aux",
			Usage:     "set an auxiliary port output",
			ArgsUsage: "<bit> <on|off>",
			Action:    AuxAction,
		},
		{
			Name:   "recover",
			Usage:  "clock a stuck bus free and leave it idle",
			Action: RecoverAction,
		},
		{
			Name:  "tcs3472",
			Usage: "read colour measurements from a TCS3472",
			Flags: []cli.Flag{
				&cli.IntFlag{
					Name:  flagCount,
					Value: 1,
					Usage: "number of measurements, 0 for no limit",
				},
				&cli.DurationFlag{
					Name:  flagInterval,
					Usage: "time between status polls (default: the integration time)",
				},
				&cli.IntFlag{
					Name:  flagGain,
					Value: 1,
					Usage: "analog gain: 0, 1, 2, 3 for 1x, 4x, 16x, 60x",
				},
				&cli.IntFlag{
					Name:  flagIntegrationTime,
					Value: 62,
					Usage: "integration time in 2.4ms cycles minus one (0-255)",
				},
				&cli.BoolFlag{
					Name:  flagLED,
					Usage: "switch the LED on while measuring",
				},
			},
			Action: TCS3472Action,
		},
	},
}

// NewApp returns a new app with the CLI API, Writer set to out, and ErrWriter
// set to errOut.
func NewApp(out, errOut io.Writer) *cli.App {
	app.Writer = out
	app.ErrWriter = errOut
	return app
}
