package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/urfave/cli/v2"
	"go.viam.com/utils"

	"go.viam.com/softi2c/components/board/port"
	// register the port implementations.
	_ "go.viam.com/softi2c/components/board/port/fake"
	_ "go.viam.com/softi2c/components/board/port/gpiochip"
	_ "go.viam.com/softi2c/components/board/port/periphio"
	"go.viam.com/softi2c/components/board/softi2c"
	"go.viam.com/softi2c/components/sensor/tcs3472"
)

// PortsAction lists the registered port schemes.
func PortsAction(c *cli.Context) error {
	printf(c.App.Writer, "%s", strings.Join(lo.Map(port.Schemes(), func(scheme string, _ int) string {
		return scheme + "://"
	}), "\n"))
	return nil
}

// ScanAction prints every address that acknowledges.
func ScanAction(c *cli.Context) error {
	bus, err := openBus(c)
	if err != nil {
		return err
	}
	defer utils.UncheckedErrorFunc(bus.Close)

	found, err := bus.Scan(c.Context)
	if err != nil {
		return err
	}
	if len(found) == 0 {
		printf(c.App.Writer, "no devices found on %s", bus)
		return nil
	}
	for _, addr := range found {
		printf(c.App.Writer, "0x%02x", addr)
	}
	return nil
}

// ReadAction reads registers and prints them in hex.
func ReadAction(c *cli.Context) error {
	args := c.Args().Slice()
	if len(args) < 2 || len(args) > 3 {
		return errors.New("read needs an address, a register and optionally a length")
	}
	addr, reg, err := addressAndRegister(args)
	if err != nil {
		return err
	}
	length := 1
	if len(args) == 3 {
		n, err := strconv.ParseUint(args[2], 0, 8)
		if err != nil || n == 0 {
			return errors.Errorf("length %q must be 1-255", args[2])
		}
		length = int(n)
	}

	dev, err := openDevice(c, addr)
	if err != nil {
		return err
	}
	defer utils.UncheckedErrorFunc(dev.Bus().Close)

	data, err := dev.ReadRegister(c.Context, reg, length)
	if err != nil {
		return err
	}
	printf(c.App.Writer, "%s", hexBytes(data))
	return nil
}

// WriteAction writes the given bytes starting at a register.
func WriteAction(c *cli.Context) error {
	args := c.Args().Slice()
	if len(args) < 3 {
		return errors.New("write needs an address, a register and at least one byte")
	}
	addr, reg, err := addressAndRegister(args)
	if err != nil {
		return err
	}
	data := make([]byte, 0, len(args)-2)
	for _, arg := range args[2:] {
		v, err := parseByte("byte", arg)
		if err != nil {
			return err
		}
		data = append(data, v)
	}

	dev, err := openDevice(c, addr)
	if err != nil {
		return err
	}
	defer utils.UncheckedErrorFunc(dev.Bus().Close)

	if err := dev.WriteRegister(c.Context, reg, data); err != nil {
		return err
	}
	printf(c.App.Writer, "wrote %d bytes to register 0x%02x of 0x%02x", len(data), reg, addr)
	return nil
}

// DumpAction reads a run of registers and prints them as a table.
func DumpAction(c *cli.Context) error {
	args := c.Args().Slice()
	if len(args) < 1 || len(args) > 3 {
		return errors.New("dump needs an address and optionally a first register and a count")
	}
	addr, err := parseByte("address", args[0])
	if err != nil {
		return err
	}
	if addr > 0x7f {
		return errors.Wrapf(softi2c.ErrInvalidAddress, "%s", args[0])
	}
	var first byte
	if len(args) > 1 {
		if first, err = parseByte("register", args[1]); err != nil {
			return err
		}
	}
	count := tcs3472RegisterCount
	if len(args) > 2 {
		n, err := strconv.ParseUint(args[2], 0, 8)
		if err != nil || n == 0 {
			return errors.Errorf("count %q must be 1-255", args[2])
		}
		count = int(n)
	}

	dev, err := openDevice(c, addr)
	if err != nil {
		return err
	}
	defer utils.UncheckedErrorFunc(dev.Bus().Close)

	data, err := dev.ReadRegister(c.Context, first, count)
	if err != nil {
		return err
	}
	t := table.NewWriter()
	t.AppendHeader(table.Row{"Register", "Hex", "Dec", "Binary"})
	for i, b := range data {
		t.AppendRow(table.Row{fmt.Sprintf("0x%02x", int(first)+i), fmt.Sprintf("0x%02x", b), b, fmt.Sprintf("%08b", b)})
	}
	printf(c.App.Writer, "%s", t.Render())
	return nil
}

// AuxAction switches an auxiliary port bit.
func AuxAction(c *cli.Context) error {
	args := c.Args().Slice()
	if len(args) != 2 {
		return errors.New("aux needs a bit and on or off")
	}
	bit, err := strconv.ParseUint(args[0], 0, 8)
	if err != nil {
		return errors.Errorf("bit %q is not a number", args[0])
	}
	var on bool
	switch strings.ToLower(args[1]) {
	case "on", "1", "high":
		on = true
	case "off", "0", "low":
	default:
		return errors.Errorf("%q is not on or off", args[1])
	}

	bus, err := openBus(c)
	if err != nil {
		return err
	}
	defer utils.UncheckedErrorFunc(bus.Close)
	if err := bus.SetAuxOutput(uint(bit), on); err != nil {
		return err
	}
	printf(c.App.Writer, "aux outputs now 0x%02x", bus.AuxOutputs())
	return nil
}

// RecoverAction frees a bus left with SDA held low.
func RecoverAction(c *cli.Context) error {
	bus, err := openBus(c)
	if err != nil {
		return err
	}
	defer utils.UncheckedErrorFunc(bus.Close)

	pulses, err := bus.Recover(c.Context)
	if err != nil {
		return err
	}
	scl, sda, err := bus.Lines(c.Context)
	if err != nil {
		return err
	}
	printf(c.App.Writer, "bus recovered after %d clock pulses, SCL=%s SDA=%s", pulses, level(scl), level(sda))
	return nil
}

// TCS3472Action checks for a TCS3472, starts it and prints measurements.
func TCS3472Action(c *cli.Context) error {
	busCfg, err := busConfig(c)
	if err != nil {
		return err
	}
	gain, itime := c.Int(flagGain), c.Int(flagIntegrationTime)
	cfg := tcs3472.Config{Bus: busCfg, Gain: &gain, IntegrationTime: &itime}
	if err := cfg.Validate("tcs3472"); err != nil {
		return err
	}

	sensor, err := tcs3472.NewFromConfig(c.Context, cfg, newLogger(c))
	if err != nil {
		return err
	}
	defer utils.UncheckedErrorFunc(sensor.Close)
	printf(c.App.Writer, "found tcs3472 (id 0x%02x)", sensor.ID())

	if err := sensor.Prepare(c.Context); err != nil {
		return err
	}
	if c.Bool(flagLED) {
		if err := sensor.SetLED(true); err != nil {
			return err
		}
		defer utils.UncheckedErrorFunc(func() error { return sensor.SetLED(false) })
	}

	interval := c.Duration(flagInterval)
	if interval <= 0 {
		interval = sensor.IntegrationDuration()
	}
	count, seen := c.Int(flagCount), 0
	errEnough := errors.New("enough measurements")
	err = sensor.Poll(c.Context, interval, func(m tcs3472.Measurement) error {
		printf(c.App.Writer, "clear=%d red=%d green=%d blue=%d", m.Clear, m.Red, m.Green, m.Blue)
		seen++
		if count > 0 && seen >= count {
			return errEnough
		}
		return nil
	})
	if errors.Is(err, errEnough) {
		return nil
	}
	return err
}

// tcs3472RegisterCount covers ENABLE through the last colour data register.
const tcs3472RegisterCount = 0x1c

func openDevice(c *cli.Context, addr byte) (*softi2c.Device, error) {
	bus, err := openBus(c)
	if err != nil {
		return nil, err
	}
	dev, err := bus.Device(addr)
	if err != nil {
		utils.UncheckedError(bus.Close())
		return nil, err
	}
	if c.Bool(flagPlain) {
		dev = dev.WithFormat(softi2c.PlainRegisterFormat)
	}
	return dev, nil
}

func addressAndRegister(args []string) (byte, byte, error) {
	addr, err := parseByte("address", args[0])
	if err != nil {
		return 0, 0, err
	}
	if addr > 0x7f {
		return 0, 0, errors.Wrapf(softi2c.ErrInvalidAddress, "%s", args[0])
	}
	reg, err := parseByte("register", args[1])
	if err != nil {
		return 0, 0, err
	}
	return addr, reg, nil
}

func parseByte(what, s string) (byte, error) {
	v, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return 0, errors.Errorf("%s %q is not a byte (decimal, 0x hex or 0b binary)", what, s)
	}
	return byte(v), nil
}

func hexBytes(data []byte) string {
	return strings.Join(lo.Map(data, func(b byte, _ int) string {
		return fmt.Sprintf("0x%02x", b)
	}), " ")
}

func level(high bool) string {
	if high {
		return "high"
	}
	return "low"
}
