// Package periphio backs a port with individual periph.io GPIO pins, such as the D0..D7 pins of
// an FTDI FT232H or the header pins of a single board computer. It registers the "periph" port
// scheme; pins are looked up by name in periph's gpioreg after the host drivers are loaded.
package periphio

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"

	"go.viam.com/softi2c/components/board/port"
)

func init() {
	port.Register("periph", open)
}

func open(ctx context.Context, u *url.URL, logger golog.Logger) (port.Port, error) {
	if _, err := host.Init(); err != nil {
		return nil, errors.Wrap(err, "cannot load periph host drivers")
	}
	lines, err := port.ParseLineMap(u.Query())
	if err != nil {
		return nil, err
	}
	pins := make(map[uint]gpio.PinIO, len(lines))
	for bit, name := range lines {
		pin := gpioreg.ByName(name)
		if pin == nil {
			return nil, errors.Errorf("no gpio pin named %q for port bit %d", name, bit)
		}
		pins[bit] = pin
	}
	return New(pins, logger)
}

// Port is an 8-bit port made of periph pins. I2C lines are open drain, so a released bit is an
// input with the pull-up enabled and a driven bit is a push-pull output.
type Port struct {
	mu   sync.Mutex
	pins [8]gpio.PinIO

	// dir and out mirror the last requested directions and output value.
	dir    byte
	out    byte
	logger golog.Logger
}

// New releases every pin and returns a port over them.
func New(pins map[uint]gpio.PinIO, logger golog.Logger) (*Port, error) {
	p := &Port{logger: logger}
	for bit, pin := range pins {
		if bit > 7 {
			return nil, errors.Errorf("port bit %d out of range", bit)
		}
		if pin == nil {
			return nil, errors.Errorf("port bit %d has no pin", bit)
		}
		p.pins[bit] = pin
		if err := pin.In(gpio.PullUp, gpio.NoEdge); err != nil {
			return nil, errors.Wrapf(err, "cannot release pin %s", pin)
		}
	}
	logger.Debugw("opened periph port", "pins", p.String())
	return p, nil
}

func (p *Port) apply(bit uint) error {
	pin := p.pins[bit]
	m := byte(1) << bit
	if p.dir&m == 0 {
		return pin.In(gpio.PullUp, gpio.NoEdge)
	}
	return pin.Out(gpio.Level(p.out&m != 0))
}

// SetDirection implements port.Port.
func (p *Port) SetDirection(mask, directions byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	dir := p.dir&^mask | directions&mask
	changed := dir ^ p.dir
	p.dir = dir
	for bit, pin := range p.pins {
		if pin == nil || changed&(1<<bit) == 0 {
			continue
		}
		if err := p.apply(uint(bit)); err != nil {
			return errors.Wrapf(err, "cannot change direction of pin %s", pin)
		}
	}
	return nil
}

// Write implements port.Port. Only driven pins whose level changes are touched.
func (p *Port) Write(value byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	changed := value ^ p.out
	p.out = value
	for bit, pin := range p.pins {
		m := byte(1) << bit
		if pin == nil || p.dir&m == 0 || changed&m == 0 {
			continue
		}
		if err := pin.Out(gpio.Level(value&m != 0)); err != nil {
			return errors.Wrapf(err, "cannot drive pin %s", pin)
		}
	}
	return nil
}

// Read implements port.Port. periph samples pins directly, so peek has no effect. Bits without a
// pin read back their last written value.
func (p *Port) Read(peek bool) (byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	value := p.out
	for bit, pin := range p.pins {
		if pin == nil {
			continue
		}
		if pin.Read() == gpio.High {
			value |= 1 << bit
		} else {
			value &^= 1 << bit
		}
	}
	return value, nil
}

// Close releases every pin.
func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var err error
	for _, pin := range p.pins {
		if pin != nil {
			err = multierr.Combine(err, pin.In(gpio.PullUp, gpio.NoEdge), pin.Halt())
		}
	}
	p.dir = 0
	return err
}

func (p *Port) String() string {
	var names []string
	for bit, pin := range p.pins {
		if pin != nil {
			names = append(names, fmt.Sprintf("d%d=%s", bit, pin.Name()))
		}
	}
	sort.Strings(names)
	return "periph(" + strings.Join(names, ",") + ")"
}
