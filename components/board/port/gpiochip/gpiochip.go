//go:build linux

package gpiochip

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/edaniels/golog"
	"github.com/mkch/gpio"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"

	"go.viam.com/softi2c/components/board/port"
)

const consumer = "softi2c"

func init() {
	port.Register("gpiochip", open)
}

func open(ctx context.Context, u *url.URL, logger golog.Logger) (port.Port, error) {
	devicePath, offsets, err := parseURL(u)
	if err != nil {
		return nil, err
	}
	chip, err := gpio.OpenChip(devicePath)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot open gpio chip %s", devicePath)
	}
	p, err := New(chip, offsets, logger)
	if err != nil {
		return nil, multierr.Combine(err, chip.Close())
	}
	return p, nil
}

// parseURL returns the chip device named by u and the line offset behind each port bit.
func parseURL(u *url.URL) (string, map[uint]uint32, error) {
	devicePath := u.Path
	if u.Host != "" {
		// gpiochip://gpiochip0 is shorthand for /dev/gpiochip0.
		devicePath = filepath.Join("/dev", u.Host, u.Path)
	}
	if devicePath == "" || devicePath == "/" {
		return "", nil, errors.Errorf("port url %q names no gpio chip", u.String())
	}

	lines, err := port.ParseLineMap(u.Query())
	if err != nil {
		return "", nil, err
	}
	offsets := make(map[uint]uint32, len(lines))
	for bit, name := range lines {
		offset, err := strconv.ParseUint(name, 10, 32)
		if err != nil {
			return "", nil, errors.Errorf("line %q for port bit %d is not a line offset", name, bit)
		}
		offsets[bit] = uint32(offset)
	}
	return devicePath, offsets, nil
}

// Port is an 8-bit port made of individual character-device lines. The kernel fixes a line's
// direction when it is requested, so a direction change releases the line and requests it again.
type Port struct {
	mu      sync.Mutex
	name    string
	chip    *gpio.Chip
	offsets map[uint]uint32
	lines   [8]*gpio.Line

	// dir and out mirror the last requested directions and output value.
	dir    byte
	out    byte
	logger golog.Logger
}

// New requests every mapped line of chip as an input. The Port takes ownership of chip.
func New(chip *gpio.Chip, offsets map[uint]uint32, logger golog.Logger) (*Port, error) {
	p := &Port{
		name:    fmt.Sprintf("gpiochip%v", offsets),
		chip:    chip,
		offsets: offsets,
		logger:  logger,
	}
	for bit := range offsets {
		if bit > 7 {
			return nil, errors.Errorf("port bit %d out of range", bit)
		}
		if err := p.request(bit, false); err != nil {
			return nil, multierr.Combine(err, p.releaseAll())
		}
	}
	return p, nil
}

// request (re)opens the line behind bit in the given direction. Lock the mutex first.
func (p *Port) request(bit uint, output bool) error {
	if line := p.lines[bit]; line != nil {
		p.lines[bit] = nil
		if err := line.Close(); err != nil {
			return lineError(err)
		}
	}
	var line *gpio.Line
	var err error
	if output {
		line, err = p.chip.OpenLine(p.offsets[bit], p.out>>bit&1, gpio.Output, consumer)
	} else {
		line, err = p.chip.OpenLine(p.offsets[bit], 0, gpio.Input, consumer)
	}
	if err != nil {
		return errors.Wrapf(lineError(err), "cannot request line %d", p.offsets[bit])
	}
	p.lines[bit] = line
	return nil
}

// SetDirection implements port.Port.
func (p *Port) SetDirection(mask, directions byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	dir := p.dir&^mask | directions&mask
	changed := dir ^ p.dir
	for bit := range p.offsets {
		if changed&(1<<bit) == 0 {
			continue
		}
		if err := p.request(bit, dir&(1<<bit) != 0); err != nil {
			return err
		}
	}
	p.dir = dir
	return nil
}

// Write implements port.Port.
func (p *Port) Write(value byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	changed := value ^ p.out
	p.out = value
	for bit := range p.offsets {
		m := byte(1) << bit
		if p.dir&m == 0 || changed&m == 0 {
			continue
		}
		if err := p.lines[bit].SetValue(value >> bit & 1); err != nil {
			return lineError(err)
		}
	}
	return nil
}

// Read implements port.Port. Character-device reads are never buffered so peek has no effect.
// Bits without a line read back their last written value.
func (p *Port) Read(peek bool) (byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	value := p.out
	for bit := range p.offsets {
		level, err := p.lines[bit].Value()
		if err != nil {
			return 0, lineError(err)
		}
		if level != 0 {
			value |= 1 << bit
		} else {
			value &^= 1 << bit
		}
	}
	return value, nil
}

// Close releases all lines and the chip.
func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.releaseAll()
}

func (p *Port) releaseAll() error {
	var err error
	for bit, line := range p.lines {
		if line != nil {
			err = multierr.Combine(err, line.Close())
			p.lines[bit] = nil
		}
	}
	if p.chip != nil {
		err = multierr.Combine(err, p.chip.Close())
		p.chip = nil
	}
	return err
}

func (p *Port) String() string {
	return p.name
}

// lineError maps a kernel timeout onto port.ErrTimeout so the bus can recover from it.
func lineError(err error) error {
	if errors.Is(err, unix.ETIMEDOUT) {
		return errors.Wrapf(port.ErrTimeout, "%v", err)
	}
	return err
}
