package softi2c

import (
	"context"

	"github.com/pkg/errors"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/physic"
)

var _ i2c.BusCloser = (*Bus)(nil)

// Tx implements i2c.Bus. w and r go out as two transactions, a write then a read, each ending in a
// STOP; with both empty the address is polled. There is no repeated START between the phases, so
// periph drivers for devices that lose the register pointer on a STOP do not work on this bus.
func (b *Bus) Tx(addr uint16, w, r []byte) error {
	if addr > 0x7f {
		return errors.Wrapf(ErrInvalidAddress, "0x%x", addr)
	}
	a := byte(addr)
	return b.do(context.Background(), func() error {
		if len(w) > 0 || len(r) == 0 {
			if _, err := b.transfer(a, false, w, 0); err != nil {
				return err
			}
		}
		if len(r) == 0 {
			return nil
		}
		data, err := b.transfer(a, true, nil, len(r))
		if err != nil {
			return err
		}
		copy(r, data)
		return nil
	})
}

// SetSpeed implements i2c.Bus.
func (b *Bus) SetSpeed(f physic.Frequency) error {
	if f <= 0 {
		return errors.Errorf("invalid i2c speed %s", f)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.halfPeriod = halfPeriod(f)
	return nil
}

// String implements i2c.Bus.
func (b *Bus) String() string {
	return b.name
}
