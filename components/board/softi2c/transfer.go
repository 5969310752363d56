package softi2c

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

const (
	firstScanAddress = 0x08
	lastScanAddress  = 0x77
)

// transfer runs one transaction: START, the address byte with the R/W bit, then either payload or
// n bytes read, then STOP. A STOP is issued on every path out, NACK and transport error included.
func (b *Bus) transfer(addr byte, read bool, payload []byte, n int) ([]byte, error) {
	b.stats.transactions.Inc()
	b.stats.last.Store(b.clk.Now())

	if err := b.start(); err != nil {
		return nil, b.finish(err)
	}
	rw := byte(0)
	if read {
		rw = 1
	}
	ack, err := b.writeByte(addr<<1 | rw)
	if err != nil {
		return nil, b.finish(err)
	}
	if !ack {
		b.stats.addressNacks.Inc()
		return nil, b.finish(errors.Wrapf(ErrAddressNacked, "address 0x%02x", addr))
	}

	if !read {
		for i, v := range payload {
			ack, err := b.writeByte(v)
			if err != nil {
				return nil, b.finish(err)
			}
			if !ack {
				b.stats.dataNacks.Inc()
				return nil, b.finish(errors.Wrapf(ErrDataNacked, "address 0x%02x, byte %d of %d", addr, i+1, len(payload)))
			}
		}
		return nil, b.finish(nil)
	}

	data := make([]byte, n)
	for i := range data {
		v, err := b.readByte(i < n-1)
		if err != nil {
			return nil, b.finish(err)
		}
		data[i] = v
	}
	if err := b.finish(nil); err != nil {
		return nil, err
	}
	return data, nil
}

// finish ends a transaction with a STOP, combining its failure with err.
func (b *Bus) finish(err error) error {
	return multierr.Combine(err, b.stop())
}

// Write sends data to the device at addr in one transaction. An empty data polls the address.
func (b *Bus) Write(ctx context.Context, addr byte, data []byte) error {
	if err := checkAddress(addr); err != nil {
		return err
	}
	return b.do(ctx, func() error {
		_, err := b.transfer(addr, false, data, 0)
		return err
	})
}

// Read reads n bytes from the device at addr in one transaction.
func (b *Bus) Read(ctx context.Context, addr byte, n int) ([]byte, error) {
	if err := checkAddress(addr); err != nil {
		return nil, err
	}
	if n < 1 {
		return nil, errors.Errorf("cannot read %d bytes, need at least 1", n)
	}
	var data []byte
	err := b.do(ctx, func() error {
		var err error
		data, err = b.transfer(addr, true, nil, n)
		return err
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Poll reports whether a device acknowledges addr.
func (b *Bus) Poll(ctx context.Context, addr byte) (bool, error) {
	err := b.Write(ctx, addr, nil)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrAddressNacked):
		return false, nil
	default:
		return false, err
	}
}

// Scan polls every non-reserved 7-bit address and returns those that answer.
func (b *Bus) Scan(ctx context.Context) ([]byte, error) {
	var found []byte
	for addr := byte(firstScanAddress); addr <= lastScanAddress; addr++ {
		ok, err := b.Poll(ctx, addr)
		if err != nil {
			return found, errors.Wrapf(err, "scanning 0x%02x", addr)
		}
		if ok {
			found = append(found, addr)
		}
	}
	b.logger.Debugw("scanned i2c bus", "bus", b.name, "found", found)
	return found, nil
}
