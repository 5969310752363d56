// Package softi2c implements an I2C master by bit-banging two lines of an 8-bit GPIO port.
//
// The clock (SCL) is always driven by the master. The data line (SDA) is driven while the master
// sends and released while a slave answers, the line's pull-up providing the high level. The
// remaining port bits are auxiliary outputs (an LED, a reset line) that keep their value and
// direction across every write the bus makes.
package softi2c

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"go.viam.com/softi2c/components/board/port"
)

// Bus is a software I2C bus. Only one transaction runs on it at a time.
type Bus struct {
	mu             sync.Mutex
	port           port.Port
	name           string
	scl, sda       byte
	halfPeriod     time.Duration
	recoveryPulses int
	format         RegisterFormat
	clk            clock.Clock
	logger         golog.Logger

	sclHigh, sdaHigh bool
	sdaDriven        bool
	auxOut, auxDir   byte
	closed           bool

	stats busStats
}

type busStats struct {
	transactions atomic.Uint64
	addressNacks atomic.Uint64
	dataNacks    atomic.Uint64
	timeouts     atomic.Uint64
	retries      atomic.Uint64
	recoveries   atomic.Uint64
	last         atomic.Time
}

// Stats is a snapshot of the bus counters.
type Stats struct {
	Transactions    uint64
	AddressNacks    uint64
	DataNacks       uint64
	Timeouts        uint64
	Retries         uint64
	Recoveries      uint64
	LastTransaction time.Time
}

// An Option customizes a Bus.
type Option func(*Bus)

// WithClock makes the bus wait and timestamp with clk.
func WithClock(clk clock.Clock) Option {
	return func(b *Bus) {
		b.clk = clk
	}
}

// WithName overrides the name reported by String.
func WithName(name string) Option {
	return func(b *Bus) {
		b.name = name
	}
}

// NewBus takes over p as an I2C bus. SCL is driven high and SDA released, so the bus starts idle.
// The bus owns p and closes it on Close. cfg.Port is only used as the bus name.
func NewBus(p port.Port, cfg Config, logger golog.Logger, opts ...Option) (*Bus, error) {
	if err := cfg.check(""); err != nil {
		return nil, err
	}
	b := &Bus{
		port:           p,
		name:           cfg.Port,
		scl:            1 << cfg.sclBit(),
		sda:            1 << cfg.sdaBit(),
		halfPeriod:     halfPeriod(cfg.frequency()),
		recoveryPulses: cfg.recoveryPulses(),
		format:         cfg.registerFormat(),
		clk:            clock.New(),
		logger:         logger,
		sclHigh:        true,
		sdaHigh:        true,
	}
	if b.name == "" {
		b.name = "softi2c"
	}
	for _, opt := range opts {
		opt(b)
	}
	if err := b.port.Write(b.portValue()); err != nil {
		return nil, transportError(err)
	}
	if err := b.port.SetDirection(0xff, b.portDirection()); err != nil {
		return nil, transportError(err)
	}
	return b, nil
}

// OpenBus opens the port named by cfg and returns a bus on it.
func OpenBus(ctx context.Context, cfg Config, logger golog.Logger, opts ...Option) (*Bus, error) {
	if err := cfg.Validate("bus"); err != nil {
		return nil, err
	}
	p, err := port.Open(ctx, cfg.Port, logger)
	if err != nil {
		return nil, err
	}
	b, err := NewBus(p, cfg, logger, opts...)
	if err != nil {
		return nil, multierr.Combine(err, p.Close())
	}
	logger.Infow("opened software i2c bus", "port", cfg.Port, "speed", cfg.frequency())
	return b, nil
}

// Open opens the bus described by cfg and returns the device at addr on it. Closing the device
// closes the bus.
func Open(ctx context.Context, cfg Config, addr byte, logger golog.Logger, opts ...Option) (*Device, error) {
	if err := checkAddress(addr); err != nil {
		return nil, err
	}
	b, err := OpenBus(ctx, cfg, logger, opts...)
	if err != nil {
		return nil, err
	}
	d, err := b.Device(addr)
	if err != nil {
		return nil, multierr.Combine(err, b.Close())
	}
	d.ownsBus = true
	return d, nil
}

// locked runs f with the bus locked and the goroutine pinned to its thread, so the bit timing is
// not interleaved with anything else on the port.
func (b *Bus) locked(ctx context.Context, f func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	return f()
}

// do runs a bus operation under the retry policy.
func (b *Bus) do(ctx context.Context, op func() error) error {
	return b.locked(ctx, func() error {
		return b.withRetry(op)
	})
}

func auxBit(bit uint) (byte, error) {
	if bit > 7 {
		return 0, errors.Errorf("aux bit %d is not a port bit (0-7)", bit)
	}
	return 1 << bit, nil
}

func (b *Bus) auxMask(bit uint) (byte, error) {
	mask, err := auxBit(bit)
	if err != nil {
		return 0, err
	}
	if mask&(b.scl|b.sda) != 0 {
		return 0, errors.Errorf("port bit %d is used by the i2c bus", bit)
	}
	return mask, nil
}

// SetAuxOutput sets an auxiliary port bit, making it an output if it is not one yet.
func (b *Bus) SetAuxOutput(bit uint, high bool) error {
	mask, err := b.auxMask(bit)
	if err != nil {
		return err
	}
	return b.locked(context.Background(), func() error {
		if high {
			b.auxOut |= mask
		} else {
			b.auxOut &^= mask
		}
		if err := b.port.Write(b.portValue()); err != nil {
			return transportError(err)
		}
		if b.auxDir&mask != 0 {
			return nil
		}
		b.auxDir |= mask
		return transportError(b.port.SetDirection(0xff, b.portDirection()))
	})
}

// SetAuxDirection makes an auxiliary port bit an output or releases it.
func (b *Bus) SetAuxDirection(bit uint, output bool) error {
	mask, err := b.auxMask(bit)
	if err != nil {
		return err
	}
	return b.locked(context.Background(), func() error {
		if output {
			b.auxDir |= mask
		} else {
			b.auxDir &^= mask
		}
		return transportError(b.port.SetDirection(0xff, b.portDirection()))
	})
}

// AuxOutputs returns the output values of the auxiliary bits.
func (b *Bus) AuxOutputs() byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.auxOut &^ (b.scl | b.sda)
}

// AuxDirections returns the directions of the auxiliary bits, set for outputs.
func (b *Bus) AuxDirections() byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.auxDir &^ (b.scl | b.sda)
}

// Lines samples the bus lines. An idle bus reads both high.
func (b *Bus) Lines(ctx context.Context) (scl, sda bool, err error) {
	err = b.locked(ctx, func() error {
		v, err := b.port.Read(true)
		if err != nil {
			return transportError(err)
		}
		scl, sda = v&b.scl != 0, v&b.sda != 0
		return nil
	})
	return scl, sda, err
}

// Stats returns the bus counters.
func (b *Bus) Stats() Stats {
	return Stats{
		Transactions:    b.stats.transactions.Load(),
		AddressNacks:    b.stats.addressNacks.Load(),
		DataNacks:       b.stats.dataNacks.Load(),
		Timeouts:        b.stats.timeouts.Load(),
		Retries:         b.stats.retries.Load(),
		Recoveries:      b.stats.recoveries.Load(),
		LastTransaction: b.stats.last.Load(),
	}
}

// Close releases SDA and closes the port. Further operations fail with ErrBusClosed.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	err := b.driveSDA(false)
	return multierr.Combine(err, b.port.Close())
}
