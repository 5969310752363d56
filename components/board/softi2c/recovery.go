package softi2c

import (
	"context"

	"github.com/pkg/errors"
)

// withRetry runs op. A transport timeout gets one bus recovery and one retry; a second timeout is
// returned. NACKs are results, not faults, and are never retried.
func (b *Bus) withRetry(op func() error) error {
	err := op()
	if err == nil || !errors.Is(err, ErrBusTimeout) {
		return err
	}
	b.stats.timeouts.Inc()
	b.logger.Warnw("i2c transport timed out, recovering bus and retrying", "bus", b.name, "error", err)
	if _, rerr := b.recoverBus(true); rerr != nil {
		return errors.Wrapf(rerr, "recovering bus after %v", err)
	}
	b.stats.retries.Inc()
	if err := op(); err != nil {
		if errors.Is(err, ErrBusTimeout) {
			b.stats.timeouts.Inc()
			return errors.Wrap(err, "i2c transfer failed again after bus recovery")
		}
		return err
	}
	return nil
}

// recoverBus frees a bus left mid-transaction. With SDA released, it clocks SCL until the slave
// holding SDA low lets go, at most recoveryPulses times, then issues a STOP. When SDA is already
// high nothing is done unless forceStop is set, in which case only the STOP is issued. It returns
// the number of clock pulses spent.
func (b *Bus) recoverBus(forceStop bool) (int, error) {
	b.stats.recoveries.Inc()
	if err := b.driveSDA(false); err != nil {
		return 0, err
	}
	high, err := b.sampleSDA()
	if err != nil {
		return 0, err
	}
	if high && !forceStop {
		return 0, nil
	}

	pulses := 0
	for {
		if err := b.setLines(false, true); err != nil {
			return pulses, err
		}
		high, err := b.sampleSDA()
		if err != nil {
			return pulses, err
		}
		if high {
			break
		}
		if pulses == b.recoveryPulses {
			return pulses, errors.Wrapf(ErrBusStuck, "SDA still low after %d clock pulses", pulses)
		}
		if err := b.setLines(true, true); err != nil {
			return pulses, err
		}
		pulses++
		b.logger.Debugw("clocking stuck i2c bus", "bus", b.name, "pulse", pulses)
	}
	if err := b.stop(); err != nil {
		return pulses, err
	}
	if pulses > 0 {
		b.logger.Infow("recovered i2c bus", "bus", b.name, "pulses", pulses)
	}
	return pulses, nil
}

// Recover clocks the bus free if a slave is holding SDA low and leaves it idle with a STOP. It
// returns the number of clock pulses it took.
func (b *Bus) Recover(ctx context.Context) (int, error) {
	var pulses int
	err := b.locked(ctx, func() error {
		var err error
		pulses, err = b.recoverBus(true)
		return err
	})
	return pulses, err
}
