package softi2c

import (
	"context"
	"testing"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.uber.org/zap/zapcore"
	"go.viam.com/test"

	"go.viam.com/softi2c/components/board/port"
	"go.viam.com/softi2c/components/board/port/fake"
	"go.viam.com/softi2c/testutils"
	"go.viam.com/softi2c/testutils/inject"
)

var errUnplugged = errors.New("device unplugged")

func TestRecoverHeldSDA(t *testing.T) {
	bus, wire, _ := newTestBus(t, Config{})
	ctx := context.Background()

	t.Run("released after three pulses", func(t *testing.T) {
		wire.Reset()
		wire.HoldSDALow(3)
		pulses, err := bus.Recover(ctx)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, pulses, test.ShouldEqual, 3)
		test.That(t, wire.HeldPulses(), test.ShouldEqual, 3)
		test.That(t, wire.Events(), test.ShouldResemble, []fake.Event{stopEvent})
		test.That(t, wire.Idle(), test.ShouldBeTrue)
	})

	t.Run("never released", func(t *testing.T) {
		wire.Reset()
		wire.HoldSDALow(-1)
		pulses, err := bus.Recover(ctx)
		test.That(t, err, test.ShouldWrap, ErrBusStuck)
		test.That(t, err.Error(), test.ShouldContainSubstring, "after 10 clock pulses")
		test.That(t, pulses, test.ShouldEqual, 10)
		test.That(t, wire.HeldPulses(), test.ShouldEqual, 10)
		test.That(t, wire.Events(), test.ShouldBeEmpty)
		wire.HoldSDALow(0)
	})

	t.Run("idle bus gets a stop", func(t *testing.T) {
		wire.Reset()
		pulses, err := bus.Recover(ctx)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, pulses, test.ShouldEqual, 0)
		test.That(t, wire.Events(), test.ShouldResemble, []fake.Event{stopEvent})
	})

	t.Run("idle bus untouched unless forced", func(t *testing.T) {
		wire.Reset()
		err := bus.locked(ctx, func() error {
			pulses, err := bus.recoverBus(false)
			test.That(t, pulses, test.ShouldEqual, 0)
			return err
		})
		test.That(t, err, test.ShouldBeNil)
		test.That(t, wire.Writes(), test.ShouldBeEmpty)
	})
}

func TestRecoveryPulseBudget(t *testing.T) {
	bus, wire, _ := newTestBus(t, Config{RecoveryPulses: 4})
	wire.HoldSDALow(5)
	pulses, err := bus.Recover(context.Background())
	test.That(t, err, test.ShouldWrap, ErrBusStuck)
	test.That(t, pulses, test.ShouldEqual, 4)

	pulses, err = bus.Recover(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pulses, test.ShouldEqual, 1)
}

// flakyBus is a fake bus behind an injected port whose reads time out on the listed calls.
func flakyBus(t *testing.T, logger golog.Logger, failOn func(call int, wire *fake.Bus) bool) (*Bus, *fake.Bus) {
	t.Helper()
	wire := fake.NewBus(0, 1)
	wire.Attach(0x29, fake.NewTCS3472(0x44))
	calls := 0
	injected := &inject.Port{Port: wire}
	injected.ReadFunc = func(peek bool) (byte, error) {
		calls++
		if failOn(calls, wire) {
			return 0, port.ErrTimeout
		}
		return wire.Read(peek)
	}
	bus, err := NewBus(injected, Config{}, logger, WithClock(newSleepCounter()))
	test.That(t, err, test.ShouldBeNil)
	t.Cleanup(func() {
		test.That(t, bus.Close(), test.ShouldBeNil)
	})
	return bus, wire
}

func TestRetryAfterTimeout(t *testing.T) {
	ctx := context.Background()

	t.Run("one timeout is retried", func(t *testing.T) {
		logger, logs := testutils.NewObservedLogger(t)
		bus, wire := flakyBus(t, logger, func(call int, _ *fake.Bus) bool { return call == 1 })
		dev, err := bus.Device(0x29)
		test.That(t, err, test.ShouldBeNil)

		id, err := dev.ReadByteData(ctx, 0x12)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, id, test.ShouldEqual, byte(0x44))

		stats := bus.Stats()
		test.That(t, stats.Timeouts, test.ShouldEqual, uint64(1))
		test.That(t, stats.Retries, test.ShouldEqual, uint64(1))
		test.That(t, stats.Recoveries, test.ShouldEqual, uint64(1))
		test.That(t, testutils.MessagesAt(logs, zapcore.WarnLevel), test.ShouldResemble,
			[]string{"i2c transport timed out, recovering bus and retrying"})
		test.That(t, wire.Idle(), test.ShouldBeTrue)
	})

	t.Run("second timeout is returned", func(t *testing.T) {
		bus, wire := flakyBus(t, testutils.NewLogger(t), func(call int, _ *fake.Bus) bool {
			// the retry's address acknowledgement is the fourth read, after two recovery samples
			return call == 1 || call == 4
		})
		err := bus.Write(ctx, 0x29, []byte{0xb2})
		test.That(t, err, test.ShouldWrap, ErrBusTimeout)
		test.That(t, err, test.ShouldWrap, port.ErrTimeout)
		test.That(t, err.Error(), test.ShouldContainSubstring, "again after bus recovery")
		test.That(t, wire.Addressed(), test.ShouldResemble, []byte{0x52, 0x52})
		test.That(t, bus.Stats().Timeouts, test.ShouldEqual, uint64(2))
		test.That(t, bus.Stats().Retries, test.ShouldEqual, uint64(1))
		test.That(t, wire.Idle(), test.ShouldBeTrue)
	})

	t.Run("stuck bus is not retried", func(t *testing.T) {
		bus, wire := flakyBus(t, testutils.NewLogger(t), func(call int, wire *fake.Bus) bool {
			if call == 1 {
				wire.HoldSDALow(-1)
				return true
			}
			return false
		})
		err := bus.Write(ctx, 0x29, []byte{0xb2})
		test.That(t, err, test.ShouldWrap, ErrBusStuck)
		test.That(t, err.Error(), test.ShouldContainSubstring, "recovering bus")
		test.That(t, wire.Addressed(), test.ShouldResemble, []byte{0x52})
		test.That(t, bus.Stats().Retries, test.ShouldEqual, uint64(0))
		wire.HoldSDALow(0)
	})

	t.Run("other port errors are not retried", func(t *testing.T) {
		wire := fake.NewBus(0, 1)
		injected := &inject.Port{Port: wire}
		bus, err := NewBus(injected, Config{}, testutils.NewLogger(t), WithClock(newSleepCounter()))
		test.That(t, err, test.ShouldBeNil)
		injected.WriteFunc = func(value byte) error {
			return errUnplugged
		}
		err = bus.Write(ctx, 0x29, nil)
		test.That(t, err, test.ShouldWrap, errUnplugged)
		test.That(t, errors.Is(err, ErrBusTimeout), test.ShouldBeFalse)
		test.That(t, bus.Stats().Retries, test.ShouldEqual, uint64(0))
	})
}
