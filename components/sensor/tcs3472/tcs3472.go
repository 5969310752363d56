// Package tcs3472 drives a TAOS/AMS TCS3472 colour light-to-digital converter on a software I2C
// bus. The sensor integrates clear, red, green and blue photodiode currents over a programmable
// time and raises an interrupt flag when a new measurement is ready.
//
// Register access uses the TCS3472 command byte: 0xa0 | register selects a register with address
// auto-increment, and 0xe6 is the special function that clears the interrupt flag. The ID register
// reads 0x44 on the TCS34721/TCS34725 and 0x4d on the TCS34723/TCS34727.
//
// The LED lighting the sample hangs off an auxiliary bit of the GPIO port carrying the bus.
package tcs3472

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/utils"

	"go.viam.com/softi2c/components/board/softi2c"
)

// Register map.
const (
	regEnable  = 0x00
	regATime   = 0x01
	regConfig  = 0x0d
	regControl = 0x0f
	regID      = 0x12
	regStatus  = 0x13
	regCData   = 0x14

	registerCount = 0x1c

	// special function: clear RGBC interrupt
	cmdClearInterrupt = 0xe6

	statusAValid = 0x01
	statusAInt   = 0x10

	// PON | AEN | WEN
	enableRunning = 0x0b
	// PON | AIEN
	enablePowerOn = 0x11

	// time the oscillator needs after power on before the ADC may be enabled
	powerOnDelay = 2400 * time.Microsecond
	// length of one integration cycle
	cycle = 2400 * time.Microsecond
)

// IDs the driver accepts.
const (
	IDTCS34725 = 0x44
	IDTCS34727 = 0x4d
)

var gainMultipliers = [4]int{1, 4, 16, 60}

// Measurement is one RGBC reading, in raw ADC counts.
type Measurement struct {
	Clear uint16
	Red   uint16
	Green uint16
	Blue  uint16
}

// Sensor is a TCS3472 on a software I2C bus.
type Sensor struct {
	dev     *softi2c.Device
	id      byte
	ledBit  uint
	clk     clock.Clock
	logger  golog.Logger
	ownsDev bool

	mu       sync.Mutex
	gain     int
	itime    int
	prepared bool
	// lost is set when a prepared sensor stops answering; the next read prepares it again.
	lost     bool
	latest   *Measurement
	err      error

	pollingStarted bool

	cancelCtx               context.Context
	cancelFunc              func()
	activeBackgroundWorkers sync.WaitGroup
}

// An Option customizes a Sensor.
type Option func(*Sensor)

// WithClock makes the sensor wait with clk.
func WithClock(clk clock.Clock) Option {
	return func(s *Sensor) {
		s.clk = clk
	}
}

// NewFromConfig opens the bus in cfg and the sensor on it. Closing the sensor closes the bus.
func NewFromConfig(ctx context.Context, cfg Config, logger golog.Logger, opts ...Option) (*Sensor, error) {
	if err := cfg.Validate("tcs3472"); err != nil {
		return nil, err
	}
	dev, err := softi2c.Open(ctx, cfg.Bus, cfg.address(), logger)
	if err != nil {
		return nil, err
	}
	s, err := New(ctx, dev, cfg, logger, opts...)
	if err != nil {
		return nil, multierr.Combine(err, dev.Close())
	}
	s.ownsDev = true
	return s, nil
}

// New checks the identity of the sensor behind dev. The sensor is left powered down; call Prepare
// to start measuring.
func New(ctx context.Context, dev *softi2c.Device, cfg Config, logger golog.Logger, opts ...Option) (*Sensor, error) {
	if err := multierr.Combine(checkGain(cfg.gain()), checkIntegrationTime(cfg.integrationTime())); err != nil {
		return nil, err
	}
	cancelCtx, cancelFunc := context.WithCancel(context.Background())
	s := &Sensor{
		dev:        dev,
		ledBit:     cfg.ledBit(),
		clk:        clock.New(),
		logger:     logger,
		gain:       cfg.gain(),
		itime:      cfg.integrationTime(),
		cancelCtx:  cancelCtx,
		cancelFunc: cancelFunc,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.identify(ctx); err != nil {
		cancelFunc()
		return nil, err
	}
	logger.Debugf("found tcs3472 id 0x%02x at 0x%02x", s.id, dev.Address())
	return s, nil
}

// identify reads the ID register and accepts the parts this driver knows.
func (s *Sensor) identify(ctx context.Context) error {
	id, err := s.dev.ReadByteData(ctx, regID)
	if err != nil {
		if errors.Is(err, softi2c.ErrAddressNacked) {
			return errors.Wrapf(err, "no tcs3472 found at 0x%02x on %s", s.dev.Address(), s.dev.Bus())
		}
		return err
	}
	if id != IDTCS34725 && id != IDTCS34727 {
		return softi2c.NewUnexpectedIdentityError(regID, id, IDTCS34725, IDTCS34727)
	}
	s.id = id
	return nil
}

// ID returns the value of the ID register.
func (s *Sensor) ID() byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Prepare powers the sensor up with the configured gain and integration time and starts the
// ADC. The interrupt thresholds are set so every completed integration raises the interrupt flag.
func (s *Sensor) Prepare(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prepare(ctx)
}

func (s *Sensor) prepare(ctx context.Context) error {
	// ENABLE, ATIME, reserved, WTIME, AILTL, AILTH, AIHTL, AIHTH
	if err := s.dev.WriteRegister(ctx, regEnable, []byte{
		enablePowerOn, byte(0xff - s.itime), 0x00, 0x80, 0xff, 0xff, 0x00, 0x00,
	}); err != nil {
		return errors.Wrap(err, "configuring tcs3472")
	}
	if err := s.dev.WriteByteData(ctx, regConfig, 0x00); err != nil {
		return err
	}
	if err := s.dev.WriteByteData(ctx, regControl, byte(s.gain)); err != nil {
		return err
	}
	s.clk.Sleep(powerOnDelay)
	if err := s.dev.WriteByteData(ctx, regEnable, enableRunning); err != nil {
		return errors.Wrap(err, "enabling tcs3472 adc")
	}
	s.prepared = true
	s.lost = false
	return nil
}

// reprepare checks the identity of a lost sensor again and sets it up from scratch. A sensor
// that was unplugged or lost power comes back with its ADC off and would never measure again.
func (s *Sensor) reprepare(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.lost {
		return nil
	}
	if err := s.identify(ctx); err != nil {
		return err
	}
	if err := s.prepare(ctx); err != nil {
		return err
	}
	s.logger.Infow("tcs3472 answers again, prepared it", "address", s.dev.Address(), "id", s.id)
	return nil
}

// SetGain selects the analog gain: 0, 1, 2 or 3 for 1x, 4x, 16x or 60x.
func (s *Sensor) SetGain(ctx context.Context, gain int) error {
	if err := checkGain(gain); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.prepared {
		if err := s.dev.WriteByteData(ctx, regControl, byte(gain)); err != nil {
			return err
		}
	}
	s.gain = gain
	return nil
}

// SetIntegrationTime sets the integration time to itime+1 cycles of 2.4ms, itime being 0-255.
func (s *Sensor) SetIntegrationTime(ctx context.Context, itime int) error {
	if err := checkIntegrationTime(itime); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.prepared {
		if err := s.dev.WriteByteData(ctx, regATime, byte(0xff-itime)); err != nil {
			return err
		}
	}
	s.itime = itime
	return nil
}

// IntegrationDuration returns how long one measurement takes with the current settings.
func (s *Sensor) IntegrationDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Duration(s.itime+1) * cycle
}

// SetLED switches the illumination LED.
func (s *Sensor) SetLED(on bool) error {
	return s.dev.Bus().SetAuxOutput(s.ledBit, on)
}

// ReadMeasurement fetches a new measurement. If none has completed since the last call it returns
// false. A new measurement clears the interrupt flag before the data registers are read. When a
// prepared sensor fails to answer, the next call checks its identity and prepares it again.
func (s *Sensor) ReadMeasurement(ctx context.Context) (Measurement, bool, error) {
	if err := s.reprepare(ctx); err != nil {
		return Measurement{}, false, err
	}
	status, err := s.dev.ReadByteData(ctx, regStatus)
	if err != nil {
		if ctx.Err() == nil {
			s.mu.Lock()
			if s.prepared {
				s.prepared = false
				s.lost = true
			}
			s.mu.Unlock()
		}
		return Measurement{}, false, err
	}
	if status&statusAInt == 0 {
		return Measurement{}, false, nil
	}
	if err := s.dev.Write(ctx, []byte{cmdClearInterrupt}); err != nil {
		return Measurement{}, false, errors.Wrap(err, "clearing tcs3472 interrupt")
	}
	data, err := s.dev.ReadRegister(ctx, regCData, 8)
	if err != nil {
		return Measurement{}, false, err
	}
	m := Measurement{
		Clear: binary.LittleEndian.Uint16(data[0:2]),
		Red:   binary.LittleEndian.Uint16(data[2:4]),
		Green: binary.LittleEndian.Uint16(data[4:6]),
		Blue:  binary.LittleEndian.Uint16(data[6:8]),
	}
	s.mu.Lock()
	s.latest = &m
	s.err = nil
	s.mu.Unlock()
	return m, true, nil
}

// Registers reads the whole register bank and checks the ID register within it.
func (s *Sensor) Registers(ctx context.Context) ([]byte, error) {
	regs, err := s.dev.ReadRegister(ctx, regEnable, registerCount)
	if err != nil {
		return nil, err
	}
	if id := s.ID(); regs[regID] != id {
		return regs, softi2c.NewUnexpectedIdentityError(regID, regs[regID], id)
	}
	return regs, nil
}

// Valid reports whether the status register says a completed measurement is available.
func (s *Sensor) Valid(ctx context.Context) (bool, error) {
	status, err := s.dev.ReadByteData(ctx, regStatus)
	if err != nil {
		return false, err
	}
	return status&statusAValid != 0, nil
}

// Readings returns the latest measurement and the settings it was taken with. It reads the sensor
// first unless background polling is running.
func (s *Sensor) Readings(ctx context.Context, extra map[string]interface{}) (map[string]interface{}, error) {
	if !s.polling() {
		if _, _, err := s.ReadMeasurement(ctx); err != nil {
			return nil, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	if s.latest == nil {
		return nil, errors.New("no tcs3472 measurement available yet")
	}
	return map[string]interface{}{
		"clear":            int(s.latest.Clear),
		"red":              int(s.latest.Red),
		"green":            int(s.latest.Green),
		"blue":             int(s.latest.Blue),
		"gain":             gainMultipliers[s.gain],
		"integration_time": time.Duration(s.itime+1) * cycle,
	}, nil
}

// Poll reads the sensor every interval and calls fn with each new measurement until ctx is done
// or either fails.
func (s *Sensor) Poll(ctx context.Context, interval time.Duration, fn func(Measurement) error) error {
	for {
		m, ok, err := s.ReadMeasurement(ctx)
		if err != nil {
			return err
		}
		if ok {
			if err := fn(m); err != nil {
				return err
			}
		}
		if !utils.SelectContextOrWait(ctx, interval) {
			return ctx.Err()
		}
	}
}

// StartPolling reads the sensor in the background every interval, keeping the latest
// measurement for Readings. Only the first call starts a worker. Errors are logged and returned by Readings until a read succeeds.
func (s *Sensor) StartPolling(interval time.Duration) {
	s.mu.Lock()
	if s.pollingStarted {
		s.mu.Unlock()
		return
	}
	s.pollingStarted = true
	s.mu.Unlock()
	s.activeBackgroundWorkers.Add(1)
	utils.PanicCapturingGo(func() {
		defer s.activeBackgroundWorkers.Done()
		for {
			if _, _, err := s.ReadMeasurement(s.cancelCtx); err != nil && s.cancelCtx.Err() == nil {
				s.logger.Infow("error reading tcs3472", "error", err)
				s.mu.Lock()
				s.err = err
				s.mu.Unlock()
			}
			if !utils.SelectContextOrWait(s.cancelCtx, interval) {
				return
			}
		}
	})
}

func (s *Sensor) polling() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pollingStarted
}

// Close stops background polling and closes the bus if the sensor opened it.
func (s *Sensor) Close() error {
	s.cancelFunc()
	s.activeBackgroundWorkers.Wait()
	if s.ownsDev {
		return s.dev.Close()
	}
	return nil
}
