// Package fake implements a simulated I2C bus behind a GPIO port, with slave devices that follow
// the protocol bit by bit. The bus records every START, STOP and clocked bit so tests can check
// exactly what a master put on the wire. It registers the "fake" port scheme, which comes up with a
// free running simulated TCS3472 colour sensor at 0x29 for dry runs.
package fake

import (
	"context"
	"net/url"
	"strconv"
	"sync"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"

	"go.viam.com/softi2c/components/board/port"
)

func init() {
	port.Register("fake", func(ctx context.Context, u *url.URL, logger golog.Logger) (port.Port, error) {
		scl, sda := uint(0), uint(1)
		for key, bit := range map[string]*uint{"scl": &scl, "sda": &sda} {
			if raw := u.Query().Get(key); raw != "" {
				v, err := strconv.ParseUint(raw, 10, 3)
				if err != nil {
					return nil, errors.Errorf("fake port %s bit %q is not 0-7", key, raw)
				}
				*bit = uint(v)
			}
		}
		bus := NewBus(scl, sda)
		bus.Attach(0x29, NewFreeRunningTCS3472(0x44))
		logger.Debugw("opened fake i2c port", "scl", scl, "sda", sda)
		return bus, nil
	})
}

// EventKind says what happened on the simulated wires.
type EventKind int

const (
	// Start is a START (or repeated START) condition.
	Start EventKind = iota
	// Stop is a STOP condition.
	Stop
	// Bit is a rising clock edge inside a transaction, sampling SDA.
	Bit
)

func (k EventKind) String() string {
	switch k {
	case Start:
		return "START"
	case Stop:
		return "STOP"
	case Bit:
		return "BIT"
	default:
		return "EventKind(" + strconv.Itoa(int(k)) + ")"
	}
}

// An Event is one observation of the bus. High is the SDA level for Bit events.
type Event struct {
	Kind EventKind
	High bool
}

type slaveState int

const (
	idle slaveState = iota
	receivingAddress
	receiving
	acking
	transmitting
	awaitingMasterAck
	ignoring
)

// Bus is a simulated open-drain I2C bus wired to two bits of an 8-bit port. Lines are pulled up;
// either side can pull SDA low and the master alone drives SCL. It implements port.Port.
type Bus struct {
	mu       sync.Mutex
	scl, sda byte
	devices  map[byte]Device
	closed   bool

	// Master side of the port.
	dir, out byte
	writes   []byte

	// Wire levels after the last port operation.
	sclHigh, sdaHigh bool

	// Slave side.
	state        slaveState
	current      Device
	reading      bool
	shift        byte
	bits         int
	tx           byte
	pending      bool
	sampled      bool
	slaveLow     bool
	holdPulses   int
	heldPulses   int
	events       []Event
	masterAcks   []bool
	addressed    []byte
	transactions int
}

// NewBus returns an idle bus with SCL and SDA on the given port bits and no devices.
func NewBus(sclBit, sdaBit uint) *Bus {
	return &Bus{
		scl:     1 << sclBit,
		sda:     1 << sdaBit,
		devices: map[byte]Device{},
		sclHigh: true,
		sdaHigh: true,
	}
}

// Attach places a device at a 7-bit address.
func (b *Bus) Attach(addr byte, dev Device) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.devices[addr] = dev
}

// Detach removes the device at addr.
func (b *Bus) Detach(addr byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.devices, addr)
}

// HoldSDALow makes a slave pull SDA low for the given number of SCL pulses, as a slave reset
// halfway through sending a zero bit would. A negative count holds it forever. Any transaction in
// progress is forgotten.
func (b *Bus) HoldSDALow(pulses int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.holdPulses = pulses
	b.heldPulses = 0
	b.state = idle
	b.current = nil
	b.slaveLow = false
	b.sdaHigh = b.lineSDA()
}

// HeldPulses returns how many SCL pulses arrived while SDA was held by HoldSDALow.
func (b *Bus) HeldPulses() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.heldPulses
}

// Events returns everything observed since the last Reset.
func (b *Bus) Events() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Event(nil), b.events...)
}

// MasterAcks returns, in order, the acknowledge bits the master sent after bytes it read: true
// for ACK, false for NACK.
func (b *Bus) MasterAcks() []bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]bool(nil), b.masterAcks...)
}

// Addressed returns every address byte (address and R/W bit) clocked in after a START.
func (b *Bus) Addressed() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.addressed...)
}

// Writes returns every value written to the port.
func (b *Bus) Writes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.writes...)
}

// Directions returns the current direction byte of the port.
func (b *Bus) Directions() byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dir
}

// Transactions counts STOP conditions seen.
func (b *Bus) Transactions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.transactions
}

// Reset clears the recorded history.
func (b *Bus) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = nil
	b.masterAcks = nil
	b.addressed = nil
	b.writes = nil
	b.transactions = 0
}

// Idle reports whether both lines are high and no transaction is in progress.
func (b *Bus) Idle() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sclHigh && b.sdaHigh && b.state == idle
}

// SetDirection implements port.Port.
func (b *Bus) SetDirection(mask, directions byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New("fake port is closed")
	}
	b.dir = b.dir&^mask | directions&mask
	b.update()
	return nil
}

// Write implements port.Port.
func (b *Bus) Write(value byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New("fake port is closed")
	}
	b.out = value
	b.writes = append(b.writes, value)
	b.update()
	return nil
}

// Read implements port.Port. The I2C bits read the wire levels; other bits read back the last
// written value.
func (b *Bus) Read(peek bool) (byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, errors.New("fake port is closed")
	}
	value := b.out &^ (b.scl | b.sda)
	if b.sclHigh {
		value |= b.scl
	}
	if b.sdaHigh {
		value |= b.sda
	}
	return value, nil
}

// Close implements port.Port.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *Bus) masterHigh(bit byte) bool {
	return b.dir&bit == 0 || b.out&bit != 0
}

func (b *Bus) lineSDA() bool {
	return b.masterHigh(b.sda) && !b.slaveLow && b.holdPulses == 0
}

// update applies a master-side change to the wires. A clock edge is handled first; a change of
// SDA while SCL stays high is a START or STOP.
func (b *Bus) update() {
	wasSCL, wasSDA := b.sclHigh, b.sdaHigh
	b.sclHigh = b.masterHigh(b.scl)
	if b.sclHigh != wasSCL {
		if b.sclHigh {
			b.risingEdge()
		} else {
			b.fallingEdge()
		}
		b.sdaHigh = b.lineSDA()
		return
	}
	b.sdaHigh = b.lineSDA()
	if !b.sclHigh || b.sdaHigh == wasSDA {
		return
	}
	if b.sdaHigh {
		b.stopCondition()
	} else {
		b.startCondition()
	}
}

func (b *Bus) startCondition() {
	b.events = append(b.events, Event{Kind: Start})
	b.state = receivingAddress
	b.current = nil
	b.shift, b.bits = 0, 0
	b.slaveLow = false
	b.pending = false
}

func (b *Bus) stopCondition() {
	b.events = append(b.events, Event{Kind: Stop})
	b.transactions++
	if b.current != nil {
		b.current.Stop()
	}
	b.current = nil
	b.state = idle
	b.slaveLow = false
	b.pending = false
}

// risingEdge samples SDA. The bit only counts once SCL falls again without a START or STOP in
// between.
func (b *Bus) risingEdge() {
	switch {
	case b.holdPulses > 0:
		b.heldPulses++
		b.holdPulses--
		return
	case b.holdPulses < 0:
		b.heldPulses++
		return
	}
	if b.state == idle {
		return
	}
	b.pending = true
	b.sampled = b.lineSDA()
}

func (b *Bus) fallingEdge() {
	if !b.pending {
		return
	}
	b.pending = false
	high := b.sampled
	b.events = append(b.events, Event{Kind: Bit, High: high})

	switch b.state {
	case receivingAddress, receiving:
		b.shift <<= 1
		if high {
			b.shift |= 1
		}
		b.bits++
		if b.bits < 8 {
			return
		}
		if b.state == receivingAddress {
			b.addressByte()
			return
		}
		if b.current.WriteByte(b.shift) {
			b.ack()
		} else {
			b.state = ignoring
		}
	case acking:
		b.slaveLow = false
		if b.reading {
			b.load()
		} else {
			b.state = receiving
			b.shift, b.bits = 0, 0
		}
	case transmitting:
		b.bits++
		if b.bits < 8 {
			b.slaveLow = b.tx&(0x80>>b.bits) == 0
			return
		}
		b.slaveLow = false
		b.state = awaitingMasterAck
	case awaitingMasterAck:
		b.masterAcks = append(b.masterAcks, !high)
		if !high {
			b.load()
		} else {
			b.state = ignoring
		}
	case idle, ignoring:
	}
}

func (b *Bus) addressByte() {
	addr, read := b.shift>>1, b.shift&1 == 1
	b.addressed = append(b.addressed, b.shift)
	dev := b.devices[addr]
	if dev == nil || !dev.Address(read) {
		b.state = ignoring
		return
	}
	b.current, b.reading = dev, read
	b.ack()
}

func (b *Bus) ack() {
	b.slaveLow = true
	b.state = acking
}

func (b *Bus) load() {
	b.tx = b.current.ReadByte()
	b.bits = 0
	b.state = transmitting
	b.slaveLow = b.tx&0x80 == 0
}
