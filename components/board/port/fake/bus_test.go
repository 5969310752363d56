package fake

import (
	"context"
	"testing"

	"github.com/edaniels/golog"
	"go.viam.com/test"

	"go.viam.com/softi2c/components/board/port"
)

// master drives the bus directly through the port: SCL on bit 0 and SDA on bit 1.
type master struct {
	t   *testing.T
	bus *Bus
	out byte
}

func newMaster(t *testing.T, bus *Bus) *master {
	t.Helper()
	m := &master{t: t, bus: bus, out: 0x03}
	test.That(t, bus.Write(m.out), test.ShouldBeNil)
	test.That(t, bus.SetDirection(0x03, 0x03), test.ShouldBeNil)
	return m
}

func (m *master) lines(scl, sda bool) {
	m.out = 0
	if scl {
		m.out |= 0x01
	}
	if sda {
		m.out |= 0x02
	}
	test.That(m.t, m.bus.Write(m.out), test.ShouldBeNil)
}

func (m *master) driveSDA(drive bool) {
	var dir byte
	if drive {
		dir = 0x02
	}
	test.That(m.t, m.bus.SetDirection(0x02, dir), test.ShouldBeNil)
}

func (m *master) sda() bool {
	v, err := m.bus.Read(false)
	test.That(m.t, err, test.ShouldBeNil)
	return v&0x02 != 0
}

func (m *master) start() {
	m.driveSDA(true)
	m.lines(true, true)
	m.lines(true, false)
	m.lines(false, false)
}

func (m *master) stop() {
	m.driveSDA(true)
	m.lines(false, false)
	m.lines(true, false)
	m.lines(true, true)
}

func (m *master) writeBit(bit bool) {
	m.driveSDA(true)
	m.lines(false, bit)
	m.lines(true, bit)
	m.lines(false, bit)
}

func (m *master) readBit() bool {
	m.driveSDA(false)
	m.lines(true, true)
	bit := m.sda()
	m.lines(false, true)
	return bit
}

func (m *master) writeByte(b byte) bool {
	for i := 7; i >= 0; i-- {
		m.writeBit(b>>uint(i)&1 == 1)
	}
	return !m.readBit()
}

func (m *master) readByte(ack bool) byte {
	var b byte
	for i := 0; i < 8; i++ {
		b <<= 1
		if m.readBit() {
			b |= 1
		}
	}
	m.writeBit(!ack)
	return b
}

func bits(b byte) []Event {
	events := make([]Event, 0, 8)
	for i := 7; i >= 0; i-- {
		events = append(events, Event{Kind: Bit, High: b>>uint(i)&1 == 1})
	}
	return events
}

func TestBusConditions(t *testing.T) {
	bus := NewBus(0, 1)
	m := newMaster(t, bus)
	test.That(t, bus.Idle(), test.ShouldBeTrue)

	m.start()
	test.That(t, bus.Idle(), test.ShouldBeFalse)
	m.stop()
	test.That(t, bus.Idle(), test.ShouldBeTrue)
	test.That(t, bus.Events(), test.ShouldResemble, []Event{{Kind: Start}, {Kind: Stop}})
	test.That(t, bus.Transactions(), test.ShouldEqual, 1)

	bus.Reset()
	test.That(t, bus.Events(), test.ShouldBeEmpty)
	test.That(t, bus.Transactions(), test.ShouldEqual, 0)
}

func TestBusAddressing(t *testing.T) {
	bus := NewBus(0, 1)
	bus.Attach(0x42, AckAll{})
	m := newMaster(t, bus)

	t.Run("present device acks", func(t *testing.T) {
		bus.Reset()
		m.start()
		test.That(t, m.writeByte(0x42<<1), test.ShouldBeTrue)
		m.stop()
		want := []Event{{Kind: Start}}
		want = append(want, bits(0x84)...)
		want = append(want, Event{Kind: Bit, High: false}, Event{Kind: Stop})
		test.That(t, bus.Events(), test.ShouldResemble, want)
		test.That(t, bus.Addressed(), test.ShouldResemble, []byte{0x84})
	})

	t.Run("absent device nacks", func(t *testing.T) {
		bus.Reset()
		m.start()
		test.That(t, m.writeByte(0x43<<1|1), test.ShouldBeFalse)
		m.stop()
		test.That(t, bus.Idle(), test.ShouldBeTrue)
	})

	t.Run("detached device nacks", func(t *testing.T) {
		bus.Detach(0x42)
		defer bus.Attach(0x42, AckAll{})
		m.start()
		test.That(t, m.writeByte(0x42<<1), test.ShouldBeFalse)
		m.stop()
	})
}

func TestBusRegisterFile(t *testing.T) {
	bus := NewBus(0, 1)
	rf := &RegisterFile{}
	bus.Attach(0x29, rf)
	m := newMaster(t, bus)

	m.start()
	test.That(t, m.writeByte(0x29<<1), test.ShouldBeTrue)
	test.That(t, m.writeByte(0xa3), test.ShouldBeTrue)
	test.That(t, m.writeByte(0x11), test.ShouldBeTrue)
	test.That(t, m.writeByte(0x22), test.ShouldBeTrue)
	m.stop()
	test.That(t, rf.Register(0x03), test.ShouldEqual, byte(0x11))
	test.That(t, rf.Register(0x04), test.ShouldEqual, byte(0x22))

	m.start()
	test.That(t, m.writeByte(0x29<<1), test.ShouldBeTrue)
	test.That(t, m.writeByte(0xa3), test.ShouldBeTrue)
	m.stop()
	bus.Reset()
	m.start()
	test.That(t, m.writeByte(0x29<<1|1), test.ShouldBeTrue)
	test.That(t, m.readByte(true), test.ShouldEqual, byte(0x11))
	test.That(t, m.readByte(false), test.ShouldEqual, byte(0x22))
	m.stop()
	test.That(t, bus.MasterAcks(), test.ShouldResemble, []bool{true, false})

	t.Run("command bit required", func(t *testing.T) {
		m.start()
		test.That(t, m.writeByte(0x29<<1), test.ShouldBeTrue)
		test.That(t, m.writeByte(0x03), test.ShouldBeFalse)
		m.stop()
	})

	t.Run("special function", func(t *testing.T) {
		m.start()
		test.That(t, m.writeByte(0x29<<1), test.ShouldBeTrue)
		test.That(t, m.writeByte(0xe6), test.ShouldBeTrue)
		m.stop()
		test.That(t, rf.Commands(), test.ShouldResemble, []byte{0x06})
	})

	t.Run("nack after limit", func(t *testing.T) {
		rf.NackWritesAfter = 2
		defer func() { rf.NackWritesAfter = 0 }()
		m.start()
		test.That(t, m.writeByte(0x29<<1), test.ShouldBeTrue)
		test.That(t, m.writeByte(0xa0), test.ShouldBeTrue)
		test.That(t, m.writeByte(0x01), test.ShouldBeTrue)
		test.That(t, m.writeByte(0x02), test.ShouldBeFalse)
		m.stop()
		test.That(t, rf.Register(0x00), test.ShouldEqual, byte(0x01))
		test.That(t, rf.Register(0x01), test.ShouldEqual, byte(0x00))
	})
}

func TestBusHoldSDALow(t *testing.T) {
	bus := NewBus(0, 1)
	m := newMaster(t, bus)
	m.driveSDA(false)
	m.lines(false, true)

	bus.HoldSDALow(2)
	test.That(t, m.sda(), test.ShouldBeFalse)
	m.lines(true, true)
	m.lines(false, true)
	test.That(t, m.sda(), test.ShouldBeFalse)
	m.lines(true, true)
	m.lines(false, true)
	test.That(t, m.sda(), test.ShouldBeTrue)
	test.That(t, bus.HeldPulses(), test.ShouldEqual, 2)
	test.That(t, bus.Events(), test.ShouldBeEmpty)

	bus.HoldSDALow(-1)
	for i := 0; i < 20; i++ {
		m.lines(true, true)
		m.lines(false, true)
	}
	test.That(t, m.sda(), test.ShouldBeFalse)
	test.That(t, bus.HeldPulses(), test.ShouldEqual, 20)

	bus.HoldSDALow(0)
	test.That(t, m.sda(), test.ShouldBeTrue)
}

func TestBusAuxBits(t *testing.T) {
	bus := NewBus(0, 1)
	test.That(t, bus.SetDirection(0x0b, 0x0b), test.ShouldBeNil)
	test.That(t, bus.Write(0x0b), test.ShouldBeNil)
	v, err := bus.Read(false)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, v, test.ShouldEqual, byte(0x0b))
	test.That(t, bus.Directions(), test.ShouldEqual, byte(0x0b))

	test.That(t, bus.Write(0x08), test.ShouldBeNil)
	v, err = bus.Read(true)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, v, test.ShouldEqual, byte(0x08))
	test.That(t, bus.Writes(), test.ShouldResemble, []byte{0x0b, 0x08})

	test.That(t, bus.Close(), test.ShouldBeNil)
	_, err = bus.Read(false)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, bus.Write(0), test.ShouldNotBeNil)
}

func TestTCS3472Model(t *testing.T) {
	rf := NewTCS3472(0x4d)
	test.That(t, rf.Register(tcsID), test.ShouldEqual, byte(0x4d))
	SetColor(rf, 0x1234, 1, 2, 0xff00)
	test.That(t, rf.Register(tcsStatus), test.ShouldEqual, byte(tcsAValid|tcsAInt))
	test.That(t, rf.Register(tcsCData), test.ShouldEqual, byte(0x34))
	test.That(t, rf.Register(tcsCData+1), test.ShouldEqual, byte(0x12))
	test.That(t, rf.Register(tcsCData+7), test.ShouldEqual, byte(0xff))

	test.That(t, rf.Address(false), test.ShouldBeTrue)
	test.That(t, rf.WriteByte(0xe6), test.ShouldBeTrue)
	test.That(t, rf.Register(tcsStatus), test.ShouldEqual, byte(tcsAValid))
}

func TestRegisteredScheme(t *testing.T) {
	logger := golog.NewTestLogger(t)
	p, err := port.Open(context.Background(), "fake://?scl=2&sda=5", logger)
	test.That(t, err, test.ShouldBeNil)
	bus, ok := p.(*Bus)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, bus.scl, test.ShouldEqual, byte(0x04))
	test.That(t, bus.sda, test.ShouldEqual, byte(0x20))
	test.That(t, bus.devices, test.ShouldContainKey, byte(0x29))

	_, err = port.Open(context.Background(), "fake://?sda=9", logger)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "not 0-7")
}

func TestFreeRunningTCS3472(t *testing.T) {
	rf := NewFreeRunningTCS3472(0x44)
	test.That(t, rf.Address(true), test.ShouldBeTrue)
	test.That(t, rf.ReadByte(), test.ShouldEqual, byte(0x00))
	test.That(t, rf.Register(tcsStatus), test.ShouldEqual, byte(0))

	rf.SetRegister(tcsEnable, 0x0b)
	test.That(t, rf.Address(false), test.ShouldBeTrue)
	test.That(t, rf.WriteByte(0xa0|tcsStatus), test.ShouldBeTrue)
	test.That(t, rf.ReadByte()&tcsAInt, test.ShouldEqual, byte(tcsAInt))
	test.That(t, rf.Register(tcsCData), test.ShouldEqual, byte(1000&0xff))
	test.That(t, rf.Register(tcsCData+1), test.ShouldEqual, byte(1000>>8))

	test.That(t, rf.Address(false), test.ShouldBeTrue)
	test.That(t, rf.WriteByte(0xe6), test.ShouldBeTrue)
	test.That(t, rf.Address(false), test.ShouldBeTrue)
	test.That(t, rf.WriteByte(0xa0|tcsStatus), test.ShouldBeTrue)
	test.That(t, rf.ReadByte()&tcsAInt, test.ShouldEqual, byte(tcsAInt))
	test.That(t, rf.Register(tcsCData), test.ShouldEqual, byte(1001&0xff))
}
