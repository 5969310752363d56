package softi2c

import (
	"context"

	"github.com/pkg/errors"
)

// RegisterFormat describes how a device selects a register: the first byte of every register
// access is Prefix | (reg & Mask).
type RegisterFormat struct {
	Prefix byte
	Mask   byte
}

// DefaultRegisterFormat is the TAOS/AMS command byte: bit 7 marks a command, type 01 in bits 6:5
// auto-increments the register address, bits 4:0 hold the register.
var DefaultRegisterFormat = RegisterFormat{Prefix: 0xa0, Mask: 0x1f}

// PlainRegisterFormat sends the register address unchanged, as most I2C devices expect.
var PlainRegisterFormat = RegisterFormat{Prefix: 0x00, Mask: 0xff}

// Command returns the command byte selecting reg.
func (f RegisterFormat) Command(reg byte) byte {
	return f.Prefix | reg&f.Mask
}

// I2CHandle is the register level view of one device on a bus.
type I2CHandle interface {
	Write(ctx context.Context, tx []byte) error
	Read(ctx context.Context, count int) ([]byte, error)

	ReadByteData(ctx context.Context, register byte) (byte, error)
	WriteByteData(ctx context.Context, register, data byte) error

	ReadBlockData(ctx context.Context, register byte, numBytes uint8) ([]byte, error)
	WriteBlockData(ctx context.Context, register byte, data []byte) error

	// Close releases the handle, and the bus if the handle owns it.
	Close() error
}

var _ I2CHandle = (*Device)(nil)

// An I2CRegister is a lightweight wrapper around a handle for a particular register.
type I2CRegister struct {
	Handle   I2CHandle
	Register byte
}

// ReadByteData reads the register.
func (reg *I2CRegister) ReadByteData(ctx context.Context) (byte, error) {
	return reg.Handle.ReadByteData(ctx, reg.Register)
}

// WriteByteData writes the register.
func (reg *I2CRegister) WriteByteData(ctx context.Context, data byte) error {
	return reg.Handle.WriteByteData(ctx, reg.Register, data)
}

// Device is a device at a fixed address on a Bus.
type Device struct {
	bus     *Bus
	addr    byte
	format  RegisterFormat
	ownsBus bool
}

// Device returns a handle for the device at addr, using the bus's register format.
func (b *Bus) Device(addr byte) (*Device, error) {
	if err := checkAddress(addr); err != nil {
		return nil, err
	}
	return &Device{bus: b, addr: addr, format: b.format}, nil
}

// WithFormat returns a handle to the same device using format. It never owns the bus.
func (d *Device) WithFormat(format RegisterFormat) *Device {
	return &Device{bus: d.bus, addr: d.addr, format: format}
}

// Address returns the 7-bit device address.
func (d *Device) Address() byte {
	return d.addr
}

// Bus returns the bus the device is on.
func (d *Device) Bus() *Bus {
	return d.bus
}

// ReadRegister selects reg with a write and reads length bytes in a second transaction. If the
// select is not acknowledged the read is not attempted.
func (d *Device) ReadRegister(ctx context.Context, reg byte, length int) ([]byte, error) {
	if length < 1 {
		return nil, errors.Errorf("cannot read %d bytes from register 0x%02x, need at least 1", length, reg)
	}
	var data []byte
	err := d.bus.do(ctx, func() error {
		if _, err := d.bus.transfer(d.addr, false, []byte{d.format.Command(reg)}, 0); err != nil {
			return err
		}
		var err error
		data, err = d.bus.transfer(d.addr, true, nil, length)
		return err
	})
	if err != nil {
		return nil, errors.Wrapf(err, "reading register 0x%02x", reg)
	}
	return data, nil
}

// WriteRegister writes data to reg and the registers after it in one transaction.
func (d *Device) WriteRegister(ctx context.Context, reg byte, data []byte) error {
	payload := make([]byte, 0, len(data)+1)
	payload = append(payload, d.format.Command(reg))
	payload = append(payload, data...)
	err := d.bus.do(ctx, func() error {
		_, err := d.bus.transfer(d.addr, false, payload, 0)
		return err
	})
	return errors.Wrapf(err, "writing register 0x%02x", reg)
}

// Write sends raw bytes to the device, with no register selection.
func (d *Device) Write(ctx context.Context, tx []byte) error {
	return d.bus.Write(ctx, d.addr, tx)
}

// Read reads count raw bytes from the device.
func (d *Device) Read(ctx context.Context, count int) ([]byte, error) {
	return d.bus.Read(ctx, d.addr, count)
}

// ReadByteData reads one register.
func (d *Device) ReadByteData(ctx context.Context, register byte) (byte, error) {
	data, err := d.ReadRegister(ctx, register, 1)
	if err != nil {
		return 0, err
	}
	return data[0], nil
}

// WriteByteData writes one register.
func (d *Device) WriteByteData(ctx context.Context, register, data byte) error {
	return d.WriteRegister(ctx, register, []byte{data})
}

// ReadBlockData reads numBytes consecutive registers.
func (d *Device) ReadBlockData(ctx context.Context, register byte, numBytes uint8) ([]byte, error) {
	return d.ReadRegister(ctx, register, int(numBytes))
}

// WriteBlockData writes consecutive registers.
func (d *Device) WriteBlockData(ctx context.Context, register byte, data []byte) error {
	return d.WriteRegister(ctx, register, data)
}

// Close closes the bus if the device was opened with Open.
func (d *Device) Close() error {
	if !d.ownsBus {
		return nil
	}
	return d.bus.Close()
}
