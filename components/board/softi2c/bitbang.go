package softi2c

// The bit level engine. Every method here is called with b.mu held and leaves SCL low unless it
// ends the transaction. Each line change is followed by a half clock period.

func (b *Bus) portValue() byte {
	v := b.auxOut &^ (b.scl | b.sda)
	if b.sclHigh {
		v |= b.scl
	}
	if b.sdaHigh {
		v |= b.sda
	}
	return v
}

func (b *Bus) portDirection() byte {
	d := b.scl | b.auxDir&^(b.scl|b.sda)
	if b.sdaDriven {
		d |= b.sda
	}
	return d
}

func (b *Bus) setLines(scl, sda bool) error {
	b.sclHigh, b.sdaHigh = scl, sda
	if err := b.port.Write(b.portValue()); err != nil {
		return transportError(err)
	}
	if b.halfPeriod > 0 {
		b.clk.Sleep(b.halfPeriod)
	}
	return nil
}

// driveSDA switches SDA between driven and released.
func (b *Bus) driveSDA(drive bool) error {
	if b.sdaDriven == drive {
		return nil
	}
	b.sdaDriven = drive
	if err := b.port.SetDirection(0xff, b.portDirection()); err != nil {
		b.sdaDriven = !drive
		return transportError(err)
	}
	return nil
}

func (b *Bus) sampleSDA() (bool, error) {
	v, err := b.port.Read(true)
	if err != nil {
		return false, transportError(err)
	}
	return v&b.sda != 0, nil
}

// start issues a START, or a repeated START when SCL is low: SDA falls while SCL is high.
func (b *Bus) start() error {
	if !b.sclHigh {
		if err := b.setLines(false, true); err != nil {
			return err
		}
	}
	if err := b.setLines(true, true); err != nil {
		return err
	}
	if err := b.driveSDA(true); err != nil {
		return err
	}
	if err := b.setLines(true, false); err != nil {
		return err
	}
	return b.setLines(false, false)
}

// stop issues a STOP, SDA rising while SCL is high, and releases SDA.
func (b *Bus) stop() error {
	if b.sclHigh {
		if err := b.setLines(false, b.sdaHigh); err != nil {
			return err
		}
	}
	if err := b.setLines(false, false); err != nil {
		return err
	}
	if err := b.driveSDA(true); err != nil {
		return err
	}
	if err := b.setLines(true, false); err != nil {
		return err
	}
	if err := b.setLines(true, true); err != nil {
		return err
	}
	return b.driveSDA(false)
}

// writeBit puts bit on SDA while SCL is low and clocks it.
func (b *Bus) writeBit(bit bool) error {
	if err := b.setLines(false, bit); err != nil {
		return err
	}
	if err := b.driveSDA(true); err != nil {
		return err
	}
	if err := b.setLines(true, bit); err != nil {
		return err
	}
	return b.setLines(false, bit)
}

// readBit releases SDA and samples it while SCL is high.
func (b *Bus) readBit() (bool, error) {
	if err := b.driveSDA(false); err != nil {
		return false, err
	}
	if err := b.setLines(true, true); err != nil {
		return false, err
	}
	bit, err := b.sampleSDA()
	if err != nil {
		return false, err
	}
	return bit, b.setLines(false, true)
}

// writeByte sends v MSB first and reports whether the slave acknowledged it (pulled SDA low).
func (b *Bus) writeByte(v byte) (bool, error) {
	for i := 7; i >= 0; i-- {
		if err := b.writeBit(v&(1<<uint(i)) != 0); err != nil {
			return false, err
		}
	}
	nack, err := b.readBit()
	if err != nil {
		return false, err
	}
	return !nack, nil
}

// readByte receives a byte MSB first, then acknowledges it if ack is set or NACKs it to tell the
// slave to stop sending.
func (b *Bus) readByte(ack bool) (byte, error) {
	var v byte
	for i := 0; i < 8; i++ {
		bit, err := b.readBit()
		if err != nil {
			return 0, err
		}
		v <<= 1
		if bit {
			v |= 1
		}
	}
	return v, b.writeBit(!ack)
}
