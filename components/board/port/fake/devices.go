package fake

import "sync"

// A Device is a slave on the simulated bus. The bus calls it at byte boundaries; the bit level
// handshake is done by the bus.
type Device interface {
	// Address is called when the device's address is clocked in. Returning false NACKs it.
	Address(read bool) bool
	// WriteByte receives a byte from the master. Returning false NACKs it.
	WriteByte(b byte) bool
	// ReadByte returns the next byte to send to the master.
	ReadByte() byte
	// Stop ends the transaction.
	Stop()
}

// AckAll acknowledges every address and byte and sends 0xff.
type AckAll struct{}

// Address implements Device.
func (AckAll) Address(bool) bool { return true }

// WriteByte implements Device.
func (AckAll) WriteByte(byte) bool { return true }

// ReadByte implements Device.
func (AckAll) ReadByte() byte { return 0xff }

// Stop implements Device.
func (AckAll) Stop() {}

const (
	commandBit     = 0x80
	commandType    = 0x60
	autoIncrement  = 0x20
	specialCommand = 0x60
	registerMask   = 0x1f
)

// RegisterFile is a device with 32 byte registers addressed the way TAOS/AMS light sensors do it:
// the first byte of a write is a command byte with bit 7 set, the register in bits 4:0 and the
// transaction type in bits 6:5. Type 01 auto-increments the register pointer, type 11 is a
// special function whose code is in bits 4:0 and touches no register.
type RegisterFile struct {
	mu       sync.Mutex
	Regs     [32]byte
	pointer  byte
	autoInc  bool
	first    bool
	commands []byte
	// NackWritesAfter, if positive, NACKs every data byte after that many bytes of a write.
	NackWritesAfter int
	written         int
	// OnCommand is called with the special function code, under the device lock.
	OnCommand func(rf *RegisterFile, code byte)
	// OnWrite is called after a register is written, under the device lock.
	OnWrite func(rf *RegisterFile, reg byte)
	// OnRead is called before a register is read, under the device lock.
	OnRead func(rf *RegisterFile, reg byte)
}

// Address implements Device.
func (rf *RegisterFile) Address(read bool) bool {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	rf.first = !read
	rf.written = 0
	return true
}

// WriteByte implements Device.
func (rf *RegisterFile) WriteByte(b byte) bool {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	if rf.NackWritesAfter > 0 && rf.written >= rf.NackWritesAfter {
		return false
	}
	rf.written++
	if rf.first {
		rf.first = false
		if b&commandBit == 0 {
			return false
		}
		if b&commandType == specialCommand {
			code := b & registerMask
			rf.commands = append(rf.commands, code)
			if rf.OnCommand != nil {
				rf.OnCommand(rf, code)
			}
			return true
		}
		rf.pointer = b & registerMask
		rf.autoInc = b&commandType == autoIncrement
		return true
	}
	reg := rf.pointer
	rf.Regs[reg] = b
	rf.advance()
	if rf.OnWrite != nil {
		rf.OnWrite(rf, reg)
	}
	return true
}

// ReadByte implements Device.
func (rf *RegisterFile) ReadByte() byte {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	if rf.OnRead != nil {
		rf.OnRead(rf, rf.pointer)
	}
	b := rf.Regs[rf.pointer]
	rf.advance()
	return b
}

// Stop implements Device.
func (rf *RegisterFile) Stop() {}

func (rf *RegisterFile) advance() {
	if rf.autoInc {
		rf.pointer = (rf.pointer + 1) & registerMask
	}
}

// Register returns the value of reg.
func (rf *RegisterFile) Register(reg byte) byte {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	return rf.Regs[reg&registerMask]
}

// SetRegister sets reg without going through the bus.
func (rf *RegisterFile) SetRegister(reg, value byte) {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	rf.Regs[reg&registerMask] = value
}

// Commands returns the special function codes received so far.
func (rf *RegisterFile) Commands() []byte {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	return append([]byte(nil), rf.commands...)
}

// TCS3472 register addresses used by the model.
const (
	tcsEnable  = 0x00
	tcsID      = 0x12
	tcsStatus  = 0x13
	tcsCData   = 0x14
	tcsAValid  = 0x01
	tcsAInt    = 0x10
	tcsAEN     = 0x02
	tcsClearIC = 0x06
)

// NewTCS3472 returns a register file that behaves like a TCS3472 colour sensor with the given ID
// register value (0x44 for TCS34721/TCS34725, 0x4d for TCS34723/TCS34727). Enabling the ADC
// (AEN in ENABLE) marks the current colour data valid; the clear-interrupt special function clears
// AINT.
func NewTCS3472(id byte) *RegisterFile {
	rf := &RegisterFile{
		OnCommand: func(rf *RegisterFile, code byte) {
			if code == tcsClearIC {
				rf.Regs[tcsStatus] &^= tcsAInt
			}
		},
		OnWrite: func(rf *RegisterFile, reg byte) {
			if reg == tcsEnable && rf.Regs[tcsEnable]&tcsAEN != 0 {
				rf.Regs[tcsStatus] |= tcsAValid
			}
		},
	}
	rf.Regs[tcsID] = id
	return rf
}

// NewFreeRunningTCS3472 is a TCS3472 model that completes an integration whenever its status is
// read with the ADC enabled and the interrupt clear. The clear channel counts up from 1000 with
// each measurement; red, green and blue are fixed fractions of it.
func NewFreeRunningTCS3472(id byte) *RegisterFile {
	rf := NewTCS3472(id)
	var clear uint16 = 1000
	rf.OnRead = func(rf *RegisterFile, reg byte) {
		if reg != tcsStatus || rf.Regs[tcsEnable]&tcsAEN == 0 || rf.Regs[tcsStatus]&tcsAInt != 0 {
			return
		}
		setColor(rf, clear, clear/2, clear/3, clear/4)
		clear++
	}
	return rf
}

// SetColor loads a measurement into a TCS3472 model and raises AVALID and AINT.
func SetColor(rf *RegisterFile, clear, red, green, blue uint16) {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	setColor(rf, clear, red, green, blue)
}

func setColor(rf *RegisterFile, clear, red, green, blue uint16) {
	for i, v := range []uint16{clear, red, green, blue} {
		rf.Regs[tcsCData+2*i] = byte(v)
		rf.Regs[tcsCData+2*i+1] = byte(v >> 8)
	}
	rf.Regs[tcsStatus] |= tcsAValid | tcsAInt
}
