// Package inject provides GPIO ports whose methods can be replaced per test.
package inject

import (
	"go.viam.com/softi2c/components/board/port"
)

// Port is an injected port.Port.
type Port struct {
	port.Port
	SetDirectionFunc func(mask, directions byte) error
	WriteFunc        func(value byte) error
	ReadFunc         func(peek bool) (byte, error)
	CloseFunc        func() error
}

// SetDirection calls the injected SetDirection or the real version.
func (p *Port) SetDirection(mask, directions byte) error {
	if p.SetDirectionFunc == nil {
		return p.Port.SetDirection(mask, directions)
	}
	return p.SetDirectionFunc(mask, directions)
}

// Write calls the injected Write or the real version.
func (p *Port) Write(value byte) error {
	if p.WriteFunc == nil {
		return p.Port.Write(value)
	}
	return p.WriteFunc(value)
}

// Read calls the injected Read or the real version.
func (p *Port) Read(peek bool) (byte, error) {
	if p.ReadFunc == nil {
		return p.Port.Read(peek)
	}
	return p.ReadFunc(peek)
}

// Close calls the injected Close or the real version.
func (p *Port) Close() error {
	if p.CloseFunc == nil {
		return p.Port.Close()
	}
	return p.CloseFunc()
}
