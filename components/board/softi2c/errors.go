package softi2c

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"go.viam.com/softi2c/components/board/port"
)

var (
	// ErrAddressNacked means no device acknowledged the address byte: it is absent or busy.
	ErrAddressNacked = errors.New("i2c address not acknowledged")

	// ErrDataNacked means the device rejected a byte partway through a write.
	ErrDataNacked = errors.New("i2c data byte not acknowledged")

	// ErrBusTimeout means the GPIO transport timed out under a transfer. The bus is recovered and
	// the operation retried once before it is returned.
	ErrBusTimeout = errors.New("i2c transport timed out")

	// ErrBusStuck means bus recovery ran out of clock pulses with SDA still held low.
	ErrBusStuck = errors.New("i2c bus stuck")

	// ErrInvalidAddress is returned for addresses that do not fit in 7 bits.
	ErrInvalidAddress = errors.New("invalid 7-bit i2c address")

	// ErrBusClosed is returned by every operation on a closed bus.
	ErrBusClosed = errors.New("i2c bus is closed")
)

// timeoutError is a transport timeout. It matches ErrBusTimeout and unwraps to the port error.
type timeoutError struct {
	cause error
}

func (e *timeoutError) Error() string {
	return ErrBusTimeout.Error() + ": " + e.cause.Error()
}

func (e *timeoutError) Is(target error) bool {
	return target == ErrBusTimeout
}

func (e *timeoutError) Unwrap() error {
	return e.cause
}

// transportError classifies an error from the port. Timeouts become ErrBusTimeout, anything else
// is a hard failure.
func transportError(err error) error {
	if err == nil {
		return nil
	}
	if port.IsTimeout(err) {
		return &timeoutError{cause: err}
	}
	return errors.Wrap(err, "gpio port")
}

// UnexpectedIdentityError is returned by drivers whose identity register holds a value they do not
// support.
type UnexpectedIdentityError struct {
	Register byte
	Got      byte
	Want     []byte
}

// NewUnexpectedIdentityError returns an UnexpectedIdentityError for register reg.
func NewUnexpectedIdentityError(reg, got byte, want ...byte) error {
	return &UnexpectedIdentityError{Register: reg, Got: got, Want: want}
}

func (e *UnexpectedIdentityError) Error() string {
	want := make([]string, 0, len(e.Want))
	for _, w := range e.Want {
		want = append(want, fmt.Sprintf("0x%02x", w))
	}
	return fmt.Sprintf("unexpected identity: register 0x%02x reads 0x%02x, want %s",
		e.Register, e.Got, strings.Join(want, " or "))
}

func checkAddress(addr byte) error {
	if addr > 0x7f {
		return errors.Wrapf(ErrInvalidAddress, "0x%02x", addr)
	}
	return nil
}
