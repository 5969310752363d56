// Package port defines the 8-bit GPIO port a software I2C bus is wired to, and a registry of port
// implementations keyed by URL scheme.
//
// A port URL names the implementation by its scheme and maps port bits to the lines backing them
// with d0..d7 query parameters, e.g.
//
//	gpiochip:///dev/gpiochip0?d0=17&d1=27&d3=22
//	periph://?d0=FT232H.D0&d1=FT232H.D1&d3=FT232H.D3
package port

import (
	"context"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
)

// ErrTimeout is returned, possibly wrapped, by a Port whose transport gave up waiting on the
// hardware. It is the only port error the I2C layer treats as transient.
var ErrTimeout = errors.New("gpio port timed out")

// A Port is an 8-bit GPIO port. A set bit in a direction byte means the line is driven by us; a
// clear bit means it is released (an input) and only sampled.
type Port interface {
	// SetDirection updates the direction of the bits selected by mask.
	SetDirection(mask, directions byte) error

	// Write sets the output value of the port. Released bits ignore their value.
	Write(value byte) error

	// Read samples the port. With peek set the line levels are sampled immediately rather than
	// taken from any buffered capture.
	Read(peek bool) (byte, error)

	Close() error
}

// An Opener constructs a Port from a parsed port URL.
type Opener func(ctx context.Context, u *url.URL, logger golog.Logger) (Port, error)

var (
	registryMu sync.Mutex
	registry   = map[string]Opener{}
)

// Register makes a port implementation available under the given URL scheme. It panics if the
// scheme is already taken.
func Register(scheme string, opener Opener) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := registry[scheme]; ok {
		panic(errors.Errorf("port scheme %q already registered", scheme))
	}
	registry[scheme] = opener
}

// Schemes lists the registered URL schemes in sorted order.
func Schemes() []string {
	registryMu.Lock()
	defer registryMu.Unlock()
	schemes := make([]string, 0, len(registry))
	for scheme := range registry {
		schemes = append(schemes, scheme)
	}
	sort.Strings(schemes)
	return schemes
}

// Open opens the port described by rawURL with the implementation registered for its scheme.
func Open(ctx context.Context, rawURL string, logger golog.Logger) (Port, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.Wrapf(err, "malformed port url %q", rawURL)
	}
	registryMu.Lock()
	opener, ok := registry[u.Scheme]
	registryMu.Unlock()
	if !ok {
		return nil, errors.Errorf("no port implementation registered for scheme %q (have %v)", u.Scheme, Schemes())
	}
	return opener(ctx, u, logger)
}

// IsTimeout reports whether err is a transport timeout: ErrTimeout itself, or any error in the
// chain that reports Timeout() (syscall.ETIMEDOUT, os.ErrDeadlineExceeded, net errors).
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTimeout) || os.IsTimeout(err) {
		return true
	}
	var timeout interface{ Timeout() bool }
	return errors.As(err, &timeout) && timeout.Timeout()
}

// A LineMap maps port bits to the names of the lines backing them.
type LineMap map[uint]string

// ParseLineMap reads the d0..d7 parameters of a port URL query. Other parameters are ignored.
func ParseLineMap(query url.Values) (LineMap, error) {
	lines := LineMap{}
	for key, values := range query {
		if len(key) < 2 || key[0] != 'd' || strings.TrimLeft(key[1:], "0123456789") != "" {
			continue
		}
		bit, err := strconv.ParseUint(key[1:], 10, 8)
		if err != nil || bit > 7 {
			return nil, errors.Errorf("%q is not a port bit (d0-d7)", key)
		}
		if len(values) != 1 || values[0] == "" {
			return nil, errors.Errorf("port bit %s needs exactly one line", key)
		}
		lines[uint(bit)] = values[0]
	}
	if len(lines) == 0 {
		return nil, errors.New("port url maps no bits, expected d0..d7 parameters")
	}
	return lines, nil
}

// Mask returns the port bits that have a line.
func (lines LineMap) Mask() byte {
	var mask byte
	for bit := range lines {
		mask |= 1 << bit
	}
	return mask
}
