package port

import (
	"context"
	"net/url"
	"os"
	"syscall"
	"testing"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.viam.com/test"
)

type nopPort struct{ u *url.URL }

func (p *nopPort) SetDirection(mask, directions byte) error { return nil }
func (p *nopPort) Write(value byte) error                   { return nil }
func (p *nopPort) Read(peek bool) (byte, error)             { return 0, nil }
func (p *nopPort) Close() error                             { return nil }

func TestRegistry(t *testing.T) {
	logger := golog.NewTestLogger(t)
	Register("nop-test", func(ctx context.Context, u *url.URL, logger golog.Logger) (Port, error) {
		return &nopPort{u}, nil
	})

	t.Run("opens a registered scheme", func(t *testing.T) {
		p, err := Open(context.Background(), "nop-test:///dev/x?d0=1", logger)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, p.(*nopPort).u.Path, test.ShouldEqual, "/dev/x")
		test.That(t, Schemes(), test.ShouldContain, "nop-test")
	})

	t.Run("rejects unknown schemes", func(t *testing.T) {
		_, err := Open(context.Background(), "bogus://", logger)
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, `scheme "bogus"`)
	})

	t.Run("rejects malformed urls", func(t *testing.T) {
		_, err := Open(context.Background(), "://nope", logger)
		test.That(t, err, test.ShouldNotBeNil)
	})

	t.Run("panics on duplicate registration", func(t *testing.T) {
		test.That(t, func() {
			Register("nop-test", func(context.Context, *url.URL, golog.Logger) (Port, error) { return nil, nil })
		}, test.ShouldPanic)
	})
}

func TestIsTimeout(t *testing.T) {
	test.That(t, IsTimeout(nil), test.ShouldBeFalse)
	test.That(t, IsTimeout(ErrTimeout), test.ShouldBeTrue)
	test.That(t, IsTimeout(errors.Wrap(ErrTimeout, "usb bulk read")), test.ShouldBeTrue)
	test.That(t, IsTimeout(syscall.ETIMEDOUT), test.ShouldBeTrue)
	test.That(t, IsTimeout(errors.Wrap(os.ErrDeadlineExceeded, "read")), test.ShouldBeTrue)
	test.That(t, IsTimeout(errors.New("device unplugged")), test.ShouldBeFalse)
	test.That(t, IsTimeout(syscall.ENODEV), test.ShouldBeFalse)
}

func TestParseLineMap(t *testing.T) {
	u, err := url.Parse("gpiochip:///dev/gpiochip0?d0=17&d1=27&d3=22&consumer=me")
	test.That(t, err, test.ShouldBeNil)
	lines, err := ParseLineMap(u.Query())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, lines, test.ShouldResemble, LineMap{0: "17", 1: "27", 3: "22"})
	test.That(t, lines.Mask(), test.ShouldEqual, byte(0x0b))

	for _, query := range []string{"d8=1", "dx=1", "d1=", "d1=2&d1=3", "consumer=me", ""} {
		q, err := url.ParseQuery(query)
		test.That(t, err, test.ShouldBeNil)
		_, err = ParseLineMap(q)
		test.That(t, err, test.ShouldNotBeNil)
	}
}
