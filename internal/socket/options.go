package socket

import (
	"fmt"
	"time"

	"github.com/die-net/netkit/internal/neterr"
)

// OptionKind names a socket option independently of the OS constant.
type OptionKind int

const (
	// Timeout bounds blocking reads, receives and accepts (Duration, 0
	// means wait forever).
	Timeout OptionKind = iota + 1
	// Linger is Bool(false) to disable lingering on close, or a Duration
	// to linger for (rounded up to whole seconds, capped at 65535s).
	Linger
	SendBuffer    // Int > 0
	ReceiveBuffer // Int > 0
	KeepAlive     // Bool, stream sockets only
	// TOS is the IPv4 type-of-service or IPv6 traffic class (Int 0-255).
	TOS
	ReuseAddress // Bool
	NoDelay      // Bool, stream sockets only
	OOBInline    // Bool, stream sockets only
	Broadcast    // Bool, datagram sockets only
)

var optionNames = map[OptionKind]string{
	Timeout:       "timeout",
	Linger:        "linger",
	SendBuffer:    "send buffer",
	ReceiveBuffer: "receive buffer",
	KeepAlive:     "keepalive",
	TOS:           "tos",
	ReuseAddress:  "reuse address",
	NoDelay:       "no delay",
	OOBInline:     "oob inline",
	Broadcast:     "broadcast",
}

func (k OptionKind) String() string {
	if s, ok := optionNames[k]; ok {
		return s
	}
	return fmt.Sprintf("option(%d)", int(k))
}

type valueType uint8

const (
	noValue valueType = iota
	intValue
	boolValue
	durationValue
)

// OptionValue is a tagged union holding an int, a bool or a duration.
type OptionValue struct {
	typ valueType
	i   int
	b   bool
	d   time.Duration
}

func Int(n int) OptionValue                { return OptionValue{typ: intValue, i: n} }
func Bool(b bool) OptionValue              { return OptionValue{typ: boolValue, b: b} }
func Duration(d time.Duration) OptionValue { return OptionValue{typ: durationValue, d: d} }

func (v OptionValue) Int() (int, bool)                { return v.i, v.typ == intValue }
func (v OptionValue) Bool() (bool, bool)              { return v.b, v.typ == boolValue }
func (v OptionValue) Duration() (time.Duration, bool) { return v.d, v.typ == durationValue }

func (v OptionValue) String() string {
	switch v.typ {
	case intValue:
		return fmt.Sprint(v.i)
	case boolValue:
		return fmt.Sprint(v.b)
	case durationValue:
		return v.d.String()
	default:
		return "<none>"
	}
}

const maxLinger = 65535 * time.Second

// CheckOption validates v for option kind on a socket of the given kind
// and returns it normalized. Invalid values are usage errors; an option
// that doesn't apply to the socket kind is also a usage error.
func CheckOption(kind OptionKind, v OptionValue, sock Kind) (OptionValue, error) {
	fail := func(format string, args ...any) (OptionValue, error) {
		return OptionValue{}, neterr.Usage("set "+kind.String(), fmt.Errorf(format, args...))
	}

	if err := applies(kind, sock); err != nil {
		return OptionValue{}, neterr.Usage("set "+kind.String(), err)
	}

	switch kind {
	case Timeout:
		d, ok := v.Duration()
		if !ok {
			return fail("want a duration, got %v", v)
		}
		if d < 0 {
			return fail("timeout can't be negative")
		}
	case Linger:
		if on, ok := v.Bool(); ok {
			if on {
				return fail("enable linger with a duration")
			}
			return v, nil
		}
		d, ok := v.Duration()
		if !ok {
			return fail("want false or a duration, got %v", v)
		}
		if d < 0 {
			return fail("linger can't be negative")
		}
		if d > maxLinger {
			return Duration(maxLinger), nil
		}
		// SO_LINGER counts whole seconds; rounding down would turn a short
		// linger into an abortive close.
		if r := d.Truncate(time.Second); r != d {
			return Duration(r + time.Second), nil
		}
	case SendBuffer, ReceiveBuffer:
		n, ok := v.Int()
		if !ok {
			return fail("want an int, got %v", v)
		}
		if n <= 0 {
			return fail("buffer size must be positive, got %d", n)
		}
	case TOS:
		n, ok := v.Int()
		if !ok {
			return fail("want an int, got %v", v)
		}
		if n < 0 || n > 255 {
			return fail("tos must be between 0 and 255, got %d", n)
		}
	case KeepAlive, ReuseAddress, NoDelay, OOBInline, Broadcast:
		if _, ok := v.Bool(); !ok {
			return fail("want a bool, got %v", v)
		}
	default:
		return fail("unknown option")
	}
	return v, nil
}

// applies reports, as an error, an option that has no meaning for a socket
// of the given kind.
func applies(kind OptionKind, sock Kind) error {
	switch kind {
	case KeepAlive, NoDelay, OOBInline, Linger:
		if sock != Stream {
			return fmt.Errorf("not supported on %s sockets", sock)
		}
	case Broadcast:
		if sock != Datagram {
			return fmt.Errorf("not supported on %s sockets", sock)
		}
	case Timeout, SendBuffer, ReceiveBuffer, TOS, ReuseAddress:
	default:
		return fmt.Errorf("unknown option %s", kind)
	}
	return nil
}
