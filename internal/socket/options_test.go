package socket

import (
	"testing"
	"time"

	"github.com/die-net/netkit/internal/neterr"
)

func TestCheckOption(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		kind OptionKind
		v    OptionValue
		sock Kind
		want OptionValue
		err  bool
	}{
		{name: "timeout", kind: Timeout, v: Duration(time.Second), sock: Stream, want: Duration(time.Second)},
		{name: "negative timeout", kind: Timeout, v: Duration(-time.Second), sock: Stream, err: true},
		{name: "timeout wrong type", kind: Timeout, v: Int(5), sock: Stream, err: true},
		{name: "linger off", kind: Linger, v: Bool(false), sock: Stream, want: Bool(false)},
		{name: "linger on needs duration", kind: Linger, v: Bool(true), sock: Stream, err: true},
		{name: "linger capped", kind: Linger, v: Duration(100000 * time.Second), sock: Stream, want: Duration(65535 * time.Second)},
		{name: "linger rounded up", kind: Linger, v: Duration(300 * time.Millisecond), sock: Stream, want: Duration(time.Second)},
		{name: "linger zero", kind: Linger, v: Duration(0), sock: Stream, want: Duration(0)},
		{name: "linger on datagram", kind: Linger, v: Bool(false), sock: Datagram, err: true},
		{name: "send buffer", kind: SendBuffer, v: Int(4096), sock: Datagram, want: Int(4096)},
		{name: "zero receive buffer", kind: ReceiveBuffer, v: Int(0), sock: Stream, err: true},
		{name: "tos", kind: TOS, v: Int(0x10), sock: Stream, want: Int(0x10)},
		{name: "tos out of range", kind: TOS, v: Int(256), sock: Stream, err: true},
		{name: "keepalive", kind: KeepAlive, v: Bool(true), sock: Stream, want: Bool(true)},
		{name: "keepalive on datagram", kind: KeepAlive, v: Bool(true), sock: Datagram, err: true},
		{name: "no delay wrong type", kind: NoDelay, v: Int(1), sock: Stream, err: true},
		{name: "broadcast", kind: Broadcast, v: Bool(true), sock: Datagram, want: Bool(true)},
		{name: "broadcast on stream", kind: Broadcast, v: Bool(true), sock: Stream, err: true},
		{name: "reuse on datagram", kind: ReuseAddress, v: Bool(true), sock: Datagram, want: Bool(true)},
		{name: "unknown", kind: OptionKind(99), v: Bool(true), sock: Stream, err: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := CheckOption(tt.kind, tt.v, tt.sock)
			if tt.err {
				if err == nil {
					t.Fatalf("expected error, got %v", got)
				}
				if neterr.KindOf(err) != neterr.KindUsage {
					t.Fatalf("kind=%v want usage: %v", neterr.KindOf(err), err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Fatalf("got %v want %v", got, tt.want)
			}
		})
	}
}

func TestOptionValueAccessors(t *testing.T) {
	t.Parallel()

	if n, ok := Int(3).Int(); !ok || n != 3 {
		t.Fatalf("Int: %d %v", n, ok)
	}
	if _, ok := Int(3).Bool(); ok {
		t.Fatal("Int value reported a bool")
	}
	if d, ok := Duration(time.Minute).Duration(); !ok || d != time.Minute {
		t.Fatalf("Duration: %v %v", d, ok)
	}
	if s := (OptionValue{}).String(); s != "<none>" {
		t.Fatalf("zero value String=%q", s)
	}
	if s := Linger.String(); s != "linger" {
		t.Fatalf("Linger.String=%q", s)
	}
}
