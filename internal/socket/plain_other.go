//go:build !(linux || darwin)

package socket

import (
	"log/slog"
	"net/netip"
	"time"

	"github.com/die-net/netkit/internal/metrics"
	"github.com/die-net/netkit/internal/neterr"
)

type PlainConfig struct {
	Resolver Resolver
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

// Plain is unavailable on this platform; every operation fails.
type Plain struct{}

func NewPlain(PlainConfig) *Plain { return &Plain{} }

func PlainTransports(cfg PlainConfig) func() Transport {
	return func() Transport { return NewPlain(cfg) }
}

func Adopt(PlainConfig, int) (*Plain, error) { return nil, unsupported("adopt") }

func unsupported(op string) error { return neterr.New(neterr.KindIO, op, "", neterr.ErrUnsupported) }

func (*Plain) Create(Kind) error { return unsupported("create") }
func (*Plain) Connect(Endpoint, time.Time) error { return unsupported("connect") }
func (*Plain) Bind(netip.AddrPort) error { return unsupported("bind") }
func (*Plain) Listen(int) error { return unsupported("listen") }
func (*Plain) Accept(time.Time) (Transport, error) { return nil, unsupported("accept") }
func (*Plain) Read([]byte, time.Time) (int, error) { return 0, unsupported("read") }
func (*Plain) Write([]byte, time.Time) (int, error) { return 0, unsupported("write") }
func (*Plain) Available() (int, error) { return 0, unsupported("available") }
func (*Plain) ShutdownInput() error { return unsupported("shutdown input") }
func (*Plain) ShutdownOutput() error { return unsupported("shutdown output") }
func (*Plain) Close() error { return nil }
func (*Plain) SetOption(OptionKind, OptionValue) error { return unsupported("set option") }
func (*Plain) Option(OptionKind) (OptionValue, error) { return OptionValue{}, unsupported("get option") }
func (*Plain) LocalAddr() netip.AddrPort { return netip.AddrPort{} }
func (*Plain) RemoteAddr() netip.AddrPort { return netip.AddrPort{} }
func (*Plain) Handle() *Handle { return nil }
func (*Plain) ConnectDatagram(netip.AddrPort) error { return unsupported("connect") }
func (*Plain) DisconnectDatagram() error { return unsupported("disconnect") }
func (*Plain) SendTo([]byte, netip.AddrPort, time.Time) (int, error) { return 0, unsupported("send") }

func (*Plain) ReceiveFrom([]byte, bool, time.Time) (int, netip.AddrPort, error) {
	return 0, netip.AddrPort{}, unsupported("receive")
}
