package main

import (
	"context"
	"net/netip"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/die-net/netkit/internal/resolver"
	"github.com/die-net/netkit/internal/stack"
)

func TestParseTCPKeepAlive(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    bool
		wantErr bool
	}{
		{in: "on", want: true},
		{in: " OFF ", want: false},
		{in: "", wantErr: true},
		{in: "45:45:3", wantErr: true},
	}
	for _, tt := range tests {
		got, err := parseTCPKeepAlive(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Fatalf("parseTCPKeepAlive(%q) = %v, %v", tt.in, got, err)
		}
	}
}

func TestCachePolicy(t *testing.T) {
	t.Parallel()

	if got := cachePolicy(-time.Second); got != resolver.Forever {
		t.Fatalf("negative: %v", got)
	}
	if got := cachePolicy(0); got != resolver.Never {
		t.Fatalf("zero: %v", got)
	}
	if got := cachePolicy(time.Minute); got != resolver.CachePolicy(time.Minute) {
		t.Fatalf("minute: %v", got)
	}
}

func TestSplitList(t *testing.T) {
	t.Parallel()

	got := splitList(" localhost, .example.com,,10.0.0.0/8 ")
	want := []string{"localhost", ".example.com", "10.0.0.0/8"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %q, want %q", got, want)
	}
	if got := splitList(""); got != nil {
		t.Fatalf("empty: %q", got)
	}
}

func TestDescribeURI(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		args []string
		want []string
	}{
		{
			name: "hierarchical",
			args: []string{"http://user@Example.COM:8080/a/./b/../c?q#f"},
			want: []string{
				"scheme:               http",
				"user-info:            user",
				"host:                 Example.COM",
				"port:                 8080",
				"normalized:           http://user@Example.COM:8080/a/c?q#f",
				"query:                q",
				"fragment:             f",
			},
		},
		{
			name: "opaque",
			args: []string{"mailto:a@example.com"},
			want: []string{"scheme-specific-part: a@example.com"},
		},
		{
			name: "resolved",
			args: []string{"../d", "http://h/a/b/c"},
			want: []string{"uri:                  http://h/a/d"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var b strings.Builder
			if err := describeURI(&b, tt.args); err != nil {
				t.Fatal(err)
			}
			for _, line := range tt.want {
				if !strings.Contains(b.String(), line+"\n") {
					t.Fatalf("output lacks %q:\n%s", line, b.String())
				}
			}
		})
	}

	if err := describeURI(&strings.Builder{}, []string{"http://[::1"}); err == nil {
		t.Fatal("expected a syntax error")
	}
}

type fixedResolver map[string][]netip.Addr

func (f fixedResolver) LookupHost(_ context.Context, host string) ([]netip.Addr, error) {
	return f[host], nil
}

func (fixedResolver) LocalHost(context.Context) (netip.Addr, error) {
	return netip.MustParseAddr("127.0.0.1"), nil
}

func TestLookup(t *testing.T) {
	t.Parallel()

	st := stack.New(stack.Config{Resolver: fixedResolver{"a.test": {netip.MustParseAddr("192.0.2.1"), netip.MustParseAddr("2001:db8::1")}}})
	var b strings.Builder
	if err := lookup(t.Context(), st, []string{"a.test"}, &b); err != nil {
		t.Fatal(err)
	}
	if want := "a.test\t192.0.2.1\na.test\t2001:db8::1\n"; b.String() != want {
		t.Fatalf("got %q, want %q", b.String(), want)
	}

	// fixedResolver can't reverse lookups.
	if err := lookup(t.Context(), st, []string{"192.0.2.1"}, &b); err == nil {
		t.Fatal("expected reverse lookup to fail")
	}
}
