package network

import (
	"context"
	"net"
	"testing"

	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
)

func TestChecker_IsLocal(t *testing.T) {
	c, err := NewChecker([]string{"127.0.0.0/8", "::1/128", "10.1.0.0/16", "192.168.5.7"})
	if err != nil {
		t.Fatalf("NewChecker: %v", err)
	}
	tests := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1", true},
		{"127.0.0.1:51000", true},
		{"[::1]:8080", true},
		{"::1", true},
		{"::ffff:127.0.0.1", true},
		{"localhost", true},
		{"10.1.44.2", true},
		{"10.2.0.1", false},
		{"192.168.5.7", true},
		{"192.168.5.8", false},
		{"8.8.8.8:443", false},
		{"unknown", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := c.IsLocal(tt.addr); got != tt.want {
			t.Errorf("IsLocal(%q) = %v, want %v", tt.addr, got, tt.want)
		}
	}
}

func TestNewChecker_Defaults(t *testing.T) {
	c, err := NewChecker(nil)
	if err != nil {
		t.Fatalf("NewChecker: %v", err)
	}
	if !c.IsLocal("127.0.0.1") || c.IsLocal("10.0.0.1") {
		t.Error("default networks should be loopback only")
	}
}

func TestNewChecker_Invalid(t *testing.T) {
	for _, bad := range []string{"10.0.0.0/33", "not-an-ip", "300.1.1.1"} {
		if _, err := NewChecker([]string{bad}); err == nil {
			t.Errorf("NewChecker(%q) should fail", bad)
		}
	}
}

func TestClientIP(t *testing.T) {
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("x-forwarded-for", "203.0.113.9, 10.0.0.1"))
	if ip := ClientIP(ctx); ip != "203.0.113.9" {
		t.Errorf("ClientIP x-forwarded-for = %q", ip)
	}
	ctx = metadata.NewIncomingContext(context.Background(), metadata.Pairs("x-real-ip", "198.51.100.4"))
	if ip := ClientIP(ctx); ip != "198.51.100.4" {
		t.Errorf("ClientIP x-real-ip = %q", ip)
	}
	ctx = peer.NewContext(context.Background(), &peer.Peer{Addr: &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 5000}})
	if ip := ClientIP(ctx); ip != "127.0.0.1" {
		t.Errorf("ClientIP peer = %q", ip)
	}
	if ip := ClientIP(context.Background()); ip != "unknown" {
		t.Errorf("ClientIP empty = %q", ip)
	}
}
