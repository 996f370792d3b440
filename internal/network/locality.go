// Package network classifies request origins as local to the beamline or remote.
package network

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strings"

	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
)

// DefaultLocalNetworks are trusted when no networks are configured.
var DefaultLocalNetworks = []string{"127.0.0.0/8", "::1/128"}

// Checker decides whether an address belongs to one of the trusted local networks.
type Checker struct {
	prefixes []netip.Prefix
}

// NewChecker parses cidrs. An entry without a prefix length is a single host. An empty list
// falls back to DefaultLocalNetworks.
func NewChecker(cidrs []string) (*Checker, error) {
	if len(cidrs) == 0 {
		cidrs = DefaultLocalNetworks
	}
	c := &Checker{}
	for _, raw := range cidrs {
		s := strings.TrimSpace(raw)
		if s == "" {
			continue
		}
		if !strings.Contains(s, "/") {
			addr, err := netip.ParseAddr(s)
			if err != nil {
				return nil, fmt.Errorf("network: invalid address %q: %w", s, err)
			}
			c.prefixes = append(c.prefixes, netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return nil, fmt.Errorf("network: invalid network %q: %w", s, err)
		}
		c.prefixes = append(c.prefixes, p.Masked())
	}
	return c, nil
}

// IsLocal reports whether addr (an IP, optionally with a port) is in a trusted network.
// "localhost" is always local; unparsable addresses are remote.
func (c *Checker) IsLocal(addr string) bool {
	host := strings.TrimSpace(addr)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	ip = ip.Unmap()
	for _, p := range c.prefixes {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

// ClientIP returns the client IP from gRPC metadata (x-forwarded-for, x-real-ip) or peer, or "unknown".
func ClientIP(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if vals := md.Get("x-forwarded-for"); len(vals) > 0 {
			if s := strings.TrimSpace(vals[0]); s != "" {
				if i := strings.Index(s, ","); i > 0 {
					s = strings.TrimSpace(s[:i])
				}
				return s
			}
		}
		if vals := md.Get("x-real-ip"); len(vals) > 0 {
			if s := strings.TrimSpace(vals[0]); s != "" {
				return s
			}
		}
	}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		if host, _, err := net.SplitHostPort(p.Addr.String()); err == nil {
			return host
		}
		return p.Addr.String()
	}
	return "unknown"
}
