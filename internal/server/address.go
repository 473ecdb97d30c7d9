package server

import (
	"context"
	"net"
	"net/netip"
	"strings"
	"time"
)

// Resolver performs reverse lookups of peer addresses. *net.Resolver
// satisfies it.
type Resolver interface {
	LookupAddr(ctx context.Context, addr string) ([]string, error)
}

const lookupTimeout = 2 * time.Second

// peerIP extracts the IP of a remote address, reducing IPv4-mapped IPv6
// addresses to plain IPv4. Anything unparsable is returned as is.
func peerIP(remoteAddr string) string {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return host
	}
	return addr.Unmap().String()
}

// displayName picks the name a client is logged under: the explicit name,
// localhost for loopback peers, the reverse DNS name without its last
// label, or the IP itself.
func displayName(ctx context.Context, r Resolver, ip, name string) string {
	if name != "" {
		return name
	}
	if ip == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddr(ip); err == nil && addr.IsLoopback() {
		return "localhost"
	}
	if r == nil {
		return ip
	}

	ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()
	hosts, err := r.LookupAddr(ctx, ip)
	if err != nil || len(hosts) == 0 {
		return ip
	}

	host := strings.TrimSuffix(hosts[0], ".")
	if i := strings.LastIndexByte(host, '.'); i > 0 {
		host = host[:i]
	}
	if host == "" {
		return ip
	}
	return host
}
