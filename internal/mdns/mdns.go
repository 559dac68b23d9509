// Package mdns resolves radar message endpoints advertised over multicast
// DNS, so a site can point its ack and timing channels at "mdns://name"
// instead of a fixed address.
package mdns

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

// Service is the mDNS service type advertised by radar message endpoints.
const Service = "_borealis._tcp"

// Endpoint is one advertised radar message endpoint.
type Endpoint struct {
	Instance string
	Addr     string // dialable host:port
	TXT      []string
}

// browse walks the service entries seen within the timeout, handing each
// usable endpoint to keep. Returning false from keep stops the browse early,
// which lets a lookup finish as soon as its name appears instead of waiting
// out the full window.
func browse(timeout time.Duration, keep func(Endpoint) bool) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("mdns: resolver: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 8)
	if err := resolver.Browse(ctx, Service, "local.", entries); err != nil {
		return fmt.Errorf("mdns: browse: %w", err)
	}

	// zeroconf closes the channel once the context ends, so the walk can
	// run inline.
	for e := range entries {
		ep, ok := toEndpoint(e)
		if !ok {
			continue
		}
		if !keep(ep) {
			cancel()
		}
	}
	return nil
}

// toEndpoint reduces a service entry to a dialable endpoint, preferring an
// IPv4 address. Entries with no address are useless and dropped.
func toEndpoint(e *zeroconf.ServiceEntry) (Endpoint, bool) {
	if e == nil || e.Port == 0 {
		return Endpoint{}, false
	}
	var ip net.IP
	switch {
	case len(e.AddrIPv4) > 0:
		ip = e.AddrIPv4[0]
	case len(e.AddrIPv6) > 0:
		ip = e.AddrIPv6[0]
	default:
		return Endpoint{}, false
	}
	return Endpoint{
		Instance: unescape(e.Instance),
		Addr:     net.JoinHostPort(ip.String(), fmt.Sprint(e.Port)),
		TXT:      append([]string{}, e.Text...),
	}, true
}

// Discover returns every endpoint advertising the radar service within the
// timeout. Re-announcements under the same instance name keep the first
// sighting.
func Discover(timeout time.Duration) ([]Endpoint, error) {
	var out []Endpoint
	seen := map[string]bool{}
	err := browse(timeout, func(ep Endpoint) bool {
		if !seen[ep.Instance] {
			seen[ep.Instance] = true
			out = append(out, ep)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Resolve finds the address of the endpoint advertised under instance,
// returning as soon as it is seen.
func Resolve(instance string, timeout time.Duration) (string, error) {
	var addr string
	err := browse(timeout, func(ep Endpoint) bool {
		if strings.EqualFold(ep.Instance, instance) {
			addr = ep.Addr
			return false
		}
		return true
	})
	if err != nil {
		return "", err
	}
	if addr == "" {
		return "", fmt.Errorf("mdns: no endpoint advertised as %q", instance)
	}
	return addr, nil
}

// unescape removes zeroconf escape sequences from an instance name.
func unescape(s string) string {
	return strings.ReplaceAll(s, `\ `, " ")
}
