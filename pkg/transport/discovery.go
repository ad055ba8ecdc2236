// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// GatewayServiceType is the mDNS service type BLE gateways advertise
	GatewayServiceType = "_bmsgw._tcp"

	// GatewayDomain is the mDNS domain
	GatewayDomain = "local."

	// DefaultDiscoveryTimeout bounds a gateway scan
	DefaultDiscoveryTimeout = 5 * time.Second

	// DefaultGatewayPath is used when a gateway has no "path" TXT record
	DefaultGatewayPath = "/ble"
)

// Gateway is a BLE gateway found on the local network
type Gateway struct {
	Instance string
	Hostname string
	IP       string
	Port     int
	// Metadata holds the TXT records
	Metadata map[string]string
}

// URL returns the WebSocket URL of the gateway. A "tls=1" TXT record
// selects wss.
func (g Gateway) URL() string {
	scheme := "ws"
	if g.Metadata["tls"] == "1" {
		scheme = "wss"
	}
	path := g.Metadata["path"]
	if path == "" {
		path = DefaultGatewayPath
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	u := url.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(g.IP, strconv.Itoa(g.Port)),
		Path:   path,
	}
	return u.String()
}

// Scanner discovers gateways over mDNS
type Scanner struct {
	// Timeout is the maximum time to wait for gateways
	Timeout time.Duration
}

// NewScanner creates a scanner with the default timeout
func NewScanner() *Scanner {
	return &Scanner{Timeout: DefaultDiscoveryTimeout}
}

// Scan collects every gateway that answers before the timeout. Results
// are sorted by instance name.
func (s *Scanner) Scan(ctx context.Context) ([]Gateway, error) {
	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create mDNS resolver: %w", err)
	}

	var (
		mu       sync.Mutex
		gateways []Gateway
		seen     = make(map[string]bool)
	)
	go func() {
		for entry := range entries {
			g, ok := parseServiceEntry(entry)
			if !ok {
				continue
			}
			mu.Lock()
			if !seen[g.Instance] {
				seen[g.Instance] = true
				gateways = append(gateways, g)
			}
			mu.Unlock()
		}
	}()

	if err := resolver.Browse(ctx, GatewayServiceType, GatewayDomain, entries); err != nil {
		return nil, fmt.Errorf("failed to browse for mDNS services: %w", err)
	}

	<-ctx.Done()

	mu.Lock()
	defer mu.Unlock()
	gateways = append([]Gateway(nil), gateways...)
	sort.Slice(gateways, func(i, j int) bool { return gateways[i].Instance < gateways[j].Instance })
	return gateways, nil
}

// First returns the first gateway that answers
func (s *Scanner) First(ctx context.Context) (Gateway, error) {
	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	found := make(chan Gateway, 1)

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return Gateway{}, fmt.Errorf("failed to create mDNS resolver: %w", err)
	}

	go func() {
		for entry := range entries {
			if g, ok := parseServiceEntry(entry); ok {
				select {
				case found <- g:
					cancel()
				default:
				}
			}
		}
	}()

	if err := resolver.Browse(ctx, GatewayServiceType, GatewayDomain, entries); err != nil {
		return Gateway{}, fmt.Errorf("failed to browse for mDNS services: %w", err)
	}

	select {
	case g := <-found:
		return g, nil
	case <-ctx.Done():
		select {
		case g := <-found:
			return g, nil
		default:
		}
		return Gateway{}, fmt.Errorf("no gateway found within %v", s.Timeout)
	}
}

// parseServiceEntry converts a zeroconf entry, preferring IPv4
func parseServiceEntry(entry *zeroconf.ServiceEntry) (Gateway, bool) {
	if entry == nil {
		return Gateway{}, false
	}

	var ip string
	if len(entry.AddrIPv4) > 0 {
		ip = entry.AddrIPv4[0].String()
	} else if len(entry.AddrIPv6) > 0 {
		ip = entry.AddrIPv6[0].String()
	}
	if ip == "" || entry.Port == 0 {
		return Gateway{}, false
	}

	return Gateway{
		Instance: entry.Instance,
		Hostname: entry.HostName,
		IP:       ip,
		Port:     entry.Port,
		Metadata: parseTXT(entry.Text),
	}, true
}

// parseTXT splits "key=value" TXT records. A bare key maps to "".
func parseTXT(records []string) map[string]string {
	metadata := make(map[string]string, len(records))
	for _, txt := range records {
		parts := strings.SplitN(txt, "=", 2)
		if len(parts) == 2 {
			metadata[parts[0]] = parts[1]
		} else {
			metadata[parts[0]] = ""
		}
	}
	return metadata
}
