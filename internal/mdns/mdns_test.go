package mdns

import (
	"context"
	"net"
	"testing"

	"github.com/grandcat/zeroconf"
)

func entry(instance, host string, port int, ips ...string) *zeroconf.ServiceEntry {
	e := zeroconf.NewServiceEntry(instance, ServiceType, "local.")
	e.HostName = host
	e.Port = port
	for _, ip := range ips {
		parsed := net.ParseIP(ip)
		if parsed.To4() != nil {
			e.AddrIPv4 = append(e.AddrIPv4, parsed)
		} else {
			e.AddrIPv6 = append(e.AddrIPv6, parsed)
		}
	}
	return e
}

func TestCollectDeduplicatesAndSorts(t *testing.T) {
	entries := make(chan *zeroconf.ServiceEntry, 4)
	entries <- entry(`ppsrxd\ on\ x310`, "x310.local.", 5555, "10.0.0.3")
	entries <- entry(`ppsrxd\ on\ b210`, "b210.local.", 5555, "fe80::1", "10.0.0.2")
	entries <- entry(`ppsrxd\ on\ b210`, "b210.local.", 5555, "10.0.0.2")
	entries <- nil
	close(entries)

	hosts := collect(context.Background(), entries)
	if len(hosts) != 2 {
		t.Fatalf("expected 2 hosts, got %d", len(hosts))
	}
	if hosts[0].Instance != "ppsrxd on b210" {
		t.Fatalf("unexpected order/instance %q", hosts[0].Instance)
	}
	if got := hosts[1].Address(); got != "10.0.0.3:5555" {
		t.Fatalf("unexpected address %q", got)
	}
}

func TestAddressPrefersIPv4(t *testing.T) {
	h := Host{Addresses: []net.IP{net.ParseIP("fe80::1"), net.ParseIP("192.168.1.9")}, Port: 7}
	if got := h.Address(); got != "192.168.1.9:7" {
		t.Fatalf("got %q", got)
	}
	h = Host{Hostname: "radio.local.", Port: 7}
	if got := h.Address(); got != "radio.local:7" {
		t.Fatalf("got %q", got)
	}
}

func TestCollectStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if hosts := collect(ctx, make(chan *zeroconf.ServiceEntry)); len(hosts) != 0 {
		t.Fatalf("expected no hosts")
	}
}
