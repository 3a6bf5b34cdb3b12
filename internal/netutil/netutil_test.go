package netutil

import (
	"net"
	"strings"
	"testing"
)

func TestLocalAddrsIncludesLoopback(t *testing.T) {
	addrs, err := LocalAddrs()
	if err != nil {
		t.Fatalf("LocalAddrs: %v", err)
	}
	found := false
	for _, a := range addrs {
		if a == "127.0.0.1" {
			found = true
		}
		if net.ParseIP(a) == nil {
			t.Errorf("LocalAddrs returned non-IP %q", a)
		}
	}
	if !found {
		t.Error("loopback missing from local addresses")
	}
}

func TestLocalIPSetAlwaysHasLoopback(t *testing.T) {
	if !LocalIPSet()["127.0.0.1"] {
		t.Error("LocalIPSet must include 127.0.0.1")
	}
}

func TestSelectBindIP(t *testing.T) {
	ip, err := SelectBindIP()
	if err != nil {
		t.Skipf("no usable interface: %v", err)
	}
	if net.ParseIP(ip) == nil {
		t.Fatalf("SelectBindIP returned non-IP %q", ip)
	}
}

func TestBroadcastAddrsEndsWithLimitedBroadcast(t *testing.T) {
	targets := BroadcastAddrs()
	if len(targets) == 0 {
		t.Fatal("no broadcast targets")
	}
	if targets[len(targets)-1] != "255.255.255.255" {
		t.Errorf("limited broadcast missing, got %v", targets)
	}
	for _, tgt := range targets {
		if strings.Contains(tgt, ":") {
			t.Errorf("broadcast target %q should be a bare IPv4 address", tgt)
		}
	}
}
