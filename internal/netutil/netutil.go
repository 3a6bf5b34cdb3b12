// Package netutil selects the address a node binds to and the broadcast
// targets discovery probes are sent at.
package netutil

import (
	"fmt"
	"net"
)

// lanPrefix is the dotted prefix the node prefers when several interfaces
// carry IPv4 addresses.
const lanPrefix = "192.168.1."

// LocalAddrs returns every IPv4 address assigned to a host interface,
// loopback included.
func LocalAddrs() ([]string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("listing interfaces: %w", err)
	}

	var addrs []string
	for _, iface := range ifaces {
		ifAddrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range ifAddrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			if ip4 := ipNet.IP.To4(); ip4 != nil {
				addrs = append(addrs, ip4.String())
			}
		}
	}
	return addrs, nil
}

// LocalIPSet returns the local IPv4 addresses as a lookup set, always
// including loopback.
func LocalIPSet() map[string]bool {
	set := map[string]bool{"127.0.0.1": true}
	addrs, err := LocalAddrs()
	if err != nil {
		return set
	}
	for _, a := range addrs {
		set[a] = true
	}
	return set
}

// SelectBindIP picks the address the UDP socket binds to: the first address
// on the preferred LAN subnet, else the first non-loopback address, else the
// first address found.
func SelectBindIP() (string, error) {
	addrs, err := LocalAddrs()
	if err != nil {
		return "", err
	}
	if len(addrs) == 0 {
		return "", fmt.Errorf("no IPv4 interface address found")
	}

	for _, a := range addrs {
		if len(a) >= len(lanPrefix) && a[:len(lanPrefix)] == lanPrefix {
			return a, nil
		}
	}
	for _, a := range addrs {
		if !net.ParseIP(a).IsLoopback() {
			return a, nil
		}
	}
	return addrs[0], nil
}

// BroadcastAddrs returns the subnet-directed broadcast address of every
// non-loopback IPv4 interface plus the limited broadcast address.
func BroadcastAddrs() []string {
	targets := []string{}
	ifaces, err := net.Interfaces()
	if err != nil {
		return []string{"255.255.255.255"}
	}

	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipNet.IP.To4()
			if ip4 == nil || ip4.IsLoopback() {
				continue
			}
			mask := ipNet.Mask
			if len(mask) == net.IPv6len {
				mask = mask[12:]
			}
			bcast := make(net.IP, net.IPv4len)
			for i := 0; i < net.IPv4len; i++ {
				bcast[i] = ip4[i] | ^mask[i]
			}
			targets = append(targets, bcast.String())
		}
	}
	return append(targets, "255.255.255.255")
}
