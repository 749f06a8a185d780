package utils

import (
	"net"
	"strings"
)

var cgnatBlock = &net.IPNet{IP: net.IPv4(100, 64, 0, 0), Mask: net.CIDRMask(10, 32)}

// tunnelMarkers are interface name fragments used by VPN and tunnel drivers.
var tunnelMarkers = []string{"tun", "tap", "wg", "ppp", "warp"}

// Interface is the part of a network interface the relay heuristic looks at.
type Interface struct {
	Name  string
	Up    bool
	Loop  bool
	Addrs []net.IP
}

// RelayHint reports whether this host looks like it sits behind a VPN
// tunnel or carrier grade NAT, where direct candidates rarely connect, and
// names the interface that gave it away.
func RelayHint() (string, bool) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", false
	}

	list := make([]Interface, 0, len(ifaces))
	for _, iface := range ifaces {
		it := Interface{
			Name: iface.Name,
			Up:   iface.Flags&net.FlagUp != 0,
			Loop: iface.Flags&net.FlagLoopback != 0,
		}
		if addrs, err := iface.Addrs(); err == nil {
			for _, addr := range addrs {
				switch v := addr.(type) {
				case *net.IPNet:
					it.Addrs = append(it.Addrs, v.IP)
				case *net.IPAddr:
					it.Addrs = append(it.Addrs, v.IP)
				}
			}
		}
		list = append(list, it)
	}
	return relayHint(list)
}

func relayHint(ifaces []Interface) (string, bool) {
	for _, iface := range ifaces {
		if !iface.Up || iface.Loop {
			continue
		}

		name := strings.ToLower(iface.Name)
		for _, marker := range tunnelMarkers {
			if strings.Contains(name, marker) {
				return iface.Name, true
			}
		}

		// Cloudflare WARP, Tailscale and CGNAT carriers hand out 100.64.0.0/10.
		for _, ip := range iface.Addrs {
			if cgnatBlock.Contains(ip) {
				return iface.Name, true
			}
		}
	}
	return "", false
}
