// Package tls issues a locally trusted certificate so browsers can reach the
// agent over wss:// from secure pages.
package tls

import (
	"net"
)

// LANIPs returns the IPv4 addresses of all up, non-loopback interfaces.
func LANIPs() []string {
	var ips []string

	interfaces, err := net.Interfaces()
	if err != nil {
		return nil
	}

	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip != nil && ip.To4() != nil && !ip.IsLoopback() {
				ips = append(ips, ip.String())
			}
		}
	}
	return ips
}

// Hosts returns the names a certificate for a server bound to listenHost
// must cover. A loopback bind covers only local names.
func Hosts(listenHost string) []string {
	hosts := []string{"localhost", "127.0.0.1"}

	ip := net.ParseIP(listenHost)
	switch {
	case listenHost == "" || (ip != nil && ip.IsUnspecified()):
		hosts = append(hosts, LANIPs()...)
	case ip != nil && ip.IsLoopback():
	case listenHost != "localhost":
		hosts = append(hosts, listenHost)
	}
	return hosts
}
