package util

import "net"

// OutboundIP returns the local address used to reach the internet, falling
// back to loopback when there is no route.
func OutboundIP() net.IP {
	conn, err := net.Dial("udp", "1.1.1.1:53")
	if err != nil {
		return net.IPv4(127, 0, 0, 1)
	}
	defer conn.Close()

	return conn.LocalAddr().(*net.UDPAddr).IP
}
