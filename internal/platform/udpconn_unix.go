//go:build !windows

package platform

import "net"

// SuppressConnReset is a no-op outside Windows: only the Windows UDP
// stack surfaces a prior ICMP port-unreachable as WSAECONNRESET on a
// subsequent recv.
func SuppressConnReset(conn *net.UDPConn) error {
	return nil
}
