//go:build windows

package platform

import (
	"net"
	"unsafe"

	"golang.org/x/sys/windows"
)

// sioUDPConnReset is SIO_UDP_CONNRESET, the control code that disables
// the Windows-specific behavior of surfacing a prior ICMP port-
// unreachable as a WSAECONNRESET error on a later recv call for an
// unconnected UDP socket.
const sioUDPConnReset = windows.IOC_IN | windows.IOC_VENDOR | 12

// SuppressConnReset disables SIO_UDP_CONNRESET on conn so a peer that
// has gone away doesn't surface an error on a subsequent read.
func SuppressConnReset(conn *net.UDPConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}

	var ioctlErr error
	err = raw.Control(func(fd uintptr) {
		var bytesReturned uint32
		flag := uint32(0)
		ioctlErr = windows.WSAIoctl(
			windows.Handle(fd),
			sioUDPConnReset,
			(*byte)(unsafe.Pointer(&flag)),
			4,
			(*byte)(nil),
			0,
			&bytesReturned,
			nil,
			0,
		)
	})
	if err != nil {
		return err
	}
	return ioctlErr
}
