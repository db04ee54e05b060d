package discovery

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// udpListenConfig prepares the discovery socket: address and port reuse so a
// second client on the host can listen concurrently, broadcast so announcement
// datagrams sent to the subnet broadcast address are delivered.
func udpListenConfig() net.ListenConfig {
	return net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var soErr error
			err := c.Control(func(fd uintptr) {
				for _, opt := range []int{unix.SO_REUSEADDR, unix.SO_REUSEPORT, unix.SO_BROADCAST} {
					if soErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, opt, 1); soErr != nil {
						return
					}
				}
			})
			if err != nil {
				return err
			}
			return soErr
		},
	}
}
