package stream

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// receiveBufferBytes is requested from the kernel so short consumer stalls
// ride out in the socket buffer instead of dropping datagrams.
const receiveBufferBytes = 4 << 20

func udpListenConfig() net.ListenConfig {
	return net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var soErr error
			err := c.Control(func(fd uintptr) {
				soErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, receiveBufferBytes)
			})
			if err != nil {
				return err
			}
			return soErr
		},
	}
}
