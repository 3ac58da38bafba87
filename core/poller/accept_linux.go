//go:build linux
// +build linux

package poller

import "golang.org/x/sys/unix"

// Accept accepts a connection as a non-blocking, close-on-exec descriptor
func Accept(fd int) (int, unix.Sockaddr, error) {
	return unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
}
