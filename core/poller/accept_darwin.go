//go:build darwin
// +build darwin

package poller

import "golang.org/x/sys/unix"

// Accept accepts a connection as a non-blocking, close-on-exec descriptor
func Accept(fd int) (int, unix.Sockaddr, error) {
	nfd, sa, err := unix.Accept(fd)
	if err != nil {
		return -1, nil, err
	}
	unix.CloseOnExec(nfd)
	if err := unix.SetNonblock(nfd, true); err != nil {
		unix.Close(nfd)
		return -1, nil, err
	}
	return nfd, sa, nil
}
