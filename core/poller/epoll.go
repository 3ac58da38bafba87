//go:build linux
// +build linux

package poller

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

// EpollPoller is an epoll-based I/O multiplexer
type EpollPoller struct {
	epfd   int
	wakefd int
	events []unix.EpollEvent
	ready  []Event
}

// NewPoller creates a new Poller (Linux)
func NewPoller() (Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}

	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}

	p := &EpollPoller{
		epfd:   epfd,
		wakefd: wakefd,
		events: make([]unix.EpollEvent, 1024),
		ready:  make([]Event, 0, 1024),
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

func interest(read, write bool) uint32 {
	var events uint32
	if read {
		// EPOLLRDHUP reports peer shutdown along with reads
		events |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if write {
		events |= unix.EPOLLOUT
	}
	return events
}

// Add adds a file descriptor to the watch list
func (p *EpollPoller) Add(fd int) error {
	ev := unix.EpollEvent{Events: interest(true, false), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

// Modify changes the events watched for fd
func (p *EpollPoller) Modify(fd int, read, write bool) error {
	ev := unix.EpollEvent{Events: interest(read, write), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

// Remove removes a file descriptor from the watch list
func (p *EpollPoller) Remove(fd int) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Wait waits for I/O events
func (p *EpollPoller) Wait(timeout int) ([]Event, error) {
	n, err := unix.EpollWait(p.epfd, p.events, timeout)
	if err == unix.EINTR {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	p.ready = p.ready[:0]
	for i := 0; i < n; i++ {
		e := p.events[i]
		if int(e.Fd) == p.wakefd {
			var buf [8]byte
			_, _ = unix.Read(p.wakefd, buf[:])
			continue
		}
		p.ready = append(p.ready, Event{
			Fd:       int(e.Fd),
			Readable: e.Events&unix.EPOLLIN != 0,
			Writable: e.Events&unix.EPOLLOUT != 0,
			Hangup:   e.Events&(unix.EPOLLHUP|unix.EPOLLERR|unix.EPOLLRDHUP) != 0,
		})
	}
	return p.ready, nil
}

// Wake interrupts a blocked Wait
func (p *EpollPoller) Wake() error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(p.wakefd, buf[:])
	if err == unix.EAGAIN {
		// counter saturated, a wakeup is already pending
		return nil
	}
	return err
}

// Close closes the Poller
func (p *EpollPoller) Close() error {
	unix.Close(p.wakefd)
	return unix.Close(p.epfd)
}
