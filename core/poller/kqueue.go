//go:build darwin
// +build darwin

package poller

import (
	"golang.org/x/sys/unix"
)

const wakeIdent = 0

const (
	wantRead uint8 = 1 << iota
	wantWrite
)

// KqueuePoller is a kqueue-based I/O multiplexer
type KqueuePoller struct {
	kqfd     int
	events   []unix.Kevent_t
	ready    []Event
	interest map[int]uint8
}

// NewPoller creates a new Poller (macOS)
func NewPoller() (Poller, error) {
	kqfd, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	unix.CloseOnExec(kqfd)

	p := &KqueuePoller{
		kqfd:     kqfd,
		events:   make([]unix.Kevent_t, 1024),
		ready:    make([]Event, 0, 1024),
		interest: make(map[int]uint8),
	}

	ev := unix.Kevent_t{
		Ident:  wakeIdent,
		Filter: unix.EVFILT_USER,
		Flags:  unix.EV_ADD | unix.EV_CLEAR,
	}
	if _, err := unix.Kevent(kqfd, []unix.Kevent_t{ev}, nil, nil); err != nil {
		unix.Close(kqfd)
		return nil, err
	}
	return p, nil
}

func change(fd int, filter int16, flags uint16) unix.Kevent_t {
	return unix.Kevent_t{
		Ident:  uint64(fd),
		Filter: filter,
		Flags:  flags,
	}
}

// Add adds a file descriptor to the watch list
func (p *KqueuePoller) Add(fd int) error {
	return p.Modify(fd, true, false)
}

// Modify changes the filters registered for fd
func (p *KqueuePoller) Modify(fd int, read, write bool) error {
	old := p.interest[fd]
	var want uint8
	if read {
		want |= wantRead
	}
	if write {
		want |= wantWrite
	}

	var changes []unix.Kevent_t
	switch {
	case want&wantRead != 0 && old&wantRead == 0:
		changes = append(changes, change(fd, unix.EVFILT_READ, unix.EV_ADD|unix.EV_ENABLE))
	case want&wantRead == 0 && old&wantRead != 0:
		changes = append(changes, change(fd, unix.EVFILT_READ, unix.EV_DELETE))
	}
	switch {
	case want&wantWrite != 0 && old&wantWrite == 0:
		changes = append(changes, change(fd, unix.EVFILT_WRITE, unix.EV_ADD|unix.EV_ENABLE))
	case want&wantWrite == 0 && old&wantWrite != 0:
		changes = append(changes, change(fd, unix.EVFILT_WRITE, unix.EV_DELETE))
	}

	if len(changes) > 0 {
		if _, err := unix.Kevent(p.kqfd, changes, nil, nil); err != nil {
			return err
		}
	}
	p.interest[fd] = want
	return nil
}

// Remove removes a file descriptor from the watch list
func (p *KqueuePoller) Remove(fd int) error {
	err := p.Modify(fd, false, false)
	delete(p.interest, fd)
	return err
}

// Wait waits for I/O events
func (p *KqueuePoller) Wait(timeout int) ([]Event, error) {
	var ts *unix.Timespec
	if timeout >= 0 {
		t := unix.NsecToTimespec(int64(timeout) * 1e6)
		ts = &t
	}

	n, err := unix.Kevent(p.kqfd, nil, p.events, ts)
	if err == unix.EINTR {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	p.ready = p.ready[:0]
	for i := 0; i < n; i++ {
		e := p.events[i]
		if e.Filter == unix.EVFILT_USER {
			continue
		}
		p.ready = append(p.ready, Event{
			Fd:       int(e.Ident),
			Readable: e.Filter == unix.EVFILT_READ,
			Writable: e.Filter == unix.EVFILT_WRITE,
			Hangup:   e.Flags&(unix.EV_EOF|unix.EV_ERROR) != 0,
		})
	}
	return p.ready, nil
}

// Wake interrupts a blocked Wait
func (p *KqueuePoller) Wake() error {
	ev := unix.Kevent_t{
		Ident:  wakeIdent,
		Filter: unix.EVFILT_USER,
		Fflags: unix.NOTE_TRIGGER,
	}
	_, err := unix.Kevent(p.kqfd, []unix.Kevent_t{ev}, nil, nil)
	return err
}

// Close closes the Poller
func (p *KqueuePoller) Close() error {
	return unix.Close(p.kqfd)
}
