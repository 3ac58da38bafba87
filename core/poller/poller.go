package poller

import "golang.org/x/sys/unix"

// Event is the readiness of one descriptor
type Event struct {
	Fd       int
	Readable bool
	Writable bool
	Hangup   bool // peer closed or socket error
}

// Poller is the I/O multiplexing interface. Registrations are
// level-triggered. Wake may be called from any goroutine; every other
// method belongs to the goroutine running Wait.
type Poller interface {
	// Add watches fd for reads
	Add(fd int) error
	// Modify replaces the interest set of a watched fd
	Modify(fd int, read, write bool) error
	Remove(fd int) error
	// Wait blocks up to timeout milliseconds (-1 forever). The returned
	// slice is reused by the next call. A Wake makes Wait return early,
	// possibly with no events.
	Wait(timeout int) ([]Event, error)
	Wake() error
	Close() error
}

// SetNonblock sets non-blocking mode
func SetNonblock(fd int) error {
	return unix.SetNonblock(fd, true)
}
