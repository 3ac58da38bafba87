package notify

import (
	"sort"
	"sync"
	"time"
)

// DefaultRetention is how long MemoryStorage keeps messages
const DefaultRetention = 24 * time.Hour

// Entry is a stored notification
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// History exposes recently stored notifications
type History interface {
	// Recent returns stored entries, newest first
	Recent() []Entry
	// Last returns the most recent entry and whether there is one
	Last() (Entry, bool)
}

// MemoryStorage is a Handler keeping messages in memory for a retention window
type MemoryStorage struct {
	retention time.Duration
	now       func() time.Time

	mu      sync.Mutex
	entries []Entry // ascending by time
	last    Entry
	hasLast bool
}

// NewMemoryStorage creates a storage. retention <= 0 means DefaultRetention.
func NewMemoryStorage(retention time.Duration) *MemoryStorage {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &MemoryStorage{
		retention: retention,
		now:       time.Now,
	}
}

// Notify stores the message
func (m *MemoryStorage) Notify(msg Message) {
	e := Entry{Timestamp: msg.Time, Message: msg.Text}
	if e.Timestamp.IsZero() {
		e.Timestamp = m.now().UTC()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	i := sort.Search(len(m.entries), func(i int) bool {
		return m.entries[i].Timestamp.After(e.Timestamp)
	})
	m.entries = append(m.entries, Entry{})
	copy(m.entries[i+1:], m.entries[i:])
	m.entries[i] = e

	m.last = e
	m.hasLast = true
	m.pruneLocked()
}

func (m *MemoryStorage) pruneLocked() {
	limit := m.now().Add(-m.retention)
	n := 0
	for n < len(m.entries) && m.entries[n].Timestamp.Before(limit) {
		n++
	}
	if n > 0 {
		m.entries = append(m.entries[:0], m.entries[n:]...)
	}
}

// Recent returns entries inside the retention window, newest first
func (m *MemoryStorage) Recent() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pruneLocked()
	out := make([]Entry, len(m.entries))
	for i, e := range m.entries {
		out[len(out)-1-i] = e
	}
	return out
}

// Last returns the most recent message, even if it already left the window
func (m *MemoryStorage) Last() (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last, m.hasLast
}
