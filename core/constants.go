package core

import (
	"time"

	"github.com/pkg/errors"
)

// AuthPolicy selects how the server authenticates requests
type AuthPolicy int

const (
	// AuthNone accepts every request
	AuthNone AuthPolicy = iota
	// AuthBasic requires HTTP Basic credentials on routes not tagged router.NoAuthRequired
	AuthBasic
)

func (p AuthPolicy) String() string {
	switch p {
	case AuthNone:
		return "none"
	case AuthBasic:
		return "basic"
	default:
		return "unknown"
	}
}

// Error definitions
var (
	ErrAlreadyListening = errors.New("engine already listening")
)

const (
	// readChunk is the socket read size per readiness event
	readChunk = 4096

	// notFoundBody is sent with every 404
	notFoundBody = "Wrong method"

	// crashFilePattern is matched in the home directory for last_crash_at
	crashFilePattern = "restengine_crash_*"
)

// DefaultReplyTimeout is longer than the default outbound client timeout
const DefaultReplyTimeout = 10 * time.Minute
