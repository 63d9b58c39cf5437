package hyper

import "errors"

var (
	// ErrMalformed is returned for packets whose IPv6 or option framing
	// cannot be parsed.
	ErrMalformed = errors.New("malformed packet")
	// ErrDuplicate is a packet-cache hit; callers drop silently.
	ErrDuplicate = errors.New("duplicate packet")
	// ErrHopLimit means the hop limit reached zero on forward.
	ErrHopLimit = errors.New("hop limit exceeded")
	// ErrNoRoute means no destination coordinate is known and the packet
	// cannot be broadcast.
	ErrNoRoute = errors.New("no route to destination")
	// ErrNoResources means a bounded pool or cache is full.
	ErrNoResources = errors.New("no resources")
	// ErrTimeout means coordinate discovery exhausted its request budget.
	ErrTimeout = errors.New("coordinate request timed out")
)
