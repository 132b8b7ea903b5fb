package statetransfer

import (
	"time"

	"github.com/myh1000/concord-bft/model/flow"
	"github.com/myh1000/concord-bft/model/messages"
)

// Transport is the external collaborator that delivers wire messages.
// The engine only ever sends fire-and-forget, best-effort messages
// through it; it must never block the calling goroutine on network I/O.
type Transport interface {
	// SendTo unicasts a message to a single replica.
	SendTo(to flow.ReplicaID, msg messages.Message) error
	// Broadcast sends a message to every other replica.
	Broadcast(msg messages.Message) error
}

// Clock is the external collaborator providing wall-clock time, so the
// engine's timeout logic is deterministically testable.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock backed by time.Now.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }
