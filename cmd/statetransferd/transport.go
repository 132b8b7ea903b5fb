package main

import (
	"github.com/myh1000/concord-bft/model/flow"
	"github.com/myh1000/concord-bft/model/messages"
)

// loopbackTransport is a minimal statetransfer.Transport for standalone
// operation: it has no peers, so every send is a no-op. A production
// deployment plugs in the consensus layer's real network layer instead.
type loopbackTransport struct {
	self flow.ReplicaID
}

func newLoopbackTransport(self flow.ReplicaID) *loopbackTransport {
	return &loopbackTransport{self: self}
}

func (t *loopbackTransport) SendTo(to flow.ReplicaID, msg messages.Message) error {
	return nil
}

func (t *loopbackTransport) Broadcast(msg messages.Message) error {
	return nil
}
