// Package cert implements a generic message-certificate primitive: a
// per-value vote tally that declares completion once f+1 syntactically
// identical votes have arrived from distinct senders. It carries no
// state-transfer-specific knowledge and could be reused wherever BFT code
// needs a quorum-of-matching-votes construct.
package cert

import "github.com/myh1000/concord-bft/model/flow"

// Vote is any votable value. VotesEqual must treat two votes as identical iff
// they attest to the same content (ignoring sender/sequencing metadata the
// caller doesn't want compared).
type Vote[V any] interface {
	VotesEqual(other V) bool
}

// Certificate collects votes on a single value and declares itself
// complete once threshold distinct replicas have cast syntactically
// identical votes. It holds at most one completed value: once complete,
// further votes are ignored.
type Certificate[V Vote[V]] struct {
	threshold int
	voters    flow.ReplicaSet
	votes     []V               // parallel to counts/votersByValue, one entry per distinct vote value seen
	counts    []int
	votersByValue []flow.ReplicaSet
	complete  bool
	value     V
	valueIdx  int
}

// New returns an empty certificate requiring threshold distinct matching
// votes to complete. threshold is normally f+1.
func New[V Vote[V]](threshold int) *Certificate[V] {
	return &Certificate[V]{
		threshold: threshold,
		voters:    flow.NewReplicaSet(),
	}
}

// AddVote records a vote from sender. It returns true iff this call made
// the certificate complete. A second vote from a sender already recorded
// is rejected (returns false, no state change) whether or not its content
// matches the sender's first vote.
func (c *Certificate[V]) AddVote(sender flow.ReplicaID, vote V) bool {
	if c.complete {
		return false
	}
	if c.voters.Contains(sender) {
		return false
	}
	c.voters.Add(sender)

	for i, v := range c.votes {
		if v.VotesEqual(vote) {
			c.counts[i]++
			c.votersByValue[i].Add(sender)
			if c.counts[i] >= c.threshold {
				c.complete = true
				c.value = v
				c.valueIdx = i
				return true
			}
			return false
		}
	}
	c.votes = append(c.votes, vote)
	c.counts = append(c.counts, 1)
	c.votersByValue = append(c.votersByValue, flow.NewReplicaSet(sender))
	if c.threshold <= 1 {
		c.complete = true
		c.value = vote
		c.valueIdx = len(c.votes) - 1
		return true
	}
	return false
}

// Complete reports whether the certificate has reached its threshold.
func (c *Certificate[V]) Complete() bool {
	return c.complete
}

// Value returns the agreed value and true if the certificate is complete,
// or the zero value and false otherwise.
func (c *Certificate[V]) Value() (V, bool) {
	if !c.complete {
		var zero V
		return zero, false
	}
	return c.value, true
}

// VoteCount returns the number of distinct-sender votes recorded so far,
// regardless of whether they matched each other.
func (c *Certificate[V]) VoteCount() int {
	return len(c.voters)
}

// HasVoted reports whether sender has already cast a vote on this
// certificate.
func (c *Certificate[V]) HasVoted(sender flow.ReplicaID) bool {
	return c.voters.Contains(sender)
}

// MatchingVoters returns the senders whose vote matched the completed
// value, or an empty set if the certificate is not yet complete.
func (c *Certificate[V]) MatchingVoters() flow.ReplicaSet {
	if !c.complete {
		return flow.NewReplicaSet()
	}
	return c.votersByValue[c.valueIdx].Clone()
}
