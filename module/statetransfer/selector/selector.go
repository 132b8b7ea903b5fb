// Package selector implements source-replica selection for the fetching
// state machine: a preferred set with pseudorandom rotation, and two
// distinct ways a source can be taken out of rotation. Transient
// failures (a stalled reply, an explicit RejectFetching) trip a
// per-source circuit breaker that cools down and lets the source back
// into rotation after a configurable interval, the same fail-over and
// circuit-breaking concern RPC backend node selection solves with
// gobreaker. Provably bad data (a digest that doesn't match) instead
// permanently excludes a source until the preferred set itself is
// reseeded by Init.
package selector

import (
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/sony/gobreaker"

	"github.com/myh1000/concord-bft/model/flow"
)

// errTransientFailure is fed into a source's circuit breaker to record a
// timeout or explicit rejection; its text is never surfaced to callers.
var errTransientFailure = errors.New("selector: transient source failure")

type sourceState struct {
	retransmissionCount int
	lastSendTime        time.Time
	breaker             *gobreaker.CircuitBreaker
}

// Selector chooses which peer to fetch from, rotating away from sources
// that time out or explicitly reject a request, and permanently
// excluding sources caught serving provably bad data.
type Selector struct {
	rng       *rand.Rand
	preferred flow.ReplicaSet
	banned    flow.ReplicaSet
	current   *flow.ReplicaID
	sources   map[flow.ReplicaID]*sourceState

	breakerTimeout time.Duration
}

// New returns a selector seeded with rngSeed for its pseudorandom source
// choice. breakerTimeout bounds how long a source's circuit breaker
// stays open (excluding it from candidates) after a transient failure
// before it is allowed a trial request again; zero selects gobreaker's
// default of 60 seconds.
func New(rngSeed int64, breakerTimeout time.Duration) *Selector {
	return &Selector{
		rng:            rand.New(rand.NewSource(rngSeed)),
		preferred:      flow.NewReplicaSet(),
		banned:         flow.NewReplicaSet(),
		sources:        make(map[flow.ReplicaID]*sourceState),
		breakerTimeout: breakerTimeout,
	}
}

// Init (re)seeds the preferred set, clearing any current source, all
// per-source counters and circuit breakers, and the bad-data ban list.
func (s *Selector) Init(preferred flow.ReplicaSet) {
	s.preferred = preferred.Clone()
	s.banned = flow.NewReplicaSet()
	s.current = nil
	s.sources = make(map[flow.ReplicaID]*sourceState)
}

// Current returns the source currently selected, or nil if none.
func (s *Selector) Current() *flow.ReplicaID {
	return s.current
}

// ErrExhausted is returned by PickNext when no eligible candidate
// remains in the preferred set.
var ErrExhausted = exhaustedErr{}

type exhaustedErr struct{}

func (exhaustedErr) Error() string { return "source selector: preferred set exhausted" }

// PickNext returns the current source if one is set and has not timed
// out; otherwise it records the timeout as a transient failure against
// the current source's circuit breaker, clears it, and chooses a new
// one pseudorandomly among the preferred replicas that are neither
// banned nor sitting behind an open circuit breaker. It reports
// ErrExhausted if no candidate remains.
func (s *Selector) PickNext(now time.Time, sendTimeoutMs int64) (flow.ReplicaID, error) {
	if s.current != nil && !s.hasTimedOut(now, sendTimeoutMs) {
		return *s.current, nil
	}
	if s.current != nil {
		st := s.stateFor(*s.current)
		_, _ = st.breaker.Execute(func() (any, error) { return nil, errTransientFailure })
		s.current = nil
	}

	candidates := make([]flow.ReplicaID, 0, len(s.preferred))
	for _, id := range s.preferred.Slice() {
		if s.banned.Contains(id) {
			continue
		}
		if st, ok := s.sources[id]; ok && st.breaker.State() == gobreaker.StateOpen {
			continue
		}
		candidates = append(candidates, id)
	}
	if len(candidates) == 0 {
		return 0, ErrExhausted
	}

	chosen := candidates[s.rng.Intn(len(candidates))]
	s.current = &chosen
	st := s.stateFor(chosen)
	st.lastSendTime = now
	return chosen, nil
}

// RecordSend updates the last-send timestamp for the current source,
// called every time a request is (re)sent to it.
func (s *Selector) RecordSend(now time.Time) {
	if s.current == nil {
		return
	}
	s.stateFor(*s.current).lastSendTime = now
}

// OnGoodReply resets the retransmission count for replicaID and reports
// a success to its circuit breaker, called on any valid,
// progress-making reply.
func (s *Selector) OnGoodReply(replicaID flow.ReplicaID) {
	st := s.stateFor(replicaID)
	st.retransmissionCount = 0
	_, _ = st.breaker.Execute(func() (any, error) { return nil, nil })
}

// OnReject records a transient failure (a timeout or an explicit
// RejectFetching) against replicaID's circuit breaker and, if it is the
// current source, clears it so the next PickNext rotates away. Once the
// breaker's failure threshold trips, the source stops being offered as a
// candidate until the breaker's cooldown elapses.
func (s *Selector) OnReject(replicaID flow.ReplicaID) {
	st := s.stateFor(replicaID)
	_, _ = st.breaker.Execute(func() (any, error) { return nil, errTransientFailure })
	if s.current != nil && *s.current == replicaID {
		s.current = nil
	}
}

// OnBadData permanently excludes replicaID from selection for the rest
// of this preferred-set epoch: unlike OnReject, a provably bad source is
// never given another trial request until Init reseeds the preferred
// set from scratch (a fresh GettingCheckpointSummaries session).
func (s *Selector) OnBadData(replicaID flow.ReplicaID) {
	s.banned.Add(replicaID)
	if s.current != nil && *s.current == replicaID {
		s.current = nil
	}
}

// HasTimedOut reports whether the current source's last send exceeds
// sendTimeoutMs relative to now. Returns false if there is no current
// source.
func (s *Selector) HasTimedOut(now time.Time, sendTimeoutMs int64) bool {
	return s.hasTimedOut(now, sendTimeoutMs)
}

func (s *Selector) hasTimedOut(now time.Time, sendTimeoutMs int64) bool {
	if s.current == nil {
		return false
	}
	st := s.stateFor(*s.current)
	return now.Sub(st.lastSendTime) >= time.Duration(sendTimeoutMs)*time.Millisecond
}

// RetransmissionCount returns the current source's retransmission count,
// or 0 if there is no current source.
func (s *Selector) RetransmissionCount() int {
	if s.current == nil {
		return 0
	}
	return s.stateFor(*s.current).retransmissionCount
}

// BumpRetransmission increments the current source's retransmission
// count and returns the new value.
func (s *Selector) BumpRetransmission() int {
	if s.current == nil {
		return 0
	}
	st := s.stateFor(*s.current)
	st.retransmissionCount++
	return st.retransmissionCount
}

// PreferredSize returns the number of replicas still eligible for
// selection: in the preferred set, not banned for bad data, and not
// currently behind an open circuit breaker.
func (s *Selector) PreferredSize() int {
	n := 0
	for _, id := range s.preferred.Slice() {
		if s.banned.Contains(id) {
			continue
		}
		if st, ok := s.sources[id]; ok && st.breaker.State() == gobreaker.StateOpen {
			continue
		}
		n++
	}
	return n
}

func (s *Selector) stateFor(id flow.ReplicaID) *sourceState {
	st, ok := s.sources[id]
	if !ok {
		st = &sourceState{breaker: s.newBreaker(id)}
		s.sources[id] = st
	}
	return st
}

// newBreaker builds a per-source breaker that trips open on the very
// first recorded failure (matching the fetching state machine's
// immediate-rotation behavior on timeout/reject) and allows a single
// trial request once breakerTimeout has elapsed.
func (s *Selector) newBreaker(id flow.ReplicaID) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        fmt.Sprintf("replica-%d", uint16(id)),
		MaxRequests: 1,
		Timeout:     s.breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 1
		},
	})
}
