package core

import (
	"fmt"
	"time"

	"github.com/myh1000/concord-bft/model/flow"
	"github.com/myh1000/concord-bft/model/messages"
	modelstatetransfer "github.com/myh1000/concord-bft/model/statetransfer"
	"github.com/myh1000/concord-bft/module/statetransfer/cert"
	"github.com/myh1000/concord-bft/module/statetransfer/reassembler"
	"github.com/myh1000/concord-bft/module/statetransfer/selector"
	"github.com/myh1000/concord-bft/storage"
)

// StartCollectingState begins a fetching session, or is a no-op if one
// is already running: at most one session is ever in flight.
func (c *Core) StartCollectingState() error {
	if c.fetchingState.IsFetching() {
		c.log.Debug().Msg("startCollectingState called while already fetching, ignoring")
		return nil
	}

	c.certs = make(map[uint64]*cert.Certificate[messages.CheckpointSummary])
	c.askRetransmissions = 0
	c.sessionRestarts = 0
	c.sessionStartedAt = c.clock.Now()

	if err := c.setFetchingState(modelstatetransfer.GettingCheckpointSummaries); err != nil {
		return err
	}

	c.selector.Init(flow.NewReplicaSet(c.allReplicasExceptSelf()...))
	c.broadcastAskForCheckpointSummaries()
	return nil
}

func (c *Core) broadcastAskForCheckpointSummaries() {
	min := c.lastStoredCheckpoint + 1
	msg := messages.AskForCheckpointSummaries{
		Hdr:                   c.header(messages.KindAskForCheckpointSummaries),
		MinRelevantCheckpoint: min,
	}
	if err := c.transport.Broadcast(msg); err != nil {
		c.log.Warn().Err(err).Msg("failed to broadcast AskForCheckpointSummaries")
	}
	c.lastAskBroadcastAt = c.clock.Now()
	c.metrics.MessageSent(messages.KindAskForCheckpointSummaries.String())
}

func (c *Core) setFetchingState(s modelstatetransfer.FetchingState) error {
	err := c.store.WithTransaction(func(txn storage.Transaction) error {
		return txn.SetFetchingState(s)
	})
	if err != nil {
		return fmt.Errorf("could not durably set fetching state: %w", err)
	}
	c.fetchingState = s
	c.metrics.FetchingState(s.String())
	return nil
}

// OnTimer drives all timeout-based behavior: retransmitting
// AskForCheckpointSummaries, demoting a stalled source, and retrying the
// outstanding FetchBlocks/FetchResPages.
func (c *Core) OnTimer() {
	if !c.running || !c.fetchingState.IsFetching() {
		return
	}
	now := c.clock.Now()

	switch c.fetchingState {
	case modelstatetransfer.GettingCheckpointSummaries:
		c.onTimerCheckpointSummaries(now)
	case modelstatetransfer.GettingMissingBlocks:
		c.onTimerFetch(now, c.sendFetchBlocks)
	case modelstatetransfer.GettingMissingResPages:
		c.onTimerFetch(now, c.sendFetchResPages)
	}
}

func (c *Core) onTimerCheckpointSummaries(now time.Time) {
	if now.Sub(c.lastAskBroadcastAt) < time.Duration(c.config.FetchRetransmissionTimeoutMs)*time.Millisecond {
		return
	}
	c.askRetransmissions++
	if c.askRetransmissions >= c.config.KResetCountAskForCheckpointSummaries {
		c.log.Info().Int("retransmissions", c.askRetransmissions).Msg("resetting GettingCheckpointSummaries phase, reseeding preferred set")
		c.certs = make(map[uint64]*cert.Certificate[messages.CheckpointSummary])
		c.askRetransmissions = 0
		c.selector.Init(flow.NewReplicaSet(c.allReplicasExceptSelf()...))
	}
	c.broadcastAskForCheckpointSummaries()
}

// onTimerFetch handles the shared retransmission logic of
// GettingMissingBlocks and GettingMissingResPages: pick/rotate a source
// via the selector, and resend the phase's outstanding request. sender
// is sendFetchBlocks or sendFetchResPages.
func (c *Core) onTimerFetch(now time.Time, sender func(to flow.ReplicaID)) {
	hadCurrent := c.selector.Current() != nil
	if !c.selector.HasTimedOut(now, c.config.FetchRetransmissionTimeoutMs) && hadCurrent {
		return
	}

	src, err := c.selector.PickNext(now, c.config.FetchRetransmissionTimeoutMs)
	if err != nil {
		if err == selector.ErrExhausted {
			c.log.Warn().Msg("preferred set exhausted, restarting GettingCheckpointSummaries")
			c.restartSession()
			return
		}
		c.log.Warn().Err(err).Msg("source selector failed")
		return
	}
	if hadCurrent {
		c.metrics.SourceDemoted()
	}
	c.selector.BumpRetransmission()
	c.selector.RecordSend(now)
	sender(src)
}

// restartSession aborts the current session and returns to
// GettingCheckpointSummaries, bounded by MaxFetchSessionRestarts (a
// configurable cap; zero disables the cap entirely, see DESIGN.md for
// the reasoning).
func (c *Core) restartSession() {
	c.sessionRestarts++
	if c.config.MaxFetchSessionRestarts > 0 && c.sessionRestarts > c.config.MaxFetchSessionRestarts {
		c.log.Error().Int("restarts", c.sessionRestarts).Msg("fetch session exceeded max restarts, abandoning session")
		c.stopCollectingState()
		return
	}
	c.reasm = reassembler.New(c.config.MaxPendingDataFromSourceReplica)
	if err := c.setFetchingState(modelstatetransfer.GettingCheckpointSummaries); err != nil {
		c.log.Error().Err(err).Msg("could not durably restart session")
		return
	}
	c.certs = make(map[uint64]*cert.Certificate[messages.CheckpointSummary])
	c.askRetransmissions = 0
	c.selector.Init(flow.NewReplicaSet(c.allReplicasExceptSelf()...))
	c.broadcastAskForCheckpointSummaries()
}

func (c *Core) stopCollectingState() {
	if err := c.setFetchingState(modelstatetransfer.NotFetching); err != nil {
		c.log.Error().Err(err).Msg("could not durably abandon session")
		return
	}
	c.checkpointBeingFetched = nil
	err := c.store.WithTransaction(func(txn storage.Transaction) error {
		return txn.ClearCheckpointBeingFetched()
	})
	if err != nil {
		c.log.Error().Err(err).Msg("could not clear durable checkpointBeingFetched")
	}
}

// HandleStateTransferMessage dispatches an inbound wire message to the
// appropriate requester- or source-side handler. It is the single entry
// point transport delivery calls through the handoff queue.
func (c *Core) HandleStateTransferMessage(msg messages.Message) {
	if msg.Header().ProtocolVersion != messages.ProtocolVersion {
		c.metrics.MessageDropped("malformed")
		return
	}
	c.metrics.MessageReceived(msg.Kind().String())

	switch m := msg.(type) {
	case messages.CheckpointSummary:
		c.onCheckpointSummary(m)
	case messages.ItemData:
		c.onItemData(m)
	case messages.RejectFetching:
		c.onRejectFetching(m)
	case messages.AskForCheckpointSummaries:
		c.onAskForCheckpointSummaries(m)
	case messages.FetchBlocks:
		c.onFetchBlocks(m)
	case messages.FetchResPages:
		c.onFetchResPages(m)
	default:
		c.metrics.MessageDropped("malformed")
	}
}

func (c *Core) onCheckpointSummary(m messages.CheckpointSummary) {
	if c.fetchingState != modelstatetransfer.GettingCheckpointSummaries {
		c.metrics.MessageDropped("irrelevant")
		return
	}
	if !c.acceptSequence(m.Hdr.SenderReplicaID, m.Hdr.MsgSeqNum) {
		c.metrics.MessageDropped("irrelevant")
		return
	}

	certificate, ok := c.certs[m.CheckpointNumber]
	if !ok {
		certificate = cert.New[messages.CheckpointSummary](c.config.Threshold())
		c.certs[m.CheckpointNumber] = certificate
	}
	certificate.AddVote(m.Hdr.SenderReplicaID, m)

	c.pickHighestCompletedCertificate()
}

// pickHighestCompletedCertificate picks the highest-numbered checkpoint
// whose certificate has completed, among all that have completed so far
// in this tick. See DESIGN.md for why "highest" is the tie-break.
func (c *Core) pickHighestCompletedCertificate() {
	var best uint64
	var bestValue messages.CheckpointSummary
	found := false
	for n, certificate := range c.certs {
		value, ok := certificate.Value()
		if !ok {
			continue
		}
		if !found || n > best {
			best, bestValue, found = n, value, true
		}
	}
	if !found {
		return
	}
	c.onCertificateComplete(best, bestValue)
}

func (c *Core) onCertificateComplete(checkpointNum uint64, summary messages.CheckpointSummary) {
	desc := modelstatetransfer.CheckpointDescriptor{
		CheckpointNum:              checkpointNum,
		LastBlock:                  summary.MaxBlockID,
		DigestOfLastBlock:          summary.DigestOfMaxBlockID,
		DigestOfResPagesDescriptor: summary.DigestOfResPagesDescriptor,
	}

	err := c.store.WithTransaction(func(txn storage.Transaction) error {
		return txn.SetCheckpointBeingFetched(desc)
	})
	if err != nil {
		c.log.Error().Err(err).Msg("could not durably record checkpointBeingFetched")
		return
	}
	c.checkpointBeingFetched = &desc

	c.firstRequiredBlock = maxUint64(1, c.appState.GetLastReachableBlockNum()+1)
	c.lastRequiredBlock = desc.LastBlock
	c.nextRequiredBlock = c.lastRequiredBlock
	c.digestOfNextRequiredBlock = desc.DigestOfLastBlock

	preferred := c.certs[checkpointNum].MatchingVoters()

	nextState := modelstatetransfer.GettingMissingBlocks
	if c.nextRequiredBlock < c.firstRequiredBlock {
		nextState = modelstatetransfer.GettingMissingResPages
	}

	err = c.store.WithTransaction(func(txn storage.Transaction) error {
		if err := txn.SetFirstRequiredBlock(c.firstRequiredBlock); err != nil {
			return err
		}
		if err := txn.SetLastRequiredBlock(c.lastRequiredBlock); err != nil {
			return err
		}
		if err := txn.SetNextRequiredBlock(c.nextRequiredBlock); err != nil {
			return err
		}
		return txn.SetDigestOfNextRequiredBlock(c.digestOfNextRequiredBlock)
	})
	if err != nil {
		c.log.Error().Err(err).Msg("could not durably record session bounds")
		return
	}

	if err := c.setFetchingState(nextState); err != nil {
		c.log.Error().Err(err).Msg("could not durably transition fetching state")
		return
	}

	c.selector.Init(preferred)
	c.reasm = reassembler.New(c.config.MaxPendingDataFromSourceReplica)

	if nextState == modelstatetransfer.GettingMissingResPages {
		c.sendFetchResPagesToNewSource()
	} else {
		c.sendFetchBlocksToNewSource()
	}
}

func maxUint64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
