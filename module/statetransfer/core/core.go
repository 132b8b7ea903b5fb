// Package core implements the protocol engine: the fetching state
// machine, the symmetric source-role handlers, and checkpoint creation.
// It is the single-owner heart of state transfer; the engine package
// drives it from a single goroutine via the handoff queue, so Core
// itself does no internal locking.
package core

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/myh1000/concord-bft/model/flow"
	"github.com/myh1000/concord-bft/model/messages"
	modelstatetransfer "github.com/myh1000/concord-bft/model/statetransfer"
	"github.com/myh1000/concord-bft/module/metrics"
	"github.com/myh1000/concord-bft/module/statetransfer"
	"github.com/myh1000/concord-bft/module/statetransfer/blockcache"
	"github.com/myh1000/concord-bft/module/statetransfer/cert"
	"github.com/myh1000/concord-bft/module/statetransfer/reassembler"
	"github.com/myh1000/concord-bft/module/statetransfer/selector"
	"github.com/myh1000/concord-bft/module/statetransfer/stats"
	"github.com/myh1000/concord-bft/module/statetransfer/vblock"
	"github.com/myh1000/concord-bft/storage"
)

// SentinelVBlockID is the pseudo block number identifying the
// reserved-pages vblock in FetchBlocks-shaped streaming.
const SentinelVBlockID = modelstatetransfer.SentinelVBlockID

// CompletionCallback is invoked once a fetching session lands a target
// checkpoint. Callback failures are not observed by the engine.
type CompletionCallback func(checkpointNum uint64)

// Core is the protocol engine. It is not safe for concurrent use.
type Core struct {
	log zerolog.Logger

	config    statetransfer.Config
	store     storage.Store
	appState  statetransfer.AppState
	transport statetransfer.Transport
	clock     statetransfer.Clock
	metrics   metrics.Collector

	selector    *selector.Selector
	vblockCache *vblock.Cache
	blockCache  *blockcache.Cache
	reasm       *reassembler.Reassembler

	// throughput is a pure observer of incoming chunk bytes; it never
	// feeds back into fetching decisions (see module/statetransfer/stats).
	throughput *stats.Throughput

	// sendLimiter caps outbound ItemData bytes while serving as a source;
	// AllowN is checked per chunk rather than WaitN, since the engine
	// goroutine must never block on it (see source.go).
	sendLimiter *rate.Limiter

	running        bool
	fetchingState  modelstatetransfer.FetchingState
	checkpointBeingFetched *modelstatetransfer.CheckpointDescriptor

	firstRequiredBlock       uint64
	lastRequiredBlock        uint64
	nextRequiredBlock        uint64
	digestOfNextRequiredBlock flow.Digest

	lastStoredCheckpoint uint64
	sessionStartedAt     time.Time

	// certs holds one in-progress certificate per checkpoint number
	// attested to so far in the current GettingCheckpointSummaries phase.
	certs map[uint64]*cert.Certificate[messages.CheckpointSummary]

	askRetransmissions int
	sessionRestarts    int
	lastAskBroadcastAt time.Time

	outgoingSeqNum uint64
	// perSourceSeq is the highest accepted msgSeqNum from each peer,
	// used for replay protection.
	perSourceSeq map[flow.ReplicaID]uint64

	// livePages holds uncommitted reserved-page content written by the
	// consensus layer since the last checkpoint.
	livePages map[uint32][]byte

	callbacks []CompletionCallback
}

// New constructs a Core. Callers must call Init before StartRunning.
func New(
	log zerolog.Logger,
	config statetransfer.Config,
	store storage.Store,
	appState statetransfer.AppState,
	transport statetransfer.Transport,
	clock statetransfer.Clock,
	collector metrics.Collector,
) (*Core, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	blockCache, err := blockcache.New(defaultBlockCacheCapacity)
	if err != nil {
		return nil, fmt.Errorf("could not build block cache: %w", err)
	}
	return &Core{
		log:          log.With().Str("component", "statetransfer_core").Logger(),
		config:       config,
		store:        store,
		appState:     appState,
		transport:    transport,
		clock:        clock,
		metrics:      collector,
		selector:     selector.New(config.RNGSeed, time.Duration(config.SourceBlacklistDurationMs)*time.Millisecond),
		vblockCache:  vblock.New(config.MaxVBlocksInCache),
		blockCache:   blockCache,
		reasm:        reassembler.New(config.MaxPendingDataFromSourceReplica),
		throughput:   stats.NewThroughput(time.Duration(config.ThroughputWindowMs) * time.Millisecond),
		sendLimiter:  rate.NewLimiter(rate.Limit(config.SourceSendBytesPerSecond), int(config.MaxBlockSize)),
		certs:        make(map[uint64]*cert.Certificate[messages.CheckpointSummary]),
		perSourceSeq: make(map[flow.ReplicaID]uint64),
		livePages:    make(map[uint32][]byte),
	}, nil
}

// defaultBlockCacheCapacity bounds the source-side block-bytes cache.
const defaultBlockCacheCapacity = 64

// Init recovers durable state after a crash or fresh start: after a
// crash during fetching, recovery reads checkpointBeingFetched,
// firstRequiredBlock and lastRequiredBlock and resumes the same phase.
func (c *Core) Init() error {
	erase, err := c.store.GetEraseDataStoreFlag()
	if err != nil {
		return fmt.Errorf("checkConsistency: could not read erase flag: %w", err)
	}
	if erase {
		c.log.Warn().Msg("erase-metadata flag set; state transfer starting from a clean slate")
		// The durable store is not wiped here: only the in-memory engine
		// state starts clean, and the reads below still load what the
		// store holds.
	}

	state, err := c.store.GetFetchingState()
	if err != nil && err != storage.ErrNotFound {
		return fmt.Errorf("checkConsistency: could not read fetching state: %w", err)
	}
	c.fetchingState = state

	_, last, ok, err := c.store.GetStoredCheckpointRange()
	if err != nil {
		return fmt.Errorf("checkConsistency: could not read checkpoint range: %w", err)
	}
	if ok {
		c.lastStoredCheckpoint = last
	}

	if c.fetchingState.IsFetching() {
		desc, err := c.store.GetCheckpointBeingFetched()
		if err != nil {
			return fmt.Errorf("checkConsistency: fetching state %s but no target checkpoint recorded: %w", c.fetchingState, err)
		}
		c.checkpointBeingFetched = &desc

		if c.firstRequiredBlock, err = c.store.GetFirstRequiredBlock(); err != nil {
			return fmt.Errorf("checkConsistency: %w", err)
		}
		if c.lastRequiredBlock, err = c.store.GetLastRequiredBlock(); err != nil {
			return fmt.Errorf("checkConsistency: %w", err)
		}
		if c.nextRequiredBlock, err = c.store.GetNextRequiredBlock(); err != nil {
			return fmt.Errorf("checkConsistency: %w", err)
		}
		if c.digestOfNextRequiredBlock, err = c.store.GetDigestOfNextRequiredBlock(); err != nil {
			return fmt.Errorf("checkConsistency: %w", err)
		}
		c.sessionStartedAt = c.clock.Now()
		c.selector.Init(flow.NewReplicaSet(c.allReplicasExceptSelf()...))
	}

	return nil
}

// StartRunning marks the engine as active; it begins serving source-side
// requests and resumes any in-flight session's timers.
func (c *Core) StartRunning() {
	c.running = true
	if c.fetchingState.IsFetching() {
		c.sessionStartedAt = c.clock.Now()
	}
}

// StopRunning cancels the session in memory; durable state is untouched
// and will resume on the next StartRunning/Init.
func (c *Core) StopRunning() {
	c.running = false
}

// IsRunning reports whether the engine is currently active.
func (c *Core) IsRunning() bool {
	return c.running
}

// IsCollectingState reports whether a fetching session is in progress.
func (c *Core) IsCollectingState() bool {
	return c.fetchingState.IsFetching()
}

// AddOnTransferringCompleteCallback registers a callback invoked with
// the target checkpoint number when a session completes.
func (c *Core) AddOnTransferringCompleteCallback(cb CompletionCallback) {
	c.callbacks = append(c.callbacks, cb)
}

// SetEraseMetadataFlag durably records the erase-metadata flag. The next
// Init logs the flag but does not wipe the store, and the flag is never
// cleared.
func (c *Core) SetEraseMetadataFlag() error {
	return c.store.WithTransaction(func(txn storage.Transaction) error {
		return txn.SetEraseDataStoreFlag()
	})
}

// GetStatus returns a point-in-time snapshot for monitoring.
func (c *Core) GetStatus() modelstatetransfer.Status {
	now := c.clock.Now()
	status := modelstatetransfer.Status{
		FetchingState:            c.fetchingState,
		FirstRequiredBlock:       c.firstRequiredBlock,
		LastRequiredBlock:        c.lastRequiredBlock,
		NextRequiredBlock:        c.nextRequiredBlock,
		LastStoredCheckpoint:     c.lastStoredCheckpoint,
		LastReachableBlock:       c.appState.GetLastReachableBlockNum(),
		SessionStartedAt:         c.sessionStartedAt,
		ThroughputBytesPerSecond: c.throughput.BytesPerSecond(now),
		AverageChunkSize:         c.throughput.AverageChunkSize(now),
	}
	if c.checkpointBeingFetched != nil {
		status.CheckpointBeingFetched = c.checkpointBeingFetched.CheckpointNum
	}
	if cur := c.selector.Current(); cur != nil {
		id := *cur
		status.CurrentSource = &id
	}
	return status
}

func (c *Core) nextOutgoingSeqNum() uint64 {
	c.outgoingSeqNum++
	return c.outgoingSeqNum
}

func (c *Core) header(kind messages.Kind) messages.Header {
	return messages.Header{
		Kind:            kind,
		SenderReplicaID: c.config.MyReplicaID,
		MsgSeqNum:       c.nextOutgoingSeqNum(),
		ProtocolVersion: messages.ProtocolVersion,
	}
}

// acceptSequence applies the per-source replay-protection rule: a
// message is accepted only if its sequence number strictly exceeds the
// highest one previously accepted from that sender.
func (c *Core) acceptSequence(sender flow.ReplicaID, seqNum uint64) bool {
	if seqNum <= c.perSourceSeq[sender] {
		return false
	}
	c.perSourceSeq[sender] = seqNum
	return true
}

// recordChunkSample feeds an accepted chunk's byte count into the
// windowed throughput tracker and republishes the resulting rate to
// metrics; it never influences fetching decisions.
func (c *Core) recordChunkSample(n int) {
	now := c.clock.Now()
	c.throughput.AddSample(now, int64(n))
	c.metrics.ThroughputBytesPerSecond(c.throughput.BytesPerSecond(now))
}

func (c *Core) allReplicasExceptSelf() []flow.ReplicaID {
	out := make([]flow.ReplicaID, 0, c.config.NumReplicas-1)
	for i := uint32(0); i < c.config.NumReplicas; i++ {
		id := flow.ReplicaID(i)
		if id == c.config.MyReplicaID {
			continue
		}
		out = append(out, id)
	}
	return out
}
