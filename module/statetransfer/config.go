package statetransfer

import (
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/myh1000/concord-bft/model/flow"
)

// Config holds the numeric parameters of the state-transfer engine,
// validated once at construction time.
type Config struct {
	MyReplicaID flow.ReplicaID
	FVal        uint32
	CVal        uint32
	NumReplicas uint32 // must equal 3*FVal + 2*CVal + 1

	MaxBlockSize                  uint32
	MaxChunkSize                  uint32
	MaxNumberOfChunksInBatch       uint32
	MaxPendingDataFromSourceReplica int64

	RefreshTimerMs               int64
	FetchRetransmissionTimeoutMs int64

	SizeOfReservedPage      uint32
	MaxNumberOfReservedPages uint32
	EnableReservedPages      bool

	// MaxStoredCheckpoints bounds the window of durably retained
	// checkpoints (default 10).
	MaxStoredCheckpoints uint32

	// MaxVBlocksInCache bounds the source-side virtual block cache
	// (default 28).
	MaxVBlocksInCache int

	// MaxFetchSessionRestarts bounds how many times a single fetch
	// session may restart GettingCheckpointSummaries before the session
	// is abandoned altogether, distinct from the per-phase reset counter.
	// See DESIGN.md for the reasoning behind this bound.
	MaxFetchSessionRestarts int

	// KResetCountAskForCheckpointSummaries bounds retransmissions of
	// AskForCheckpointSummaries before the phase itself restarts.
	KResetCountAskForCheckpointSummaries int

	// ThroughputWindowMs bounds the sliding window over which incoming
	// chunk throughput is averaged for reporting; purely observational,
	// see module/statetransfer/stats.
	ThroughputWindowMs int64

	RNGSeed int64

	// SourceBlacklistDurationMs bounds how long a source's circuit
	// breaker stays open (excluded from selection) after a transient
	// failure before the selector allows it a trial request again. Does
	// not apply to a source excluded for provably bad data, which stays
	// excluded until the preferred set itself is reseeded.
	SourceBlacklistDurationMs int64

	// SourceSendBytesPerSecond caps how fast this replica streams
	// ItemData bytes while acting as a source, so serving a slow chain of
	// requesters can't starve the replica's own bandwidth budget.
	// Supplements the header's flow-control story, which only bounds the
	// requester side (maxPendingDataFromSourceReplica).
	SourceSendBytesPerSecond float64
}

// DefaultConfig returns a Config with reasonable defaults for every
// field, except those that are inherently deployment-specific (replica
// identity and cluster size), which are left zero.
func DefaultConfig() Config {
	return Config{
		MaxBlockSize:                    4 * 1024 * 1024,
		MaxChunkSize:                     16 * 1024,
		MaxNumberOfChunksInBatch:         32,
		MaxPendingDataFromSourceReplica:  64 * 1024 * 1024,
		RefreshTimerMs:                   300,
		FetchRetransmissionTimeoutMs:     2000,
		SizeOfReservedPage:               4096,
		MaxNumberOfReservedPages:         256,
		EnableReservedPages:              true,
		MaxStoredCheckpoints:             10,
		MaxVBlocksInCache:                28,
		MaxFetchSessionRestarts:          0,
		KResetCountAskForCheckpointSummaries: 4,
		ThroughputWindowMs:               10_000,
		RNGSeed:                          1,
		SourceBlacklistDurationMs:        5000,
		SourceSendBytesPerSecond:         8 * 1024 * 1024,
	}
}

// Validate performs a fatal, refuse-to-start check of cross-field
// invariants.
func (c Config) Validate() error {
	var result *multierror.Error

	if c.NumReplicas != 3*c.FVal+2*c.CVal+1 {
		result = multierror.Append(result, fmt.Errorf("numReplicas %d does not satisfy 3f+2c+1 (f=%d, c=%d)", c.NumReplicas, c.FVal, c.CVal))
	}
	if uint32(c.MyReplicaID) >= c.NumReplicas {
		result = multierror.Append(result, fmt.Errorf("myReplicaId %d out of range [0,%d)", c.MyReplicaID, c.NumReplicas))
	}
	if c.MaxChunkSize == 0 || c.MaxChunkSize > c.MaxBlockSize {
		result = multierror.Append(result, fmt.Errorf("maxChunkSize %d must be > 0 and <= maxBlockSize %d", c.MaxChunkSize, c.MaxBlockSize))
	}
	if c.MaxNumberOfChunksInBatch == 0 {
		result = multierror.Append(result, fmt.Errorf("maxNumberOfChunksInBatch must be > 0"))
	}
	if c.MaxPendingDataFromSourceReplica <= 0 {
		result = multierror.Append(result, fmt.Errorf("maxPendingDataFromSourceReplica must be > 0"))
	}
	if c.RefreshTimerMs <= 0 {
		result = multierror.Append(result, fmt.Errorf("refreshTimerMs must be > 0"))
	}
	if c.FetchRetransmissionTimeoutMs <= int64(c.RefreshTimerMs) {
		result = multierror.Append(result, fmt.Errorf("fetchRetransmissionTimeoutMs %d must exceed refreshTimerMs %d", c.FetchRetransmissionTimeoutMs, c.RefreshTimerMs))
	}
	if c.EnableReservedPages {
		if c.SizeOfReservedPage == 0 {
			result = multierror.Append(result, fmt.Errorf("sizeOfReservedPage must be > 0 when reserved pages are enabled"))
		}
		if c.MaxNumberOfReservedPages == 0 {
			result = multierror.Append(result, fmt.Errorf("maxNumberOfReservedPages must be > 0 when reserved pages are enabled"))
		}
	}
	if c.MaxStoredCheckpoints == 0 {
		result = multierror.Append(result, fmt.Errorf("maxStoredCheckpoints must be > 0"))
	}
	if c.MaxFetchSessionRestarts < 0 {
		result = multierror.Append(result, fmt.Errorf("maxFetchSessionRestarts must be >= 0 (0 disables the cap)"))
	}
	if c.KResetCountAskForCheckpointSummaries <= 0 {
		result = multierror.Append(result, fmt.Errorf("kResetCountAskForCheckpointSummaries must be > 0"))
	}
	if c.SourceSendBytesPerSecond <= 0 {
		result = multierror.Append(result, fmt.Errorf("sourceSendBytesPerSecond must be > 0"))
	}
	if c.ThroughputWindowMs <= 0 {
		result = multierror.Append(result, fmt.Errorf("throughputWindowMs must be > 0"))
	}

	return result.ErrorOrNil()
}

// Threshold returns f+1, the certificate quorum size.
func (c Config) Threshold() int {
	return int(c.FVal) + 1
}
