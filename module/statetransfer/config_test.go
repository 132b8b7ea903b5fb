package statetransfer_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/myh1000/concord-bft/module/statetransfer"
)

func validConfig() statetransfer.Config {
	c := statetransfer.DefaultConfig()
	c.MyReplicaID = 0
	c.FVal = 1
	c.CVal = 0
	c.NumReplicas = 4
	return c
}

func TestConfig_ValidAccepted(t *testing.T) {
	require.NoError(t, validConfig().Validate())
}

func TestConfig_RejectsBadReplicaCount(t *testing.T) {
	c := validConfig()
	c.NumReplicas = 5
	require.Error(t, c.Validate())
}

func TestConfig_RejectsOutOfRangeReplicaID(t *testing.T) {
	c := validConfig()
	c.MyReplicaID = 10
	require.Error(t, c.Validate())
}

func TestConfig_RejectsChunkLargerThanBlock(t *testing.T) {
	c := validConfig()
	c.MaxChunkSize = c.MaxBlockSize + 1
	require.Error(t, c.Validate())
}

func TestConfig_RejectsRetransmissionTimeoutBelowRefresh(t *testing.T) {
	c := validConfig()
	c.FetchRetransmissionTimeoutMs = c.RefreshTimerMs
	require.Error(t, c.Validate())
}

func TestConfig_Threshold(t *testing.T) {
	c := validConfig()
	require.Equal(t, 2, c.Threshold())
}
