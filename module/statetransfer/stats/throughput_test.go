package stats_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/myh1000/concord-bft/module/statetransfer/stats"
)

func TestThroughput_BytesPerSecond(t *testing.T) {
	th := stats.NewThroughput(10 * time.Second)
	base := time.Unix(0, 0)

	th.AddSample(base, 100)
	th.AddSample(base.Add(1*time.Second), 100)
	th.AddSample(base.Add(2*time.Second), 100)

	rate := th.BytesPerSecond(base.Add(2 * time.Second))
	require.InDelta(t, 150, rate, 1)
}

func TestThroughput_PrunesOldSamples(t *testing.T) {
	th := stats.NewThroughput(1 * time.Second)
	base := time.Unix(0, 0)

	th.AddSample(base, 1000)
	th.AddSample(base.Add(5*time.Second), 10)

	require.Equal(t, 1, th.SampleCount())
}

func TestThroughput_EmptyWindowIsZero(t *testing.T) {
	th := stats.NewThroughput(time.Second)
	require.Equal(t, float64(0), th.BytesPerSecond(time.Now()))
}
