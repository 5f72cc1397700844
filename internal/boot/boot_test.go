package boot

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBootstrapRunsEveryCore(t *testing.T) {
	const numCores = 4
	var ran int32

	err := Bootstrap(context.Background(), numCores, 0x1000, nil,
		func(_ context.Context, coreID int) error {
			require.GreaterOrEqual(t, coreID, 0)
			require.Less(t, coreID, numCores)
			atomic.AddInt32(&ran, 1)
			return nil
		})
	require.NoError(t, err)
	require.EqualValues(t, numCores, ran)
}

func TestBootstrapReleasesSecondaryCoresNotCoreZero(t *testing.T) {
	table := NewReleaseTable(4)
	for i := 1; i < 4; i++ {
		table.Release(i, 0xBEEF)
	}
	require.Zero(t, table.Entry(0))
	for i := 1; i < 4; i++ {
		require.Equal(t, uint64(0xBEEF), table.Entry(i))
		require.Equal(t, ReleaseTableBase+uint64(i)*releaseSlotStride, table.SlotAddress(i))
	}
}

func TestBootstrapPropagatesCoreEntryError(t *testing.T) {
	boom := context.DeadlineExceeded
	err := Bootstrap(context.Background(), 2, 0x1000, nil,
		func(_ context.Context, coreID int) error {
			if coreID == 1 {
				return boom
			}
			return nil
		})
	require.Error(t, err)
}

func TestBootstrapHoldsCoresUntilAllArrive(t *testing.T) {
	const numCores = 3
	started := make(chan int, numCores)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := Bootstrap(ctx, numCores, 0x2000, nil,
		func(_ context.Context, coreID int) error {
			started <- coreID
			return nil
		})
	require.NoError(t, err)
	require.Len(t, started, numCores)
}
