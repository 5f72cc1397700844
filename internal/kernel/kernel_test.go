package kernel

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"github.com/pincerOS/kernel-sub001/internal/kthread"
	"github.com/pincerOS/kernel-sub001/internal/syscalls"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.NumCores = 2
	cfg.NumFrames = 256
	return cfg
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	v := viper.New()
	cfg, err := LoadConfig(v)
	require.NoError(t, err)
	require.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfigRejectsZeroCores(t *testing.T) {
	v := viper.New()
	v.Set("num_cores", 0)
	_, err := LoadConfig(v)
	require.Error(t, err)
}

func TestNewKernelBootsAndShutsDown(t *testing.T) {
	k := New(testConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- k.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	k.Shutdown()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("kernel did not shut down in time")
	}
}

func TestKernelDispatchesGetTimeMSThroughSyscalls(t *testing.T) {
	k := New(testConfig(), nil)
	thread := kthread.NewKernelThread(nil)

	ret := k.Syscalls.Handle(k.Root, thread, syscalls.GetTimeMS, syscalls.Args{})
	require.GreaterOrEqual(t, ret, int64(0))
}

func TestKernelRootProcessHasFreshFDTable(t *testing.T) {
	k := New(testConfig(), nil)
	require.Equal(t, 0, k.Root.FDs.Len())
}
