// Package boot models the sequence original_source/crates/kernel/src/main.rs
// runs between the bootloader handing control to core 0 and the
// scheduler's first core loop picking up work: discovering how many
// cores exist, releasing the secondary cores from their spin loop, and
// holding every core at a barrier until all of them have checked in.
//
// There is no real secondary-core hardware to release in a host model —
// every "core" here is already a goroutine runtime created it — so
// ReleaseTable only records the handshake original_source performs by
// writing entry addresses at 0xd8 + core_id*8 and issuing `sev`; the
// actual wakeup is the run function this package invokes per core.
package boot

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ReleaseTableBase is the physical address original_source's
// kernel_entry_rust reads spin-table entries from (the Raspberry Pi
// firmware's documented secondary-core release mailbox).
const ReleaseTableBase = 0xd8

// releaseSlotStride is the byte distance between consecutive cores'
// entries: main.rs indexes `other_core_start` as a `*mut u64`, so
// `wrapping_add(i)` advances i*8 bytes.
const releaseSlotStride = 8

// ReleaseTable records, for bookkeeping and tests, the entry address
// each core was released to.
type ReleaseTable struct {
	entries []uint64
}

// NewReleaseTable allocates a table sized for numCores.
func NewReleaseTable(numCores int) *ReleaseTable {
	return &ReleaseTable{entries: make([]uint64, numCores)}
}

// SlotAddress reports the physical address original_source would write
// coreID's release entry to, for logging/diagnostics.
func (r *ReleaseTable) SlotAddress(coreID int) uint64 {
	return ReleaseTableBase + uint64(coreID)*releaseSlotStride
}

// Release records entry as the address coreID was released to.
func (r *ReleaseTable) Release(coreID int, entry uint64) {
	r.entries[coreID] = entry
}

// Entry reports the address coreID was released to, or 0 if Release has
// not been called for it yet.
func (r *ReleaseTable) Entry(coreID int) uint64 {
	return r.entries[coreID]
}

// CoreEntry is the function each core runs once every core has checked
// in at the bring-up barrier, mirroring kernel_entry_rust/
// kernel_entry_rust_alt's shared tail ("running threads on core {id}" ->
// SCHEDULER.run_on_core()).
type CoreEntry func(ctx context.Context, coreID int) error

// Bootstrap releases numCores-1 secondary cores to entry, holds every
// core (including core 0) at a barrier until all numCores have arrived,
// then runs run concurrently on each core ID in [0, numCores).
//
// The barrier here is a plain channel close, not internal/ksync.Barrier:
// ksync's blocking primitives park a *kthread.Thread, and at this point
// in boot no kernel thread or scheduler exists yet for one to belong to
// — these goroutines stand in for raw cores spinning on hardware, the
// layer below the thread/scheduler abstraction.
func Bootstrap(ctx context.Context, numCores int, entry uint64, log *zap.Logger, run CoreEntry) error {
	if log == nil {
		log = zap.NewNop()
	}
	if numCores < 1 {
		return fmt.Errorf("boot: numCores must be at least 1, got %d", numCores)
	}

	table := NewReleaseTable(numCores)
	for i := 1; i < numCores; i++ {
		table.Release(i, entry)
		log.Debug("released secondary core",
			zap.Int("core", i),
			zap.Uint64("slot_addr", table.SlotAddress(i)),
			zap.Uint64("entry", entry))
	}

	arrived := make(chan struct{}, numCores)
	release := make(chan struct{})

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < numCores; i++ {
		coreID := i
		g.Go(func() error {
			arrived <- struct{}{}
			select {
			case <-release:
			case <-gctx.Done():
				return gctx.Err()
			}
			log.Info("running threads on core", zap.Int("core", coreID))
			return run(gctx, coreID)
		})
	}

	for i := 0; i < numCores; i++ {
		select {
		case <-arrived:
		case <-gctx.Done():
			close(release)
			return g.Wait()
		}
	}
	close(release)

	return g.Wait()
}
