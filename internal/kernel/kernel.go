// Package kernel wires every subsystem package into one bootable unit,
// patterned on gVisor's own pkg/sentry/kernel.Kernel god-object that owns
// the task tree, memory file, and platform in a single struct cmd/kernel
// constructs once and runs.
package kernel

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pincerOS/kernel-sub001/internal/boot"
	"github.com/pincerOS/kernel-sub001/internal/except"
	"github.com/pincerOS/kernel-sub001/internal/kmetrics"
	"github.com/pincerOS/kernel-sub001/internal/kpage"
	"github.com/pincerOS/kernel-sub001/internal/kproc"
	"github.com/pincerOS/kernel-sub001/internal/ksync"
	"github.com/pincerOS/kernel-sub001/internal/ktask"
	"github.com/pincerOS/kernel-sub001/internal/sched"
	"github.com/pincerOS/kernel-sub001/internal/syscalls"
	"github.com/pincerOS/kernel-sub001/internal/vaspace"
	"github.com/pincerOS/kernel-sub001/internal/vmm"
)

// Kernel aggregates every subsystem: the frame allocator and physical
// memory backing all address spaces, the task table, the scheduler, the
// root process, and the syscall dispatcher bound to all of them.
type Kernel struct {
	cfg     Config
	log     *zap.Logger
	metrics *kmetrics.Registry

	frames *kpage.Allocator
	mem    *kpage.PhysMem
	vmgr   *vmm.Manager

	Tasks     *ktask.Table
	Scheduler *sched.Scheduler
	Root      *kproc.Process
	Syscalls  *syscalls.Dispatcher
}

// New constructs a Kernel from cfg, ready to Run. It does not start any
// goroutines.
func New(cfg Config, log *zap.Logger) *Kernel {
	if log == nil {
		log = zap.NewNop()
	}
	metrics := kmetrics.New()
	frames := kpage.New(cfg.PhysBase, cfg.NumFrames, metrics)
	mem := kpage.NewPhysMem()
	vmgr := vmm.NewManager(frames, &except.HostCPUContext{})
	tasks := ktask.NewTable()
	scheduler := sched.New(cfg.NumCores, tasks, metrics, log)

	newSpace := func() *vaspace.AddressSpace {
		return vaspace.New(vmgr, frames, mem, cfg.UserAddrMin, cfg.UserAddrMax)
	}
	root := kproc.New(newSpace(), scheduler)
	dispatcher := syscalls.New(scheduler, scheduler.Yield, newSpace, time.Now())

	return &Kernel{
		cfg:       cfg,
		log:       log,
		metrics:   metrics,
		frames:    frames,
		mem:       mem,
		vmgr:      vmgr,
		Tasks:     tasks,
		Scheduler: scheduler,
		Root:      root,
		Syscalls:  dispatcher,
	}
}

// Metrics exposes the kernel's prometheus registry for an HTTP handler
// to serve, without giving callers direct access to the subsystems that
// feed it.
func (k *Kernel) Metrics() *kmetrics.Registry { return k.metrics }

// RunQueue exposes the scheduler as the ksync.RunQueue new kernel
// objects (channels, pipes, semaphores) are constructed against.
func (k *Kernel) RunQueue() ksync.RunQueue { return k.Scheduler }

// Run performs the bring-up handshake boot.Bootstrap models — releasing
// secondary cores and holding every core at a barrier — then starts the
// scheduler's per-core loops and blocks until ctx is cancelled.
func (k *Kernel) Run(ctx context.Context) error {
	k.log.Info("starting kernel", zap.Int("num_cores", k.cfg.NumCores))

	err := boot.Bootstrap(ctx, k.cfg.NumCores, k.cfg.SecondaryEntryPtr, k.log,
		func(_ context.Context, coreID int) error {
			k.log.Info("core checked in", zap.Int("core", coreID))
			return nil
		})
	if err != nil {
		return fmt.Errorf("kernel: core bring-up failed: %w", err)
	}

	return k.Scheduler.Run(ctx)
}

// Shutdown stops the scheduler's core loops, letting Run return.
func (k *Kernel) Shutdown() {
	k.Scheduler.Stop()
}
