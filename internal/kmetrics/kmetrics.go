// Package kmetrics collects the prometheus counters and gauges shared by
// the scheduler, frame allocator, and IPC layer. Grounded on the
// instrumentation style of Tingjia-0v0-SchedTest and nmxmxh/inos_v1, both
// scheduler-shaped Go projects in the retrieval pack that export core-loop
// counters through client_golang rather than ad hoc logging.
package kmetrics

import "github.com/prometheus/client_golang/prometheus"

// Registry is a private prometheus registry so tests can construct
// independent kernels without colliding on the global default registry.
type Registry struct {
	reg *prometheus.Registry

	FramesAllocated prometheus.Counter
	FramesFreed     prometheus.Counter
	FramesInUse     prometheus.Gauge

	ContextSwitches prometheus.Counter
	ThreadsSpawned  prometheus.Counter
	RunQueueDepth   prometheus.Gauge

	ChannelSendBlocked prometheus.Counter
	ChannelSent        prometheus.Counter
	PipeBytesWritten   prometheus.Counter

	Panics prometheus.Counter
}

// New constructs a fresh metrics registry. Each Kernel owns one.
func New() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		reg: reg,
		FramesAllocated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kernel_frames_allocated_total",
			Help: "Physical frames handed out by the frame allocator.",
		}),
		FramesFreed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kernel_frames_freed_total",
			Help: "Physical frames returned to the frame allocator.",
		}),
		FramesInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kernel_frames_in_use",
			Help: "Physical frames currently allocated.",
		}),
		ContextSwitches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kernel_context_switches_total",
			Help: "Number of context_switch invocations across all cores.",
		}),
		ThreadsSpawned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kernel_threads_spawned_total",
			Help: "Threads created via spawn.",
		}),
		RunQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kernel_run_queue_depth",
			Help: "Current length of the shared scheduler run queue.",
		}),
		ChannelSendBlocked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kernel_channel_send_blocked_total",
			Help: "Channel sends that blocked on a full queue.",
		}),
		ChannelSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kernel_channel_messages_sent_total",
			Help: "Messages delivered through channel endpoints.",
		}),
		PipeBytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kernel_pipe_bytes_written_total",
			Help: "Bytes written into pipe ring buffers.",
		}),
		Panics: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kernel_panics_total",
			Help: "Fatal invariant violations that halted a core.",
		}),
	}
	reg.MustRegister(
		r.FramesAllocated, r.FramesFreed, r.FramesInUse,
		r.ContextSwitches, r.ThreadsSpawned, r.RunQueueDepth,
		r.ChannelSendBlocked, r.ChannelSent, r.PipeBytesWritten,
		r.Panics,
	)
	return r
}

// Gatherer exposes the underlying prometheus registry for an HTTP handler.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }
