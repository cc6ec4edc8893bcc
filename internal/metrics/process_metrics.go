package metrics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

var (
	childCPUPercent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "cpu_percent",
			Help:      "CPU usage of the running service child (percent since process start).",
		}, []string{"name"},
	)
	childMemoryRSS = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "memory_rss_bytes",
			Help:      "Resident set size of the running service child.",
		}, []string{"name"},
	)
	childNumThreads = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "num_threads",
			Help:      "Thread count of the running service child.",
		}, []string{"name"},
	)
)

// ProcessSample is one resource reading of the service child.
type ProcessSample struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	NumThreads int32     `json:"num_threads"`
	Timestamp  time.Time `json:"timestamp"`
}

// SampleProcess reads CPU, memory and thread count for pid.
func SampleProcess(ctx context.Context, pid int) (ProcessSample, error) {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return ProcessSample{}, err
	}
	s := ProcessSample{PID: p.Pid, Timestamp: time.Now()}
	if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
		s.CPUPercent = cpu
	}
	if mem, err := p.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		s.MemoryRSS = mem.RSS
	}
	if n, err := p.NumThreadsWithContext(ctx); err == nil {
		s.NumThreads = n
	}
	return s, nil
}

// PIDSource reports the pid of the running child, if any.
type PIDSource func() (int, bool)

// Sampler periodically samples the running child and exports the readings as
// gauges. When no child is running the gauges are reset to zero.
type Sampler struct {
	name     string
	interval time.Duration
	pid      PIDSource
	logger   *slog.Logger

	mu   sync.RWMutex
	last *ProcessSample
}

// NewSampler creates a sampler; interval defaults to 5s.
func NewSampler(name string, interval time.Duration, pid PIDSource, logger *slog.Logger) *Sampler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sampler{name: name, interval: interval, pid: pid, logger: logger}
}

// Run samples until ctx is cancelled.
func (s *Sampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		s.sampleOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Sampler) sampleOnce(ctx context.Context) {
	pid, ok := s.pid()
	if !ok {
		s.store(nil)
		return
	}
	sample, err := SampleProcess(ctx, pid)
	if err != nil {
		// The child may have exited between the pid lookup and the read.
		s.logger.Debug("process sample failed", "pid", pid, "error", err)
		s.store(nil)
		return
	}
	s.store(&sample)
}

func (s *Sampler) store(sample *ProcessSample) {
	s.mu.Lock()
	s.last = sample
	s.mu.Unlock()
	if !regOK.Load() {
		return
	}
	if sample == nil {
		childCPUPercent.WithLabelValues(s.name).Set(0)
		childMemoryRSS.WithLabelValues(s.name).Set(0)
		childNumThreads.WithLabelValues(s.name).Set(0)
		return
	}
	childCPUPercent.WithLabelValues(s.name).Set(sample.CPUPercent)
	childMemoryRSS.WithLabelValues(s.name).Set(float64(sample.MemoryRSS))
	childNumThreads.WithLabelValues(s.name).Set(float64(sample.NumThreads))
}

// Last returns the most recent sample, if the child was running at that time.
func (s *Sampler) Last() (ProcessSample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return ProcessSample{}, false
	}
	return *s.last, true
}
