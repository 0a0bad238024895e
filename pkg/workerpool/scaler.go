package workerpool

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// ScalerConfig is the per-class sustained-load scaling policy, drawn from
// the configuration surface in spec.md §6.
type ScalerConfig struct {
	Min              int           `yaml:"min"`
	Max              int           `yaml:"max"`
	CPUThreshold     float64       `yaml:"cpu_threshold"`    // percent, 0-100
	MemoryThreshold  float64       `yaml:"memory_threshold"` // percent, 0-100
	Cooldown         time.Duration `yaml:"cooldown"`
	AdaptiveInterval time.Duration `yaml:"adaptive_interval"`
}

func (c ScalerConfig) withDefaults() ScalerConfig {
	if c.Min <= 0 {
		c.Min = 1
	}
	if c.Max <= 0 {
		c.Max = c.Min
	}
	if c.CPUThreshold <= 0 {
		c.CPUThreshold = 70
	}
	if c.MemoryThreshold <= 0 {
		c.MemoryThreshold = 80
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.AdaptiveInterval <= 0 {
		c.AdaptiveInterval = 5 * time.Second
	}
	return c
}

// sustainedWindow is the two-minute age limit of the CPU/memory sample list
// (trimmed on every RecordSample) used to compute the sustained averages
// spec.md §4.3 scales on.
const sustainedWindow = 2 * time.Minute

type sample struct {
	at     time.Time
	cpu    float64
	memory float64
}

// Scaler implements the five-point scaling algorithm from spec.md §4.3 for
// one worker class: cooldown, sustained-window averaging with minimum
// sample counts, scale-up/down thresholds, and a non-overlapping
// oscillation guard.
type Scaler struct {
	class string
	cfg   ScalerConfig

	mu         sync.Mutex
	samples    []sample
	current    int
	lastScaled time.Time
}

// NewScaler returns a Scaler for class starting at cfg.Min workers.
func NewScaler(class string, cfg ScalerConfig) *Scaler {
	cfg = cfg.withDefaults()
	return &Scaler{class: class, cfg: cfg, current: cfg.Min}
}

// Current returns the class's current target concurrency.
func (s *Scaler) Current() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// RecordSample appends a CPU/memory utilization sample and evicts samples
// older than the sustained window.
func (s *Scaler) RecordSample(cpuPercent, memPercent float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.samples = append(s.samples, sample{at: now, cpu: cpuPercent, memory: memPercent})

	cutoff := now.Add(-sustainedWindow)
	i := 0
	for ; i < len(s.samples); i++ {
		if s.samples[i].at.After(cutoff) {
			break
		}
	}
	s.samples = s.samples[i:]
}

// Decide applies the scaling algorithm and returns the new target if a
// scaling decision was made, or (current, false) otherwise.
func (s *Scaler) Decide() (target int, changed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// 1. Cooldown.
	if !s.lastScaled.IsZero() && time.Since(s.lastScaled) < s.cfg.Cooldown {
		return s.current, false
	}

	if len(s.samples) == 0 {
		return s.current, false
	}

	var cpuSum, memSum float64
	for _, sm := range s.samples {
		cpuSum += sm.cpu
		memSum += sm.memory
	}
	avgCPU := cpuSum / float64(len(s.samples))
	avgMem := memSum / float64(len(s.samples))

	// 2. Minimum sample count differs for scale-up vs scale-down.
	canScaleUp := len(s.samples) >= 3
	canScaleDown := len(s.samples) >= 5

	// 3. Scale-up.
	if canScaleUp && avgCPU > s.cfg.CPUThreshold && avgMem < s.cfg.MemoryThreshold && s.current < s.cfg.Max {
		s.current++
		s.lastScaled = time.Now()
		return s.current, true
	}

	// 4. Scale-down.
	if canScaleDown && avgCPU < s.cfg.CPUThreshold*0.5 && avgMem < s.cfg.MemoryThreshold*0.6 && s.current > s.cfg.Min {
		s.current--
		s.lastScaled = time.Now()
		return s.current, true
	}

	return s.current, false
}

// Sampler periodically samples process-wide CPU and memory utilization
// (via gopsutil) and feeds every registered Scaler, driving the adaptive
// loop spec.md §4.3 describes.
type Sampler struct {
	interval time.Duration
	scalers  []*Scaler

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewSampler returns a Sampler that ticks every interval and feeds scalers.
func NewSampler(interval time.Duration, scalers ...*Scaler) *Sampler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Sampler{interval: interval, scalers: scalers, stopCh: make(chan struct{})}
}

// Start begins sampling in a goroutine.
func (s *Sampler) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.run(ctx)
}

// Stop signals the sampling loop to exit and waits for it.
func (s *Sampler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Sampler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sampleOnce(ctx)
		}
	}
}

func (s *Sampler) sampleOnce(ctx context.Context) {
	cpuPercents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil || len(cpuPercents) == 0 {
		slog.Warn("cpu sample failed", "error", err)
		return
	}

	vmStat, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		slog.Warn("memory sample failed", "error", err)
		return
	}

	for _, scaler := range s.scalers {
		scaler.RecordSample(cpuPercents[0], vmStat.UsedPercent)
		if target, changed := scaler.Decide(); changed {
			slog.Info("worker pool rescaled class", "class", scaler.class, "target", target)
		}
	}
}
