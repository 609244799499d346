// Package budget estimates how much work one tick may attempt. The host gives
// each invocation a short, unknown window, so every loop checks the time box
// derived here and persists its state before the window closes.
package budget

import (
	"context"
	"log/slog"
	"math"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

const (
	memorySaturation  = 512 << 20
	runtimeSaturation = 60 * time.Second
	cpuSaturation     = 4

	memoryWeight  = 50
	runtimeWeight = 30
	cpuWeight     = 20

	minChunks  = 1
	minDelay   = time.Second
	minTimeBox = 10 * time.Second

	// pressureRatio of the memory ceiling in use counts as memory pressure
	pressureRatio = 0.8
)

// Tier is the coarse capability class of the host
type Tier string

const (
	TierHigh   Tier = "high"
	TierMedium Tier = "medium"
	TierLow    Tier = "low"
)

// Budget is what one tick may spend
type Budget struct {
	Score         int
	Tier          Tier
	ChunksPerTick int
	Delay         time.Duration // before the next tick is due
	TimeBox       time.Duration
	MemoryLimit   uint64
}

// Limits reports host limits
type Limits interface {
	// MemoryLimit is the memory ceiling in bytes, 0 if unknown
	MemoryLimit() uint64
	// MaxRunTime is the per-invocation limit, 0 if unlimited
	MaxRunTime() time.Duration
	// CPUCount is the logical CPU count, 0 if unknown
	CPUCount() int
}

// Compute derives the budget from host limits
func Compute(p Limits) Budget {
	memLimit := p.MemoryLimit()
	maxRun := p.MaxRunTime()
	cpus := p.CPUCount()
	if cpus <= 0 {
		cpus = 1
	}

	memScore := math.Min(float64(memLimit)/float64(memorySaturation), 1) * memoryWeight
	runScore := float64(runtimeWeight)
	if maxRun > 0 {
		runScore = math.Min(float64(maxRun)/float64(runtimeSaturation), 1) * runtimeWeight
	}
	cpuScore := math.Min(float64(cpus)/cpuSaturation, 1) * cpuWeight
	score := int(memScore + runScore + cpuScore)

	b := Budget{Score: score, MemoryLimit: memLimit}
	var capBox time.Duration
	var share time.Duration // percent of the run limit
	switch {
	case score >= 70:
		b.Tier, b.ChunksPerTick, b.Delay, capBox, share = TierHigh, 5, 2*time.Second, 40*time.Second, 85
	case score >= 40:
		b.Tier, b.ChunksPerTick, b.Delay, capBox, share = TierMedium, 3, 3*time.Second, 25*time.Second, 80
	default:
		b.Tier, b.ChunksPerTick, b.Delay, capBox, share = TierLow, 2, 4*time.Second, 15*time.Second, 75
	}

	b.TimeBox = capBox
	if maxRun > 0 {
		if portion := maxRun * share / 100; portion < capBox {
			b.TimeBox = portion
		}
	}

	b.ChunksPerTick = max(b.ChunksPerTick, minChunks)
	b.Delay = max(b.Delay, minDelay)
	b.TimeBox = max(b.TimeBox, minTimeBox)
	return b
}

// HostLimits reads limits from the running host
type HostLimits struct {
	MaxRun time.Duration
}

func (p HostLimits) MemoryLimit() uint64 {
	// GOMEMLIMIT wins when the operator set one
	if limit := debug.SetMemoryLimit(-1); limit > 0 && limit < math.MaxInt64 {
		return uint64(limit)
	}
	vm, err := mem.VirtualMemoryWithContext(context.Background())
	if err != nil {
		slog.Debug("memory detection failed", "error", err)
		return 0
	}
	return vm.Available
}

func (p HostLimits) MaxRunTime() time.Duration {
	return p.MaxRun
}

func (p HostLimits) CPUCount() int {
	n, err := cpu.CountsWithContext(context.Background(), true)
	if err != nil || n <= 0 {
		return 1
	}
	return n
}

// Estimator computes the budget once per process
type Estimator struct {
	limits Limits
	once   sync.Once
	budget Budget
}

func NewEstimator(p Limits) *Estimator {
	return &Estimator{limits: p}
}

// Budget returns the cached budget, computing it on first use
func (e *Estimator) Budget() Budget {
	e.once.Do(func() {
		e.budget = Compute(e.limits)
		slog.Info("tick budget estimated", "score", e.budget.Score, "tier", e.budget.Tier,
			"chunksPerTick", e.budget.ChunksPerTick, "delay", e.budget.Delay, "timeBox", e.budget.TimeBox)
	})
	return e.budget
}

// UnderPressure reports whether heap use is close to limit. A zero limit
// never reports pressure.
func UnderPressure(limit uint64) bool {
	if limit == 0 {
		return false
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return float64(ms.HeapAlloc) > float64(limit)*pressureRatio
}

// Relieve asks the runtime to collect garbage and return memory to the OS
func Relieve() {
	debug.FreeOSMemory()
}
