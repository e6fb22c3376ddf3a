package worker

import (
	"runtime"
	"sync"
	"time"

	"github.com/convoy-ml/convoy/internal/core/domain"
)

// HardwareProfile is what a worker knows about its own machine.
type HardwareProfile struct {
	Cores    int
	MemoryGB float64
}

// DetectHardware builds a profile from the runtime. Memory is supplied by
// configuration or an external probe; zero means unknown.
func DetectHardware(memoryGB float64) HardwareProfile {
	return HardwareProfile{
		Cores:    runtime.NumCPU(),
		MemoryGB: memoryGB,
	}
}

// tierRequirement is the minimum hardware for serving a tier.
type tierRequirement struct {
	tier     domain.ModelTier
	cores    int
	memoryGB float64
}

// The smallest tier has no requirement so every worker can serve something.
var tierRequirements = []tierRequirement{
	{domain.TierUnder3B, 0, 0},
	{domain.Tier3To7B, 10, 8},
	{domain.Tier7To13B, 15, 16},
	{domain.Tier13To27B, 20, 32},
	{domain.Tier30BPlus, 30, 64},
}

// SupportedTiers returns every tier the profile qualifies for, ascending.
func (p HardwareProfile) SupportedTiers() []domain.ModelTier {
	var tiers []domain.ModelTier
	for _, req := range tierRequirements {
		if p.Cores >= req.cores && p.MemoryGB >= req.memoryGB {
			tiers = append(tiers, req.tier)
		}
	}
	return tiers
}

// MaxConcurrent derives a concurrency bound from the best supported tier.
// Bigger tiers mean heavier models, so fewer simultaneous runs.
func (p HardwareProfile) MaxConcurrent() int {
	best := domain.TierUnder3B
	for _, t := range p.SupportedTiers() {
		if t > best {
			best = t
		}
	}
	switch best {
	case domain.Tier30BPlus:
		return 2
	case domain.Tier13To27B:
		return 3
	case domain.Tier7To13B:
		return 4
	case domain.Tier3To7B:
		return 6
	default:
		return 8
	}
}

// Capabilities assembles the advertisement carried in registrations.
func (p HardwareProfile) Capabilities() domain.WorkerCapabilities {
	return domain.WorkerCapabilities{
		MaxConcurrent:     p.MaxConcurrent(),
		SupportedTiers:    p.SupportedTiers(),
		AvailableMemoryGB: p.MemoryGB,
	}
}

// UsageReading is one raw counter sample from the machine. CPU counters are
// cumulative; the sampler turns consecutive readings into utilisation. GPU
// utilisation is already a percentage and passes through.
type UsageReading struct {
	CPUBusy        time.Duration
	CPUTotal       time.Duration
	MemoryUsedGB   float64
	GPUUtilPercent float64
}

// ReadUsageFunc supplies raw readings. Tests inject a deterministic one.
type ReadUsageFunc func() UsageReading

// DefaultUsageReader reports process heap occupancy. CPU and GPU counters
// need a platform probe; without one those readings stay zero.
func DefaultUsageReader() UsageReading {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return UsageReading{MemoryUsedGB: float64(ms.HeapInuse) / (1 << 30)}
}

// UsageSampler computes CPU utilisation from the delta between consecutive
// readings rather than absolute counters.
type UsageSampler struct {
	read ReadUsageFunc

	mu       sync.Mutex
	prev     UsageReading
	havePrev bool

	cpuPercent   float64
	memoryUsedGB float64
	gpuPercent   float64
}

func NewUsageSampler(read ReadUsageFunc) *UsageSampler {
	return &UsageSampler{read: read}
}

// Sample takes one reading and updates the derived utilisation.
func (u *UsageSampler) Sample() {
	r := u.read()

	u.mu.Lock()
	defer u.mu.Unlock()

	if u.havePrev {
		busyDelta := r.CPUBusy - u.prev.CPUBusy
		totalDelta := r.CPUTotal - u.prev.CPUTotal
		if totalDelta > 0 {
			u.cpuPercent = 100 * float64(busyDelta) / float64(totalDelta)
			if u.cpuPercent < 0 {
				u.cpuPercent = 0
			}
			if u.cpuPercent > 100 {
				u.cpuPercent = 100
			}
		}
	}
	u.memoryUsedGB = r.MemoryUsedGB
	u.gpuPercent = r.GPUUtilPercent
	u.prev = r
	u.havePrev = true
}

func (u *UsageSampler) CPUPercent() float64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.cpuPercent
}

func (u *UsageSampler) MemoryUsedGB() float64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.memoryUsedGB
}

func (u *UsageSampler) GPUPercent() float64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.gpuPercent
}
