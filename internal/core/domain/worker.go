package domain

import (
	"time"
)

const (
	StatusStringOnline   = "online"
	StatusStringDegraded = "degraded"
	StatusStringOffline  = "offline"
)

type WorkerStatus string

const (
	WorkerOnline   WorkerStatus = StatusStringOnline
	WorkerDegraded WorkerStatus = StatusStringDegraded
	WorkerOffline  WorkerStatus = StatusStringOffline
)

func (s WorkerStatus) IsRoutable() bool {
	switch s {
	case WorkerOnline, WorkerDegraded:
		return true
	default:
		return false
	}
}

func (s WorkerStatus) String() string {
	return string(s)
}

// ModelTier buckets models by parameter count. Workers advertise the tiers
// they can serve; the balancer prefers the smallest tier that fits a model.
type ModelTier int

const (
	TierUnder3B ModelTier = iota
	Tier3To7B
	Tier7To13B
	Tier13To27B
	Tier30BPlus
)

var tierNames = [...]string{"<3B", "3-7B", "7-13B", "13-27B", "30B+"}

func (t ModelTier) String() string {
	if t < TierUnder3B || t > Tier30BPlus {
		return "unknown"
	}
	return tierNames[t]
}

// WorkerSkills describes the models a worker has locally available.
type WorkerSkills struct {
	AvailableModels []string          `json:"availableModels"`
	ModelPaths      map[string]string `json:"modelPaths"`
	TotalModelSize  int64             `json:"totalModelSize"`
	LastScanned     time.Time         `json:"lastScanned"`
}

func (s WorkerSkills) HasModel(modelID string) bool {
	for _, m := range s.AvailableModels {
		if m == modelID {
			return true
		}
	}
	return false
}

type WorkerCapabilities struct {
	MaxConcurrent     int         `json:"maxConcurrent"`
	SupportedTiers    []ModelTier `json:"supportedTiers"`
	AvailableMemoryGB float64     `json:"availableMemoryGB"`
}

func (c WorkerCapabilities) SupportsTier(t ModelTier) bool {
	for _, st := range c.SupportedTiers {
		if st == t {
			return true
		}
	}
	return false
}

// BestTier returns the largest tier a worker supports.
func (c WorkerCapabilities) BestTier() ModelTier {
	best := TierUnder3B
	for _, st := range c.SupportedTiers {
		if st > best {
			best = st
		}
	}
	return best
}

type WorkerMetrics struct {
	CPUUsagePercent       float64  `json:"cpuUsagePercent"`
	MemoryUsedGB          float64  `json:"memoryUsedGB"`
	GPUUtilizationPercent float64  `json:"gpuUtilizationPercent"`
	ActiveRequests        int64    `json:"activeRequests"`
	TotalRequestsHandled  int64    `json:"totalRequestsHandled"`
	AvgLatencyMs          float64  `json:"avgLatencyMs"`
	ModelsLoaded          []string `json:"modelsLoaded"`
}

// Worker is the registry record for a single worker process. At most one
// record exists per ID; registration replaces any prior record.
type Worker struct {
	ID            string             `json:"workerId"`
	Hostname      string             `json:"hostname"`
	Address       string             `json:"ip"`
	Port          int                `json:"port"`
	Skills        WorkerSkills       `json:"skills"`
	Capabilities  WorkerCapabilities `json:"capabilities"`
	Status        WorkerStatus       `json:"status"`
	LastHeartbeat time.Time          `json:"lastHeartbeat"`
	Metrics       WorkerMetrics      `json:"metrics"`
}

// Clone returns a copy safe to hand out of the registry lock.
func (w *Worker) Clone() *Worker {
	cp := *w
	cp.Skills.AvailableModels = append([]string(nil), w.Skills.AvailableModels...)
	if w.Skills.ModelPaths != nil {
		cp.Skills.ModelPaths = make(map[string]string, len(w.Skills.ModelPaths))
		for k, v := range w.Skills.ModelPaths {
			cp.Skills.ModelPaths[k] = v
		}
	}
	cp.Capabilities.SupportedTiers = append([]ModelTier(nil), w.Capabilities.SupportedTiers...)
	cp.Metrics.ModelsLoaded = append([]string(nil), w.Metrics.ModelsLoaded...)
	return &cp
}
