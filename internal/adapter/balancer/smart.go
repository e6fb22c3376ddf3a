// Package balancer selects one healthy worker per request using session
// affinity, model eligibility and composite load scoring.
package balancer

import (
	"context"
	"sync/atomic"

	"github.com/convoy-ml/convoy/internal/config"
	"github.com/convoy-ml/convoy/internal/core/domain"
	"github.com/convoy-ml/convoy/internal/core/ports"
	"github.com/convoy-ml/convoy/internal/logger"
)

const DefaultBalancerSmart = "smart"

// SmartSelector scores candidates by inverse active requests, model-tier
// fit and rolling average latency, with a round-robin tiebreak.
type SmartSelector struct {
	statsCollector ports.StatsCollector
	affinity       *affinityTable
	cfg            config.BalancerConfig
	logger         *logger.StyledLogger
	rrCounter      atomic.Uint64
}

func NewSmartSelector(cfg config.BalancerConfig, statsCollector ports.StatsCollector, log *logger.StyledLogger) *SmartSelector {
	return &SmartSelector{
		statsCollector: statsCollector,
		affinity:       newAffinityTable(cfg.SessionAffinity),
		cfg:            cfg,
		logger:         log,
	}
}

func (s *SmartSelector) Name() string {
	return DefaultBalancerSmart
}

// Start launches the affinity eviction task.
func (s *SmartSelector) Start(ctx context.Context) {
	if s.cfg.SessionAffinity.Enabled {
		s.affinity.start(ctx)
	}
}

func (s *SmartSelector) Stop() {
	if s.cfg.SessionAffinity.Enabled {
		s.affinity.stop()
	}
}

// AffinityLen reports the number of live sticky sessions.
func (s *SmartSelector) AffinityLen() int {
	return s.affinity.Len()
}

func (s *SmartSelector) Select(ctx context.Context, req *domain.InferenceRequest, workers []*domain.Worker, excluded map[string]struct{}) (*domain.Worker, error) {
	if len(workers) == 0 {
		return nil, domain.NewNoHealthyWorkersError()
	}

	routable := make([]*domain.Worker, 0, len(workers))
	for _, w := range workers {
		if _, skip := excluded[w.ID]; skip {
			continue
		}
		if w.Status.IsRoutable() {
			routable = append(routable, w)
		}
	}
	if len(routable) == 0 {
		return nil, domain.NewNoHealthyWorkersError()
	}

	// Session affinity first: sticky worker wins if still present, healthy
	// and eligible.
	if s.cfg.SessionAffinity.Enabled && req.SessionID != "" {
		if stickyID, ok := s.affinity.Lookup(req.SessionID); ok {
			for _, w := range routable {
				if w.ID == stickyID && s.eligible(w, req.ModelID) {
					return w, nil
				}
			}
			s.affinity.Forget(req.SessionID)
		}
	}

	candidates := s.filterEligible(routable, req.ModelID)
	if len(candidates) == 0 {
		return nil, domain.NewNoWorkersError(req.ModelID)
	}

	selected := s.pickBest(candidates, req.ModelID)

	if s.cfg.SessionAffinity.Enabled && req.SessionID != "" {
		s.affinity.Record(req.SessionID, selected.ID)
	}

	return selected, nil
}

func (s *SmartSelector) eligible(w *domain.Worker, modelID string) bool {
	return w.Skills.HasModel(modelID) || s.cfg.EligibilityFallback
}

// filterEligible keeps workers declaring the model; if none declare it and
// the fallback is enabled, every healthy worker remains a candidate.
func (s *SmartSelector) filterEligible(workers []*domain.Worker, modelID string) []*domain.Worker {
	declared := make([]*domain.Worker, 0, len(workers))
	for _, w := range workers {
		if w.Skills.HasModel(modelID) {
			declared = append(declared, w)
		}
	}
	if len(declared) > 0 {
		return declared
	}
	if s.cfg.EligibilityFallback {
		return workers
	}
	return nil
}

func (s *SmartSelector) pickBest(candidates []*domain.Worker, modelID string) *domain.Worker {
	connections := s.statsCollector.GetConnectionStats()
	needed := TierForModel(modelID)

	// Round-robin rotation makes score ties rotate through the pool.
	offset := int(s.rrCounter.Add(1) % uint64(len(candidates)))

	var selected *domain.Worker
	bestScore := -1.0

	for i := 0; i < len(candidates); i++ {
		w := candidates[(i+offset)%len(candidates)]
		score := s.score(w, needed, connections)
		if score > bestScore {
			bestScore = score
			selected = w
		}
	}
	return selected
}

// score combines load, tier fit and latency. Active requests dominate; the
// tier term prefers the smallest tier that fits; latency is a secondary
// correction.
func (s *SmartSelector) score(w *domain.Worker, needed domain.ModelTier, connections map[string]int64) float64 {
	active := connections[w.ID]
	if reported := w.Metrics.ActiveRequests; reported > active {
		active = reported
	}
	score := 100.0 / float64(1+active)

	if w.Capabilities.SupportsTier(needed) {
		excess := int(w.Capabilities.BestTier()) - int(needed)
		if excess < 0 {
			excess = 0
		}
		score += 50.0 - 5.0*float64(excess)
	}

	avgLatency := float64(s.statsCollector.AvgLatencyMs(w.ID))
	if avgLatency == 0 {
		avgLatency = w.Metrics.AvgLatencyMs
	}
	score -= avgLatency / 100.0

	return score
}
