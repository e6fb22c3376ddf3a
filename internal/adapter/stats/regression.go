package stats

import (
	"context"
	"sync"
	"time"

	"github.com/convoy-ml/convoy/internal/config"
	"github.com/convoy-ml/convoy/internal/logger"
	"github.com/convoy-ml/convoy/pkg/eventbus"
)

// Regression thresholds against the baseline. All three are critical.
const (
	ThroughputDropThreshold = 0.05 // >= 5% below baseline
	TTFTRiseThreshold       = 0.10 // >= 10% above baseline
	ErrorRateThreshold      = 0.01 // > 1%

	maxWindowSamples = 2048
)

const (
	AlertThroughput = "throughput"
	AlertTTFT       = "ttft"
	AlertErrorRate  = "error_rate"

	SeverityCritical = "critical"
)

type Alert struct {
	Metric    string
	Severity  string
	Baseline  float64
	Current   float64
	Timestamp time.Time
}

// RollbackEvent asks consumers to roll back; the detector only emits it.
type RollbackEvent struct {
	Reason    Alert
	Timestamp time.Time
}

type sample struct {
	at           time.Time
	tokensPerSec float64
	ttftMs       float64
	failed       bool
}

// Detector keeps a rolling window of request outcomes and compares
// throughput, TTFT and error rate against a baseline.
type Detector struct {
	cfg      config.RegressionConfig
	logger   *logger.StyledLogger
	alerts   *eventbus.EventBus[Alert]
	rollback *eventbus.EventBus[RollbackEvent]

	mu                 sync.Mutex
	samples            []sample
	baselineThroughput float64
	baselineTTFT       float64
	baselineSet        bool

	stopCh  chan struct{}
	stopped sync.Once
}

func NewDetector(cfg config.RegressionConfig, log *logger.StyledLogger) *Detector {
	return &Detector{
		cfg:      cfg,
		logger:   log,
		alerts:   eventbus.New[Alert](),
		rollback: eventbus.New[RollbackEvent](),
		stopCh:   make(chan struct{}),
	}
}

// Record adds one completed request to the rolling window. ttft is zero for
// failed requests.
func (d *Detector) Record(tokensPerSec float64, ttft time.Duration, failed bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.samples = append(d.samples, sample{
		at:           time.Now(),
		tokensPerSec: tokensPerSec,
		ttftMs:       float64(ttft.Milliseconds()),
		failed:       failed,
	})
	if len(d.samples) > maxWindowSamples {
		d.samples = d.samples[len(d.samples)-maxWindowSamples:]
	}
}

// SetBaseline fixes the comparison point explicitly. Without it, the first
// window meeting the sample minimum becomes the baseline.
func (d *Detector) SetBaseline(tokensPerSec float64, ttft time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.baselineThroughput = tokensPerSec
	d.baselineTTFT = float64(ttft.Milliseconds())
	d.baselineSet = true
}

func (d *Detector) Alerts() *eventbus.EventBus[Alert] {
	return d.alerts
}

func (d *Detector) Rollbacks() *eventbus.EventBus[RollbackEvent] {
	return d.rollback
}

func (d *Detector) Start(ctx context.Context) {
	if !d.cfg.Enabled {
		return
	}
	go func() {
		ticker := time.NewTicker(d.cfg.EvaluationInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-d.stopCh:
				return
			case <-ticker.C:
				d.Evaluate()
			}
		}
	}()
}

func (d *Detector) Stop() {
	d.stopped.Do(func() {
		close(d.stopCh)
		d.alerts.Shutdown()
		d.rollback.Shutdown()
	})
}

// Evaluate compares the current window against the baseline and fires
// alerts. Exported so tests can drive it without the ticker.
func (d *Detector) Evaluate() {
	d.mu.Lock()

	if len(d.samples) < d.cfg.MinSamplesForEvaluation {
		d.mu.Unlock()
		return
	}

	var sumThroughput, sumTTFT float64
	var failures, succeeded int
	for _, s := range d.samples {
		if s.failed {
			failures++
			continue
		}
		succeeded++
		sumThroughput += s.tokensPerSec
		sumTTFT += s.ttftMs
	}

	var curThroughput, curTTFT float64
	if succeeded > 0 {
		curThroughput = sumThroughput / float64(succeeded)
		curTTFT = sumTTFT / float64(succeeded)
	}
	errRate := float64(failures) / float64(len(d.samples))

	if !d.baselineSet && succeeded > 0 {
		d.baselineThroughput = curThroughput
		d.baselineTTFT = curTTFT
		d.baselineSet = true
		d.mu.Unlock()
		return
	}

	baselineThroughput := d.baselineThroughput
	baselineTTFT := d.baselineTTFT
	d.mu.Unlock()

	now := time.Now()
	var critical []Alert

	if baselineThroughput > 0 && curThroughput < baselineThroughput*(1-ThroughputDropThreshold) {
		critical = append(critical, Alert{
			Metric: AlertThroughput, Severity: SeverityCritical,
			Baseline: baselineThroughput, Current: curThroughput, Timestamp: now,
		})
	}
	if baselineTTFT > 0 && curTTFT > baselineTTFT*(1+TTFTRiseThreshold) {
		critical = append(critical, Alert{
			Metric: AlertTTFT, Severity: SeverityCritical,
			Baseline: baselineTTFT, Current: curTTFT, Timestamp: now,
		})
	}
	if errRate > ErrorRateThreshold {
		critical = append(critical, Alert{
			Metric: AlertErrorRate, Severity: SeverityCritical,
			Baseline: ErrorRateThreshold, Current: errRate, Timestamp: now,
		})
	}

	for _, a := range critical {
		d.logger.Warn("Regression detected",
			"metric", a.Metric,
			"baseline", a.Baseline,
			"current", a.Current)
		d.alerts.Publish(a)
		if d.cfg.RollbackOnCritical {
			d.rollback.Publish(RollbackEvent{Reason: a, Timestamp: now})
		}
	}
}
