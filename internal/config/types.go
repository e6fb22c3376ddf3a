package config

import (
	"fmt"
	"time"
)

// Config holds all configuration for the control plane. It is constructed
// once at startup and threaded explicitly; there is no hot reload.
type Config struct {
	Logging     LoggingConfig     `yaml:"logging" mapstructure:"logging"`
	Retry       RetryConfig       `yaml:"retry" mapstructure:"retry"`
	Breaker     BreakerConfig     `yaml:"circuit_breaker" mapstructure:"circuit_breaker"`
	Timeouts    TimeoutConfig     `yaml:"timeouts" mapstructure:"timeouts"`
	Discovery   DiscoveryConfig   `yaml:"discovery" mapstructure:"discovery"`
	Balancer    BalancerConfig    `yaml:"load_balancer" mapstructure:"load_balancer"`
	Scheduler   SchedulerConfig   `yaml:"scheduler" mapstructure:"scheduler"`
	Batch       BatchConfig       `yaml:"batch" mapstructure:"batch"`
	Stream      StreamConfig      `yaml:"streaming" mapstructure:"streaming"`
	WorkerQueue WorkerQueueConfig `yaml:"worker_queue" mapstructure:"worker_queue"`
	Metadata    MetadataConfig    `yaml:"metadata" mapstructure:"metadata"`
	Regression  RegressionConfig  `yaml:"regression" mapstructure:"regression"`
	Telemetry   TelemetryConfig   `yaml:"telemetry" mapstructure:"telemetry"`
	Drain       DrainConfig       `yaml:"drain" mapstructure:"drain"`
}

type LoggingConfig struct {
	Level      string `yaml:"level" mapstructure:"level"`
	Theme      string `yaml:"theme" mapstructure:"theme"`
	LogDir     string `yaml:"log_dir" mapstructure:"log_dir"`
	FileOutput bool   `yaml:"file_output" mapstructure:"file_output"`
}

type RetryConfig struct {
	MaxRetries        int           `yaml:"max_retries" mapstructure:"max_retries"`
	InitialDelay      time.Duration `yaml:"initial_delay" mapstructure:"initial_delay"`
	MaxDelay          time.Duration `yaml:"max_delay" mapstructure:"max_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier" mapstructure:"backoff_multiplier"`
	Jitter            bool          `yaml:"jitter" mapstructure:"jitter"`
}

type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold" mapstructure:"success_threshold"`
	Timeout          time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

type TimeoutConfig struct {
	Standard  time.Duration `yaml:"standard" mapstructure:"standard"`
	Streaming time.Duration `yaml:"streaming" mapstructure:"streaming"`
}

type DiscoveryConfig struct {
	HeartbeatInterval time.Duration        `yaml:"heartbeat_interval" mapstructure:"heartbeat_interval"`
	OfflineTimeout    time.Duration        `yaml:"offline_timeout" mapstructure:"offline_timeout"`
	SweepInterval     time.Duration        `yaml:"sweep_interval" mapstructure:"sweep_interval"`
	StaticWorkers     []StaticWorkerConfig `yaml:"static_workers" mapstructure:"static_workers"`
}

// StaticWorkerConfig seeds the registry at startup. Static workers start
// online with empty skills until a real heartbeat replaces them.
type StaticWorkerConfig struct {
	WorkerID string `yaml:"worker_id" mapstructure:"worker_id"`
	Hostname string `yaml:"hostname" mapstructure:"hostname"`
	Address  string `yaml:"address" mapstructure:"address"`
	Port     int    `yaml:"port" mapstructure:"port"`
}

type SessionAffinityConfig struct {
	Enabled         bool          `yaml:"enabled" mapstructure:"enabled"`
	TTL             time.Duration `yaml:"ttl" mapstructure:"ttl"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" mapstructure:"cleanup_interval"`
}

type BalancerConfig struct {
	SessionAffinity     SessionAffinityConfig `yaml:"session_affinity" mapstructure:"session_affinity"`
	EligibilityFallback bool                  `yaml:"eligibility_fallback" mapstructure:"eligibility_fallback"`
}

type SchedulerPolicy struct {
	ShortestJobFirst bool          `yaml:"shortest_job_first" mapstructure:"shortest_job_first"`
	AllowPreemption  bool          `yaml:"allow_preemption" mapstructure:"allow_preemption"`
	FairnessWeight   float64       `yaml:"fairness_weight" mapstructure:"fairness_weight"`
	UrgencyThreshold time.Duration `yaml:"urgency_threshold" mapstructure:"urgency_threshold"`
	AgingEnabled     bool          `yaml:"aging_enabled" mapstructure:"aging_enabled"`
	AgingInterval    time.Duration `yaml:"aging_interval" mapstructure:"aging_interval"`
}

const (
	DropPolicyReject      = "reject"
	DropPolicyLowPriority = "drop_low_priority"
)

type SchedulerConfig struct {
	MaxQueueSize  int             `yaml:"max_queue_size" mapstructure:"max_queue_size"`
	MaxConcurrent int             `yaml:"max_concurrent" mapstructure:"max_concurrent"`
	DropPolicy    string          `yaml:"drop_policy" mapstructure:"drop_policy"`
	Policy        SchedulerPolicy `yaml:"policy" mapstructure:"policy"`
}

type BatchConfig struct {
	MaxBatchSize    int           `yaml:"max_batch_size" mapstructure:"max_batch_size"`
	MinBatchSize    int           `yaml:"min_batch_size" mapstructure:"min_batch_size"`
	MaxBatchCeiling int           `yaml:"max_batch_ceiling" mapstructure:"max_batch_ceiling"`
	FlushInterval   time.Duration `yaml:"flush_interval" mapstructure:"flush_interval"`
	AdaptiveSizing  bool          `yaml:"adaptive_sizing" mapstructure:"adaptive_sizing"`
	TargetBatchTime time.Duration `yaml:"target_batch_time" mapstructure:"target_batch_time"`
	PriorityQueue   bool          `yaml:"priority_queue" mapstructure:"priority_queue"`
}

type StreamConfig struct {
	ChunkSizeBytes        int           `yaml:"chunk_size_bytes" mapstructure:"chunk_size_bytes"`
	ChunkTimeout          time.Duration `yaml:"chunk_timeout" mapstructure:"chunk_timeout"`
	MaxUnackedChunks      int           `yaml:"max_unacked_chunks" mapstructure:"max_unacked_chunks"`
	AckTimeout            time.Duration `yaml:"ack_timeout" mapstructure:"ack_timeout"`
	SlowConsumerThreshold time.Duration `yaml:"slow_consumer_threshold" mapstructure:"slow_consumer_threshold"`
	MetricsExportInterval time.Duration `yaml:"metrics_export_interval" mapstructure:"metrics_export_interval"`
}

type WorkerQueueConfig struct {
	MaxDepth             int    `yaml:"max_depth" mapstructure:"max_depth"`
	BackpressureStrategy string `yaml:"backpressure_strategy" mapstructure:"backpressure_strategy"`
}

type MetadataConfig struct {
	Retention time.Duration `yaml:"retention" mapstructure:"retention"`
}

type RegressionConfig struct {
	Enabled                 bool          `yaml:"enabled" mapstructure:"enabled"`
	MinSamplesForEvaluation int           `yaml:"min_samples" mapstructure:"min_samples"`
	EvaluationInterval      time.Duration `yaml:"evaluation_interval" mapstructure:"evaluation_interval"`
	RollbackOnCritical      bool          `yaml:"rollback_on_critical" mapstructure:"rollback_on_critical"`
}

type TelemetryConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Address string `yaml:"address" mapstructure:"address"`
}

type DrainConfig struct {
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// Validate rejects configurations that cannot possibly work.
func (c *Config) Validate() error {
	if c.Scheduler.MaxQueueSize <= 0 {
		return fmt.Errorf("scheduler.max_queue_size must be positive")
	}
	if c.Scheduler.MaxConcurrent <= 0 {
		return fmt.Errorf("scheduler.max_concurrent must be positive")
	}
	if c.Scheduler.Policy.FairnessWeight < 0 || c.Scheduler.Policy.FairnessWeight > 1 {
		return fmt.Errorf("scheduler.policy.fairness_weight must be within [0, 1]")
	}
	switch c.Scheduler.DropPolicy {
	case DropPolicyReject, DropPolicyLowPriority:
	default:
		return fmt.Errorf("scheduler.drop_policy must be %q or %q", DropPolicyReject, DropPolicyLowPriority)
	}
	switch c.WorkerQueue.BackpressureStrategy {
	case DropPolicyReject, DropPolicyLowPriority:
	default:
		return fmt.Errorf("worker_queue.backpressure_strategy must be %q or %q", DropPolicyReject, DropPolicyLowPriority)
	}
	if c.Stream.ChunkSizeBytes <= 0 {
		return fmt.Errorf("streaming.chunk_size_bytes must be positive")
	}
	if c.Stream.MaxUnackedChunks <= 0 {
		return fmt.Errorf("streaming.max_unacked_chunks must be positive")
	}
	if c.Batch.MaxBatchSize <= 0 {
		return fmt.Errorf("batch.max_batch_size must be positive")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must be non-negative")
	}
	return nil
}
