package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Theme:  "default",
			LogDir: "./logs",
		},
		Retry: RetryConfig{
			MaxRetries:        2,
			InitialDelay:      100 * time.Millisecond,
			MaxDelay:          5 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            true,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			Timeout:          30 * time.Second,
		},
		Timeouts: TimeoutConfig{
			Standard:  30 * time.Second,
			Streaming: 5 * time.Minute,
		},
		Discovery: DiscoveryConfig{
			HeartbeatInterval: 10 * time.Second,
			OfflineTimeout:    30 * time.Second,
			SweepInterval:     5 * time.Second,
		},
		Balancer: BalancerConfig{
			SessionAffinity: SessionAffinityConfig{
				Enabled:         true,
				TTL:             10 * time.Minute,
				CleanupInterval: time.Minute,
			},
			EligibilityFallback: true,
		},
		Scheduler: SchedulerConfig{
			MaxQueueSize:  1000,
			MaxConcurrent: 32,
			DropPolicy:    DropPolicyReject,
			Policy: SchedulerPolicy{
				ShortestJobFirst: false,
				AllowPreemption:  false,
				FairnessWeight:   0.1,
				UrgencyThreshold: 2 * time.Second,
				AgingEnabled:     true,
				AgingInterval:    5 * time.Second,
			},
		},
		Batch: BatchConfig{
			MaxBatchSize:    10,
			MinBatchSize:    2,
			MaxBatchCeiling: 64,
			FlushInterval:   5 * time.Millisecond,
			AdaptiveSizing:  false,
			TargetBatchTime: 50 * time.Millisecond,
			PriorityQueue:   true,
		},
		Stream: StreamConfig{
			ChunkSizeBytes:        64 * 1024,
			ChunkTimeout:          100 * time.Millisecond,
			MaxUnackedChunks:      100,
			AckTimeout:            5 * time.Second,
			SlowConsumerThreshold: time.Second,
			MetricsExportInterval: 10 * time.Second,
		},
		WorkerQueue: WorkerQueueConfig{
			MaxDepth:             256,
			BackpressureStrategy: DropPolicyReject,
		},
		Metadata: MetadataConfig{
			Retention: 5 * time.Minute,
		},
		Regression: RegressionConfig{
			Enabled:                 true,
			MinSamplesForEvaluation: 50,
			EvaluationInterval:      10 * time.Second,
			RollbackOnCritical:      false,
		},
		Telemetry: TelemetryConfig{
			Enabled: true,
			Address: ":9090",
		},
		Drain: DrainConfig{
			Timeout: 30 * time.Second,
		},
	}
}

// Load loads configuration from file and environment variables
func Load() (*Config, error) {
	config := DefaultConfig()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.SetEnvPrefix("CONVOY")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// It's okay if config file doesn't exist
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if configFile := os.Getenv("CONVOY_CONFIG_FILE"); configFile != "" {
			viper.SetConfigFile(configFile)
			if err := viper.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
			}
		}
	}

	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}
