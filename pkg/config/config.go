// Package config holds the pipeline's configuration surface. Settings are
// an explicit struct handed to each component at construction; there are
// no process-wide holders.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/spf13/viper"

	"github.com/dataengineering/salestream/pkg/partition"
	sharedutil "github.com/dataengineering/salestream/pkg/shared/util"
)

const envPrefix = "SALESTREAM"

// Settings is the full configuration surface. Every key can be set via
// environment variables with the SALESTREAM_ prefix (e.g.
// SALESTREAM_BROKERS), or an optional yaml file.
type Settings struct {
	// broker addresses of the durable log service
	Brokers []string `mapstructure:"brokers"`
	// RawTopic carries inbound sale events
	RawTopic string `mapstructure:"raw_topic"`
	// AlertsTopic carries anomaly alerts
	AlertsTopic string `mapstructure:"alerts_topic"`
	// MetricsTopic carries evicted window snapshots
	MetricsTopic string `mapstructure:"metrics_topic"`
	// QuarantineTopic receives undecodable or invalid records
	QuarantineTopic string `mapstructure:"quarantine_topic"`
	// GroupID is the consumer group identifier
	GroupID string `mapstructure:"group_id"`

	WindowSize  time.Duration `mapstructure:"window_size"`
	GracePeriod time.Duration `mapstructure:"grace_period"`

	KFactor            float64 `mapstructure:"k_factor"`
	MinSamples         int64   `mapstructure:"min_samples"`
	BurstThreshold     int64   `mapstructure:"burst_threshold"`
	HighValueThreshold float64 `mapstructure:"high_value_threshold"`

	// AckLevel is one of none, leader, all
	AckLevel string `mapstructure:"ack_level"`
	// RetrySteps is the publish retry budget
	RetrySteps int `mapstructure:"retry_steps"`

	BatchSize   int64         `mapstructure:"batch_size"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	DedupSize   int           `mapstructure:"dedup_size"`

	// SaramaYAML holds optional raw sarama client overrides
	SaramaYAML string `mapstructure:"sarama_yaml"`

	// MetricsAddr is the listen address of the metrics/health endpoint;
	// empty disables it
	MetricsAddr string `mapstructure:"metrics_addr"`
}

// Defaults returns the documented default settings.
func Defaults() Settings {
	return Settings{
		Brokers:            []string{"localhost:9092"},
		RawTopic:           "sales-events",
		AlertsTopic:        "anomaly-alerts",
		MetricsTopic:       "windowed-sales-metrics",
		QuarantineTopic:    "quarantine-events",
		GroupID:            "salestream-processor",
		WindowSize:         5 * time.Minute,
		GracePeriod:        1 * time.Minute,
		KFactor:            3.0,
		MinSamples:         5,
		BurstThreshold:     100,
		HighValueThreshold: 1000.0,
		AckLevel:           "all",
		RetrySteps:         5,
		BatchSize:          100,
		ReadTimeout:        1 * time.Second,
		DedupSize:          8192,
		MetricsAddr:        ":2470",
	}
}

// Load reads settings from the environment and, if configFile is not
// empty, the given yaml file. File values override defaults; environment
// values override both.
func Load(configFile string) (Settings, error) {
	v := viper.New()
	defaults := Defaults()
	v.SetDefault("brokers", defaults.Brokers)
	v.SetDefault("raw_topic", defaults.RawTopic)
	v.SetDefault("alerts_topic", defaults.AlertsTopic)
	v.SetDefault("metrics_topic", defaults.MetricsTopic)
	v.SetDefault("quarantine_topic", defaults.QuarantineTopic)
	v.SetDefault("group_id", defaults.GroupID)
	v.SetDefault("window_size", defaults.WindowSize)
	v.SetDefault("grace_period", defaults.GracePeriod)
	v.SetDefault("k_factor", defaults.KFactor)
	v.SetDefault("min_samples", defaults.MinSamples)
	v.SetDefault("burst_threshold", defaults.BurstThreshold)
	v.SetDefault("high_value_threshold", defaults.HighValueThreshold)
	v.SetDefault("ack_level", defaults.AckLevel)
	v.SetDefault("retry_steps", defaults.RetrySteps)
	v.SetDefault("batch_size", defaults.BatchSize)
	v.SetDefault("read_timeout", defaults.ReadTimeout)
	v.SetDefault("dedup_size", defaults.DedupSize)
	v.SetDefault("sarama_yaml", "")
	v.SetDefault("metrics_addr", defaults.MetricsAddr)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Settings{}, fmt.Errorf("failed to read config file %q, %w", configFile, err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, fmt.Errorf("failed to decode settings, %w", err)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate checks the settings for coherence.
func (s Settings) Validate() error {
	if len(s.Brokers) == 0 {
		return fmt.Errorf("at least one broker address is required")
	}
	if s.RawTopic == "" || s.AlertsTopic == "" || s.MetricsTopic == "" {
		return fmt.Errorf("raw, alerts and metrics topics are required")
	}
	if s.GroupID == "" {
		return fmt.Errorf("consumer group id is required")
	}
	if s.WindowSize <= 0 {
		return fmt.Errorf("window size must be positive, got %v", s.WindowSize)
	}
	if s.GracePeriod < 0 {
		return fmt.Errorf("grace period must not be negative, got %v", s.GracePeriod)
	}
	if s.KFactor <= 0 {
		return fmt.Errorf("k factor must be positive, got %v", s.KFactor)
	}
	if s.MinSamples < 1 {
		return fmt.Errorf("minimum sample count must be at least 1, got %d", s.MinSamples)
	}
	if s.BurstThreshold < 1 {
		return fmt.Errorf("burst threshold must be at least 1, got %d", s.BurstThreshold)
	}
	if s.RetrySteps < 1 {
		return fmt.Errorf("retry budget must be at least 1, got %d", s.RetrySteps)
	}
	if s.BatchSize < 1 {
		return fmt.Errorf("batch size must be at least 1, got %d", s.BatchSize)
	}
	if _, err := s.requiredAcks(); err != nil {
		return err
	}
	return nil
}

func (s Settings) requiredAcks() (sarama.RequiredAcks, error) {
	switch strings.ToLower(s.AckLevel) {
	case "none":
		return sarama.NoResponse, nil
	case "leader":
		return sarama.WaitForLocal, nil
	case "all":
		return sarama.WaitForAll, nil
	default:
		return 0, fmt.Errorf("unknown ack level %q, want none, leader or all", s.AckLevel)
	}
}

// SaramaConfig builds the shared client configuration: yaml overrides
// first, then the settings that the pipeline depends on for its guarantees
// (ack level, success returns, key-consistent partitioning).
func (s Settings) SaramaConfig() (*sarama.Config, error) {
	cfg, err := sharedutil.GetSaramaConfigFromYAMLString(s.SaramaYAML)
	if err != nil {
		return nil, err
	}
	acks, err := s.requiredAcks()
	if err != nil {
		return nil, err
	}
	cfg.Producer.RequiredAcks = acks
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.Partitioner = partition.NewSaramaPartitioner
	cfg.Consumer.Return.Errors = true
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	return cfg, nil
}
