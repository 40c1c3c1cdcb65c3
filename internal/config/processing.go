package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// ProcessingConfig tunes event retry escalation and notification delivery.
// Defaults match the documented schedule; operators can override via a
// hot-reloaded processing.yml.
type ProcessingConfig struct {
	Retry    RetryConfig    `mapstructure:"retry"`
	Notifier NotifierConfig `mapstructure:"notifier"`
}

type RetryConfig struct {
	Intervals   []time.Duration `mapstructure:"intervals"`
	MaxAttempts int             `mapstructure:"maxAttempts"`
}

type NotifierConfig struct {
	Backoff    []time.Duration `mapstructure:"backoff"`
	MaxRetries int             `mapstructure:"maxRetries"`
	Timeout    time.Duration   `mapstructure:"timeout"`
}

func DefaultProcessingConfig() ProcessingConfig {
	return ProcessingConfig{
		Retry: RetryConfig{
			Intervals: []time.Duration{
				1 * time.Minute,
				5 * time.Minute,
				15 * time.Minute,
				1 * time.Hour,
				6 * time.Hour,
			},
			MaxAttempts: 5,
		},
		Notifier: NotifierConfig{
			Backoff: []time.Duration{
				10 * time.Second,
				30 * time.Second,
				90 * time.Second,
			},
			MaxRetries: 3,
			Timeout:    15 * time.Second,
		},
	}
}

type ProcessingConfigHolder struct {
	current atomic.Value // holds ProcessingConfig
}

func NewProcessingConfigHolder() (*ProcessingConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("processing")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/entitled/config") // Volume-mounted config
	v.AddConfigPath("/etc/entitled")            // System config
	v.AddConfigPath(".")                        // Current directory (dev mode)

	v.SetEnvPrefix("ENTITLED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	holder := &ProcessingConfigHolder{}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		holder.current.Store(DefaultProcessingConfig())
		return holder, nil
	}

	cfg := DefaultProcessingConfig()
	if err := v.UnmarshalKey("processing", &cfg); err != nil {
		return nil, err
	}
	if err := validateProcessingConfig(cfg); err != nil {
		return nil, err
	}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated := DefaultProcessingConfig()
		if err := v.UnmarshalKey("processing", &updated); err != nil {
			log.Printf("[processing-config] reload failed: %v", err)
			return
		}
		if err := validateProcessingConfig(updated); err != nil {
			log.Printf("[processing-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[processing-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

// NewStaticProcessingConfigHolder wraps a fixed config with no file watching.
func NewStaticProcessingConfigHolder(cfg ProcessingConfig) *ProcessingConfigHolder {
	holder := &ProcessingConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func (h *ProcessingConfigHolder) Get() ProcessingConfig {
	return h.current.Load().(ProcessingConfig)
}

func validateProcessingConfig(cfg ProcessingConfig) error {
	if len(cfg.Retry.Intervals) == 0 {
		return errors.New("processing.retry.intervals cannot be empty")
	}
	if cfg.Retry.MaxAttempts <= 0 {
		return errors.New("processing.retry.maxAttempts must be positive")
	}
	if len(cfg.Notifier.Backoff) == 0 {
		return errors.New("processing.notifier.backoff cannot be empty")
	}
	return nil
}
