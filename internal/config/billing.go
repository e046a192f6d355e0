package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// BillingDefaults are tenant-independent fallbacks applied when a
// tenant has no explicit numbering scheme or plan-level override.
type BillingDefaults struct {
	// NumberPatterns maps a document category (invoice, estimate,
	// proposal) to its default numbering pattern.
	NumberPatterns map[string]string `mapstructure:"numberPatterns"`
	DueDays        int               `mapstructure:"dueDays"`
	SequenceWidth  int               `mapstructure:"sequenceWidth"`
}

func DefaultBillingDefaults() BillingDefaults {
	return BillingDefaults{
		NumberPatterns: map[string]string{
			"invoice":  "INV-{YYYY}{MM}-{SEQ:4}",
			"estimate": "EST-{YYYY}{MM}-{SEQ:4}",
			"proposal": "PRO-{YYYY}{MM}-{SEQ:4}",
		},
		DueDays:       14,
		SequenceWidth: 4,
	}
}

// BillingDefaultsHolder exposes the current defaults with hot reload
// from a mounted billing.yml, so operators can change patterns without
// a restart. Malformed updates are ignored.
type BillingDefaultsHolder struct {
	current atomic.Value // holds BillingDefaults
}

func NewBillingDefaultsHolder() (*BillingDefaultsHolder, error) {
	v := viper.New()

	v.SetConfigName("billing")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/ez360pm/config")
	v.AddConfigPath("/etc/ez360pm")
	v.AddConfigPath(".")

	v.SetEnvPrefix("EZ360PM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultBillingDefaults()
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		v.SetDefault("billing.numberPatterns", defaults.NumberPatterns)
		v.SetDefault("billing.dueDays", defaults.DueDays)
		v.SetDefault("billing.sequenceWidth", defaults.SequenceWidth)
	}

	var cfg BillingDefaults
	if err := v.UnmarshalKey("billing", &cfg); err != nil {
		return nil, err
	}
	applyBillingFallbacks(&cfg, defaults)
	if err := validateBillingDefaults(cfg); err != nil {
		return nil, err
	}

	holder := &BillingDefaultsHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated BillingDefaults
		if err := v.UnmarshalKey("billing", &updated); err != nil {
			log.Printf("[billing-config] reload failed: %v", err)
			return
		}
		applyBillingFallbacks(&updated, defaults)
		if err := validateBillingDefaults(updated); err != nil {
			log.Printf("[billing-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
	})

	return holder, nil
}

func (h *BillingDefaultsHolder) Current() BillingDefaults {
	return h.current.Load().(BillingDefaults)
}

func applyBillingFallbacks(cfg *BillingDefaults, defaults BillingDefaults) {
	if len(cfg.NumberPatterns) == 0 {
		cfg.NumberPatterns = defaults.NumberPatterns
	}
	if cfg.DueDays <= 0 {
		cfg.DueDays = defaults.DueDays
	}
	if cfg.SequenceWidth <= 0 {
		cfg.SequenceWidth = defaults.SequenceWidth
	}
}

func validateBillingDefaults(cfg BillingDefaults) error {
	for category, pattern := range cfg.NumberPatterns {
		if strings.TrimSpace(pattern) == "" {
			return errors.New("billing: empty number pattern for " + category)
		}
		if !strings.Contains(pattern, "{SEQ") {
			return errors.New("billing: number pattern for " + category + " has no sequence token")
		}
	}
	return nil
}
