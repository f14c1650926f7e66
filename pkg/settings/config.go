// Package settings loads focusd's configuration with viper and answers the
// transport and account questions the discovery engine asks.
package settings

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rescp17/focusd/pkg/transport"
)

const (
	BackendDNSSD     = "dnssd"
	BackendHashicorp = "hashicorp"
	BackendZeroconf  = "zeroconf"
)

// Backends lists the accepted discovery.backend values.
var Backends = []string{BackendDNSSD, BackendHashicorp, BackendZeroconf}

// Config holds all configuration options.
type Config struct {
	SIP       SIPConfig       `mapstructure:"sip"`
	Account   AccountConfig   `mapstructure:"account"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// SIPConfig controls which transports the node may use.
type SIPConfig struct {
	// Transports is the globally enabled transport list.
	Transports []string `mapstructure:"transports"`
	// TLSCertificate is the path of the certificate used for TLS.
	TLSCertificate string `mapstructure:"tls_certificate"`
}

// AccountConfig describes the local account.
type AccountConfig struct {
	User string `mapstructure:"user"`
	Port int    `mapstructure:"port"`
	// Transports the account registers over.
	Transports []string `mapstructure:"transports"`
	// Contacts overrides the derived contact URI per transport name.
	Contacts map[string]string `mapstructure:"contacts"`
}

// DiscoveryConfig tunes the discovery engine and its watchers.
type DiscoveryConfig struct {
	Backend             string        `mapstructure:"backend"`
	RetryDelay          time.Duration `mapstructure:"retry_delay"`
	WakeupDelay         time.Duration `mapstructure:"wakeup_delay"`
	SettleDelay         time.Duration `mapstructure:"settle_delay"`
	AddressPollInterval time.Duration `mapstructure:"address_poll_interval"`
	SleepCheckInterval  time.Duration `mapstructure:"sleep_check_interval"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

type MetricsConfig struct {
	// Addr is the listen address of the Prometheus endpoint; empty disables it.
	Addr string `mapstructure:"addr"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		SIP: SIPConfig{
			Transports: []string{"udp", "tcp", "tls"},
		},
		Account: AccountConfig{
			User:       "focusd",
			Port:       5060,
			Transports: []string{"udp", "tcp", "tls"},
			Contacts:   map[string]string{},
		},
		Discovery: DiscoveryConfig{
			Backend:             BackendDNSSD,
			RetryDelay:          time.Second,
			WakeupDelay:         5 * time.Second,
			SettleDelay:         3 * time.Second,
			AddressPollInterval: 5 * time.Second,
			SleepCheckInterval:  10 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// SetDefaults registers every default with v.
func SetDefaults(v *viper.Viper) {
	defaults := Default()

	v.SetDefault("sip.transports", defaults.SIP.Transports)
	v.SetDefault("sip.tls_certificate", defaults.SIP.TLSCertificate)

	v.SetDefault("account.user", defaults.Account.User)
	v.SetDefault("account.port", defaults.Account.Port)
	v.SetDefault("account.transports", defaults.Account.Transports)
	v.SetDefault("account.contacts", defaults.Account.Contacts)

	v.SetDefault("discovery.backend", defaults.Discovery.Backend)
	v.SetDefault("discovery.retry_delay", defaults.Discovery.RetryDelay)
	v.SetDefault("discovery.wakeup_delay", defaults.Discovery.WakeupDelay)
	v.SetDefault("discovery.settle_delay", defaults.Discovery.SettleDelay)
	v.SetDefault("discovery.address_poll_interval", defaults.Discovery.AddressPollInterval)
	v.SetDefault("discovery.sleep_check_interval", defaults.Discovery.SleepCheckInterval)

	v.SetDefault("logging.level", defaults.Logging.Level)
	v.SetDefault("metrics.addr", defaults.Metrics.Addr)
}

// Load reads the configuration from v into a Config struct and validates it.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}
	return &cfg, nil
}

// ConfigDir returns the path to the user's config directory.
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "focusd")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".focusd"
	}
	return filepath.Join(home, ".config", "focusd")
}

// ValidationError represents a single validation failure.
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// ValidLogLevels returns the accepted logging.level values.
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// Validate checks the Config and returns every problem found.
func (c *Config) Validate() []ValidationError {
	var errs []ValidationError

	if _, err := transport.ParseSet(c.SIP.Transports); err != nil {
		errs = append(errs, ValidationError{"sip.transports", c.SIP.Transports, err.Error()})
	}
	if _, err := transport.ParseSet(c.Account.Transports); err != nil {
		errs = append(errs, ValidationError{"account.transports", c.Account.Transports, err.Error()})
	}
	for name := range c.Account.Contacts {
		if _, err := transport.Parse(name); err != nil {
			errs = append(errs, ValidationError{"account.contacts", name, "key must be a transport name"})
		}
	}
	if c.Account.Port < 1 || c.Account.Port > 65534 {
		errs = append(errs, ValidationError{"account.port", c.Account.Port, "must be between 1 and 65534"})
	}

	if !slices.Contains(Backends, c.Discovery.Backend) {
		errs = append(errs, ValidationError{"discovery.backend", c.Discovery.Backend,
			fmt.Sprintf("must be one of %s", strings.Join(Backends, ", "))})
	}
	durations := []struct {
		field string
		value time.Duration
	}{
		{"discovery.retry_delay", c.Discovery.RetryDelay},
		{"discovery.wakeup_delay", c.Discovery.WakeupDelay},
		{"discovery.settle_delay", c.Discovery.SettleDelay},
		{"discovery.address_poll_interval", c.Discovery.AddressPollInterval},
		{"discovery.sleep_check_interval", c.Discovery.SleepCheckInterval},
	}
	for _, d := range durations {
		if d.value <= 0 {
			errs = append(errs, ValidationError{d.field, d.value, "must be positive"})
		}
	}

	if !slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
		errs = append(errs, ValidationError{"logging.level", c.Logging.Level,
			"must be one of " + strings.Join(ValidLogLevels(), ", ")})
	}
	return errs
}
