package settings

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/rescp17/focusd/internal/util"
	"github.com/rescp17/focusd/pkg/netwatch"
	"github.com/rescp17/focusd/pkg/notify"
	"github.com/rescp17/focusd/pkg/sipuri"
	"github.com/rescp17/focusd/pkg/transport"
)

// Settings is the part of the configuration the transport policy reads.
type Settings struct {
	Transports         transport.Set
	TLSCertificate     string
	CertificatePresent bool
}

// Provider returns the current settings.
type Provider interface {
	Current() Settings
}

// Account describes the local SIP account: the transports it uses and the
// contact it publishes on each.
type Account interface {
	Transports() transport.Set
	Contact(t transport.Transport) string
}

// Store owns a viper instance and the Config decoded from it. It is safe
// for concurrent use.
type Store struct {
	v *viper.Viper

	mu  sync.RWMutex
	cfg *Config

	localAddress func() string
}

var (
	_ Provider = (*Store)(nil)
	_ Account  = (*Store)(nil)
)

// NewStore loads configFile, or focusd.yaml from the working directory and
// ConfigDir when configFile is empty. A missing default file is not an error.
// FOCUSD_* environment variables override file values.
func NewStore(configFile string) (*Store, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix("focusd")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("focusd")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(ConfigDir())
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return newStore(v)
}

func newStore(v *viper.Viper) (*Store, error) {
	cfg, err := Load(v)
	if err != nil {
		return nil, err
	}
	return &Store{
		v:            v,
		cfg:          cfg,
		localAddress: defaultLocalAddress,
	}, nil
}

func defaultLocalAddress() string {
	addrs, err := netwatch.InterfaceAddresses()
	if err != nil {
		return ""
	}
	return netwatch.FirstIPv4(addrs)
}

// Config returns a copy of the current configuration.
func (s *Store) Config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return *s.cfg
}

// ConfigFileUsed returns the path of the loaded file, if any.
func (s *Store) ConfigFileUsed() string {
	return s.v.ConfigFileUsed()
}

// Current implements Provider.
func (s *Store) Current() Settings {
	cfg := s.Config()

	// validated on load
	allowed, _ := transport.ParseSet(cfg.SIP.Transports)
	present, err := util.IsRegularFile(cfg.SIP.TLSCertificate)
	if err != nil {
		slog.Warn("Failed to check TLS certificate", "path", cfg.SIP.TLSCertificate, "error", err)
	}
	return Settings{
		Transports:         allowed,
		TLSCertificate:     cfg.SIP.TLSCertificate,
		CertificatePresent: present,
	}
}

// Transports implements Account.
func (s *Store) Transports() transport.Set {
	set, _ := transport.ParseSet(s.Config().Account.Transports)
	return set
}

// Contact implements Account. A configured contact wins; otherwise one is
// derived from the account user, the first IPv4 address and the account
// port, TLS listening one port higher.
func (s *Store) Contact(t transport.Transport) string {
	cfg := s.Config()
	if c, ok := cfg.Account.Contacts[t.String()]; ok && c != "" {
		return c
	}

	host := s.localAddress()
	if host == "" {
		host = "127.0.0.1"
	}
	port := cfg.Account.Port
	if t == transport.TLS {
		port++
	}
	u := sipuri.URI{
		User:   cfg.Account.User,
		Host:   host,
		Port:   port,
		Params: map[string]string{"transport": t.String()},
	}
	return u.String()
}

// Reload re-reads the config file. The previous configuration is kept when
// the new one does not validate.
func (s *Store) Reload() error {
	if err := s.v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	return s.refresh()
}

func (s *Store) refresh() error {
	cfg, err := Load(s.v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	return nil
}

// Watch publishes SettingsChanged on bus whenever the config file changes
// and still validates. It does nothing when no file was loaded.
func (s *Store) Watch(bus netwatch.Publisher) {
	if s.v.ConfigFileUsed() == "" {
		slog.Debug("No config file to watch")
		return
	}

	s.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		if err := s.refresh(); err != nil {
			slog.Warn("Ignoring invalid config change", "file", e.Name, "error", err)
			return
		}
		slog.Info("Config file changed", "file", e.Name)
		bus.Publish(notify.SettingsChanged{})
	})
	s.v.WatchConfig()
}
