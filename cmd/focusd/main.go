package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/fang"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/rescp17/focusd/internal/util"
	"github.com/rescp17/focusd/pkg/advertiser"
	"github.com/rescp17/focusd/pkg/browser"
	"github.com/rescp17/focusd/pkg/discovery"
	"github.com/rescp17/focusd/pkg/focus"
	"github.com/rescp17/focusd/pkg/settings"
	"github.com/rescp17/focusd/pkg/transport"
	"github.com/rescp17/focusd/pkg/ui"
)

type backend interface {
	discovery.Binding
	discovery.Announcer
}

type options struct {
	configFile string
	logFile    string
	backend    string
}

func main() {
	var opts options

	cmd := &cobra.Command{
		Use:   "focusd",
		Short: "Find conference focus servers on the local network",
		Long: "focusd browses DNS-SD for conference focus servers on every SIP transport\n" +
			"the local account can use, and can announce this host as one.",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "config file (default: focusd.yaml in . or "+settings.ConfigDir()+")")
	cmd.PersistentFlags().StringVar(&opts.logFile, "log-file", "focusd.log", "log file used while the TUI is running")
	cmd.PersistentFlags().StringVar(&opts.backend, "backend", "", "DNS-SD backend: dnssd, hashicorp or zeroconf (overrides discovery.backend)")

	cmd.AddCommand(newBrowseCmd(&opts))
	cmd.AddCommand(newListCmd(&opts))
	cmd.AddCommand(newAdvertiseCmd(&opts))

	if err := fang.Execute(context.Background(), cmd); err != nil {
		os.Exit(1)
	}
}

func newBrowseCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "browse",
		Short: "Browse conference servers interactively",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := settings.NewStore(opts.configFile)
			if err != nil {
				return err
			}
			closeLog, err := logToFile(opts.logFile, store.Config().Logging.Level)
			if err != nil {
				return err
			}
			defer closeLog()

			b, err := newBackend(opts, store.Config())
			if err != nil {
				return err
			}
			registry := prometheus.NewRegistry()
			stopMetrics := serveMetrics(store.Config().Metrics.Addr, registry)
			defer stopMetrics()

			app, err := browser.NewApp(store, b, registry)
			if err != nil {
				return err
			}
			return runTUI(ui.InitialModel(ui.Browse, app))
		},
	}
}

func newListCmd(opts *options) *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Browse for a while and print the servers found",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := settings.NewStore(opts.configFile)
			if err != nil {
				return err
			}
			logToStderr(store.Config().Logging.Level)

			b, err := newBackend(opts, store.Config())
			if err != nil {
				return err
			}
			registry := prometheus.NewRegistry()
			stopMetrics := serveMetrics(store.Config().Metrics.Addr, registry)
			defer stopMetrics()

			app, err := browser.NewApp(store, b, registry)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			done := make(chan error, 1)
			go func() {
				done <- app.Run(ctx)
			}()
			go drainUIMessages(ctx, app)

			var servers []focus.ConferenceServer
			select {
			case <-time.After(wait):
				servers = app.Servers()
			case <-ctx.Done():
				servers = app.Servers()
			case err := <-done:
				return err
			}
			cancel()
			if err := <-done; err != nil {
				return err
			}

			printServers(cmd.OutOrStdout(), servers)
			return nil
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 5*time.Second, "how long to browse before printing")
	return cmd
}

func newAdvertiseCmd(opts *options) *cobra.Command {
	var (
		name, displayName, contact, transportName string
		headless                                  bool
	)
	cmd := &cobra.Command{
		Use:   "advertise",
		Short: "Announce this host as a conference focus",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := settings.NewStore(opts.configFile)
			if err != nil {
				return err
			}
			t, err := transport.Parse(transportName)
			if err != nil {
				return err
			}
			b, err := newBackend(opts, store.Config())
			if err != nil {
				return err
			}

			app, err := advertiser.NewApp(b, store, advertiser.Options{
				Name:        name,
				DisplayName: displayName,
				Contact:     contact,
				Transport:   t,
			})
			if err != nil {
				return err
			}

			if headless {
				logToStderr(store.Config().Logging.Level)
				ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
				defer cancel()
				go drainUIMessages(ctx, app)
				return app.Run(ctx)
			}

			closeLog, err := logToFile(opts.logFile, store.Config().Logging.Level)
			if err != nil {
				return err
			}
			defer closeLog()
			return runTUI(ui.InitialModel(ui.Advertise, app))
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "DNS-SD instance name (default: hostname plus a random suffix)")
	cmd.Flags().StringVar(&displayName, "display-name", "", "name shown to browsers (default: instance name)")
	cmd.Flags().StringVar(&contact, "contact", "", "SIP URI to publish (default: the account contact)")
	cmd.Flags().StringVar(&transportName, "transport", "udp", "transport of the contact: udp, tcp or tls")
	cmd.Flags().BoolVar(&headless, "headless", false, "log to stderr instead of showing the TUI")
	return cmd
}

func runTUI(model tea.Model) error {
	p := tea.NewProgram(model)
	final, err := p.Run()
	if err != nil {
		return fmt.Errorf("alas, there's been an error: %w", err)
	}
	if m, ok := final.(interface{ Err() error }); ok && m.Err() != nil && !errors.Is(m.Err(), context.Canceled) {
		return m.Err()
	}
	return nil
}

func newBackend(opts *options, cfg settings.Config) (backend, error) {
	name := cfg.Discovery.Backend
	if opts.backend != "" {
		name = opts.backend
	}
	switch name {
	case settings.BackendDNSSD:
		return discovery.NewDNSSDBinding(), nil
	case settings.BackendHashicorp:
		return discovery.NewHashicorpBinding(), nil
	case settings.BackendZeroconf:
		return discovery.NewZeroconfBinding(), nil
	default:
		return nil, fmt.Errorf("unknown discovery backend %q", name)
	}
}

// serveMetrics exposes registry on addr until the returned func is called.
// An empty addr disables it.
func serveMetrics(addr string, registry *prometheus.Registry) func() {
	if addr == "" {
		return func() {}
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		slog.Info("Serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server failed", "error", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

type uiSource interface {
	UIMessages() <-chan tea.Msg
}

// drainUIMessages logs what a TUI would have shown.
func drainUIMessages(ctx context.Context, app uiSource) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-app.UIMessages():
			slog.Debug("App message", "message", fmt.Sprintf("%T", msg))
		}
	}
}

func printServers(w io.Writer, servers []focus.ConferenceServer) {
	if len(servers) == 0 {
		fmt.Fprintln(w, "No conference servers found.")
		return
	}
	fmt.Fprintf(w, "%s  %s  %s  %s\n",
		util.PadRight("NAME", 24), util.PadRight("URI", 40), util.PadRight("HOST", 16), "TRANSPORT")
	for _, srv := range servers {
		fmt.Fprintf(w, "%s  %s  %s  %s\n",
			util.PadRight(srv.DisplayName, 24),
			util.PadRight(srv.URI, 40),
			util.PadRight(srv.Host, 16),
			strings.ToUpper(srv.Transport.String()))
	}
}

func parseLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// logToFile sends all logging to path so it does not corrupt the TUI.
func logToFile(path, level string) (func(), error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	log.SetOutput(f)
	slog.SetDefault(slog.New(slog.NewTextHandler(f, &slog.HandlerOptions{Level: parseLevel(level)})))
	return func() {
		if err := f.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to close log file: %v\n", err)
		}
	}, nil
}

func logToStderr(level string) {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(level)})))
}
