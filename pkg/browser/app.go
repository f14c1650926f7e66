package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	appevents "github.com/rescp17/focusd/internal/app_events"
	"github.com/rescp17/focusd/internal/app_events/browser"
	"github.com/rescp17/focusd/pkg/discovery"
	"github.com/rescp17/focusd/pkg/focus"
	"github.com/rescp17/focusd/pkg/netwatch"
	"github.com/rescp17/focusd/pkg/notify"
	"github.com/rescp17/focusd/pkg/settings"
)

// Settings is what the browser needs from the configuration store.
type Settings interface {
	settings.Provider
	settings.Account
	Config() settings.Config
	Watch(bus netwatch.Publisher)
}

// App is the application logic controller for browsing conference servers.
type App struct {
	settings  Settings
	bus       *notify.Bus
	engine    *focus.Engine
	addresses *netwatch.AddressWatcher
	sleep     *netwatch.SleepDetector
	watchOnce sync.Once

	uiMessages     chan tea.Msg            // App -> TUI
	appEvents      chan appevents.AppEvent // TUI -> App
	serversChanged chan struct{}
}

// NewApp wires a discovery engine, the network watchers and the settings
// watcher around one notification bus. Timing comes from the discovery
// section of the configuration.
func NewApp(store Settings, binding discovery.Binding, registerer prometheus.Registerer) (*App, error) {
	cfg := store.Config().Discovery
	bus := notify.NewBus()

	engine, err := focus.New(binding, store, store, bus,
		focus.WithRetryDelay(cfg.RetryDelay),
		focus.WithWakeupDelay(cfg.WakeupDelay),
		focus.WithSettleDelay(cfg.SettleDelay),
		focus.WithRegisterer(registerer))
	if err != nil {
		return nil, fmt.Errorf("failed to create discovery engine: %w", err)
	}

	return &App{
		settings:       store,
		bus:            bus,
		engine:         engine,
		addresses:      netwatch.NewAddressWatcher(bus, cfg.AddressPollInterval),
		sleep:          netwatch.NewSleepDetector(bus, cfg.SleepCheckInterval),
		uiMessages:     make(chan tea.Msg, 10),
		appEvents:      make(chan appevents.AppEvent),
		serversChanged: make(chan struct{}, 1),
	}, nil
}

// UIMessages returns the channel for the UI to listen on for updates.
func (a *App) UIMessages() <-chan tea.Msg {
	return a.uiMessages
}

// AppEvents returns a write-only channel for the TUI to send events to the app.
func (a *App) AppEvents() chan<- appevents.AppEvent {
	return a.appEvents
}

// Servers returns the servers currently registered.
func (a *App) Servers() []focus.ConferenceServer {
	return a.engine.Servers()
}

// Run starts discovery and blocks until ctx is done or a component fails.
// The engine is stopped before Run returns.
func (a *App) Run(ctx context.Context) (err error) {
	subs := a.subscribe()
	defer func() {
		for _, id := range subs {
			a.bus.Unsubscribe(id)
		}
	}()

	if err := a.engine.Start(); err != nil {
		return fmt.Errorf("failed to start discovery: %w", err)
	}
	defer func() {
		if stopErr := a.engine.Stop(); stopErr != nil && !errors.Is(stopErr, focus.ErrShutdownInProgress) {
			err = multierr.Append(err, stopErr)
		}
	}()

	a.watchOnce.Do(func() {
		a.settings.Watch(a.bus)
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.addresses.Run(ctx)
	})
	g.Go(func() error {
		return a.sleep.Run(ctx)
	})
	g.Go(func() error {
		return a.relayServers(ctx)
	})
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case event := <-a.appEvents:
				switch event.(type) {
				case browser.RefreshEvent:
					slog.Info("Refresh requested")
					if err := a.engine.RestartDiscovery(); err != nil {
						a.sendAndLogError("Failed to restart discovery", err)
					}
				case appevents.QuitEvent:
					cancel()
					return nil
				default:
					slog.Warn("Received unhandled app event", "event", event)
				}
			}
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// subscribe turns engine and system notifications into UI messages. Bus
// handlers must not block, so server changes are coalesced into one signal
// and status messages are dropped when the UI is behind.
func (a *App) subscribe() []string {
	changed := func(notify.Notification) {
		select {
		case a.serversChanged <- struct{}{}:
		default:
		}
	}

	return []string{
		a.bus.Subscribe(notify.NameServerAdded, changed),
		a.bus.Subscribe(notify.NameServerUpdated, changed),
		a.bus.Subscribe(notify.NameServerRemoved, changed),
		a.bus.Subscribe(notify.NameWillInitiateDiscovery, func(n notify.Notification) {
			started := n.(notify.WillInitiateDiscovery)
			a.trySend(browser.DiscoveryStartedMsg{Transport: started.Transport})
		}),
		a.bus.Subscribe(notify.NameDiscoveryFailed, func(n notify.Notification) {
			failed := n.(notify.DiscoveryFailed)
			a.trySend(browser.DiscoveryFailedMsg{Transport: failed.Transport, Err: failed.Err})
		}),
		a.bus.Subscribe(notify.NameAddressChanged, func(notify.Notification) {
			a.trySend(browser.NetworkChangedMsg{Reason: "network addresses changed"})
		}),
		a.bus.Subscribe(notify.NameWokeFromSleep, func(notify.Notification) {
			a.trySend(browser.NetworkChangedMsg{Reason: "woke from sleep"})
		}),
	}
}

// relayServers sends a fresh server list every time the registry changed.
func (a *App) relayServers(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-a.serversChanged:
			msg := browser.ServersUpdatedMsg{Servers: a.engine.Servers()}
			select {
			case a.uiMessages <- msg:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (a *App) trySend(msg tea.Msg) {
	select {
	case a.uiMessages <- msg:
	default:
		slog.Debug("UI is behind, dropping message", "message", fmt.Sprintf("%T", msg))
	}
}

// sendAndLogError is a helper function to both log an error and send it to the UI.
func (a *App) sendAndLogError(baseMessage string, err error) {
	slog.Error(baseMessage, "error", err)
	a.trySend(appevents.AppErrorMsg{Err: fmt.Errorf("%s: %w", baseMessage, err)})
}
