// Package advertiser announces this host as a conference focus so browsers on
// the local link can find it.
package advertiser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"

	appevents "github.com/rescp17/focusd/internal/app_events"
	"github.com/rescp17/focusd/internal/app_events/advertiser"
	"github.com/rescp17/focusd/pkg/concurrency"
	"github.com/rescp17/focusd/pkg/discovery"
	"github.com/rescp17/focusd/pkg/settings"
	"github.com/rescp17/focusd/pkg/sipuri"
	"github.com/rescp17/focusd/pkg/transport"
)

const defaultSIPPort = 5060

// Options describe the focus to announce. Empty fields fall back to the
// account: Contact to its contact for Transport, Name to the hostname plus a
// random suffix, DisplayName to Name.
type Options struct {
	Name        string
	DisplayName string
	Contact     string
	Transport   transport.Transport
}

// App is the application logic controller for announcing a focus.
type App struct {
	guard      *concurrency.ConcurrencyGuard
	announcer  discovery.Announcer
	service    discovery.ServiceInfo
	uiMessages chan tea.Msg
	appEvents  chan appevents.AppEvent
}

// NewApp builds the service record from opts. The contact must be a SIP URI
// reachable over opts.Transport.
func NewApp(announcer discovery.Announcer, account settings.Account, opts Options) (*App, error) {
	service, err := buildService(account, opts)
	if err != nil {
		return nil, err
	}
	return &App{
		guard:      concurrency.NewConcurrencyGuard(),
		announcer:  announcer,
		service:    service,
		uiMessages: make(chan tea.Msg, 10),
		appEvents:  make(chan appevents.AppEvent),
	}, nil
}

func buildService(account settings.Account, opts Options) (discovery.ServiceInfo, error) {
	contact := opts.Contact
	if contact == "" && account != nil {
		contact = account.Contact(opts.Transport)
	}
	uri, err := sipuri.Parse(contact)
	if err != nil {
		return discovery.ServiceInfo{}, fmt.Errorf("invalid contact: %w", err)
	}
	t, err := uri.Transport()
	if err != nil {
		return discovery.ServiceInfo{}, fmt.Errorf("invalid contact transport: %w", err)
	}
	if t != opts.Transport {
		return discovery.ServiceInfo{}, fmt.Errorf("contact %s is reached over %s, not %s", uri, t, opts.Transport)
	}

	name := opts.Name
	if name == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return discovery.ServiceInfo{}, fmt.Errorf("could not get hostname: %w", err)
		}
		name = fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8])
	}
	displayName := opts.DisplayName
	if displayName == "" {
		displayName = name
	}
	port := uri.Port
	if port == 0 {
		port = defaultSIPPort
	}

	return discovery.ServiceInfo{
		Name:   name,
		Type:   opts.Transport.ServiceType(),
		Domain: discovery.DefaultDomain,
		Port:   port,
		Text: map[string]string{
			"name":    displayName,
			"contact": "<" + uri.String() + ">",
		},
	}, nil
}

// Service returns the record being announced.
func (a *App) Service() discovery.ServiceInfo {
	return a.service
}

// UIMessages returns the channel for the UI to listen on for updates.
func (a *App) UIMessages() <-chan tea.Msg {
	return a.uiMessages
}

// AppEvents returns a write-only channel for the TUI to send events to the app.
func (a *App) AppEvents() chan<- appevents.AppEvent {
	return a.appEvents
}

// Run announces the service until ctx is done or a WithdrawEvent or
// QuitEvent arrives. Only one announcement runs at a time; a concurrent Run
// returns concurrency.ErrBusy.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- a.guard.ExecuteWithContext(ctx, func(ctx context.Context) error {
			slog.Info("Announcing conference focus",
				"name", a.service.Name,
				"type", a.service.Type,
				"contact", a.service.Text["contact"])
			a.trySend(advertiser.AnnouncingMsg{Service: a.service})
			return a.announcer.Announce(ctx, a.service)
		})
	}()

	for {
		select {
		case err := <-done:
			if errors.Is(err, concurrency.ErrBusy) {
				return err
			}
			a.trySend(advertiser.WithdrawnMsg{Service: a.service})
			if err != nil && !errors.Is(err, context.Canceled) {
				a.sendAndLogError("Announcement failed", err)
				return err
			}
			slog.Info("Announcement withdrawn", "name", a.service.Name)
			return nil
		case event := <-a.appEvents:
			switch event.(type) {
			case advertiser.WithdrawEvent, appevents.QuitEvent:
				cancel()
			default:
				slog.Warn("Received unhandled app event", "event", event)
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
