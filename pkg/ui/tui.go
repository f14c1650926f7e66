package ui

import (
	"context"
	"fmt"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"

	appevents "github.com/rescp17/focusd/internal/app_events"
	"github.com/rescp17/focusd/internal/style"
)

type Mode int

const (
	None Mode = iota
	Browse
	Advertise
)

type KeyMap struct {
	Quit     key.Binding
	Refresh  key.Binding
	Withdraw key.Binding
}

// DefaultKeyMap provides sensible default keybindings.
var DefaultKeyMap = KeyMap{
	Quit:     key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
	Refresh:  key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "rediscover")),
	Withdraw: key.NewBinding(key.WithKeys("w"), key.WithHelp("w", "withdraw")),
}

type model struct {
	mode          Mode
	appController AppController
	ctx           context.Context
	cancel        context.CancelFunc
	browser       browserModel
	advertiser    advertiserModel

	quitting bool
	stopped  bool
	err      error
}

// InitialModel builds the TUI for mode around an app that has not been
// started yet. The model starts it in Init and stops it on quit.
func InitialModel(mode Mode, controller AppController) model {
	ctx, cancel := context.WithCancel(context.Background())
	m := model{
		mode:          mode,
		appController: controller,
		ctx:           ctx,
		cancel:        cancel,
	}
	switch mode {
	case Browse:
		m.browser = initBrowserModel()
	case Advertise:
		m.advertiser = initAdvertiserModel()
	}
	return m
}

// Err returns the error the app stopped with, if any.
func (m model) Err() error {
	return m.err
}

func (m model) Init() tea.Cmd {
	cmds := []tea.Cmd{m.runApp(), m.listenForAppMessages()}
	switch m.mode {
	case Browse:
		cmds = append(cmds, m.browser.spinner.Tick)
	case Advertise:
		cmds = append(cmds, m.advertiser.spinner.Tick)
	}
	return tea.Batch(cmds...)
}

// runApp runs the app controller for the lifetime of the model.
func (m model) runApp() tea.Cmd {
	return func() tea.Msg {
		return appevents.AppStoppedMsg{Err: m.appController.Run(m.ctx)}
	}
}

// listenForAppMessages is a command that listens for messages from the app controller.
func (m model) listenForAppMessages() tea.Cmd {
	return func() tea.Msg {
		select {
		case msg := <-m.appController.UIMessages():
			return msg
		case <-m.ctx.Done():
			return nil
		}
	}
}

// sendEvent delivers event to the app without blocking Update.
func (m model) sendEvent(event appevents.AppEvent) tea.Cmd {
	return func() tea.Msg {
		select {
		case m.appController.AppEvents() <- event:
		case <-m.ctx.Done():
		}
		return nil
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if key.Matches(msg, DefaultKeyMap.Quit) {
			if m.stopped {
				return m, tea.Quit
			}
			// wait for the app to shut down cleanly
			m.quitting = true
			m.cancel()
			return m, nil
		}
	case appevents.AppStoppedMsg:
		m.stopped = true
		m.err = msg.Err
		m.cancel()
		if m.quitting {
			return m, tea.Quit
		}
		return m, nil
	case appevents.AppErrorMsg:
		m.err = msg.Err
		return m, m.listenForAppMessages()
	}

	switch m.mode {
	case Browse:
		return m.updateBrowser(msg)
	case Advertise:
		return m.updateAdvertiser(msg)
	}
	return m, nil
}

func (m model) View() string {
	var s string
	switch m.mode {
	case Browse:
		s = m.browserView()
	case Advertise:
		s = m.advertiserView()
	default:
		return ""
	}

	if m.err != nil {
		s += "\n" + style.ErrorStyle.Render(fmt.Sprintf("Error: %v", m.err))
	}
	switch {
	case m.quitting:
		s += "\n" + style.HelpStyle.Render("Shutting down...")
	case m.stopped:
		s += "\n" + style.HelpStyle.Render("Stopped. Press q to quit.")
	}
	return style.DocStyle.Render(s)
}
