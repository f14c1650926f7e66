package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	advertiserEvent "github.com/rescp17/focusd/internal/app_events/advertiser"
	"github.com/rescp17/focusd/internal/style"
	"github.com/rescp17/focusd/pkg/discovery"
)

// advertiserState defines the different states of the advertiser UI.
type advertiserState int

const (
	starting advertiserState = iota
	announcing
	withdrawn
)

type advertiserModel struct {
	state   advertiserState
	spinner spinner.Model
	service discovery.ServiceInfo
}

func initAdvertiserModel() advertiserModel {
	return advertiserModel{
		state:   starting,
		spinner: style.NewSpinner(),
	}
}

func (m model) updateAdvertiser(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case advertiserEvent.AnnouncingMsg:
		m.advertiser.state = announcing
		m.advertiser.service = msg.Service
		return m, m.listenForAppMessages()
	case advertiserEvent.WithdrawnMsg:
		m.advertiser.state = withdrawn
		return m, m.listenForAppMessages()
	case tea.KeyMsg:
		if key.Matches(msg, DefaultKeyMap.Withdraw) && m.advertiser.state == announcing {
			return m, m.sendEvent(advertiserEvent.WithdrawEvent{})
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.advertiser.spinner, cmd = m.advertiser.spinner.Update(msg)
	return m, cmd
}

func (m model) advertiserView() string {
	var b strings.Builder
	b.WriteString(style.TitleStyle.Render("Conference focus") + "\n\n")

	svc := m.advertiser.service
	switch m.advertiser.state {
	case starting:
		fmt.Fprintf(&b, "%s Starting responder...\n", m.advertiser.spinner.View())
	case announcing:
		fmt.Fprintf(&b, "%s Announcing %s as %s\n", m.advertiser.spinner.View(),
			style.HighlightFontStyle.Render(svc.Text["name"]), svc.Type)
		fmt.Fprintf(&b, "  instance %s, contact %s\n", svc.Name, svc.Text["contact"])
	case withdrawn:
		fmt.Fprintf(&b, "Announcement of %s withdrawn.\n", style.HighlightFontStyle.Render(svc.Name))
	}

	help := fmt.Sprintf("%s %s  %s %s",
		DefaultKeyMap.Withdraw.Help().Key, DefaultKeyMap.Withdraw.Help().Desc,
		DefaultKeyMap.Quit.Help().Key, DefaultKeyMap.Quit.Help().Desc)
	b.WriteString("\n" + style.HelpStyle.Render(help))
	return b.String()
}
