package ui

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"

	browserEvent "github.com/rescp17/focusd/internal/app_events/browser"
	"github.com/rescp17/focusd/internal/style"
	"github.com/rescp17/focusd/internal/util"
	"github.com/rescp17/focusd/pkg/focus"
	"github.com/rescp17/focusd/pkg/transport"
)

type browserModel struct {
	spinner   spinner.Model
	table     table.Model
	servers   []focus.ConferenceServer
	status    map[transport.Transport]string
	notice    string
	startedAt time.Time
	now       func() time.Time
}

var serverColumns = []table.Column{
	{Title: "Name", Width: 24},
	{Title: "URI", Width: 40},
	{Title: "Host", Width: 16},
	{Title: "Transport", Width: 9},
}

func initBrowserModel() browserModel {
	t := table.New(
		table.WithColumns(serverColumns),
		table.WithRows([]table.Row{}),
		table.WithFocused(true),
		table.WithHeight(0),
	)
	t.SetStyles(style.NewTableStyles())

	return browserModel{
		spinner:   style.NewSpinner(),
		table:     t,
		status:    make(map[transport.Transport]string),
		startedAt: time.Now(),
		now:       time.Now,
	}
}

func (m *model) updateServerTable(servers []focus.ConferenceServer) {
	m.browser.servers = servers
	rows := make([]table.Row, 0, len(servers))
	for _, srv := range servers {
		rows = append(rows, table.Row{srv.DisplayName, srv.URI, srv.Host, strings.ToUpper(srv.Transport.String())})
	}
	m.browser.table.SetRows(rows)
	// header row plus its bottom border
	m.browser.table.SetHeight(len(rows) + 2)
}

func (m model) updateBrowser(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case browserEvent.ServersUpdatedMsg:
		slog.Debug("Server list updated", "count", len(msg.Servers))
		m.updateServerTable(msg.Servers)
		return m, m.listenForAppMessages()
	case browserEvent.DiscoveryStartedMsg:
		m.browser.status[msg.Transport] = "searching"
		return m, m.listenForAppMessages()
	case browserEvent.DiscoveryFailedMsg:
		m.browser.status[msg.Transport] = fmt.Sprintf("failed: %v", msg.Err)
		return m, m.listenForAppMessages()
	case browserEvent.NetworkChangedMsg:
		m.browser.notice = msg.Reason
		return m, m.listenForAppMessages()
	case tea.KeyMsg:
		if key.Matches(msg, DefaultKeyMap.Refresh) && !m.stopped {
			m.browser.notice = "rediscovering"
			m.browser.startedAt = m.browser.now()
			return m, m.sendEvent(browserEvent.RefreshEvent{})
		}
		var cmd tea.Cmd
		m.browser.table, cmd = m.browser.table.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.browser.spinner, cmd = m.browser.spinner.Update(msg)
	return m, cmd
}

func (m model) browserView() string {
	var b strings.Builder
	b.WriteString(style.TitleStyle.Render("Conference servers") + "\n\n")

	elapsed := util.FormatElapsed(m.browser.now().Sub(m.browser.startedAt))
	if len(m.browser.servers) == 0 {
		fmt.Fprintf(&b, "%s Looking for conference servers... (%s)\n", m.browser.spinner.View(), elapsed)
	} else {
		fmt.Fprintf(&b, "%s Found %d server(s), browsing for %s\n",
			style.OKStyle.Render("✔"), len(m.browser.servers), elapsed)
		b.WriteString(style.BaseStyle.Render(m.browser.table.View()) + "\n")
	}

	for _, t := range transport.All {
		status, ok := m.browser.status[t]
		if !ok {
			continue
		}
		line := fmt.Sprintf("%-4s %s", strings.ToUpper(t.String()), status)
		if strings.HasPrefix(status, "failed") {
			line = style.WarnStyle.Render(line)
		}
		b.WriteString(style.HelpStyle.Render(line) + "\n")
	}
	if m.browser.notice != "" {
		b.WriteString(style.HighlightFontStyle.Render(m.browser.notice) + "\n")
	}

	help := fmt.Sprintf("%s %s  %s %s",
		DefaultKeyMap.Refresh.Help().Key, DefaultKeyMap.Refresh.Help().Desc,
		DefaultKeyMap.Quit.Help().Key, DefaultKeyMap.Quit.Help().Desc)
	b.WriteString("\n" + style.HelpStyle.Render(help))
	return b.String()
}
