package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/meshbbs/meshsched/internal/reliability"
	"github.com/meshbbs/meshsched/monitor"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const (
	primaryColor   = lipgloss.Color("#7C3AED")
	secondaryColor = lipgloss.Color("#10B981")
	warningColor   = lipgloss.Color("#F59E0B")
	errorColor     = lipgloss.Color("#EF4444")
	mutedColor     = lipgloss.Color("#6B7280")
	selectedColor  = lipgloss.Color("#374151")
)

var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(primaryColor).
			Bold(true).
			Padding(0, 1).
			Margin(0, 0, 1, 0)

	tabStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Padding(0, 2).
			Margin(0, 1, 0, 0)

	activeTabStyle = lipgloss.NewStyle().
			Foreground(primaryColor).
			Background(selectedColor).
			Bold(true).
			Padding(0, 2).
			Margin(0, 1, 0, 0)

	statusHealthyStyle = lipgloss.NewStyle().
				Foreground(secondaryColor).
				Bold(true)

	statusWarningStyle = lipgloss.NewStyle().
				Foreground(warningColor).
				Bold(true)

	statusErrorStyle = lipgloss.NewStyle().
				Foreground(errorColor).
				Bold(true)

	cardStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(mutedColor).
			Padding(1, 2).
			Margin(1, 0)

	helpStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Margin(1, 0)
)

type tab int

const (
	overviewTab tab = iota
	alertsTab
	healthTab
	failuresTab
	tabCount
)

// daemonSnapshot is everything the watch view shows
type daemonSnapshot struct {
	stats    monitor.StatsResponse
	health   monitor.Report
	failures []*reliability.FailureRecord
}

// daemonClient reads a running daemon's HTTP endpoints
type daemonClient struct {
	baseURL string
	http    *http.Client
}

func newDaemonClient(baseURL string) *daemonClient {
	return &daemonClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 5 * time.Second},
	}
}

func (c *daemonClient) getJSON(ctx context.Context, path string, v interface{}, okStatus ...int) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	accepted := resp.StatusCode == http.StatusOK
	for _, s := range okStatus {
		accepted = accepted || resp.StatusCode == s
	}
	if !accepted {
		return fmt.Errorf("GET %s: %s", path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// fetch queries all endpoints concurrently
func (c *daemonClient) fetch(ctx context.Context) (*daemonSnapshot, error) {
	snap := &daemonSnapshot{}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.getJSON(gctx, "/stats", &snap.stats)
	})
	g.Go(func() error {
		// an unhealthy daemon answers 503 with a full report
		return c.getJSON(gctx, "/healthz", &snap.health, http.StatusServiceUnavailable)
	})
	g.Go(func() error {
		return c.getJSON(gctx, "/failures?limit=20", &snap.failures)
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return snap, nil
}

type tickMsg struct{}

type dataMsg struct {
	snapshot *daemonSnapshot
	err      error
}

type model struct {
	client      *daemonClient
	interval    time.Duration
	activeTab   tab
	width       int
	height      int
	lastUpdate  time.Time
	autoRefresh bool

	snapshot *daemonSnapshot

	selectedAlert   int
	selectedFailure int
	err             error
}

func newModel(client *daemonClient, interval time.Duration) model {
	return model{
		client:      client,
		interval:    interval,
		activeTab:   overviewTab,
		autoRefresh: true,
		lastUpdate:  time.Now(),
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.fetchData(), m.tickCmd())
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit

		case "tab", "right":
			m.activeTab = (m.activeTab + 1) % tabCount
			return m, nil

		case "shift+tab", "left":
			m.activeTab = (m.activeTab + tabCount - 1) % tabCount
			return m, nil

		case "r":
			return m, m.fetchData()

		case " ":
			m.autoRefresh = !m.autoRefresh
			if m.autoRefresh {
				return m, m.tickCmd()
			}
			return m, nil

		case "up":
			switch m.activeTab {
			case alertsTab:
				if m.selectedAlert > 0 {
					m.selectedAlert--
				}
			case failuresTab:
				if m.selectedFailure > 0 {
					m.selectedFailure--
				}
			}
			return m, nil

		case "down":
			switch m.activeTab {
			case alertsTab:
				if m.selectedAlert < len(m.alerts())-1 {
					m.selectedAlert++
				}
			case failuresTab:
				if m.selectedFailure < len(m.failures())-1 {
					m.selectedFailure++
				}
			}
			return m, nil
		}

	case tickMsg:
		if m.autoRefresh {
			return m, tea.Batch(m.fetchData(), m.tickCmd())
		}

	case dataMsg:
		m.err = msg.err
		if msg.err == nil {
			m.snapshot = msg.snapshot
			m.lastUpdate = time.Now()
			if m.selectedAlert >= len(m.alerts()) {
				m.selectedAlert = 0
			}
			if m.selectedFailure >= len(m.failures()) {
				m.selectedFailure = 0
			}
		}
		return m, nil
	}

	return m, nil
}

func (m model) alerts() []*monitor.Alert {
	if m.snapshot == nil {
		return nil
	}
	return m.snapshot.stats.RecentAlerts
}

func (m model) failures() []*reliability.FailureRecord {
	if m.snapshot == nil {
		return nil
	}
	return m.snapshot.failures
}

func (m model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	header := headerStyle.Width(m.width - 2).Render("meshsched " + m.client.baseURL)

	var content string
	switch m.activeTab {
	case overviewTab:
		content = m.renderOverview()
	case alertsTab:
		content = m.renderAlerts()
	case healthTab:
		content = m.renderHealth()
	case failuresTab:
		content = m.renderFailures()
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		m.renderTabs(),
		content,
		m.renderStatusBar(),
		helpStyle.Render("Tab/→: Next tab | Shift+Tab/←: Previous tab | ↑↓: Navigate | R: Refresh | Space: Toggle auto-refresh | Q: Quit"),
	)
}

func (m model) renderTabs() string {
	titles := []string{"Overview", "Alerts", "Health", "Failures"}
	tabs := make([]string, 0, len(titles))
	for i, title := range titles {
		if m.activeTab == tab(i) {
			tabs = append(tabs, activeTabStyle.Render(title))
		} else {
			tabs = append(tabs, tabStyle.Render(title))
		}
	}
	return lipgloss.JoinHorizontal(lipgloss.Left, tabs...)
}

func (m model) renderOverview() string {
	if m.snapshot == nil {
		return cardStyle.Render("Loading overview...")
	}
	s := m.snapshot.stats.Stats

	queue := fmt.Sprintf(
		"Depth: %d/%d (%s)\nDropped: %d\nEscalations: %d\nRejected: %d",
		s.Queued, s.Capacity, percentBar(s.Queued, s.Capacity, 20),
		s.DroppedTotal,
		s.EscalationsTotal,
		s.RejectedTotal,
	)

	inFlight := "idle"
	if s.InFlight {
		inFlight = "writing"
	}
	radio := fmt.Sprintf(
		"Radio: %s\nDispatched: %d\nPending acks: %d/%d (%s)",
		inFlight,
		s.DispatchedTotal,
		s.PendingCount, s.MaxPending, percentBar(s.PendingCount, s.MaxPending, 20),
	)

	return lipgloss.JoinVertical(lipgloss.Left,
		cardStyle.Render("Queue\n\n"+queue),
		cardStyle.Render("Transmission\n\n"+radio),
	)
}

func (m model) renderAlerts() string {
	alerts := m.alerts()
	if len(alerts) == 0 {
		return cardStyle.Render("No recent alerts")
	}

	parts := make([]string, 0, len(alerts))
	for i, alert := range alerts {
		style := cardStyle
		if i == m.selectedAlert {
			style = style.Background(selectedColor)
		}
		content := fmt.Sprintf("%s %s\n%s\n%s",
			levelStyle(alert.Level).Render(strings.ToUpper(string(alert.Level))),
			alert.Kind,
			alert.Message,
			alert.Timestamp.Format("15:04:05"),
		)
		parts = append(parts, style.Render(content))
	}
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func (m model) renderHealth() string {
	if m.snapshot == nil {
		return cardStyle.Render("Loading health data...")
	}
	report := m.snapshot.health

	parts := []string{cardStyle.Render(fmt.Sprintf("Overall Status: %s",
		statusStyle(report.Status).Render(strings.ToUpper(string(report.Status)))))}

	for _, check := range report.Checks {
		content := fmt.Sprintf("%s: %s\n%s",
			check.Name,
			statusStyle(check.Status).Render(strings.ToUpper(string(check.Status))),
			check.Message,
		)
		parts = append(parts, cardStyle.Render(content))
	}
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func (m model) renderFailures() string {
	failures := m.failures()
	if len(failures) == 0 {
		return cardStyle.Render("No recorded failures")
	}

	rows := []string{
		fmt.Sprintf("%-10s %-10s %-10s %-20s %s", "Time", "Node", "Priority", "Code", "Attempts"),
		strings.Repeat("─", 64),
	}
	for i, rec := range failures {
		style := lipgloss.NewStyle()
		if i == m.selectedFailure {
			style = style.Background(selectedColor)
		}
		rows = append(rows, style.Render(fmt.Sprintf("%-10s %-10s %-10s %-20s %d",
			rec.FailedAt.Format("15:04:05"),
			rec.Destination,
			rec.Priority,
			truncateString(rec.Code, 20),
			rec.Attempts,
		)))
	}
	list := cardStyle.Render("Dead-lettered Messages\n\n" + strings.Join(rows, "\n"))

	if m.selectedFailure >= len(failures) {
		return list
	}
	rec := failures[m.selectedFailure]
	details := fmt.Sprintf("Message: %s\nChannel: %d\nKind: %s\nError: %s\nPayload: %s",
		rec.MessageID,
		rec.Channel,
		rec.Kind,
		rec.Error,
		truncateString(string(rec.Payload), 60),
	)
	return lipgloss.JoinVertical(lipgloss.Left, list, cardStyle.Render("Details\n\n"+details))
}

func (m model) renderStatusBar() string {
	parts := []string{"Auto-refresh: ON"}
	if !m.autoRefresh {
		parts[0] = "Auto-refresh: OFF"
	}
	parts = append(parts, fmt.Sprintf("Last update: %s", m.lastUpdate.Format("15:04:05")))
	if m.err != nil {
		parts = append(parts, statusErrorStyle.Render(fmt.Sprintf("Error: %v", m.err)))
	}
	return helpStyle.Render(strings.Join(parts, " | "))
}

func (m model) fetchData() tea.Cmd {
	client := m.client
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		snap, err := client.fetch(ctx)
		return dataMsg{snapshot: snap, err: err}
	}
}

func (m model) tickCmd() tea.Cmd {
	return tea.Tick(m.interval, func(time.Time) tea.Msg {
		return tickMsg{}
	})
}

func levelStyle(level monitor.AlertLevel) lipgloss.Style {
	switch level {
	case monitor.AlertLevelCritical:
		return statusErrorStyle
	case monitor.AlertLevelWarning:
		return statusWarningStyle
	default:
		return statusHealthyStyle
	}
}

func statusStyle(status monitor.Status) lipgloss.Style {
	switch status {
	case monitor.StatusHealthy:
		return statusHealthyStyle
	case monitor.StatusDegraded:
		return statusWarningStyle
	case monitor.StatusUnhealthy:
		return statusErrorStyle
	default:
		return lipgloss.NewStyle()
	}
}

// percentBar renders used/total as a fixed-width bar
func percentBar(used, total, width int) string {
	if total <= 0 {
		return strings.Repeat("░", width)
	}
	filled := used * width / total
	if filled > width {
		filled = width
	}
	return strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
}

func truncateString(s string, length int) string {
	if len(s) <= length {
		return s
	}
	return s[:length-3] + "..."
}

func newWatchCommand() *cobra.Command {
	var (
		addr     string
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Show a live terminal dashboard of a running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			p := tea.NewProgram(
				newModel(newDaemonClient(addr), interval),
				tea.WithAltScreen(),
				tea.WithContext(cmd.Context()),
			)
			if _, err := p.Run(); err != nil {
				return fmt.Errorf("error running dashboard: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&addr, "addr", "a", "http://localhost:9464", "Base URL of the daemon's HTTP endpoints")
	cmd.Flags().DurationVarP(&interval, "interval", "i", 2*time.Second, "Refresh interval")
	return cmd
}
