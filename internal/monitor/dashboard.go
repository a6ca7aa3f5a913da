package monitor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/NimbleMarkets/ntcharts/sparkline"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fyrsmithlabs/metapod/internal/autonomy"
	"github.com/fyrsmithlabs/metapod/internal/coordinator"
	api "github.com/fyrsmithlabs/metapod/internal/http"
	"github.com/fyrsmithlabs/metapod/internal/resilience"
	"github.com/fyrsmithlabs/metapod/internal/session"
)

const (
	sparklineWidth  = 30
	sparklineHeight = 3
	historySize     = 30
	// maxRows bounds the active sessions and approvals listed.
	maxRows = 8
)

// Source is the part of the daemon API the dashboard polls.
type Source interface {
	Health(ctx context.Context) (api.HealthResponse, error)
	List(ctx context.Context) (api.ListResponse, error)
	Status(ctx context.Context, id string) (coordinator.Summary, error)
	Pending(ctx context.Context) ([]autonomy.Request, error)
}

// Model represents the BubbleTea dashboard model
type Model struct {
	baseURL    string
	interval   time.Duration
	source     Source
	scraper    *MetricsClient
	lastUpdate time.Time
	snapshot   Snapshot
	err        error
	quitting   bool

	memoryProgress progress.Model
	taskProgress   progress.Model
}

// Snapshot holds what one poll of the daemon returned.
type Snapshot struct {
	Health  api.HealthResponse
	Counts  map[session.State]int
	Active  []coordinator.Summary
	Pending []autonomy.Request
	Metrics MetricsSample

	// Historical data for sparklines (last N points)
	ActiveHistory  []float64
	PendingHistory []float64
	MemoryHistory  []float64

	MemoryMax float64
}

// Lipgloss styles (k9s-inspired color scheme)
var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("51")).
			Bold(true).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true).
			MarginTop(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("231")).
			Bold(true)

	// Dim style - for units and secondary info
	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	healthyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("46")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("226")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	containerStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(1, 2)

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			MarginTop(1)

	footerKeyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true)

	sparklineStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51"))
)

// NewModel creates a dashboard polling the daemon at baseURL.
func NewModel(baseURL string, interval time.Duration) Model {
	return NewModelWithSource(baseURL, interval, api.NewClient(baseURL))
}

// NewModelWithSource creates a dashboard polling src.
func NewModelWithSource(baseURL string, interval time.Duration, src Source) Model {
	return Model{
		baseURL:  baseURL,
		interval: interval,
		source:   src,
		scraper:  NewMetricsClient(baseURL),
		memoryProgress: progress.New(
			progress.WithGradient("#00ff00", "#ffff00"),
			progress.WithWidth(40),
		),
		taskProgress: progress.New(
			progress.WithGradient("#00ffff", "#ff00ff"),
			progress.WithWidth(24),
		),
		snapshot: Snapshot{
			Counts:         map[session.State]int{},
			ActiveHistory:  make([]float64, 0, historySize),
			PendingHistory: make([]float64, 0, historySize),
			MemoryHistory:  make([]float64, 0, historySize),
			MemoryMax:      512.0, // MB
		},
	}
}

// getHealthBadge returns the overall daemon status badge.
func getHealthBadge(status string) string {
	switch status {
	case "ok":
		return healthyStyle.Render("✓ HEALTHY")
	case "degraded":
		return warningStyle.Render("⚠ DEGRADED")
	}
	return errorStyle.Render("✗ " + strings.ToUpper(status))
}

// getStateBadge returns a colored badge for a session state.
func getStateBadge(state session.State) string {
	switch state {
	case session.StateActive, session.StateCompleted:
		return healthyStyle.Render("[✓]")
	case session.StateBlocked:
		return warningStyle.Render("[⚠]")
	}
	return errorStyle.Render("[✗]")
}

// getBreakerBadge returns a colored badge for a breaker state.
func getBreakerBadge(state string) string {
	switch resilience.State(state) {
	case resilience.StateClosed:
		return healthyStyle.Render("[✓]")
	case resilience.StateHalfOpen:
		return warningStyle.Render("[⚠]")
	}
	return errorStyle.Render("[✗]")
}

// appendToHistory appends a value to history, maintaining max size
func appendToHistory(history []float64, value float64) []float64 {
	history = append(history, value)
	if len(history) > historySize {
		history = history[1:]
	}
	return history
}

// createSparkline creates a sparkline chart from historical data
func createSparkline(data []float64) string {
	if len(data) == 0 {
		return dimStyle.Render(fmt.Sprintf("%*s", sparklineWidth, "no data"))
	}

	spark := sparkline.New(sparklineWidth, sparklineHeight)
	for _, v := range data {
		spark.Push(v)
	}

	return sparklineStyle.Render(spark.View())
}

// Message types
type tickMsg time.Time
type snapshotMsg Snapshot
type errMsg error

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		tick(m.interval),
		m.fetch(),
	)
}

// tick creates a tick command for auto-refresh
func tick(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// fetch polls the daemon. Scrape failures are tolerated; API failures are not.
func (m Model) fetch() tea.Cmd {
	src, scraper := m.source, m.scraper
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		snap, err := poll(ctx, src, scraper)
		if err != nil {
			return errMsg(err)
		}
		return snapshotMsg(snap)
	}
}

func poll(ctx context.Context, src Source, scraper *MetricsClient) (Snapshot, error) {
	var snap Snapshot
	var err error
	if snap.Health, err = src.Health(ctx); err != nil {
		return Snapshot{}, err
	}
	list, err := src.List(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	if snap.Pending, err = src.Pending(ctx); err != nil {
		return Snapshot{}, err
	}

	snap.Counts = make(map[session.State]int)
	for _, info := range list.Sessions {
		snap.Counts[info.State]++
		if info.Status != session.StatusActive || len(snap.Active) >= maxRows {
			continue
		}
		sum, err := src.Status(ctx, info.ID)
		if err != nil {
			// Finished between List and Status.
			continue
		}
		snap.Active = append(snap.Active, sum)
	}
	sort.Slice(snap.Active, func(i, j int) bool { return snap.Active[i].ID < snap.Active[j].ID })

	if scraper != nil {
		if sample, err := scraper.Scrape(ctx); err == nil {
			snap.Metrics = sample
		}
	}
	return snap, nil
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, m.fetch()
		}

	case tickMsg:
		return m, tea.Batch(
			tick(m.interval),
			m.fetch(),
		)

	case snapshotMsg:
		snap := Snapshot(msg)
		snap.ActiveHistory = appendToHistory(m.snapshot.ActiveHistory, float64(snap.Counts[session.StateActive]+snap.Counts[session.StateBlocked]))
		snap.PendingHistory = appendToHistory(m.snapshot.PendingHistory, float64(len(snap.Pending)))
		snap.MemoryHistory = appendToHistory(m.snapshot.MemoryHistory, snap.Metrics.MemoryMB)
		snap.MemoryMax = m.snapshot.MemoryMax
		if snap.Metrics.MemoryMB > snap.MemoryMax {
			snap.MemoryMax = snap.Metrics.MemoryMB
		}

		m.snapshot = snap
		m.lastUpdate = time.Now()
		m.err = nil
		return m, nil

	case errMsg:
		m.err = error(msg)
		return m, nil
	}

	return m, nil
}

// View renders the dashboard
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if m.err != nil {
		return m.renderError()
	}
	return m.renderDashboard()
}

// renderError renders the error view
func (m Model) renderError() string {
	header := headerStyle.Render("metapod Dashboard")

	var content string
	content += "\n"
	content += errorStyle.Render("⚠ Cannot reach metapodd") + "\n"
	content += "\n"
	content += dimStyle.Render("URL: ") + valueStyle.Render(m.baseURL) + "\n"
	content += dimStyle.Render("Error: ") + errorStyle.Render(m.err.Error()) + "\n"
	content += "\n"
	content += dimStyle.Render("Start the daemon with: metapodd") + "\n"
	content += "\n"
	content += footerStyle.Render("[q] quit  [r] retry") + "\n"

	return containerStyle.Render(header + "\n" + content)
}

// renderDashboard renders the main dashboard view with sparklines and progress bars
func (m Model) renderDashboard() string {
	var content string
	snap := m.snapshot

	lastUpdateStr := "Never"
	if !m.lastUpdate.IsZero() {
		lastUpdateStr = m.lastUpdate.Format("3:04:05 PM")
	}
	status := snap.Health.Status
	if status == "" {
		status = "unknown"
	}

	content += headerStyle.Render(" metapod Monitor ") + "\n"
	content += fmt.Sprintf("%s   %s   %s   %s",
		getHealthBadge(status),
		dimStyle.Render("Uptime:"),
		valueStyle.Render(FormatUptime(snap.Metrics.Uptime)),
		dimStyle.Render(lastUpdateStr)) + "\n"

	content += "\n" + sectionStyle.Render("┃ Sessions") + "\n"
	content += labelStyle.Render("  Active: ") +
		valueStyle.Render(fmt.Sprintf("%d", snap.Counts[session.StateActive])) +
		labelStyle.Render("  Blocked: ") +
		valueStyle.Render(fmt.Sprintf("%d", snap.Counts[session.StateBlocked])) +
		"   " + createSparkline(snap.ActiveHistory) + "\n"
	content += labelStyle.Render("  Completed: ") +
		valueStyle.Render(fmt.Sprintf("%d", snap.Counts[session.StateCompleted])) +
		labelStyle.Render("  Failed: ") +
		valueStyle.Render(fmt.Sprintf("%d", snap.Counts[session.StateFailed])) +
		labelStyle.Render("  Cancelled: ") +
		valueStyle.Render(fmt.Sprintf("%d", snap.Counts[session.StateCancelled])) + "\n"
	for _, sum := range snap.Active {
		content += "  " + getStateBadge(sum.State) + " " +
			valueStyle.Render(ShortID(sum.ID)) + " " +
			labelStyle.Render(fmt.Sprintf("%-18s", sum.Phase)) + " " +
			m.taskProgress.ViewAs(clamp(sum.Percent/100)) + " " +
			dimStyle.Render(FormatPercent(sum.Percent)) + "\n"
	}

	content += "\n" + sectionStyle.Render("┃ Approvals") + "\n"
	content += labelStyle.Render("  Pending: ") +
		valueStyle.Render(fmt.Sprintf("%d", len(snap.Pending))) +
		"                " + createSparkline(snap.PendingHistory) + "\n"
	for i, r := range snap.Pending {
		if i == maxRows {
			content += dimStyle.Render(fmt.Sprintf("  ... %d more", len(snap.Pending)-maxRows)) + "\n"
			break
		}
		content += "  " + valueStyle.Render(ShortID(r.ID)) + " " +
			labelStyle.Render(string(r.Purpose)) + " " +
			dimStyle.Render(fmt.Sprintf("%s/%s", ShortID(r.SessionID), r.TaskID)) + " " +
			dimStyle.Render(FormatDeadline(r.Deadline, time.Now())) + "\n"
	}

	if len(snap.Health.Breakers) > 0 {
		content += "\n" + sectionStyle.Render("┃ Breakers") + "\n"
		names := make([]string, 0, len(snap.Health.Breakers))
		for name := range snap.Health.Breakers {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			state := snap.Health.Breakers[name]
			content += "  " + getBreakerBadge(state) + " " +
				labelStyle.Render(fmt.Sprintf("%-10s", name)) + " " +
				valueStyle.Render(state) + "\n"
		}
	}

	content += "\n" + sectionStyle.Render("┃ System") + "\n"
	memoryPercent := 0.0
	if snap.MemoryMax > 0 {
		memoryPercent = clamp(snap.Metrics.MemoryMB / snap.MemoryMax)
	}
	content += labelStyle.Render("  Memory: ") +
		m.memoryProgress.ViewAs(memoryPercent) +
		" " + dimStyle.Render(FormatMemory(uint64(snap.Metrics.MemoryMB*1024*1024))) + "\n"
	content += labelStyle.Render("  Goroutines: ") +
		valueStyle.Render(fmt.Sprintf("%d", snap.Metrics.Goroutines)) + "\n"

	footer := footerKeyStyle.Render("[q]") + footerStyle.Render(" quit  ") +
		footerKeyStyle.Render("[r]") + footerStyle.Render(" refresh  ") +
		footerStyle.Render(fmt.Sprintf("Auto: %v", m.interval))

	content += "\n" + footer

	return containerStyle.Render(content)
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
