package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/fornax-os/vmtest/internal/stats"
	"github.com/fornax-os/vmtest/internal/timeseries"
)

// tailFetchLines is how many recent serial lines each tick pulls from
// the tail source. The view trims further to fit the terminal.
const tailFetchLines = 64

// =============================================================================
// Messages
// =============================================================================

// TickMsg is sent periodically to update the display.
type TickMsg time.Time

// StepStartMsg announces that a test step began executing.
type StepStartMsg struct {
	Name string
}

// StepMsg carries one completed step outcome.
type StepMsg struct {
	Result stats.StepResult
}

// QuitMsg signals the TUI should exit.
type QuitMsg struct{}

// =============================================================================
// Model
// =============================================================================

// Model represents the TUI state.
type Model struct {
	// Configuration
	project     string
	runID       string
	metricsAddr string
	stepNames   []string

	// Current state
	counters    *counters
	results     []stats.StepResult
	runningStep string
	tailLines   []string
	startTime   time.Time
	lastUpdate  time.Time
	showSerial  bool

	// Display options
	width  int
	height int

	// Live sources, polled on every tick
	statsSource StatsSource
	tailSource  TailSource

	// Quit flag
	quitting bool
}

// StatsSource provides live run counters.
type StatsSource interface {
	Elapsed() time.Duration
	BytesRead() int64
	ByteRates() timeseries.Rates
	CommandsSent() int64
	ExpectCounts() (matches, timeouts int64)
	ExpectPercentiles() (p50, p90, p99, max time.Duration)
	Steps() []stats.StepResult
}

// TailSource provides the most recent guest console lines.
type TailSource interface {
	RecentLines(n int) []string
}

// counters is one tick's view of the console activity counters.
type counters struct {
	elapsed      time.Duration
	bytesRead    int64
	byteRates    timeseries.Rates
	commandsSent int64

	expectMatches  int64
	expectTimeouts int64

	waitP50 time.Duration
	waitP99 time.Duration
	waitMax time.Duration
}

func takeCounters(src StatsSource) *counters {
	c := &counters{
		elapsed:      src.Elapsed(),
		bytesRead:    src.BytesRead(),
		byteRates:    src.ByteRates(),
		commandsSent: src.CommandsSent(),
	}
	c.expectMatches, c.expectTimeouts = src.ExpectCounts()
	c.waitP50, _, c.waitP99, c.waitMax = src.ExpectPercentiles()
	return c
}

// Config holds TUI configuration.
type Config struct {
	Project     string
	RunID       string
	MetricsAddr string
	StepNames   []string
	Stats       StatsSource
	Tail        TailSource
}

// New creates a new TUI model.
func New(cfg Config) Model {
	return Model{
		project:     cfg.Project,
		runID:       cfg.RunID,
		metricsAddr: cfg.MetricsAddr,
		stepNames:   cfg.StepNames,
		statsSource: cfg.Stats,
		tailSource:  cfg.Tail,
		startTime:   time.Now(),
		lastUpdate:  time.Now(),
		showSerial:  true,
		width:       80,
		height:      24,
	}
}

// =============================================================================
// Bubble Tea Interface
// =============================================================================

// Init initializes the model.
func (m Model) Init() tea.Cmd {
	// Note: tea.WithAltScreen() is passed when creating the program,
	// so we don't need tea.EnterAltScreen here.
	return tickCmd()
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		case "s":
			m.showSerial = !m.showSerial
			return m, nil
		case "r":
			// Force refresh
			return m, tickCmd()
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case TickMsg:
		// Poll the live sources
		if m.statsSource != nil {
			m.counters = takeCounters(m.statsSource)
			m.results = m.statsSource.Steps()
		}
		if m.tailSource != nil {
			m.tailLines = m.tailSource.RecentLines(tailFetchLines)
		}
		m.lastUpdate = time.Now()
		return m, tickCmd()

	case StepStartMsg:
		m.runningStep = msg.Name
		return m, nil

	case StepMsg:
		m.results = recordResult(m.results, msg.Result)
		if msg.Result.Name == m.runningStep {
			m.runningStep = ""
		}
		m.lastUpdate = time.Now()
		return m, nil

	case QuitMsg:
		m.quitting = true
		return m, tea.Quit
	}

	return m, nil
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	return m.renderDashboard()
}

// recordResult appends res, replacing an earlier outcome for the same
// step. Step names are unique within a run, so the pushed result and
// the next polled snapshot agree.
func recordResult(results []stats.StepResult, res stats.StepResult) []stats.StepResult {
	for i := range results {
		if results[i].Name == res.Name {
			results[i] = res
			return results
		}
	}
	return append(results, res)
}

// =============================================================================
// Commands
// =============================================================================

// tickCmd returns a command that sends a tick after 500ms.
func tickCmd() tea.Cmd {
	return tea.Tick(500*time.Millisecond, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// =============================================================================
// Accessors
// =============================================================================

// Elapsed returns the run time shown in the header: the polled run
// clock when available, otherwise time since the dashboard started.
func (m Model) Elapsed() time.Duration {
	if m.counters != nil {
		return m.counters.elapsed
	}
	return time.Since(m.startTime)
}

// StepsDone returns how many steps have a recorded outcome.
func (m Model) StepsDone() int {
	return len(m.results)
}

// StepsTotal returns the number of steps in the suite.
func (m Model) StepsTotal() int {
	return len(m.stepNames)
}

// StepsFailed returns how many recorded steps failed.
func (m Model) StepsFailed() int {
	failed := 0
	for _, res := range m.results {
		if res.Status == stats.StepFailed {
			failed++
		}
	}
	return failed
}

// =============================================================================
// Helpers for external use
// =============================================================================

// SendStepStart tells the TUI a step began.
func SendStepStart(p *tea.Program, name string) {
	if p != nil {
		p.Send(StepStartMsg{Name: name})
	}
}

// SendStep sends a completed step outcome to the TUI.
func SendStep(p *tea.Program, res stats.StepResult) {
	if p != nil {
		p.Send(StepMsg{Result: res})
	}
}

// SendQuit sends a quit message to the TUI.
func SendQuit(p *tea.Program) {
	if p != nil {
		p.Send(QuitMsg{})
	}
}
