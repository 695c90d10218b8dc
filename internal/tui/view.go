package tui

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/fornax-os/vmtest/internal/stats"
)

// =============================================================================
// Main View Rendering
// =============================================================================

// renderDashboard renders the run dashboard.
func (m Model) renderDashboard() string {
	var sections []string

	// Header
	sections = append(sections, m.renderHeader())

	// Suite progress
	sections = append(sections, m.renderProgress())

	// Step table
	sections = append(sections, m.renderStepTable())

	// Console activity (only once the first tick polled the counters)
	if m.counters != nil {
		sections = append(sections, m.renderActivity())
	}

	// Serial tail
	if m.showSerial {
		sections = append(sections, m.renderSerialTail())
	}

	// Footer
	sections = append(sections, m.renderFooter())

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// =============================================================================
// Header
// =============================================================================

func (m Model) renderHeader() string {
	verdict := "passing"
	if m.StepsFailed() > 0 {
		verdict = "failing"
	}

	parts := []string{"vmtest"}
	if m.project != "" {
		parts = append(parts, filepath.Base(m.project))
	}
	parts = append(parts,
		"run "+shortRunID(m.runID),
		verdict,
		fmt.Sprintf("Steps: %d/%d", m.StepsDone(), m.StepsTotal()),
		"Elapsed: "+stats.FormatDuration(m.Elapsed()),
	)

	header := " " + strings.Join(parts, " │ ") + " "
	return headerStyle.Width(m.width).Render(header)
}

// shortRunID clips a UUID to its first block for display.
func shortRunID(id string) string {
	if id == "" {
		return "-"
	}
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// =============================================================================
// Suite Progress
// =============================================================================

func (m Model) renderProgress() string {
	done := m.StepsDone()
	total := m.StepsTotal()
	progress := 0.0
	if total > 0 {
		progress = float64(done) / float64(total)
	}

	// Progress bar
	barWidth := m.width - 30
	if barWidth < 20 {
		barWidth = 20
	}
	progressBar := RenderProgressBar(progress, barWidth)

	// Status text
	failed := m.StepsFailed()
	var status string
	switch {
	case failed > 0:
		status = statusError.Render(fmt.Sprintf("✗ %d of %d steps failed", failed, total))
	case total > 0 && done == total:
		status = statusOK.Render("✓ All steps passed")
	case m.runningStep != "":
		status = statusInfo.Render(fmt.Sprintf("Running %s... %d/%d", m.runningStep, done, total))
	default:
		status = dimStyle.Render("Waiting for guest...")
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		sectionHeaderStyle.Render("Suite Progress"),
		progressBar,
		status,
	)

	return boxStyle.Width(m.width - 2).Render(content)
}

// =============================================================================
// Step Table
// =============================================================================

func (m Model) renderStepTable() string {
	header := tableHeaderStyle.Render(
		fmt.Sprintf("%-4s%-27s%-10s%9s", "", "Step", "Status", "Duration"),
	)

	byName := make(map[string]stats.StepResult, len(m.results))
	for _, res := range m.results {
		byName[res.Name] = res
	}

	var rows []string
	for _, name := range m.stepNames {
		res, done := byName[name]
		switch {
		case done:
			dur := stats.FormatSeconds(res.Duration)
			if res.Status == stats.StepSkipped {
				dur = "-"
			}
			rows = append(rows, renderStepCells(
				StepStatusStyle(res.Status), StepGlyph(res.Status),
				stepRowStyle(res.Status), name, string(res.Status), dur,
			))
			if res.Reason != "" {
				rows = append(rows, dimStyle.Render("    "+truncateLine(res.Reason, m.width-10)))
			}
		case name == m.runningStep:
			rows = append(rows, renderStepCells(statusInfo, "▶", statusInfo, name, "running", ""))
		default:
			rows = append(rows, renderStepCells(dimStyle, "·", dimStyle, name, "pending", ""))
		}
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		append([]string{sectionHeaderStyle.Render("Test Steps"), header}, rows...)...,
	)

	return boxStyle.Width(m.width - 2).Render(content)
}

// renderStepCells lays out one table row. Lipgloss widths keep the
// columns aligned; the glyphs are multi-byte runes, so printf padding
// would drift.
func renderStepCells(glyphStyle lipgloss.Style, glyph string, rowStyle lipgloss.Style, name, status, dur string) string {
	return lipgloss.JoinHorizontal(lipgloss.Left,
		glyphStyle.Width(4).Render(glyph),
		rowStyle.Width(27).Render(name),
		rowStyle.Width(10).Render(status),
		mutedStyle.Width(9).Align(lipgloss.Right).Render(dur),
	)
}

// =============================================================================
// Console Activity
// =============================================================================

func (m Model) renderActivity() string {
	if m.counters == nil {
		return ""
	}

	c := m.counters

	rows := []string{
		RenderKeyValue("Bytes Read", stats.FormatBytes(c.bytesRead)),
		RenderKeyValue("Byte Rate (5s)", stats.FormatBytes(int64(c.byteRates.Recent))+"/s"),
		RenderKeyValue("Byte Rate (run)", stats.FormatBytes(int64(c.byteRates.Overall))+"/s"),
		RenderKeyValue("Commands Sent", fmt.Sprintf("%d", c.commandsSent)),
	}

	// Any timeout turns the expect row red
	expectStyle := valueStyle
	if c.expectTimeouts > 0 {
		expectStyle = valueBadStyle
	}
	rows = append(rows, lipgloss.JoinHorizontal(lipgloss.Left,
		labelStyle.Render("Expects:"),
		expectStyle.Render(fmt.Sprintf("%d matched, %d timed out", c.expectMatches, c.expectTimeouts)),
	))

	if c.expectMatches+c.expectTimeouts > 0 {
		rows = append(rows,
			RenderKeyValue("Expect Wait P50", stats.FormatMs(c.waitP50)),
			RenderKeyValue("Expect Wait P99", stats.FormatMs(c.waitP99)),
			RenderKeyValue("Expect Wait Max", stats.FormatMs(c.waitMax)),
		)
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		append([]string{sectionHeaderStyle.Render("Console Activity")}, rows...)...,
	)

	return boxStyle.Width(m.width - 2).Render(content)
}

// =============================================================================
// Serial Console Tail
// =============================================================================

func (m Model) renderSerialTail() string {
	// The sections above take a fixed share; the tail gets what is left.
	maxLines := m.height - 20 - len(m.stepNames)
	if maxLines < 4 {
		maxLines = 4
	}

	lines := m.tailLines
	if len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}

	var rows []string
	if len(lines) == 0 {
		rows = append(rows, dimStyle.Render("(no serial output yet)"))
	}
	for _, line := range lines {
		rows = append(rows, mutedStyle.Render(truncateLine(line, m.width-6)))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		append([]string{sectionHeaderStyle.Render("Serial Console")}, rows...)...,
	)

	return boxStyle.Width(m.width - 2).Render(content)
}

// =============================================================================
// Footer
// =============================================================================

func (m Model) renderFooter() string {
	// Keyboard shortcuts
	shortcuts := []string{
		"q: quit",
		"s: toggle serial",
		"r: refresh",
	}

	left := dimStyle.Render(strings.Join(shortcuts, " │ "))

	var right string
	if m.metricsAddr != "" {
		right = dimStyle.Render("Metrics: http://" + m.metricsAddr + "/metrics")
	}

	// Pad to fill width
	padding := m.width - lipgloss.Width(left) - lipgloss.Width(right) - 2
	if padding < 1 {
		padding = 1
	}

	return footerStyle.Render(
		lipgloss.JoinHorizontal(lipgloss.Left,
			left,
			strings.Repeat(" ", padding),
			right,
		),
	)
}

// truncateLine clips a line to max bytes with an ellipsis. Guest serial
// output is ASCII, so a byte count is a cell count.
func truncateLine(s string, max int) string {
	if max < 8 {
		max = 8
	}
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
