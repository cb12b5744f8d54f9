// internal/tui/detail.go
//
// Full-screen task table for one job, reached from the board with enter.
// The cursor picks the task a "restart from here" request targets.

package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/kingrea/The-Kiln/internal/status"
)

var (
	stateStyleDone     = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50")).Bold(true)
	stateStyleRunning  = lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF")).Bold(true)
	stateStyleFailed   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)
	stateStyleRejected = lipgloss.NewStyle().Foreground(lipgloss.Color("#F7B801")).Bold(true)
	stateStylePending  = lipgloss.NewStyle().Foreground(lipgloss.Color("#999999"))
	stateStyleDefault  = lipgloss.NewStyle().Foreground(lipgloss.Color("#CCCCCC"))
	detailTextStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#A0AEC0"))
)

// Job and task states share their lifecycle words, so one palette covers both.
func stateStyle(state string) lipgloss.Style {
	switch state {
	case string(status.TaskDone), string(status.JobComplete):
		return stateStyleDone
	case string(status.TaskRunning):
		return stateStyleRunning
	case string(status.TaskFailed):
		return stateStyleFailed
	case string(status.TaskRejected):
		return stateStyleRejected
	case string(status.TaskPending):
		return stateStylePending
	}
	return stateStyleDefault
}

func stateGlyph(state string) string {
	switch state {
	case string(status.TaskDone), string(status.JobComplete):
		return "✓"
	case string(status.TaskRunning):
		return "●"
	case string(status.TaskFailed):
		return "✗"
	case string(status.TaskRejected):
		return "⊘"
	case string(status.TaskPending):
		return "○"
	}
	return "·"
}

// renderTaskLine is the one-line form used by the board's side panel.
func renderTaskLine(task taskItem) string {
	label := stateStyle(string(task.State)).Render(stateGlyph(string(task.State)))
	line := fmt.Sprintf("%s %s", label, task.Name)
	switch task.State {
	case status.TaskRunning:
		if task.Stage != "" {
			line += fmt.Sprintf(" · %s", task.Stage)
		}
	case status.TaskDone:
		line += fmt.Sprintf(" · %s", humanizeMillis(task.ExecMs))
		if task.Attempts > 0 {
			line += fmt.Sprintf(" · %d refine", task.Attempts)
		}
	case status.TaskFailed:
		if task.FailedStage != "" {
			line += fmt.Sprintf(" · at %s", task.FailedStage)
		}
	}
	return line
}

func (a *App) renderJobDetail(width int) string {
	item, ok := a.jobByID(a.detailID)
	if !ok {
		return "Job is no longer on the board."
	}
	head := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#5B8DEF")).
		Render(fmt.Sprintf("%s · %s queue · %s", item.ID, item.Queue, titleCase(item.State)))
	lines := []string{head}
	if item.Name != "" {
		lines = append(lines, detailTextStyle.Render(item.Name))
	}
	if item.ErrMsg != "" {
		lines = append(lines, stateStyleFailed.Render(fmt.Sprintf("⚠ %s", item.ErrMsg)))
	}
	if len(item.Tasks) == 0 {
		lines = append(lines, detailTextStyle.Render("No task records yet."))
	}
	for i, task := range item.Tasks {
		lines = append(lines, a.renderTaskRow(task, i == a.taskSelection, width))
	}
	hint := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#AAAAAA")).
		MarginTop(1).
		Render("f → restart from task    R → restart job    Esc → back")
	lines = append(lines, hint)
	return strings.Join(lines, "\n")
}

func (a *App) renderTaskRow(task taskItem, selected bool, width int) string {
	line1 := fmt.Sprintf("%s %s · %s", stateGlyph(string(task.State)), task.Name, titleCase(string(task.State)))
	var line2 string
	switch task.State {
	case status.TaskRunning:
		if task.Stage == "" {
			line2 = "starting"
		} else {
			line2 = fmt.Sprintf("stage %s", task.Stage)
		}
	case status.TaskDone:
		line2 = fmt.Sprintf("%s · %d refinement pass(es)", humanizeMillis(task.ExecMs), task.Attempts)
	case status.TaskFailed, status.TaskRejected:
		line2 = task.ErrMsg
		if task.FailedStage != "" {
			line2 = fmt.Sprintf("at %s · %s", task.FailedStage, task.ErrMsg)
		}
	default:
		line2 = "waiting"
	}
	if task.Logs > 0 {
		line2 += fmt.Sprintf(" · %d log file(s)", task.Logs)
	}
	content := stateStyle(string(task.State)).Render(line1)
	if strings.TrimSpace(line2) != "" {
		content += "\n" + detailTextStyle.Render(line2)
	}
	style := lipgloss.NewStyle().Width(max(20, width)).Padding(0, 0, 1, 0)
	if selected {
		style = style.Bold(true).Border(lipgloss.NormalBorder()).BorderForeground(lipgloss.Color("#5B8DEF")).Padding(0, 1)
	}
	return style.Render(content)
}
