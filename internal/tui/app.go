// internal/tui/app.go
//
// This is the terminal monitor for the kiln. It uses bubbletea, which
// follows The Elm Architecture:
//
// 1. Model: Your application state
// 2. Update: A function that updates state based on messages
// 3. View: A function that renders state to a string
//
// The flow is: User Input -> Message -> Update -> New Model -> View -> Screen
//
// The board reads tasks-status.json files straight from the data dir, so it
// keeps working while the daemon is down. Restarts go through the control
// plane and need a running daemon.

package tui

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/kingrea/The-Kiln/internal/config"
	"github.com/kingrea/The-Kiln/internal/controlplane"
	"github.com/kingrea/The-Kiln/internal/logbook"
	"github.com/kingrea/The-Kiln/internal/pipeline"
	"github.com/kingrea/The-Kiln/internal/status"
)

// appState represents which "screen" we're on
type appState int

const (
	stateJobBoard  appState = iota // Queue overview with the job list
	stateJobDetail                 // Task table for one selected job
)

const boardRefreshInterval = 3 * time.Second

const (
	queuePending  = "pending"
	queueCurrent  = "current"
	queueComplete = "complete"
	queueRejected = "rejected"
)

// Active work sorts above the archives.
var queueRank = map[string]int{
	queueCurrent:  0,
	queuePending:  1,
	queueComplete: 2,
	queueRejected: 3,
}

// AppOption customizes App construction for tests and alternate runtimes.
type AppOption func(*App)

// WithStatusClient points the monitor at a specific control-plane endpoint.
func WithStatusClient(client *controlplane.Client) AppOption {
	return func(a *App) {
		if client != nil {
			a.client = client
		}
	}
}

// WithBoardClock overrides the clock used for "updated ... ago" labels.
func WithBoardClock(clock func() time.Time) AppOption {
	return func(a *App) {
		if clock != nil {
			a.clock = clock
		}
	}
}

type statusRefreshMsg struct {
	jobs []jobItem
	err  error
}

type restartResultMsg struct {
	jobID    string
	fromTask string
	err      error
}

// taskItem is one task row inside a job snapshot.
type taskItem struct {
	Name        string
	State       status.TaskState
	Stage       string
	FailedStage string
	Attempts    int
	ExecMs      int64
	StartedAt   string
	ErrMsg      string
	Logs        int
}

// jobItem is one row on the job board, snapshotted from tasks-status.json.
type jobItem struct {
	ID           string
	Name         string
	Queue        string
	State        string
	Current      string
	CurrentStage string
	Done         int
	Total        int
	ErrMsg       string
	LastUpdated  time.Time
	Tasks        []taskItem
}

func (i jobItem) Title() string { return fmt.Sprintf("%s · %s", i.ID, titleCase(i.State)) }

func (i jobItem) Description() string {
	switch i.Queue {
	case queuePending:
		return "Waiting in the pending queue"
	case queueRejected:
		if i.ErrMsg != "" {
			return fmt.Sprintf("Rejected · %s", i.ErrMsg)
		}
		return "Rejected before any task ran"
	}
	if i.State == "unknown" {
		return "Status file unreadable"
	}
	switch status.JobState(i.State) {
	case status.JobRunning:
		position := i.Current
		if i.CurrentStage != "" {
			position = fmt.Sprintf("%s/%s", i.Current, i.CurrentStage)
		}
		if position == "" {
			position = "starting"
		}
		return fmt.Sprintf("%d/%d tasks · firing %s", i.Done, i.Total, position)
	case status.JobFailed:
		if i.ErrMsg != "" {
			return fmt.Sprintf("%d/%d tasks · %s", i.Done, i.Total, i.ErrMsg)
		}
		return fmt.Sprintf("%d/%d tasks · failed", i.Done, i.Total)
	case status.JobComplete:
		return fmt.Sprintf("%d/%d tasks · all fired", i.Done, i.Total)
	case status.JobPending:
		return fmt.Sprintf("%d/%d tasks · waiting for a worker", i.Done, i.Total)
	}
	return fmt.Sprintf("%s queue", i.Queue)
}

func (i jobItem) FilterValue() string { return i.ID }

// App is the monitor model. In bubbletea, this holds ALL your state.
type App struct {
	state   appState
	config  *config.Config
	tree    *pipeline.Tree
	store   *status.Store
	client  *controlplane.Client
	logbook *logbook.Logbook
	clock   func() time.Time

	// UI components
	jobList   list.Model
	statusMsg string
	boardErr  string

	// Window size (we get this from bubbletea)
	width  int
	height int

	// Board data
	jobItems      []jobItem
	detailID      string
	taskSelection int
}

// NewApp creates the monitor bound to one kiln data directory.
func NewApp(cfg *config.Config, opts ...AppOption) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("tui: config is required")
	}
	lb, err := logbook.New(cfg.LogbookPath())
	if err == nil {
		lb.Info("Monitor attached · %s", cfg.DataDir)
	}

	jobList := list.New(nil, list.NewDefaultDelegate(), 0, 0)
	jobList.Title = "⬡ THE KILN"
	jobList.SetShowStatusBar(false)
	jobList.SetFilteringEnabled(false)

	app := &App{
		state:     stateJobBoard,
		config:    cfg,
		tree:      pipeline.NewTree(cfg.DataDir),
		store:     status.NewStore(),
		client:    controlplane.NewClient("http://" + cfg.ControlPlane.Address()),
		logbook:   lb,
		clock:     time.Now,
		jobList:   jobList,
		statusMsg: fmt.Sprintf("Watching %s", cfg.DataDir),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(app)
		}
	}
	return app, nil
}

func (a *App) logInfo(format string, args ...any) {
	if a.logbook == nil {
		return
	}
	a.logbook.Info(format, args...)
}

func (a *App) logWarn(format string, args ...any) {
	if a.logbook == nil {
		return
	}
	a.logbook.Warn(format, args...)
}

func (a *App) logError(format string, args ...any) {
	if a.logbook == nil {
		return
	}
	a.logbook.Error(format, args...)
}

// Init is called once when the program starts.
func (a *App) Init() tea.Cmd {
	return a.fetchStatusSnapshot()
}

// Update is called when a message is received.
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.jobList.SetSize(max(0, msg.Width-6), max(0, msg.Height-10))
		return a, nil

	case statusRefreshMsg:
		if msg.err != nil {
			if msg.err.Error() != a.boardErr {
				a.logWarn("Status scan failed: %v", msg.err)
			}
			a.boardErr = msg.err.Error()
		} else {
			a.boardErr = ""
			a.applyJobSnapshot(msg.jobs)
		}
		return a, a.scheduleStatusRefresh()

	case restartResultMsg:
		if msg.err != nil {
			a.statusMsg = fmt.Sprintf("Restart %s failed: %v", msg.jobID, msg.err)
			a.logError("Restart %s failed: %v", msg.jobID, msg.err)
			return a, nil
		}
		if msg.fromTask != "" {
			a.statusMsg = fmt.Sprintf("Restart accepted · %s from task %s", msg.jobID, msg.fromTask)
			a.logInfo("Restart accepted · %s from task %s", msg.jobID, msg.fromTask)
		} else {
			a.statusMsg = fmt.Sprintf("Restart accepted · %s", msg.jobID)
			a.logInfo("Restart accepted · %s", msg.jobID)
		}
		return a, a.fetchStatusSnapshot()

	case tea.KeyMsg:
		key := msg.String()
		switch key {
		case "ctrl+c":
			return a, tea.Quit
		case "q":
			if a.state == stateJobBoard {
				return a, tea.Quit
			}
		case "esc":
			if a.state == stateJobDetail {
				return a.returnToBoard()
			}
		case "r":
			a.statusMsg = "Refreshing job board..."
			return a, a.fetchStatusSnapshot()
		case "R":
			return a.restartJob("")
		case "f":
			if a.state == stateJobDetail {
				return a.restartFromSelectedTask()
			}
		case "up", "k":
			if a.state == stateJobDetail {
				if a.taskSelection > 0 {
					a.taskSelection--
				}
				return a, nil
			}
		case "down", "j":
			if a.state == stateJobDetail {
				if detail, ok := a.jobByID(a.detailID); ok && a.taskSelection < len(detail.Tasks)-1 {
					a.taskSelection++
				}
				return a, nil
			}
		case "enter":
			if a.state == stateJobBoard {
				return a.openJobDetail()
			}
		}
	}

	var cmds []tea.Cmd
	if a.state == stateJobBoard {
		var listCmd tea.Cmd
		a.jobList, listCmd = a.jobList.Update(msg)
		if listCmd != nil {
			cmds = append(cmds, listCmd)
		}
	}
	return a, tea.Batch(cmds...)
}

// applyJobSnapshot swaps in a fresh board without losing the cursor.
func (a *App) applyJobSnapshot(jobs []jobItem) {
	selectedID := ""
	if item, ok := a.selectedJob(); ok {
		selectedID = item.ID
	}
	a.jobItems = jobs
	items := make([]list.Item, len(jobs))
	for i := range jobs {
		items[i] = jobs[i]
	}
	a.jobList.SetItems(items)
	if idx := a.jobIndex(selectedID); idx >= 0 {
		a.jobList.Select(idx)
	}
	if a.state == stateJobDetail {
		detail, ok := a.jobByID(a.detailID)
		if !ok {
			a.state = stateJobBoard
			a.statusMsg = fmt.Sprintf("%s left the board", a.detailID)
			a.detailID = ""
			a.taskSelection = 0
			return
		}
		if len(detail.Tasks) == 0 {
			a.taskSelection = 0
		} else if a.taskSelection >= len(detail.Tasks) {
			a.taskSelection = len(detail.Tasks) - 1
		}
	}
}

func (a *App) selectedJob() (jobItem, bool) {
	item, ok := a.jobList.SelectedItem().(jobItem)
	return item, ok
}

// currentJob is the restart target: the pinned job in detail view, the list
// cursor on the board.
func (a *App) currentJob() (jobItem, bool) {
	if a.state == stateJobDetail {
		return a.jobByID(a.detailID)
	}
	return a.selectedJob()
}

func (a *App) jobIndex(id string) int {
	if id == "" {
		return -1
	}
	for idx, item := range a.jobItems {
		if item.ID == id {
			return idx
		}
	}
	return -1
}

func (a *App) jobByID(id string) (jobItem, bool) {
	if idx := a.jobIndex(id); idx >= 0 {
		return a.jobItems[idx], true
	}
	return jobItem{}, false
}

func (a *App) openJobDetail() (tea.Model, tea.Cmd) {
	item, ok := a.selectedJob()
	if !ok {
		return a, nil
	}
	if item.Queue == queuePending {
		a.statusMsg = fmt.Sprintf("%s is still queued · no task status yet", item.ID)
		return a, nil
	}
	a.state = stateJobDetail
	a.detailID = item.ID
	a.taskSelection = 0
	a.statusMsg = fmt.Sprintf("Inspecting %s", item.ID)
	a.logInfo("Detail · %s opened", item.ID)
	return a, nil
}

// returnToBoard transitions back to the queue overview.
func (a *App) returnToBoard() (tea.Model, tea.Cmd) {
	a.state = stateJobBoard
	a.detailID = ""
	a.taskSelection = 0
	a.statusMsg = fmt.Sprintf("Watching %s", a.config.DataDir)
	return a, nil
}

// restartJob asks the daemon to run the current job again. An empty fromTask
// means a whole-job restart.
func (a *App) restartJob(fromTask string) (tea.Model, tea.Cmd) {
	item, ok := a.currentJob()
	if !ok {
		a.statusMsg = "No job selected"
		return a, nil
	}
	if item.Queue == queuePending {
		a.statusMsg = fmt.Sprintf("%s has not been admitted yet", item.ID)
		return a, nil
	}
	jobID := item.ID
	if fromTask == "" {
		a.statusMsg = fmt.Sprintf("Restarting %s...", jobID)
	} else {
		a.statusMsg = fmt.Sprintf("Restarting %s from task %s...", jobID, fromTask)
	}
	client := a.client
	return a, func() tea.Msg {
		return restartResultMsg{
			jobID:    jobID,
			fromTask: fromTask,
			err:      client.RestartJob(jobID, fromTask, false),
		}
	}
}

func (a *App) restartFromSelectedTask() (tea.Model, tea.Cmd) {
	detail, ok := a.jobByID(a.detailID)
	if !ok || len(detail.Tasks) == 0 {
		a.statusMsg = "No task selected"
		return a, nil
	}
	idx := a.taskSelection
	if idx >= len(detail.Tasks) {
		idx = len(detail.Tasks) - 1
	}
	return a.restartJob(detail.Tasks[idx].Name)
}

func (a *App) fetchStatusSnapshot() tea.Cmd {
	return func() tea.Msg {
		return a.buildStatusSnapshot()
	}
}

func (a *App) scheduleStatusRefresh() tea.Cmd {
	return tea.Tick(boardRefreshInterval, func(time.Time) tea.Msg {
		return a.buildStatusSnapshot()
	})
}

func (a *App) buildStatusSnapshot() statusRefreshMsg {
	jobs, err := a.collectJobs()
	if err != nil {
		return statusRefreshMsg{err: err}
	}
	return statusRefreshMsg{jobs: jobs}
}

// collectJobs scans all four queues. A job whose status file cannot be read
// still shows up, with state "unknown", so a wedged job never hides.
func (a *App) collectJobs() ([]jobItem, error) {
	var items []jobItem
	entries, err := os.ReadDir(a.tree.PendingDir())
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("tui: scan pending: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		id, ok := pipeline.JobIDFromSeedName(entry.Name())
		if !ok {
			continue
		}
		items = append(items, jobItem{ID: id, Queue: queuePending, State: "queued"})
	}
	queues := []struct {
		name string
		dir  string
	}{
		{queueCurrent, a.tree.CurrentDir()},
		{queueComplete, a.tree.CompleteDir()},
		{queueRejected, a.tree.RejectedDir()},
	}
	for _, queue := range queues {
		ids, err := pipeline.ListJobs(queue.dir)
		if err != nil {
			return nil, fmt.Errorf("tui: scan %s: %w", queue.name, err)
		}
		for _, id := range ids {
			item := jobItem{ID: id, Queue: queue.name, State: "unknown"}
			if doc, err := a.store.Load(filepath.Join(queue.dir, id)); err == nil {
				fillJobItem(&item, doc)
			}
			items = append(items, item)
		}
	}
	sortJobItems(items)
	return items, nil
}

func fillJobItem(item *jobItem, doc *status.Job) {
	item.Name = doc.Name
	item.State = string(doc.State)
	item.Current = doc.Current
	item.CurrentStage = doc.CurrentStage
	item.Total = len(doc.Tasks)
	if doc.Error != nil {
		item.ErrMsg = doc.Error.Message
	}
	if ts, err := time.Parse(time.RFC3339, doc.LastUpdated); err == nil {
		item.LastUpdated = ts
	}
	for name, rec := range doc.Tasks {
		if rec == nil {
			continue
		}
		task := taskItem{
			Name:        name,
			State:       rec.State,
			Stage:       rec.CurrentStage,
			FailedStage: rec.FailedStage,
			Attempts:    rec.RefinementAttempts,
			ExecMs:      rec.ExecutionTime,
			StartedAt:   rec.StartedAt,
			Logs:        len(rec.LogMetadata),
		}
		if rec.Error != nil {
			task.ErrMsg = rec.Error.Message
		}
		if rec.State == status.TaskDone {
			item.Done++
		}
		item.Tasks = append(item.Tasks, task)
	}
	// Started tasks in firing order; the rest alphabetically after them.
	// RFC3339 UTC stamps sort chronologically as plain strings.
	sort.Slice(item.Tasks, func(i, j int) bool {
		lhs, rhs := item.Tasks[i], item.Tasks[j]
		if lhs.StartedAt != rhs.StartedAt {
			if lhs.StartedAt == "" {
				return false
			}
			if rhs.StartedAt == "" {
				return true
			}
			return lhs.StartedAt < rhs.StartedAt
		}
		return lhs.Name < rhs.Name
	})
}

func sortJobItems(items []jobItem) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].Queue != items[j].Queue {
			return queueRank[items[i].Queue] < queueRank[items[j].Queue]
		}
		return items[i].ID < items[j].ID
	})
}

// View renders the current state to a string.
func (a *App) View() string {
	width := a.width
	if width <= 0 {
		width = 100
	}
	rightWidth := max(32, width/3)
	leftWidth := width - rightWidth - 4
	if leftWidth < 40 {
		leftWidth = width - 4
	}
	if leftWidth < 20 {
		leftWidth = width
		rightWidth = 0
	}
	if a.state == stateJobDetail {
		leftWidth = width - 4
		rightWidth = 0
	}
	if a.state == stateJobBoard {
		a.jobList.SetSize(max(20, leftWidth-4), max(10, a.height-12))
	}
	var content string
	switch a.state {
	case stateJobBoard:
		content = a.jobList.View()
	case stateJobDetail:
		content = a.renderJobDetail(leftWidth - 4)
	}
	return a.renderStatusBoard(content, leftWidth, rightWidth)
}

func (a *App) renderLogPanel() string {
	if a.logbook == nil {
		return ""
	}
	lines, _ := a.logbook.Tail(8)
	if len(lines) == 0 {
		return ""
	}
	fileName := filepath.Base(a.logbook.Path())
	if fileName == "." || fileName == "" {
		fileName = "log"
	}
	head := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#5B8DEF")).
		Render(fmt.Sprintf("LOG · %s", fileName))
	body := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#AAAAAA")).
		Render(strings.Join(lines, "\n"))
	box := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("#444444")).
		Padding(0, 1).
		Render(fmt.Sprintf("%s\n%s", head, body))
	return box
}

func (a *App) renderStatusBoard(mainContent string, leftWidth, rightWidth int) string {
	header := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#FF6B6B")).
		MarginBottom(1).
		Render("⬡ KILN")
	left := lipgloss.JoinVertical(lipgloss.Left,
		a.renderQueuePanel(leftWidth-4),
		"",
		a.renderMainArea(mainContent, leftWidth-4),
	)
	leftBox := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("#444444")).
		Padding(0, 1).
		Width(max(20, leftWidth)).
		Render(left)
	var body string
	if rightWidth > 0 {
		right := a.renderJobPanel(rightWidth - 4)
		rightBox := lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#444444")).
			Padding(0, 1).
			Width(max(20, rightWidth)).
			Render(right)
		body = lipgloss.JoinHorizontal(lipgloss.Top, leftBox, rightBox)
	} else {
		body = leftBox
	}
	sections := []string{header, body}
	if logPanel := a.renderLogPanel(); logPanel != "" {
		sections = append(sections, logPanel)
	}
	footer := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#888888")).
		MarginTop(1).
		Render(a.statusMsg)
	sections = append(sections, footer)
	return strings.Join(sections, "\n")
}

func (a *App) renderQueuePanel(width int) string {
	counts := map[string]int{}
	firing := 0
	for _, item := range a.jobItems {
		counts[item.Queue]++
		if item.Queue == queueCurrent && status.JobState(item.State) == status.JobRunning {
			firing++
		}
	}
	lines := []string{
		fmt.Sprintf("Queues: %d pending · %d current · %d complete · %d rejected",
			counts[queuePending], counts[queueCurrent], counts[queueComplete], counts[queueRejected]),
	}
	if firing > 0 {
		lines = append(lines, fmt.Sprintf("Firing now: %d job(s)", firing))
	}
	if a.boardErr != "" {
		lines = append(lines, fmt.Sprintf("⚠ %s", a.boardErr))
	}
	return lipgloss.NewStyle().Width(max(20, width)).Render(strings.Join(lines, "\n"))
}

func (a *App) renderMainArea(content string, width int) string {
	if strings.TrimSpace(content) == "" {
		content = "No jobs yet. Drop a seed into pending/ to fire one."
	}
	return lipgloss.NewStyle().Width(max(20, width)).Render(content)
}

func (a *App) renderJobPanel(width int) string {
	title := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#5B8DEF")).
		Render("Selected Job")
	item, ok := a.selectedJob()
	if !ok {
		note := lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")).Render("No jobs on the board yet.")
		return lipgloss.JoinVertical(lipgloss.Left, title, note, a.renderBoardInstructions())
	}
	lines := []string{fmt.Sprintf("%s · %s queue", item.ID, item.Queue)}
	if item.Name != "" {
		lines = append(lines, item.Name)
	}
	lines = append(lines, fmt.Sprintf("State: %s", titleCase(item.State)))
	if item.Current != "" {
		position := item.Current
		if item.CurrentStage != "" {
			position += " → " + item.CurrentStage
		}
		lines = append(lines, fmt.Sprintf("Firing: %s", position))
	}
	if item.Total > 0 {
		lines = append(lines, fmt.Sprintf("Tasks: %d/%d done", item.Done, item.Total))
	}
	if !item.LastUpdated.IsZero() {
		lines = append(lines, fmt.Sprintf("Updated %s ago", humanizeDuration(a.clock().Sub(item.LastUpdated))))
	}
	if item.ErrMsg != "" {
		lines = append(lines, fmt.Sprintf("⚠ %s", item.ErrMsg))
	}
	summary := lipgloss.NewStyle().Width(max(20, width)).Render(strings.Join(lines, "\n"))
	var taskLines []string
	for _, task := range item.Tasks {
		taskLines = append(taskLines, renderTaskLine(task))
	}
	sections := []string{title, summary}
	if len(taskLines) > 0 {
		sections = append(sections, strings.Join(taskLines, "\n"))
	}
	sections = append(sections, a.renderBoardInstructions())
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (a *App) renderBoardInstructions() string {
	return lipgloss.NewStyle().
		Foreground(lipgloss.Color("#AAAAAA")).
		MarginTop(1).
		Render("Enter → inspect    R → restart    r → refresh")
}

func titleCase(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	lower := strings.ToLower(value)
	return strings.ToUpper(lower[:1]) + lower[1:]
}

func humanizeDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	return fmt.Sprintf("%dh", int(d.Hours()))
}

func humanizeMillis(ms int64) string {
	if ms < 1000 {
		return fmt.Sprintf("%dms", ms)
	}
	return humanizeDuration(time.Duration(ms) * time.Millisecond)
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
