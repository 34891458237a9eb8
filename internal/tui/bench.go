// Package tui renders the `offload bench` monitor: a live table of jobs
// driven by dispatcher events from the hub.
package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/offload/internal/dispatch"
	"github.com/mattjoyce/offload/internal/events"
)

const maxEventLog = 10

// JobRow is the monitor's view of one job.
type JobRow struct {
	ID       int64
	Status   dispatch.EventKind
	Input    string
	Output   string
	Error    string
	Queued   time.Time
	Finished time.Time
}

// Done reports whether the job reached a final state.
func (j *JobRow) Done() bool {
	switch j.Status {
	case dispatch.EventJobResolved, dispatch.EventJobFailed, dispatch.EventJobSuppressed,
		dispatch.EventJobCancelled, dispatch.EventJobAbandoned:
		return true
	}
	return false
}

type eventMsg events.Event

type closedMsg struct{}

// Bench is the bubbletea model for one benchmark run.
type Bench struct {
	title string
	total int
	feed  <-chan events.Event

	width  int
	height int

	started    time.Time
	ready      time.Time
	dispatcher string
	fatal      string

	jobs     map[int64]*JobRow
	finished int
	eventLog []string

	table   table.Model
	spinner spinner.Model
}

// NewBench returns a monitor expecting total jobs on feed. It quits once
// every job is final, the dispatcher dies, or feed closes.
func NewBench(title string, total int, feed <-chan events.Event) *Bench {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ST", Width: 2},
			{Title: "Job", Width: 6},
			{Title: "Input", Width: 24},
			{Title: "Output", Width: 24},
			{Title: "Duration", Width: 10},
		}),
		table.WithFocused(true),
		table.WithHeight(10),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = statusRunning

	return &Bench{
		title:   title,
		total:   total,
		feed:    feed,
		started: time.Now(),
		jobs:    make(map[int64]*JobRow),
		table:   t,
		spinner: sp,
	}
}

// Init implements tea.Model.
func (m *Bench) Init() tea.Cmd {
	return tea.Batch(m.waitForEvent(), m.spinner.Tick)
}

// Update implements tea.Model.
func (m *Bench) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.table.SetWidth(m.width - 6)
		if h := m.height - 14; h > 3 {
			m.table.SetHeight(h)
		}

	case eventMsg:
		m.Apply(events.Event(msg))
		if m.Complete() {
			return m, tea.Quit
		}
		return m, m.waitForEvent()

	case closedMsg:
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

// Complete reports whether the run is over.
func (m *Bench) Complete() bool {
	return m.fatal != "" || (m.total > 0 && m.finished >= m.total)
}

// Jobs returns every job seen so far, ordered by id.
func (m *Bench) Jobs() []*JobRow {
	out := make([]*JobRow, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

// Summary is a one-line result suitable for printing after the program exits.
func (m *Bench) Summary() string {
	counts := make(map[dispatch.EventKind]int)
	var last time.Time
	for _, j := range m.jobs {
		counts[j.Status]++
		if j.Finished.After(last) {
			last = j.Finished
		}
	}
	elapsed := "-"
	if !last.IsZero() {
		elapsed = last.Sub(m.started).Round(time.Millisecond).String()
	}
	line := fmt.Sprintf("%s: %d/%d resolved, %d failed in %s",
		m.title, counts[dispatch.EventJobResolved], m.total, counts[dispatch.EventJobFailed], elapsed)
	if m.fatal != "" {
		line += " (dispatcher failed: " + m.fatal + ")"
	}
	return line
}

// Apply folds one hub event into the model. Update calls it for events read
// from the feed; callers driving the model without a program call it directly.
func (m *Bench) Apply(ev events.Event) {
	m.apply(ev)
	m.refreshTable()
}

func (m *Bench) apply(ev events.Event) {
	de, err := ev.Decode()
	if err != nil {
		return
	}
	m.logEvent(ev, de)

	switch de.Kind {
	case dispatch.EventStarted:
		m.dispatcher = de.DispatcherID
	case dispatch.EventReady:
		m.ready = de.At
	case dispatch.EventFailed:
		m.fatal = de.Error
	case dispatch.EventTerminated:
	default:
		if de.JobID == 0 {
			return
		}
		job, ok := m.jobs[de.JobID]
		if !ok {
			job = &JobRow{ID: de.JobID, Queued: de.At}
			m.jobs[de.JobID] = job
		}
		if job.Done() {
			return
		}
		job.Status = de.Kind
		if len(de.Input) > 0 {
			job.Input = string(de.Input)
		}
		if len(de.Output) > 0 {
			job.Output = string(de.Output)
		}
		if de.Error != "" {
			job.Error = de.Error
		}
		if job.Done() {
			job.Finished = de.At
			m.finished++
		}
	}
}

func (m *Bench) logEvent(ev events.Event, de dispatch.Event) {
	line := fmt.Sprintf("%s | %-20s", ev.At.Format("15:04:05.000"), ev.Type)
	if de.JobID != 0 {
		line += fmt.Sprintf(" | job %d", de.JobID)
	}
	if de.Error != "" {
		line += " | " + de.Error
	}
	m.eventLog = append([]string{line}, m.eventLog...)
	if len(m.eventLog) > maxEventLog {
		m.eventLog = m.eventLog[:maxEventLog]
	}
}

func (m *Bench) refreshTable() {
	jobs := m.Jobs()
	rows := make([]table.Row, 0, len(jobs))
	for _, j := range jobs {
		out := j.Output
		if j.Error != "" {
			out = j.Error
		}
		rows = append(rows, table.Row{
			glyph(j.Status),
			fmt.Sprintf("%d", j.ID),
			truncate(j.Input, 24),
			truncate(out, 24),
			duration(j),
		})
	}
	m.table.SetRows(rows)
}

func glyph(status dispatch.EventKind) string {
	switch status {
	case dispatch.EventJobQueued:
		return statusQueued.Render("○")
	case dispatch.EventJobSent:
		return statusRunning.Render("◉")
	case dispatch.EventJobResolved:
		return statusOK.Render("●")
	case dispatch.EventJobFailed:
		return statusFailed.Render("∅")
	case dispatch.EventJobSuppressed, dispatch.EventJobCancelled:
		return statusDead.Render("◌")
	case dispatch.EventJobAbandoned:
		return statusDead.Render("◔")
	}
	return "○"
}

func duration(j *JobRow) string {
	if j.Finished.IsZero() || j.Queued.IsZero() {
		return "-"
	}
	return j.Finished.Sub(j.Queued).Round(time.Microsecond).String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

// View implements tea.Model.
func (m *Bench) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	jobsView := borderStyle.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			titleStyle.Render("Jobs"),
			m.table.View(),
		),
	)
	eventsView := borderStyle.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			titleStyle.Render("Event Stream"),
			m.renderEvents(),
		),
	)
	help := dimStyle.Render(" [q] Quit • [↑/↓] Scroll Jobs")

	return docStyle.Render(lipgloss.JoinVertical(lipgloss.Left,
		m.renderHeader(),
		jobsView,
		eventsView,
		help,
	))
}

func (m *Bench) renderHeader() string {
	state := m.spinner.View() + " STARTING"
	switch {
	case m.fatal != "":
		state = statusFailed.Render("FAILED")
	case m.Complete():
		state = statusOK.Render("DONE")
	case !m.ready.IsZero():
		state = m.spinner.View() + " " + statusRunning.Render("RUNNING")
	}

	id := m.dispatcher
	if len(id) > 8 {
		id = id[:8]
	}
	col := lipgloss.NewStyle().Width((m.width - 4) / 4)
	return borderStyle.Width(m.width - 4).Render(
		lipgloss.JoinHorizontal(lipgloss.Top,
			col.Render(titleStyle.Render(m.title)),
			col.Render("State: "+state),
			col.Render(fmt.Sprintf("Done: %d/%d", m.finished, m.total)),
			col.Render("Dispatcher: "+id),
		),
	)
}

func (m *Bench) renderEvents() string {
	if len(m.eventLog) == 0 {
		return "  No events yet..."
	}
	return lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(m.eventLog, "\n"))
}

func (m *Bench) waitForEvent() tea.Cmd {
	feed := m.feed
	return func() tea.Msg {
		ev, ok := <-feed
		if !ok {
			return closedMsg{}
		}
		return eventMsg(ev)
	}
}
