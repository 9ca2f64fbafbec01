package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/cy0x6789/LandingPDFSnap/internal/job"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	activeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
)

const (
	maxBarWidth   = 60
	barPadding    = 4
	statusTimeout = 10 * time.Second
)

// statusFunc fetches the current job record.
type statusFunc func(ctx context.Context, id string) (*job.Job, error)

type jobMsg struct {
	job *job.Job
	err error
}

type tickMsg struct{}

type watchModel struct {
	ctx      context.Context
	id       string
	interval time.Duration
	fetch    statusFunc

	job  *job.Job
	err  error
	bar  progress.Model
	done bool
}

func newWatchModel(ctx context.Context, id string, interval time.Duration, fetch statusFunc) watchModel {
	bar := progress.New(progress.WithDefaultGradient())
	bar.Width = maxBarWidth
	return watchModel{ctx: ctx, id: id, interval: interval, fetch: fetch, bar: bar}
}

func (m watchModel) Init() tea.Cmd {
	return m.poll()
}

func (m watchModel) poll() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(m.ctx, statusTimeout)
		defer cancel()
		j, err := m.fetch(ctx, m.id)
		return jobMsg{job: j, err: err}
	}
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.bar.Width = max(min(msg.Width-barPadding, maxBarWidth), 10)
	case jobMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, tea.Quit
		}
		m.job = msg.job
		if m.job.Completed {
			m.done = true
			return m, tea.Quit
		}
		return m, tea.Tick(m.interval, func(time.Time) tea.Msg { return tickMsg{} })
	case tickMsg:
		return m, m.poll()
	}
	return m, nil
}

// fraction is the share of URLs with an outcome.
func fraction(j *job.Job) float64 {
	if j == nil || len(j.URLStatuses) == 0 {
		return 0
	}
	done := 0
	for _, u := range j.URLStatuses {
		if u.Status.IsTerminal() {
			done++
		}
	}
	return float64(done) / float64(len(j.URLStatuses))
}

func (m watchModel) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("pdfsnap job "+m.id) + "\n\n")

	if m.job == nil {
		if m.err != nil {
			b.WriteString(errorStyle.Render("error: "+m.err.Error()) + "\n")
		} else {
			b.WriteString(mutedStyle.Render("waiting for server...") + "\n")
		}
		return b.String()
	}

	b.WriteString(m.bar.ViewAs(fraction(m.job)) + "\n\n")
	for _, u := range m.job.URLStatuses {
		b.WriteString(urlLine(u) + "\n")
	}
	b.WriteString("\n" + summary(m.job) + "\n")
	if m.err != nil {
		b.WriteString(errorStyle.Render("error: "+m.err.Error()) + "\n")
	}
	if !m.done && m.err == nil {
		b.WriteString(mutedStyle.Render("q to stop watching (the job keeps running)") + "\n")
	}
	return b.String()
}

func urlLine(u job.URLStatus) string {
	var mark string
	switch u.Status {
	case job.URLComplete:
		mark = okStyle.Render("✓")
	case job.URLFailed:
		mark = errorStyle.Render("✗")
	case job.URLProcessing:
		mark = activeStyle.Render("…")
	default:
		mark = mutedStyle.Render("·")
	}
	line := fmt.Sprintf("%s %s", mark, u.URL)
	switch {
	case u.Error != "":
		line += "  " + errorStyle.Render(u.Error)
	case u.File != "":
		line += "  " + mutedStyle.Render(u.File)
	}
	return line
}

func summary(j *job.Job) string {
	s := fmt.Sprintf("%s: %d ok, %d failed of %d", j.Status, j.SuccessCount, j.FailCount, len(j.URLs))
	switch j.Status {
	case job.StatusCompleted:
		s = okStyle.Render(s)
	case job.StatusFailed, job.StatusCancelled:
		s = errorStyle.Render(s)
		if j.Error != "" {
			s += " " + mutedStyle.Render(j.Error)
		}
	}
	return s
}

// watch runs the progress view until the job finishes or the user quits.
func (a *app) watch(ctx context.Context, id string, interval time.Duration) error {
	m := newWatchModel(ctx, id, a.pollInterval(ctx, interval), a.client.Status)
	p := tea.NewProgram(m, tea.WithContext(ctx), tea.WithOutput(a.stdout))
	final, err := p.Run()
	if err != nil {
		return err
	}
	if fm, ok := final.(watchModel); ok && fm.err != nil {
		return fm.err
	}
	return nil
}
