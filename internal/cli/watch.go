package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/origincreativegroup/Loom/internal/api"
	"github.com/origincreativegroup/Loom/internal/appclient"
)

type progressMsg api.WatchLine

type watchDoneMsg struct{ err error }

type watchModel struct {
	caseID   string
	spinner  spinner.Model
	progress api.StatusItem
	updates  int
	done     bool
	aborted  bool
	err      error
}

func newWatchModel(caseID string) watchModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = titleStyle
	return watchModel{
		caseID:   caseID,
		spinner:  s,
		progress: api.StatusItem{CaseID: caseID, Status: "queued"},
	}
}

func (m watchModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			m.aborted = true
			return m, tea.Quit
		}
		return m, nil
	case progressMsg:
		m.progress = msg.Progress
		m.updates++
		if msg.Type == "terminal" {
			m.done = true
		}
		return m, nil
	case watchDoneMsg:
		m.done = true
		m.err = msg.err
		return m, tea.Quit
	case spinner.TickMsg:
		if m.done {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m watchModel) View() string {
	var b strings.Builder
	p := m.progress
	head := m.spinner.View()
	if m.done {
		head = statusStyle(p.Status).Render("●")
	}
	fmt.Fprintf(&b, "%s %s %s\n", head, titleStyle.Render(m.caseID), statusStyle(p.Status).Render(p.Status))
	for _, name := range p.ToolsCompleted {
		fmt.Fprintf(&b, "  %s %s\n", successStyle.Render("✓"), name)
	}
	for _, name := range p.ToolsFailed {
		fmt.Fprintf(&b, "  %s %s\n", dangerStyle.Render("✗"), name)
	}
	for _, name := range p.ToolsPending {
		fmt.Fprintf(&b, "  %s %s\n", mutedStyle.Render("…"), name)
	}
	if p.Message != "" {
		fmt.Fprintf(&b, "%s\n", mutedStyle.Render(p.Message))
	}
	switch {
	case m.err != nil:
		fmt.Fprintf(&b, "%s\n", dangerStyle.Render("watch failed: "+m.err.Error()))
	case m.done && p.ReportReady:
		fmt.Fprintf(&b, "%s\n", successStyle.Render("report ready: loom report "+m.caseID))
	case !m.done:
		fmt.Fprintf(&b, "%s\n", mutedStyle.Render("q to stop watching"))
	}
	return b.String()
}

func (r *Runner) watchCase(cmd *cobra.Command, caseID string, plain bool) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	client := r.api()

	if plain || r.jsonOut || !r.interactive() {
		return client.Watch(ctx, caseID, appclient.WatchOptions{}, func(line api.WatchLine) error {
			if r.jsonOut {
				return r.printJSON(line)
			}
			_, err := fmt.Fprintln(r.out, progressLine(line.Progress))
			return err
		})
	}

	p := tea.NewProgram(newWatchModel(caseID), tea.WithContext(ctx), tea.WithOutput(r.out))
	go func() {
		err := client.Watch(ctx, caseID, appclient.WatchOptions{}, func(line api.WatchLine) error {
			p.Send(progressMsg(line))
			return nil
		})
		p.Send(watchDoneMsg{err: err})
	}()
	final, err := p.Run()
	if err != nil {
		return err
	}
	if m, ok := final.(watchModel); ok && m.err != nil && !m.aborted {
		return m.err
	}
	return nil
}
