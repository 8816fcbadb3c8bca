package tail

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const maxLines = 500

type frameMsg Frame

type connErrMsg struct{ err error }

type model struct {
	ctx    context.Context
	client *Client
	title  string
	now    func() time.Time

	lines  []string
	count  int
	height int
	err    error
}

func newModel(ctx context.Context, c *Client, title string) model {
	return model{ctx: ctx, client: c, title: title, now: time.Now}
}

func (m model) waitFrame() tea.Cmd {
	return func() tea.Msg {
		f, err := m.client.Next(m.ctx)
		if err != nil {
			return connErrMsg{err: err}
		}
		return frameMsg(f)
	}
}

func (m model) Init() tea.Cmd {
	return m.waitFrame()
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "c":
			m.lines = nil
		}
	case tea.WindowSizeMsg:
		m.height = msg.Height
	case frameMsg:
		f := Frame(msg)
		switch f.Type {
		case "sidechannel_message":
			m.count++
			m.lines = append(m.lines, FormatEvent(f, m.now()))
		case "error":
			m.lines = append(m.lines, errorStyle.Render("error: "+f.Error))
		}
		if len(m.lines) > maxLines {
			m.lines = m.lines[len(m.lines)-maxLines:]
		}
		return m, m.waitFrame()
	case connErrMsg:
		m.err = msg.err
		return m, tea.Quit
	}
	return m, nil
}

func (m model) View() string {
	header := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62")).Render(m.title)
	status := fromStyle.Render(fmt.Sprintf("%d messages · c clear · q quit", m.count))

	lines := m.lines
	if m.height > 3 && len(lines) > m.height-3 {
		lines = lines[len(lines)-(m.height-3):]
	}
	var out strings.Builder
	out.WriteString(header + "\n")
	for _, l := range lines {
		out.WriteString(l + "\n")
	}
	if m.err != nil {
		out.WriteString(errorStyle.Render("disconnected: "+m.err.Error()) + "\n")
	}
	out.WriteString(status + "\n")
	return out.String()
}

// Run shows the interactive viewer until the user quits, ctx ends, or the
// connection drops.
func Run(ctx context.Context, c *Client) error {
	defer bestEffortResetTTY()

	title := "scbridge tail"
	if h := c.Hello(); h.Peer != nil {
		title += " · " + shortPeer(*h.Peer)
	}
	p := tea.NewProgram(newModel(ctx, c, title))

	done := make(chan error, 1)
	go func() {
		final, err := p.Run()
		if err == nil {
			if fm, ok := final.(model); ok && fm.err != nil && ctx.Err() == nil {
				err = fm.err
			}
		}
		done <- err
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		<-done
		return nil
	case err := <-done:
		return err
	}
}
