package tail

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

var (
	channelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("6")).Bold(true)
	fromStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

// FormatEvent renders a sidechannel_message as one styled line.
func FormatEvent(f Frame, now time.Time) string {
	text := strings.ReplaceAll(MessageText(f), "\n", " ")
	return fmt.Sprintf("%s %s %s %s",
		fromStyle.Render(now.Format("15:04:05")),
		channelStyle.Render("#"+f.Channel),
		fromStyle.Render(shortPeer(fromText(f))+":"),
		text,
	)
}

func shortPeer(id string) string {
	if len(id) > 12 {
		return id[:6] + ".." + id[len(id)-4:]
	}
	return id
}

// WriteLines copies frames to w as JSON lines until ctx ends or the
// connection drops. Error frames are written too.
func WriteLines(ctx context.Context, c *Client, w io.Writer) error {
	for {
		f, err := c.Next(ctx)
		if err != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return err
		}
		if f.Type != "sidechannel_message" && f.Type != "error" {
			continue
		}
		if _, err := fmt.Fprintf(w, "%s\n", f.Raw); err != nil {
			return err
		}
	}
}
