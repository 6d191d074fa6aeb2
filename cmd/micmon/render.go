package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/modoterra/micmon/pkg/core"
	"github.com/modoterra/micmon/pkg/engine"
)

var (
	deviceStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	onStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	unknownStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	offStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	errStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

// renderEvent formats one event for a terminal, e.g.
//
//	12:00:01.050  builtin  ● mic on  Zoom (pid 501)  /opt/zoom/zoom
func renderEvent(name string, ev core.Event) string {
	if name == "" {
		name = ev.Device.Name
	}
	var b strings.Builder
	b.WriteString(dimStyle.Render(ev.Time.Format("15:04:05.000")))
	b.WriteString("  ")
	b.WriteString(deviceStyle.Render(name))
	b.WriteString("  ")

	switch ev.Kind {
	case core.EventAttributed:
		b.WriteString(onStyle.Render("● mic on"))
		if p := ev.Process; p != nil {
			fmt.Fprintf(&b, "  %s (pid %d)", p.Name, p.PID)
			if p.Path != "" {
				b.WriteString("  " + dimStyle.Render(p.Path))
			}
			if p.Unit != "" {
				b.WriteString("  " + dimStyle.Render("["+p.Unit+"]"))
			}
		}
	case core.EventUnattributed:
		b.WriteString(unknownStyle.Render("● mic on"))
		b.WriteString("  unknown process")
	case core.EventDeactivated:
		b.WriteString(offStyle.Render("○ mic off"))
	default:
		b.WriteString(string(ev.Kind))
	}
	return b.String()
}

func renderState(st engine.State) string {
	switch st {
	case engine.StateActive:
		return onStyle.Render(st.String())
	case engine.StateArmed:
		return offStyle.Render(st.String())
	default:
		return dimStyle.Render(st.String())
	}
}

func renderClient(c *core.ClientState) string {
	switch {
	case c == nil:
		return "-"
	case c.PID == 0:
		return "unknown"
	case c.Name != "":
		return fmt.Sprintf("%s (pid %d)", c.Name, c.PID)
	default:
		return fmt.Sprintf("pid %d", c.PID)
	}
}
