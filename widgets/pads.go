package widgets

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"go-conductor/protocol"
	"go-conductor/theme"
)

// RenderPad renders a single colored glyph
func RenderPad(color [3]uint8, glyph rune) string {
	style := lipgloss.NewStyle().Foreground(lipgloss.Color(rgbToHex(color)))
	return style.Render(string(glyph))
}

// RenderPadRow renders a row of pads with spacing
func RenderPadRow(pads []string) string {
	return strings.Join(pads, " ")
}

// RenderBatch shows the planned batch, one pad per PLAY. The first sent
// commands are drawn as written and the one after them as next; unwritten
// commands whose target is already behind now are drawn late.
func RenderBatch(th *theme.Theme, batch []protocol.Command, sent int, now time.Time) string {
	if len(batch) == 0 {
		return ""
	}

	pads := make([]string, len(batch))
	labels := make([]string, len(batch))
	for i, cmd := range batch {
		switch {
		case i < sent:
			pads[i] = RenderPad(th.RGB(theme.RoleSuccess), th.Symbols.Sent)
		case !now.Before(cmd.Target):
			pads[i] = RenderPad(th.RGB(theme.RoleWarning), th.Symbols.Late)
		case i == sent:
			pads[i] = RenderPad(th.RGB(theme.RoleActive), th.Symbols.Next)
		default:
			pads[i] = RenderPad(th.RGB(theme.RoleMuted), th.Symbols.Pending)
		}
		labels[i] = cmd.Symbol
	}

	// Wide batches (warm-up) get no labels
	if len(batch) > 16 {
		return RenderPadRow(pads)
	}

	var row, label strings.Builder
	for i := range batch {
		w := max(lipgloss.Width(labels[i]), 1)
		row.WriteString(pads[i])
		row.WriteString(strings.Repeat(" ", w))
		label.WriteString(fmt.Sprintf("%-*s ", w, labels[i]))
	}
	return strings.TrimRight(row.String(), " ") + "\n" + strings.TrimRight(label.String(), " ")
}

// RenderKeyHelp formats key bindings in a friendly way
func RenderKeyHelp(sections []KeySection) string {
	var lines []string
	for _, sec := range sections {
		if sec.Title != "" {
			lines = append(lines, sec.Title)
		}
		for _, k := range sec.Keys {
			lines = append(lines, fmt.Sprintf("  %-12s %s", k.Key, k.Desc))
		}
	}
	return strings.Join(lines, "\n")
}

// KeySection groups related key bindings
type KeySection struct {
	Title string
	Keys  []KeyBinding
}

// KeyBinding is a single key and its description
type KeyBinding struct {
	Key  string
	Desc string
}

func rgbToHex(c [3]uint8) string {
	return fmt.Sprintf("#%02x%02x%02x", c[0], c[1], c[2])
}
