package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"go-conductor/protocol"
	"go-conductor/sequencer"
	"go-conductor/theme"
	"go-conductor/widgets"
)

// refresh keeps the late markers moving between session updates
const refresh = 100 * time.Millisecond

type Model struct {
	Session  *sequencer.Session
	Target   string
	Theme    *theme.Theme
	cancel   func()
	now      func() time.Time
	showHelp bool
	quitting bool
	err      error
}

type UpdateMsg struct{}

type tickMsg time.Time

// DoneMsg reports that the run loop returned
type DoneMsg struct {
	Err error
}

// NewModel creates the status view. cancel stops the run when the user quits.
func NewModel(session *sequencer.Session, target string, th *theme.Theme, cancel func()) Model {
	return Model{
		Session: session,
		Target:  target,
		Theme:   th,
		cancel:  cancel,
		now:     time.Now,
	}
}

func ListenForUpdates(session *sequencer.Session) tea.Cmd {
	return func() tea.Msg {
		<-session.UpdateChan
		return UpdateMsg{}
	}
}

func tick() tea.Cmd {
	return tea.Tick(refresh, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(ListenForUpdates(m.Session), tick())
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			if m.cancel != nil {
				m.cancel()
			}
			return m, tea.Quit

		case "?", "h":
			m.showHelp = !m.showHelp
		}

	case UpdateMsg:
		return m, ListenForUpdates(m.Session)

	case tickMsg:
		return m, tick()

	case DoneMsg:
		m.err = msg.Err
		m.quitting = true
		return m, tea.Quit
	}

	return m, nil
}

func (m Model) View() string {
	if m.quitting {
		return ""
	}

	st := m.Session.Stats()
	settings := m.Session.Settings()

	headerStyle := lipgloss.NewStyle().Foreground(m.Theme.Accent()).Bold(true)
	fgStyle := lipgloss.NewStyle().Foreground(m.Theme.FG())
	dimStyle := lipgloss.NewStyle().Foreground(m.Theme.Muted())
	errStyle := lipgloss.NewStyle().Foreground(m.Theme.Warning())

	stateStyle := fgStyle
	switch st.State {
	case sequencer.Connected:
		stateStyle = lipgloss.NewStyle().Foreground(m.Theme.Active())
	case sequencer.Running:
		stateStyle = lipgloss.NewStyle().Foreground(m.Theme.Success())
	case sequencer.Stopped:
		stateStyle = errStyle
	}

	header := headerStyle.Render("go-conductor") + "  " +
		stateStyle.Render(st.State.String()) + "  " +
		fgStyle.Render(m.Target)

	counters := fgStyle.Render(fmt.Sprintf("sent:%d  late:%d  sequences:%d  lookahead:%s",
		st.Sent, st.Late, st.Sequences, settings.Lookahead))

	var out strings.Builder
	out.WriteString("\n")
	out.WriteString(header)
	out.WriteString("\n")
	out.WriteString(counters)
	out.WriteString("\n\n")

	if len(st.Batch) > 0 {
		first := st.Batch[0].Target
		out.WriteString(dimStyle.Render(fmt.Sprintf("%s  %d events  first %s",
			st.Sequence, len(st.Batch), protocol.FormatTimestamp(first))))
		out.WriteString("\n")
		out.WriteString(widgets.RenderBatch(m.Theme, st.Batch, st.BatchSent, m.now()))
		out.WriteString("\n")
	} else {
		out.WriteString(dimStyle.Render("waiting for first sequence"))
		out.WriteString("\n")
	}

	if st.Err != nil {
		out.WriteString("\n")
		out.WriteString(errStyle.Render("error: " + st.Err.Error()))
		out.WriteString("\n")
	}

	out.WriteString("\n")
	if m.showHelp {
		out.WriteString(dimStyle.Render(widgets.RenderKeyHelp(keyHelp)))
	} else {
		out.WriteString(dimStyle.Render("?:help  q:quit"))
	}

	return out.String()
}

var keyHelp = []widgets.KeySection{
	{
		Title: "Keys",
		Keys: []widgets.KeyBinding{
			{Key: "?", Desc: "toggle this help"},
			{Key: "q / ctrl+c", Desc: "stop sending and quit"},
		},
	},
}
