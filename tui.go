package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"clipscribe/audio"
	"clipscribe/log"
	"clipscribe/session"
)

const historySize = 8

// TUI message types
type sessionEventMsg session.Event
type statusMsg session.Status
type actionErrMsg struct{ Err error }
type tickMsg time.Time

// sessionCtl is what the TUI needs from the controller.
type sessionCtl interface {
	Start(ctx context.Context, opts session.StartOptions) (*session.Session, error)
	Stop() session.StopStatus
	Status() session.Status
}

type tuiModel struct {
	ctl       sessionCtl
	ctx       context.Context
	startOpts session.StartOptions

	status        session.Status
	history       []string // recent published segments, newest last
	lastErr       string
	publishes     int
	width, height int
}

var (
	styleRunning = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	styleIdle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	styleInfo    = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	styleSegment = lipgloss.NewStyle().Foreground(lipgloss.Color("4"))
	stylePartial = lipgloss.NewStyle().Foreground(lipgloss.Color("243")).Italic(true)
	styleWarn    = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
	styleHelp    = lipgloss.NewStyle().Foreground(lipgloss.Color("239"))
	styleHelpKey = lipgloss.NewStyle().Foreground(lipgloss.Color("239")).Bold(true)
)

func newTUIModel(ctx context.Context, ctl sessionCtl, opts session.StartOptions) tuiModel {
	return tuiModel{ctl: ctl, ctx: ctx, startOpts: opts, status: ctl.Status()}
}

func (a *app) runTUI(ctx context.Context) int {
	p := tea.NewProgram(newTUIModel(ctx, a.ctrl, a.startOptions()), tea.WithAltScreen(), tea.WithContext(ctx))
	a.setProgram(p)
	defer a.setProgram(nil)

	_, err := p.Run()
	if err != nil && ctx.Err() == nil {
		log.Errorf("TUI error: %v", err)
		return 1
	}
	if err := a.stop(); err != nil {
		log.Errorf("%v", err)
	}
	return 0
}

func tuiTick() tea.Cmd {
	return tea.Tick(250*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m tuiModel) Init() tea.Cmd {
	return tuiTick()
}

// toggle starts a session when none is running and stops the current one
// otherwise. Start opens the device, so it runs off the update loop.
func (m tuiModel) toggle() tea.Cmd {
	if m.status.State == session.Running {
		m.ctl.Stop()
		return nil
	}
	ctl, ctx, opts := m.ctl, m.ctx, m.startOpts
	return func() tea.Msg {
		if _, err := ctl.Start(ctx, opts); err != nil {
			return actionErrMsg{Err: err}
		}
		return statusMsg(ctl.Status())
	}
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "s", " ":
			m.lastErr = ""
			return m, m.toggle()
		}

	case tickMsg:
		m.status = m.ctl.Status()
		return m, tuiTick()

	case statusMsg:
		m.status = session.Status(msg)

	case actionErrMsg:
		m.lastErr = msg.Err.Error()

	case sessionEventMsg:
		switch msg.Type {
		case session.EventPublish:
			m.publishes++
			if msg.Text != "" {
				m.history = append(m.history, msg.Text)
				if len(m.history) > historySize {
					m.history = m.history[len(m.history)-historySize:]
				}
			}
		case session.EventClipboardError:
			m.lastErr = "clipboard: " + msg.Err.Error()
		case session.EventStopped:
			if msg.Err != nil {
				m.lastErr = msg.Err.Error()
			}
		}
		m.status = m.ctl.Status()
	}
	return m, nil
}

func (m tuiModel) View() string {
	if m.width == 0 || m.height == 0 {
		return "Loading..."
	}
	wrapWidth := max(m.width-2, 10)

	var b strings.Builder
	st := m.status
	if st.State == session.Running {
		b.WriteString(styleRunning.Render(fmt.Sprintf("● LISTENING %s", time.Since(st.StartedAt).Truncate(time.Second))))
	} else {
		b.WriteString(styleIdle.Render("○ " + strings.ToUpper(st.State.String())))
	}
	b.WriteString("\n")

	if st.Device != "" {
		dev := "mic: " + st.Device
		if audio.IsBluetooth(st.Device) {
			dev += " (BT!)"
		}
		b.WriteString(styleInfo.Render(fmt.Sprintf("%s  [%s]", dev, st.Engine)) + "\n")
	}
	b.WriteString(styleInfo.Render(fmt.Sprintf("clipboard writes: %d", m.publishes)) + "\n\n")

	if st.Segment != "" {
		for _, line := range wrapText(st.Segment, wrapWidth) {
			b.WriteString(styleSegment.Render(line) + "\n")
		}
	} else {
		b.WriteString(styleIdle.Render("(empty segment)") + "\n")
	}
	if st.Partial != "" {
		for _, line := range wrapText(st.Partial, wrapWidth) {
			b.WriteString(stylePartial.Render(line) + "\n")
		}
	}

	if len(m.history) > 1 {
		b.WriteString("\n" + styleInfo.Render("Earlier segments") + "\n")
		for _, h := range m.history[:len(m.history)-1] {
			b.WriteString(styleIdle.Render(truncate(h, wrapWidth)) + "\n")
		}
	}

	if m.lastErr != "" {
		b.WriteString("\n" + styleWarn.Render("⚠ "+m.lastErr) + "\n")
	}

	b.WriteString("\n")
	b.WriteString(styleHelpKey.Render("s") + styleHelp.Render(" start/stop  ") +
		styleHelpKey.Render("q") + styleHelp.Render(" quit") + "\n")
	b.WriteString(styleHelp.Render("clipscribe " + version))

	return lipgloss.NewStyle().Width(m.width).PaddingLeft(1).Render(b.String())
}

func truncate(s string, width int) string {
	r := []rune(s)
	if len(r) <= width {
		return s
	}
	return string(r[:width-1]) + "…"
}

func wrapText(text string, width int) []string {
	if len(text) == 0 {
		return []string{""}
	}
	if width <= 0 {
		width = 1
	}

	var lines []string
	for len(text) > width {
		// Find last space within width
		splitAt := width
		for i := width; i > 0; i-- {
			if text[i] == ' ' {
				splitAt = i
				break
			}
		}
		lines = append(lines, text[:splitAt])
		text = strings.TrimLeft(text[splitAt:], " ")
	}
	if len(text) > 0 {
		lines = append(lines, text)
	}
	return lines
}
