// Package tui is the terminal checkpoint shown at each human review step.
package tui

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/bubbles/textarea"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"pressline/internal/domain"
)

var (
	titleStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF")).Bold(true)
	metaStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#A0AEC0"))
	draftStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("#555555")).Padding(0, 1)
	hintStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)
	actionStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#F7B801")).Bold(true)
)

const maxDraftLines = 30

type mode int

const (
	modeChoose mode = iota
	modeEdit
	modeDone
)

// Model asks for one decision on the presented draft.
type Model struct {
	session  domain.Session
	mode     mode
	editor   textarea.Model
	decision domain.Decision
	notice   string
	width    int
}

func NewModel(s domain.Session) Model {
	ta := textarea.New()
	ta.ShowLineNumbers = false
	ta.CharLimit = 0
	ta.SetWidth(80)
	ta.SetHeight(16)
	return Model{session: s, editor: ta, width: 80}
}

func (m Model) Init() tea.Cmd { return nil }

// Decision returns the chosen action. ok is false until the user chose.
func (m Model) Decision() (domain.Decision, bool) {
	return m.decision, m.mode == modeDone
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		if msg.Width > 4 {
			m.editor.SetWidth(msg.Width - 4)
		}
		return m, nil
	case tea.KeyMsg:
		if m.mode == modeEdit {
			return m.updateEdit(msg)
		}
		return m.updateChoose(msg)
	}
	if m.mode == modeEdit {
		var cmd tea.Cmd
		m.editor, cmd = m.editor.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m Model) updateChoose(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "a":
		return m.choose(domain.Decision{Action: domain.ActionApprove})
	case "g":
		return m.choose(domain.Decision{Action: domain.ActionRegenerate})
	case "r":
		return m.choose(domain.Decision{Action: domain.ActionReview})
	case "c", "q", "ctrl+c":
		return m.choose(domain.Decision{Action: domain.ActionCancel})
	case "e":
		m.mode = modeEdit
		m.notice = ""
		if m.session.Draft != nil {
			m.editor.SetValue(m.session.Draft.Text)
		}
		return m, m.editor.Focus()
	}
	return m, nil
}

func (m Model) updateEdit(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		m.editor.Blur()
		m.mode = modeChoose
		return m, nil
	case "ctrl+s":
		text := m.editor.Value()
		if strings.TrimSpace(text) == "" {
			m.notice = "edited text must not be empty"
			return m, nil
		}
		m.editor.Blur()
		return m.choose(domain.Decision{Action: domain.ActionEdit, Text: text})
	case "ctrl+c":
		return m.choose(domain.Decision{Action: domain.ActionCancel})
	}
	var cmd tea.Cmd
	m.editor, cmd = m.editor.Update(msg)
	return m, cmd
}

func (m Model) choose(d domain.Decision) (tea.Model, tea.Cmd) {
	m.decision = d
	m.mode = modeDone
	return m, tea.Quit
}

func (m Model) View() string {
	if m.mode == modeDone {
		return actionStyle.Render("→ "+string(m.decision.Action)) + "\n"
	}
	s := m.session
	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("Draft for %s", s.ItemID)))
	b.WriteString("\n")
	version := s.CurrentVersion
	stage := ""
	if s.Draft != nil {
		version = s.Draft.VersionNumber
		stage = string(s.Draft.Stage)
	}
	meta := fmt.Sprintf("version %d %s · iteration %d/%d", version, stage, s.Iteration, s.MaxIterations)
	if s.Style != "" || s.Tone != "" {
		meta += fmt.Sprintf(" · %s / %s", s.Style, s.Tone)
	}
	b.WriteString(metaStyle.Render(meta))
	b.WriteString("\n")
	if s.Iteration+1 >= s.MaxIterations {
		b.WriteString(warnStyle.Render("last iteration: any further change goes straight to review"))
		b.WriteString("\n")
	}

	if m.mode == modeEdit {
		b.WriteString(m.editor.View())
		b.WriteString("\n")
		if m.notice != "" {
			b.WriteString(warnStyle.Render(m.notice))
			b.WriteString("\n")
		}
		b.WriteString(hintStyle.Render("ctrl+s save · esc back · ctrl+c cancel session"))
		return b.String()
	}

	text := ""
	if s.Draft != nil {
		text = clip(s.Draft.Text, maxDraftLines)
	}
	width := m.width - 4
	if width < 20 {
		width = 20
	}
	b.WriteString(draftStyle.Width(width).Render(text))
	b.WriteString("\n")
	b.WriteString(hintStyle.Render("[a]pprove  [e]dit  re[g]enerate  [r]eview now  [c]ancel"))
	return b.String()
}

func clip(text string, lines int) string {
	parts := strings.Split(text, "\n")
	if len(parts) <= lines {
		return text
	}
	return strings.Join(parts[:lines], "\n") + fmt.Sprintf("\n… %d more lines", len(parts)-lines)
}

// Reviewer runs the checkpoint on a terminal.
type Reviewer struct {
	In  io.Reader
	Out io.Writer
}

func (r Reviewer) Decide(ctx context.Context, s domain.Session) (domain.Decision, error) {
	opts := []tea.ProgramOption{tea.WithContext(ctx)}
	if r.In != nil {
		opts = append(opts, tea.WithInput(r.In))
	}
	if r.Out != nil {
		opts = append(opts, tea.WithOutput(r.Out))
	}
	final, err := tea.NewProgram(NewModel(s), opts...).Run()
	if ctx.Err() != nil {
		return domain.Decision{}, ctx.Err()
	}
	if err != nil {
		return domain.Decision{}, err
	}
	m, ok := final.(Model)
	if !ok {
		return domain.Decision{}, fmt.Errorf("unexpected model %T", final)
	}
	d, ok := m.Decision()
	if !ok {
		return domain.Decision{Action: domain.ActionCancel}, nil
	}
	return d, nil
}
