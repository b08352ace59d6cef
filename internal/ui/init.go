package ui

import (
	"context"
	"os"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"go.uber.org/zap"
)

func InitialModel(opts Options) Model {
	ti := textarea.New()
	ti.Placeholder = "Type a message... (@ to attach a file)"
	ti.Prompt = "❯ "
	ti.ShowLineNumbers = false
	ti.CharLimit = 0
	ti.MaxHeight = MaxInputHeight
	ti.SetHeight(2)
	ti.SetWidth(80)
	ti.FocusedStyle.Prompt = lipgloss.NewStyle().Foreground(lipgloss.Color("#B39DDB")).Bold(true)
	ti.BlurredStyle.Prompt = lipgloss.NewStyle().Foreground(lipgloss.Color("#B39DDB")).Bold(true)
	ti.FocusedStyle.Placeholder = lipgloss.NewStyle().Foreground(lipgloss.Color("#545454"))
	ti.BlurredStyle.Placeholder = lipgloss.NewStyle().Foreground(lipgloss.Color("#545454"))
	ti.FocusedStyle.CursorLine = lipgloss.NewStyle()
	ti.BlurredStyle.CursorLine = lipgloss.NewStyle()
	ti.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#B39DDB"))

	key := textinput.New()
	key.Placeholder = "API key"
	key.EchoMode = textinput.EchoPassword
	key.EchoCharacter = '•'
	key.CharLimit = 256

	rename := textinput.New()
	rename.Placeholder = "New title"
	rename.CharLimit = 120

	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	style := opts.GlamourStyle
	if style == "" {
		style = "dark"
	}

	cwd, _ := os.Getwd()

	return Model{
		TextInput:    ti,
		Viewport:     viewport.New(60, 15),
		Spinner:      sp,
		KeyInput:     key,
		RenameInput:  rename,
		Conv:         opts.Conversation,
		SaveKey:      opts.SaveKey,
		Log:          log.Named("ui"),
		ModelName:    opts.ModelName,
		GlamourStyle: style,
		Messages:     []string{},
		WorkingDir:   cwd,
		ctx:          context.Background(),
	}
}

func (m *Model) Init() tea.Cmd {
	cmds := []tea.Cmd{m.TextInput.Cursor.BlinkCmd(), m.Spinner.Tick}
	if m.Conv != nil && !m.Conv.Configured() {
		cmds = append(cmds, func() tea.Msg { return openKeyMsg{} })
	}
	return tea.Batch(cmds...)
}

type openKeyMsg struct{}

// NewProgram builds the full-screen program and attaches obs so controller
// events reach it.
func NewProgram(opts Options, obs *Observer) *tea.Program {
	m := InitialModel(opts)
	p := tea.NewProgram(&m, tea.WithAltScreen())
	obs.Attach(p)
	return p
}
