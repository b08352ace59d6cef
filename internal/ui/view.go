package ui

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"lumen/internal/styles"

	"github.com/charmbracelet/lipgloss"
)

func modalHint(text string) string {
	return lipgloss.NewStyle().
		Foreground(styles.HintColor).
		Width(styles.ContentWidth).
		PaddingTop(1).
		Render(text)
}

func (m *Model) RenderHistorySelector() string {
	totalPages := (m.HistoryChatCount + HistoryPageSize - 1) / HistoryPageSize
	if totalPages < 1 {
		totalPages = 1
	}
	title := styles.ModalTitleStyle.Render(fmt.Sprintf("Conversations (%d) - Page %d/%d", m.HistoryChatCount, m.HistoryPage+1, totalPages))

	var body string
	switch {
	case m.HistoryErr != nil:
		body = lipgloss.NewStyle().Width(styles.ContentWidth).Render(styles.ErrorStyle.Render(fmt.Sprintf("Error: %v", m.HistoryErr)))
	case len(m.HistoryChats) == 0:
		body = styles.ModalItemStyle.Render(lipgloss.NewStyle().Foreground(styles.HintColor).Render("No conversations yet"))
	default:
		openID := int64(0)
		if m.Conv != nil {
			openID = m.Conv.ChatID()
		}
		items := make([]string, 0, len(m.HistoryChats))
		for i, c := range m.HistoryChats {
			isSelected := i == m.HistorySelectedIdx
			cursor := "  "
			if isSelected {
				cursor = "> "
			}
			if c.ID == openID {
				cursor = strings.TrimSuffix(cursor, " ") + "●"
			}
			timeStr := RelativeTime(c.CreatedAt)
			label := TruncateRunes(ChatLabel(c), styles.ContentWidth-2-len(cursor)-1-len(timeStr))

			line := fmt.Sprintf("%s%s %s", cursor, label, lipgloss.NewStyle().Foreground(styles.HintColor).Render(timeStr))
			if isSelected {
				items = append(items, styles.ModalSelectedStyle.Render(line))
			} else {
				items = append(items, styles.ModalItemStyle.Render(line))
			}
		}
		body = lipgloss.JoinVertical(lipgloss.Left, items...)
	}

	parts := []string{title, body}
	if m.Renaming {
		parts = append(parts, "", styles.ModalItemStyle.Render("Rename: "+m.RenameInput.View()))
		return lipgloss.JoinVertical(lipgloss.Left, append(parts, modalHint("Enter: save • Esc: cancel"))...)
	}
	parts = append(parts, modalHint("↑/↓: navigate • ←/→: page • Enter: open • r: rename • d: delete • Esc: close"))
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func (m *Model) RenderKeyModal() string {
	title := styles.ModalTitleStyle.Render("API Key")
	info := styles.ModalItemStyle.Render(lipgloss.NewStyle().Foreground(styles.FgSecondary).
		Render("Paste the key for your provider. It is saved to the local env file."))
	input := styles.ModalItemStyle.Render(m.KeyInput.View())

	parts := []string{title, info, "", input}
	if m.KeyErr != nil {
		parts = append(parts, styles.ModalItemStyle.Render(styles.ErrorStyle.Render(m.KeyErr.Error())))
	}
	parts = append(parts, modalHint("Enter: save • Esc: cancel"))
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func (m *Model) RenderShortcutsModal() string {
	title := styles.ModalTitleStyle.Render("Keyboard Shortcuts")

	shortcuts := []struct {
		key  string
		desc string
	}{
		{"Ctrl+C", "Quit"},
		{"Esc", "Stop generating, or quit when idle"},
		{"Ctrl+N", "New conversation"},
		{"Ctrl+H", "Conversation history"},
		{"Ctrl+K", "Set API key"},
		{"Ctrl+S", "Shortcuts (this menu)"},
		{"Ctrl+X", "Drop pasted images"},
		{"@", "Attach a file (in input)"},
		{"Shift+Enter", "New line"},
	}

	keyStyle := lipgloss.NewStyle().Foreground(styles.FgWarning).Bold(true).Width(13)
	descStyle := lipgloss.NewStyle().Foreground(styles.FgText)

	items := make([]string, 0, len(shortcuts))
	for _, s := range shortcuts {
		items = append(items, styles.ModalItemStyle.Render(keyStyle.Render(s.key)+" "+descStyle.Render(s.desc)))
	}

	content := lipgloss.JoinVertical(lipgloss.Left, title, lipgloss.JoinVertical(lipgloss.Left, items...))
	return lipgloss.JoinVertical(lipgloss.Left, content, modalHint("Esc/Enter: close"))
}

func (m *Model) RenderBottomBar() string {
	mode := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#FFFFFF")).
		Background(styles.FgSecondary).
		Padding(0, 1).
		Render("CHAT")

	cwdDisplay := m.WorkingDir
	if home, err := os.UserHomeDir(); err == nil && strings.HasPrefix(cwdDisplay, home) {
		cwdDisplay = "~" + cwdDisplay[len(home):]
	}
	cwd := lipgloss.NewStyle().Foreground(styles.FgMuted).Render(TruncateRunes(cwdDisplay, 30))

	model := lipgloss.NewStyle().Foreground(styles.FgPrimary).Render(TruncateRunes(m.ModelName, 25))

	keyText, keyColor := "no API key", styles.FgError
	if m.Conv != nil && m.Conv.Configured() {
		keyText, keyColor = "key set", styles.FgSuccess
	}
	key := lipgloss.NewStyle().Foreground(keyColor).Render(keyText)

	chatText := "new chat"
	if m.Conv != nil && m.Conv.ChatID() != 0 {
		chatText = fmt.Sprintf("chat #%d", m.Conv.ChatID())
	}
	if m.Conv != nil && m.Conv.Busy() {
		chatText += " · streaming"
	}
	chatID := lipgloss.NewStyle().Foreground(styles.FgMuted).Render(chatText)

	help := lipgloss.NewStyle().Foreground(styles.FgMuted).Render("Help: ^S")

	leftSide := lipgloss.JoinHorizontal(lipgloss.Center, mode, "  ", cwd, "  ", model)
	rightSide := lipgloss.JoinHorizontal(lipgloss.Center, key, "  ", chatID, "  ", help)

	availableWidth := m.WindowWidth - lipgloss.Width(leftSide) - lipgloss.Width(rightSide) - 2
	if availableWidth < 0 {
		availableWidth = 0
	}
	bar := lipgloss.JoinHorizontal(lipgloss.Center, leftSide, strings.Repeat(" ", availableWidth), rightSide)

	return lipgloss.NewStyle().
		Width(m.WindowWidth).
		BorderTop(true).
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(styles.BorderColor).
		Padding(0, 1).
		Render(bar)
}

// RenderPendingFiles shows the files mentioned in the input and any pasted
// images that will go out with the next message.
func (m *Model) RenderPendingFiles() string {
	if len(m.PendingFiles) == 0 && len(m.Pasted) == 0 {
		return ""
	}

	var chips []string
	for _, file := range m.PendingFiles {
		chips = append(chips, styles.ChipStyle.Render("📄 "+filepath.Base(file)))
	}
	for i := range m.Pasted {
		chips = append(chips, styles.TempChipStyle.Render(fmt.Sprintf("🖼 pasted image %d", i+1)))
	}

	label := lipgloss.NewStyle().Foreground(styles.FgMuted).Render("Attached: ")
	return label + strings.Join(chips, " ")
}

func (m *Model) RenderFileSuggestions() string {
	if !m.FileSuggestOpen || len(m.FileSuggestions) == 0 {
		return ""
	}

	suggestionStyle := lipgloss.NewStyle().Foreground(styles.FgText).Padding(0, 1)
	selectedStyle := styles.ModalSelectedStyle.Padding(0, 1)

	lines := []string{lipgloss.NewStyle().
		Foreground(styles.FgMuted).
		Italic(true).
		Render("  Files (↑↓ to select, Tab/Enter to insert)")}

	for i, suggestion := range m.FileSuggestions {
		display := suggestion
		if info, err := os.Stat(suggestion); err == nil && info.IsDir() {
			display += "/"
		}
		if i == m.FileSuggestIdx {
			lines = append(lines, selectedStyle.Render("▸ "+display))
		} else {
			lines = append(lines, suggestionStyle.Render("  "+display))
		}
	}

	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(styles.Accent).
		Background(styles.BgElevated).
		Padding(0, 1).
		Render(strings.Join(lines, "\n"))
}

func GetWelcomeScreen(width, height int) string {
	art := `
██╗     ██╗   ██╗███╗   ███╗███████╗███╗   ██╗
██║     ██║   ██║████╗ ████║██╔════╝████╗  ██║
██║     ██║   ██║██╔████╔██║█████╗  ██╔██╗ ██║
██║     ██║   ██║██║╚██╔╝██║██╔══╝  ██║╚██╗██║
███████╗╚██████╔╝██║ ╚═╝ ██║███████╗██║ ╚████║
╚══════╝ ╚═════╝ ╚═╝     ╚═╝╚══════╝╚═╝  ╚═══╝
`
	subtitle := "Ask anything. Attach text, PDFs or images with @, or paste an image."

	styledArt := styles.WelcomeArtStyle.Render(art)
	styledSubtitle := styles.WelcomeSubtitleStyle.Italic(true).Render(subtitle)

	content := lipgloss.JoinVertical(lipgloss.Center, styledArt, "", styledSubtitle)
	return lipgloss.Place(width, height, lipgloss.Center, lipgloss.Center, content)
}

func (m *Model) UpdateViewport() {
	if len(m.Messages) == 0 && !m.Loading {
		m.Viewport.SetContent(GetWelcomeScreen(m.Viewport.Width, m.Viewport.Height))
		return
	}

	content := strings.Join(m.Messages, "\n\n")
	if m.Loading {
		var pending string
		if m.Streaming != "" {
			pending = FormatStreaming(m.Streaming) + "\n" + m.Spinner.View() + lipgloss.NewStyle().Foreground(styles.FgMuted).Render(" Esc to stop")
		} else {
			pending = styles.AiLabelStyle.Render("LUMEN") + "\n" + m.Spinner.View() + " Generating... (Esc to stop)"
		}
		if content != "" {
			content += "\n\n" + pending
		} else {
			content = pending
		}
	}
	m.Viewport.SetContent(content)
	m.Viewport.GotoBottom()
}

func (m *Model) overlay(modal string) string {
	return lipgloss.Place(
		m.WindowWidth,
		m.WindowHeight,
		lipgloss.Center,
		lipgloss.Center,
		styles.ModalStyle.Width(ModalWidth).Render(modal),
	)
}

func (m *Model) View() string {
	switch {
	case m.KeyOpen:
		return m.overlay(m.RenderKeyModal())
	case m.HistoryOpen:
		return m.overlay(m.RenderHistorySelector())
	case m.ShortcutsOpen:
		return m.overlay(m.RenderShortcutsModal())
	}

	inputBox := styles.InputBoxStyle.Width(m.WindowWidth - 4).Render(m.TextInput.View())

	var inputParts []string
	if pending := m.RenderPendingFiles(); pending != "" {
		inputParts = append(inputParts, pending)
	}
	if popup := m.RenderFileSuggestions(); popup != "" {
		inputParts = append(inputParts, popup)
	}
	inputParts = append(inputParts, inputBox)

	chatContent := lipgloss.JoinVertical(lipgloss.Center,
		styles.TitleStyle.Render("LUMEN"),
		"",
		m.Viewport.View(),
		"",
		lipgloss.JoinVertical(lipgloss.Left, inputParts...),
	)
	chatArea := lipgloss.PlaceHorizontal(m.WindowWidth, lipgloss.Center, chatContent)

	return lipgloss.JoinVertical(lipgloss.Left, chatArea, m.RenderBottomBar())
}
