package ui

import (
	"errors"
	"fmt"
	"strings"

	"lumen/internal/attach"
	"lumen/internal/chat"
	"lumen/internal/models"
	"lumen/internal/styles"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"go.uber.org/zap"
)

type (
	historyLoadedMsg struct {
		Chats []models.Chat
		Total int
		Err   error
	}
	chatLoadedMsg struct {
		Messages []models.StoredMessage
		Err      error
	}
	chatDeletedMsg struct {
		WasOpen bool
		Err     error
	}
	chatRenamedMsg     struct{ Err error }
	conversationNewMsg struct{}
)

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		tiCmd tea.Cmd
		vpCmd tea.Cmd
		spCmd tea.Cmd
	)

	switch msg := msg.(type) {
	case spinner.TickMsg:
		m.Spinner, spCmd = m.Spinner.Update(msg)
		if m.Loading {
			m.UpdateViewport()
		}
		return m, spCmd

	case ChunkMsg:
		m.Streaming += msg.Text
		m.UpdateViewport()
		return m, nil

	case FinishedMsg:
		if m.Submitting {
			res := msg.Result
			m.pendingFinish = &res
			return m, nil
		}
		m.applyResult(msg.Result)
		return m, nil

	case WarningMsg:
		m.Messages = append(m.Messages, FormatWarning(msg.Text))
		m.UpdateViewport()
		return m, nil

	case KeyChangedMsg:
		if msg.Configured {
			m.Messages = append(m.Messages, FormatNotice("API key reloaded."))
		} else {
			m.Messages = append(m.Messages, FormatWarning("API key removed. Press Ctrl+K to set one."))
		}
		m.UpdateViewport()
		return m, nil

	case submitDoneMsg:
		return m, m.handleSubmitDone(msg)

	case keySavedMsg:
		if msg.Err != nil {
			m.KeyErr = msg.Err
			return m, nil
		}
		m.KeyOpen = false
		m.KeyErr = nil
		m.KeyInput.Reset()
		m.TextInput.Focus()
		m.Messages = append(m.Messages, FormatNotice("API key saved."))
		m.UpdateViewport()
		return m, nil

	case openKeyMsg:
		m.openKeyModal()
		return m, nil

	case historyLoadedMsg:
		m.HistoryErr = msg.Err
		m.HistoryChats = msg.Chats
		m.HistoryChatCount = msg.Total
		if m.HistorySelectedIdx >= len(m.HistoryChats) {
			m.HistorySelectedIdx = max(len(m.HistoryChats)-1, 0)
		}
		return m, nil

	case chatLoadedMsg:
		m.Loading = false
		if msg.Err != nil {
			m.HistoryErr = msg.Err
			return m, nil
		}
		m.HistoryOpen = false
		m.HistoryErr = nil
		m.renderStored(msg.Messages)
		return m, nil

	case chatDeletedMsg:
		if msg.Err != nil {
			m.HistoryErr = msg.Err
			return m, nil
		}
		if msg.WasOpen {
			m.ResetSession()
			m.HistoryOpen = true
		}
		return m, m.refreshHistory()

	case chatRenamedMsg:
		if msg.Err != nil {
			m.HistoryErr = msg.Err
			return m, nil
		}
		m.Renaming = false
		return m, m.refreshHistory()

	case conversationNewMsg:
		m.ResetSession()
		return m, nil

	case tea.KeyMsg:
		if m.KeyOpen {
			return m, m.updateKeyModal(msg)
		}
		if m.HistoryOpen {
			return m, m.updateHistoryModal(msg)
		}

		if m.ShortcutsOpen {
			switch msg.String() {
			case "ctrl+c":
				return m, m.quit()
			case "esc", "enter", "?", "ctrl+s":
				m.ShortcutsOpen = false
				return m, nil
			}
			return m, nil
		}

		if msg.Paste {
			if handled := m.handlePaste(string(msg.Runes)); handled {
				return m, nil
			}
		}

		if isNewlineShortcut(msg) {
			m.TextInput.InsertString("\n")
			m.FileSuggestOpen = false
			m.updateInputLayout()
			return m, nil
		}

		if m.FileSuggestOpen {
			switch msg.String() {
			case "esc":
				m.FileSuggestOpen = false
				return m, nil
			case "up", "ctrl+p":
				if len(m.FileSuggestions) > 0 {
					m.FileSuggestIdx--
					if m.FileSuggestIdx < 0 {
						m.FileSuggestIdx = len(m.FileSuggestions) - 1
					}
				}
				return m, nil
			case "down", "ctrl+n":
				if len(m.FileSuggestions) > 0 {
					m.FileSuggestIdx++
					if m.FileSuggestIdx >= len(m.FileSuggestions) {
						m.FileSuggestIdx = 0
					}
				}
				return m, nil
			case "tab", "enter":
				m.acceptFileSuggestion()
				return m, nil
			}
		}

		switch msg.Type {
		case tea.KeyCtrlC:
			return m, m.quit()

		case tea.KeyEsc:
			if m.Loading {
				m.Conv.Stop()
				return m, nil
			}
			return m, m.quit()

		case tea.KeyCtrlN:
			if m.Submitting {
				return m, nil
			}
			return m, m.newConversation()

		case tea.KeyCtrlK:
			m.openKeyModal()
			return m, nil

		case tea.KeyCtrlS:
			m.ShortcutsOpen = true
			m.HistoryOpen = false
			return m, nil

		case tea.KeyCtrlH:
			m.ShortcutsOpen = false
			m.HistoryOpen = true
			m.HistoryPage = 0
			m.HistorySelectedIdx = 0
			m.Renaming = false
			return m, m.refreshHistory()

		case tea.KeyCtrlX:
			m.clearPasted()
			return m, nil

		case tea.KeyEnter:
			return m, m.submit()
		}

	case tea.WindowSizeMsg:
		m.WindowWidth = msg.Width
		m.WindowHeight = msg.Height

		ModalWidth = msg.Width - 10
		if ModalWidth > 60 {
			ModalWidth = 60
		}
		if ModalWidth < 30 {
			ModalWidth = 30
		}
		styles.ContentWidth = ModalWidth - 6

		chatWidth := msg.Width - 2
		m.Viewport.Width = chatWidth - 2

		m.updateInputLayout()
		m.Renderer, _ = glamour.NewTermRenderer(
			glamour.WithStylePath(m.GlamourStyle),
			glamour.WithWordWrap(chatWidth-6),
		)
		m.UpdateViewport()
		return m, nil
	}

	m.TextInput, tiCmd = m.TextInput.Update(msg)
	m.updateInputLayout()

	// Filter out terminal background color queries and cursor reference codes that leak into the input
	val := m.TextInput.Value()
	if strings.Contains(val, "]11;rgb:") || strings.Contains(val, "1;rgb:") || strings.Contains(val, "[1;1R") {
		m.TextInput.Reset()
	}

	val = m.TextInput.Value()
	cursorPos := TextareaCursorIndex(m.TextInput)
	if prefix, _, found := GetAtPosition(val, cursorPos); found {
		suggestions := GetFileSuggestions(prefix)
		if len(suggestions) > 0 {
			m.FileSuggestions = suggestions
			m.FileSuggestOpen = true
			m.FileSuggestIdx = 0
			m.FileSuggestPrefix = prefix
		} else {
			m.FileSuggestOpen = false
		}
	} else {
		m.FileSuggestOpen = false
	}

	_, m.PendingFiles = ExtractFileMentions(val)

	m.Viewport, vpCmd = m.Viewport.Update(msg)

	return m, tea.Batch(tiCmd, vpCmd)
}

func isNewlineShortcut(msg tea.KeyMsg) bool {
	switch msg.String() {
	case "shift+enter", "shift+return", "ctrl+j", "ctrl+enter", "alt+enter":
		return true
	default:
		return false
	}
}

func (m *Model) quit() tea.Cmd {
	if m.Conv != nil && (m.Loading || m.Conv.Busy()) {
		m.Conv.Stop()
	}
	return tea.Quit
}

func (m *Model) acceptFileSuggestion() {
	if len(m.FileSuggestions) == 0 || m.FileSuggestIdx >= len(m.FileSuggestions) {
		return
	}
	selected := m.FileSuggestions[m.FileSuggestIdx]
	val := m.TextInput.Value()
	cursorPos := TextareaCursorIndex(m.TextInput)
	prefix, startPos, found := GetAtPosition(val, cursorPos)
	if found {
		mention := MentionFor(selected)
		newVal := val[:startPos] + mention + " " + val[startPos+1+len(prefix):]
		newCursorIndex := startPos + len(mention) + 1
		m.TextInput.SetValue(newVal)
		row, col := TextareaCursorFromIndex(newVal, newCursorIndex)
		SetTextareaCursor(&m.TextInput, row, col)
	}
	m.FileSuggestOpen = false
	_, m.PendingFiles = ExtractFileMentions(m.TextInput.Value())
}

// handlePaste turns a pasted image data URL into a queued temporary
// attachment instead of inserting the text.
func (m *Model) handlePaste(text string) bool {
	data, ext, err := attach.DecodeDataURL(text)
	if err != nil {
		if !errors.Is(err, attach.ErrNotDataURL) {
			m.Messages = append(m.Messages, FormatWarning(fmt.Sprintf("Could not paste image: %v", err)))
			m.UpdateViewport()
			return true
		}
		return false
	}
	a, err := attach.WriteTemp(data, ext)
	if err != nil {
		m.Messages = append(m.Messages, FormatWarning(err.Error()))
		m.UpdateViewport()
		return true
	}
	m.Log.Debug("pasted image queued", zap.String("path", a.Path))
	m.Pasted = append(m.Pasted, a)
	return true
}

func (m *Model) clearPasted() {
	for _, a := range m.Pasted {
		attach.Remove(a.Path, m.Log)
	}
	m.Pasted = nil
}

func (m *Model) submit() tea.Cmd {
	if m.Submitting || m.Loading || m.Conv == nil {
		return nil
	}
	input := m.TextInput.Value()
	if strings.TrimSpace(input) == "/clear" || strings.TrimSpace(input) == "/new" {
		m.TextInput.Reset()
		m.updateInputLayout()
		return m.newConversation()
	}

	text, files := ExtractFileMentions(input)
	turn := chat.Turn{Text: text}
	for _, f := range files {
		turn.Attachments = append(turn.Attachments, attach.Attachment{Path: f})
	}
	turn.Attachments = append(turn.Attachments, m.Pasted...)
	if strings.TrimSpace(text) == "" && len(turn.Attachments) == 0 {
		return nil
	}

	display := DisplayWithAttachments(strings.TrimSpace(text), AttachmentPaths(turn.Attachments))
	m.Submitting = true
	m.FileSuggestOpen = false
	conv, ctx := m.Conv, m.ctx
	return func() tea.Msg {
		return submitDoneMsg{Err: conv.Submit(ctx, turn), Display: display}
	}
}

func (m *Model) handleSubmitDone(msg submitDoneMsg) tea.Cmd {
	m.Submitting = false
	if msg.Err != nil {
		m.pendingFinish = nil
		switch {
		case errors.Is(msg.Err, chat.ErrNothingToSend):
		case errors.Is(msg.Err, chat.ErrNotConfigured):
			m.openKeyModal()
		default:
			m.Messages = append(m.Messages, FormatError("Error: "+msg.Err.Error()))
		}
		m.UpdateViewport()
		return nil
	}

	m.Messages = append(m.Messages, FormatUserMessage(msg.Display, m.Viewport.Width, len(m.Messages) == 0))
	m.TextInput.Reset()
	m.updateInputLayout()
	m.PendingFiles = nil
	// The controller owns and removes pasted files from here on.
	m.Pasted = nil
	m.Loading = true
	m.Streaming = ""

	if res := m.pendingFinish; res != nil {
		m.pendingFinish = nil
		m.applyResult(*res)
		return nil
	}
	m.UpdateViewport()
	return m.Spinner.Tick
}

func (m *Model) applyResult(res chat.Result) {
	m.Loading = false
	m.Streaming = ""
	switch {
	case res.Outcome == chat.OutcomeFailed:
		m.Messages = append(m.Messages, FormatError(res.Content))
	case res.Role == models.RoleSystem:
		m.Messages = append(m.Messages, FormatSystemMessage(res.Content))
	default:
		m.Messages = append(m.Messages, FormatAIMessage(m.render(res.Content)))
	}
	m.UpdateViewport()
}

func (m *Model) render(content string) string {
	if m.Renderer == nil {
		return content
	}
	rendered, err := m.Renderer.Render(content)
	if err != nil {
		return content
	}
	return strings.TrimSpace(rendered)
}

func (m *Model) renderStored(msgs []models.StoredMessage) {
	m.Messages = []string{}
	m.Streaming = ""
	for _, msg := range msgs {
		switch msg.Role {
		case models.RoleUser:
			display := DisplayWithAttachments(msg.Content, msg.AttachmentPaths)
			m.Messages = append(m.Messages, FormatUserMessage(display, m.Viewport.Width, len(m.Messages) == 0))
		case models.RoleAssistant:
			m.Messages = append(m.Messages, FormatAIMessage(m.render(msg.Content)))
		case models.RoleSystem:
			m.Messages = append(m.Messages, FormatSystemMessage(msg.Content))
		case models.RoleError:
			m.Messages = append(m.Messages, FormatError(msg.Content))
		}
	}
	m.UpdateViewport()
}

func (m *Model) newConversation() tea.Cmd {
	conv := m.Conv
	m.Loading = false
	return func() tea.Msg {
		conv.NewConversation()
		return conversationNewMsg{}
	}
}

func (m *Model) openKeyModal() {
	m.KeyOpen = true
	m.KeyErr = nil
	m.HistoryOpen = false
	m.ShortcutsOpen = false
	m.TextInput.Blur()
	m.KeyInput.Reset()
	m.KeyInput.Focus()
}

func (m *Model) updateKeyModal(msg tea.KeyMsg) tea.Cmd {
	switch msg.String() {
	case "ctrl+c":
		return m.quit()
	case "esc":
		m.KeyOpen = false
		m.KeyErr = nil
		m.KeyInput.Blur()
		m.TextInput.Focus()
		return nil
	case "enter":
		key := strings.TrimSpace(m.KeyInput.Value())
		if key == "" {
			m.KeyErr = errors.New("key cannot be empty")
			return nil
		}
		save := m.SaveKey
		if save == nil {
			m.KeyErr = errors.New("key storage unavailable")
			return nil
		}
		return func() tea.Msg { return keySavedMsg{Err: save(key)} }
	}
	var cmd tea.Cmd
	m.KeyInput, cmd = m.KeyInput.Update(msg)
	return cmd
}

func (m *Model) updateHistoryModal(msg tea.KeyMsg) tea.Cmd {
	if m.Renaming {
		switch msg.String() {
		case "ctrl+c":
			return m.quit()
		case "esc":
			m.Renaming = false
			m.RenameInput.Blur()
			return nil
		case "enter":
			if len(m.HistoryChats) == 0 {
				m.Renaming = false
				return nil
			}
			chatID := m.HistoryChats[m.HistorySelectedIdx].ID
			title := m.RenameInput.Value()
			conv := m.Conv
			return func() tea.Msg { return chatRenamedMsg{Err: conv.RenameConversation(chatID, title)} }
		}
		var cmd tea.Cmd
		m.RenameInput, cmd = m.RenameInput.Update(msg)
		return cmd
	}

	switch msg.String() {
	case "ctrl+c":
		return m.quit()
	case "esc", "ctrl+h":
		m.HistoryOpen = false
		m.HistoryErr = nil
		return nil
	case "up", "k":
		if len(m.HistoryChats) == 0 {
			return nil
		}
		m.HistorySelectedIdx--
		if m.HistorySelectedIdx < 0 {
			m.HistorySelectedIdx = len(m.HistoryChats) - 1
		}
	case "down", "j":
		if len(m.HistoryChats) == 0 {
			return nil
		}
		m.HistorySelectedIdx++
		if m.HistorySelectedIdx >= len(m.HistoryChats) {
			m.HistorySelectedIdx = 0
		}
	case "left", "h":
		if m.HistoryPage > 0 {
			m.HistoryPage--
			m.HistorySelectedIdx = 0
			return m.refreshHistory()
		}
	case "right", "l":
		totalPages := (m.HistoryChatCount + HistoryPageSize - 1) / HistoryPageSize
		if m.HistoryPage < totalPages-1 {
			m.HistoryPage++
			m.HistorySelectedIdx = 0
			return m.refreshHistory()
		}
	case "enter":
		if len(m.HistoryChats) == 0 {
			return nil
		}
		chatID := m.HistoryChats[m.HistorySelectedIdx].ID
		conv := m.Conv
		return func() tea.Msg {
			msgs, err := conv.LoadConversation(chatID)
			return chatLoadedMsg{Messages: msgs, Err: err}
		}
	case "r":
		if len(m.HistoryChats) == 0 {
			return nil
		}
		m.Renaming = true
		m.RenameInput.SetValue(m.HistoryChats[m.HistorySelectedIdx].Title)
		m.RenameInput.CursorEnd()
		m.RenameInput.Focus()
	case "d", "delete":
		if len(m.HistoryChats) == 0 {
			return nil
		}
		chatID := m.HistoryChats[m.HistorySelectedIdx].ID
		wasOpen := chatID == m.Conv.ChatID()
		conv := m.Conv
		return func() tea.Msg {
			return chatDeletedMsg{WasOpen: wasOpen, Err: conv.DeleteConversation(chatID)}
		}
	}
	return nil
}

func (m *Model) refreshHistory() tea.Cmd {
	conv := m.Conv
	offset := m.HistoryPage * HistoryPageSize
	return func() tea.Msg {
		chats, total, err := conv.ListConversationsPage(HistoryPageSize, offset)
		return historyLoadedMsg{Chats: chats, Total: total, Err: err}
	}
}

func (m *Model) updateInputLayout() {
	if m.WindowWidth == 0 || m.WindowHeight == 0 {
		return
	}

	inputWidth := m.WindowWidth - 6
	if inputWidth < 20 {
		inputWidth = 20
	}
	contentWidth := inputWidth - 2
	if contentWidth < 1 {
		contentWidth = 1
	}

	lineCount := WrappedLineCount(m.TextInput.Value(), contentWidth)
	if lineCount < 1 {
		lineCount = 1
	}
	if lineCount > MaxInputHeight {
		lineCount = MaxInputHeight
	}

	m.TextInput.MaxHeight = MaxInputHeight
	m.TextInput.SetWidth(inputWidth)
	m.TextInput.SetHeight(lineCount)

	inputBoxHeight := m.TextInput.Height() + 2
	reserved := inputBoxHeight + 5
	if len(m.PendingFiles) > 0 || len(m.Pasted) > 0 {
		reserved++
	}
	viewportHeight := m.WindowHeight - reserved
	if viewportHeight < 5 {
		viewportHeight = 5
	}
	m.Viewport.Height = viewportHeight
}

func (m *Model) ResetSession() {
	m.Messages = []string{}
	m.Streaming = ""
	m.Loading = false
	m.pendingFinish = nil
	m.HistoryOpen = false
	m.HistoryErr = nil
	m.clearPasted()
	m.PendingFiles = nil
	m.Viewport.SetContent(GetWelcomeScreen(m.Viewport.Width, m.Viewport.Height))
	m.Viewport.GotoTop()
	m.TextInput.Reset()
	m.updateInputLayout()
}
