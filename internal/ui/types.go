package ui

import (
	"context"

	"lumen/internal/attach"
	"lumen/internal/chat"
	"lumen/internal/models"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	"github.com/charmbracelet/glamour"
	"go.uber.org/zap"
)

const (
	HistoryPageSize = 10
	MaxInputHeight  = 6
)

var ModalWidth = 60

// Conversation is the part of the chat controller the screen drives.
type Conversation interface {
	Submit(ctx context.Context, turn chat.Turn) error
	Stop()
	Busy() bool
	Configured() bool
	ChatID() int64
	NewConversation()
	LoadConversation(chatID int64) ([]models.StoredMessage, error)
	ListConversationsPage(limit, offset int) ([]models.Chat, int, error)
	RenameConversation(chatID int64, title string) error
	DeleteConversation(chatID int64) error
}

type (
	ChunkMsg    struct{ Text string }
	FinishedMsg struct{ Result chat.Result }
	WarningMsg  struct{ Text string }

	// KeyChangedMsg reports that the credential changed on disk.
	KeyChangedMsg struct{ Configured bool }

	submitDoneMsg struct {
		Err     error
		Display string
	}
	keySavedMsg struct{ Err error }
)

type Options struct {
	Conversation Conversation
	ModelName    string
	GlamourStyle string
	// SaveKey persists a new API key and reconfigures the provider.
	SaveKey func(key string) error
	Log     *zap.Logger
}

type Model struct {
	Viewport     viewport.Model
	Messages     []string
	TextInput    textarea.Model
	Spinner      spinner.Model
	Renderer     *glamour.TermRenderer
	GlamourStyle string
	WindowWidth  int
	WindowHeight int

	Conv      Conversation
	SaveKey   func(string) error
	Log       *zap.Logger
	ModelName string
	ctx       context.Context

	Loading    bool
	Submitting bool
	Streaming  string
	// pendingFinish holds a result that arrived before its submit returned.
	pendingFinish *chat.Result

	HistoryOpen        bool
	HistorySelectedIdx int
	HistoryChatCount   int
	HistoryChats       []models.Chat
	HistoryErr         error
	HistoryPage        int
	Renaming           bool
	RenameInput        textinput.Model

	KeyOpen  bool
	KeyInput textinput.Model
	KeyErr   error

	ShortcutsOpen bool

	// File mention autocomplete
	FileSuggestOpen   bool
	FileSuggestions   []string
	FileSuggestIdx    int
	FileSuggestPrefix string
	PendingFiles      []string
	// Pasted images waiting for the next turn; removed after it is sent.
	Pasted []attach.Attachment

	WorkingDir string
}
