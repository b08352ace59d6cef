// Package chat coordinates one conversation: it validates and persists user
// turns, drives a streaming session per turn and records how each ended.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"lumen/internal/attach"
	"lumen/internal/models"
	"lumen/internal/prompt"
	"lumen/internal/provider"
	"lumen/internal/session"

	"go.uber.org/zap"
)

const (
	StoppedMarker  = "[Stopped by user]"
	titleMaxRunes  = 30
	defaultGrace   = 2 * time.Second
	stoppedJoinSep = "\n\n"
)

var (
	ErrNothingToSend = errors.New("nothing to send")
	ErrNotConfigured = errors.New("no API key configured")
)

type Store interface {
	CreateChat(title string) (int64, error)
	AppendMessage(chatID int64, role models.Role, content string, attachmentPaths []string) error
	LoadHistory(chatID int64) ([]models.StoredMessage, error)
	ListChatsPage(limit, offset int) ([]models.Chat, error)
	CountChats() (int, error)
	RenameChat(chatID int64, title string) error
	DeleteChat(chatID int64) error
}

// Observer receives session output. Calls arrive from the session goroutine
// in event order.
type Observer interface {
	Chunk(fragment string)
	Finished(Result)
	Warning(msg string)
}

type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeStopped
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeStopped:
		return "stopped"
	default:
		return "failed"
	}
}

// Result describes how a turn ended. For failures Role is RoleError, Content
// is the display text and nothing was stored.
type Result struct {
	Outcome Outcome
	Role    models.Role
	Content string
	Failure *provider.Failure
}

// Turn is the user's input before attachments are resolved.
type Turn struct {
	Text        string
	Attachments []attach.Attachment
}

type Options struct {
	Store         Store
	Provider      provider.Provider
	Observer      Observer
	Log           *zap.Logger
	TempFileGrace time.Duration
	StopGrace     time.Duration
}

type Controller struct {
	store     Store
	observer  Observer
	log       *zap.Logger
	tempGrace time.Duration
	stopGrace time.Duration

	// submitMu orders submits against conversation switches.
	submitMu sync.Mutex

	mu       sync.Mutex
	provider provider.Provider
	chatID   int64
	history  []models.HistoryEntry
	// generation changes whenever the conversation is switched, so a late
	// finalization never leaks into a different chat's history.
	generation int
	current    *session.Session
	finalized  chan struct{}
}

func New(opts Options) *Controller {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.TempFileGrace <= 0 {
		opts.TempFileGrace = defaultGrace
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = defaultGrace
	}
	return &Controller{
		store:     opts.Store,
		observer:  opts.Observer,
		log:       opts.Log,
		tempGrace: opts.TempFileGrace,
		stopGrace: opts.StopGrace,
		provider:  opts.Provider,
	}
}

// Submit sends one turn. Validation, attachment and assembly failures return
// before anything is stored. Once Submit returns nil the turn is persisted
// and the response streams to the observer.
func (c *Controller) Submit(ctx context.Context, turn Turn) error {
	c.submitMu.Lock()
	defer c.submitMu.Unlock()

	text := strings.TrimSpace(turn.Text)
	if text == "" && len(turn.Attachments) == 0 {
		return ErrNothingToSend
	}

	c.mu.Lock()
	p := c.provider
	c.mu.Unlock()
	if p == nil {
		return ErrNotConfigured
	}

	if err := c.awaitPrior(ctx); err != nil {
		return err
	}

	resolved := make([]attach.Resolved, 0, len(turn.Attachments))
	for _, a := range turn.Attachments {
		r, err := attach.Resolve(a)
		if err != nil {
			return fmt.Errorf("prepare attachments: %w", err)
		}
		if r.Warning != "" {
			c.observer.Warning(r.Warning)
		}
		resolved = append(resolved, r)
	}

	c.mu.Lock()
	history := append([]models.HistoryEntry(nil), c.history...)
	chatID := c.chatID
	c.mu.Unlock()

	req, err := prompt.Build(history, prompt.NewTurn(text, resolved))
	if err != nil {
		return err
	}

	if chatID == 0 {
		title := Title(text, len(turn.Attachments))
		chatID, err = c.store.CreateChat(title)
		if err != nil {
			return fmt.Errorf("start conversation: %w", err)
		}
		c.mu.Lock()
		c.chatID = chatID
		c.mu.Unlock()
	}

	var keep, temp []string
	for _, a := range turn.Attachments {
		if a.Temporary {
			temp = append(temp, a.Path)
		} else {
			keep = append(keep, a.Path)
		}
	}
	if err := c.store.AppendMessage(chatID, models.RoleUser, text, keep); err != nil {
		return fmt.Errorf("save message: %w", err)
	}

	sess := session.New(p, c.log)
	events, err := sess.Start(ctx, req)
	if err != nil {
		return err
	}
	done := make(chan struct{})

	c.mu.Lock()
	c.history = append(c.history, models.HistoryEntry{Role: models.RoleUser, Content: text})
	c.current = sess
	c.finalized = done
	gen := c.generation
	c.mu.Unlock()

	c.log.Info("turn submitted",
		zap.Int64("chat_id", chatID),
		zap.String("session_id", sess.ID),
		zap.Int("attachments", len(turn.Attachments)),
	)
	go c.consume(chatID, gen, events, done)
	attach.RemoveLater(temp, c.tempGrace, c.log)
	return nil
}

func (c *Controller) consume(chatID int64, gen int, events <-chan session.Event, done chan struct{}) {
	defer close(done)
	for ev := range events {
		if !ev.Terminal() {
			c.observer.Chunk(ev.Text)
			continue
		}
		c.finalize(chatID, gen, ev)
	}
}

func (c *Controller) finalize(chatID int64, gen int, ev session.Event) {
	var res Result
	switch ev.Kind {
	case session.EventCompleted:
		res = Result{Outcome: OutcomeCompleted, Role: models.RoleAssistant, Content: ev.Text}
	case session.EventStopped:
		res = Result{Outcome: OutcomeStopped, Role: models.RoleSystem, Content: StoppedMarker}
		if partial := strings.TrimSpace(ev.Text); partial != "" {
			res.Role = models.RoleAssistant
			res.Content = partial + stoppedJoinSep + StoppedMarker
		}
	default:
		res = Result{Outcome: OutcomeFailed, Role: models.RoleError, Failure: ev.Failure}
		if ev.Failure != nil {
			res.Content = ev.Failure.Description
		}
		c.log.Warn("turn failed", zap.Int64("chat_id", chatID), zap.String("error", res.Content))
		c.observer.Finished(res)
		return
	}

	if err := c.store.AppendMessage(chatID, res.Role, res.Content, nil); err != nil {
		c.log.Error("persist response", zap.Int64("chat_id", chatID), zap.Error(err))
		c.observer.Warning(fmt.Sprintf("Could not save response: %v", err))
	}

	c.mu.Lock()
	if c.generation == gen && c.chatID == chatID {
		c.history = append(c.history, models.HistoryEntry{Role: res.Role, Content: res.Content})
	}
	c.mu.Unlock()

	c.log.Info("turn finished", zap.Int64("chat_id", chatID), zap.String("outcome", res.Outcome.String()))
	c.observer.Finished(res)
}

// Title derives a chat title from the first turn.
func Title(text string, attachments int) string {
	basis := text
	if basis == "" {
		basis = fmt.Sprintf("%d Attachment(s)", attachments)
	}
	if utf8.RuneCountInString(basis) > titleMaxRunes {
		return string([]rune(basis)[:titleMaxRunes]) + "..."
	}
	return basis
}

// Stop asks the running session, if any, to end. It returns immediately.
func (c *Controller) Stop() {
	c.mu.Lock()
	sess := c.current
	c.mu.Unlock()
	if sess != nil {
		sess.Stop()
	}
}

// awaitPrior stops the current session and blocks until it is finalized, so
// no two sessions ever write to the same history. Only ctx bounds the wait.
func (c *Controller) awaitPrior(ctx context.Context) error {
	c.mu.Lock()
	sess, done := c.current, c.finalized
	c.mu.Unlock()
	if sess == nil {
		return nil
	}
	sess.Stop()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for previous response: %w", ctx.Err())
	}
}

// stopAndWait stops the current session and waits for its finalization,
// reporting false if the stop grace elapsed first.
func (c *Controller) stopAndWait() bool {
	c.mu.Lock()
	sess, done := c.current, c.finalized
	c.mu.Unlock()
	if sess == nil {
		return true
	}
	sess.Stop()

	t := time.NewTimer(c.stopGrace)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-t.C:
		return false
	}
}

func (c *Controller) Busy() bool {
	c.mu.Lock()
	done := c.finalized
	c.mu.Unlock()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

func (c *Controller) ChatID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chatID
}

func (c *Controller) History() []models.HistoryEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.HistoryEntry(nil), c.history...)
}

func (c *Controller) reset(chatID int64, history []models.HistoryEntry) {
	c.mu.Lock()
	c.chatID = chatID
	c.history = history
	c.generation++
	c.mu.Unlock()
}

// NewConversation stops any running turn and starts with an empty history.
// The chat row is created lazily by the first submit.
func (c *Controller) NewConversation() {
	c.submitMu.Lock()
	defer c.submitMu.Unlock()
	c.stopAndWait()
	c.reset(0, nil)
	c.log.Info("new conversation")
}

// LoadConversation replaces the current conversation with a stored one and
// returns its messages for display.
func (c *Controller) LoadConversation(chatID int64) ([]models.StoredMessage, error) {
	c.submitMu.Lock()
	defer c.submitMu.Unlock()
	c.stopAndWait()
	msgs, err := c.store.LoadHistory(chatID)
	if err != nil {
		return nil, fmt.Errorf("load conversation %d: %w", chatID, err)
	}
	history := make([]models.HistoryEntry, 0, len(msgs))
	for _, m := range msgs {
		history = append(history, models.HistoryEntry{Role: m.Role, Content: m.Content})
	}
	c.reset(chatID, history)
	c.log.Info("conversation loaded", zap.Int64("chat_id", chatID), zap.Int("messages", len(msgs)))
	return msgs, nil
}

func (c *Controller) ListConversationsPage(limit, offset int) ([]models.Chat, int, error) {
	total, err := c.store.CountChats()
	if err != nil {
		return nil, 0, err
	}
	chats, err := c.store.ListChatsPage(limit, offset)
	if err != nil {
		return nil, 0, err
	}
	return chats, total, nil
}

func (c *Controller) RenameConversation(chatID int64, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return errors.New("title cannot be empty")
	}
	return c.store.RenameChat(chatID, title)
}

// DeleteConversation removes a stored chat. Deleting the open chat also
// stops its turn and resets to an empty conversation.
func (c *Controller) DeleteConversation(chatID int64) error {
	c.submitMu.Lock()
	defer c.submitMu.Unlock()
	if chatID == c.ChatID() {
		c.stopAndWait()
		c.reset(0, nil)
	}
	return c.store.DeleteChat(chatID)
}

// Reconfigure swaps the provider used by later turns. A nil provider
// disables submitting.
func (c *Controller) Reconfigure(p provider.Provider) {
	c.mu.Lock()
	c.provider = p
	c.mu.Unlock()
	c.log.Info("provider reconfigured", zap.Bool("configured", p != nil))
}

func (c *Controller) Configured() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.provider != nil
}

// Shutdown stops the running turn and waits up to the stop grace for it to
// be recorded.
func (c *Controller) Shutdown() {
	c.mu.Lock()
	sess := c.current
	c.mu.Unlock()
	if !c.stopAndWait() {
		c.log.Warn("shutdown grace elapsed before the session finished",
			zap.Stringer("state", sess.State()),
			zap.String("session_id", sess.ID),
		)
		return
	}
	c.log.Info("controller shut down")
}
