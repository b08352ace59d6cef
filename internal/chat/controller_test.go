package chat

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"lumen/internal/attach"
	"lumen/internal/models"
	"lumen/internal/prompt"
	"lumen/internal/provider"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type storedRow struct {
	chatID int64
	role   models.Role
	text   string
	paths  []string
}

type memStore struct {
	mu        sync.Mutex
	nextID    int64
	titles    map[int64]string
	rows      []storedRow
	writes    int
	appendErr func(role models.Role) error
}

func newMemStore() *memStore {
	return &memStore{titles: map[int64]string{}}
}

func (s *memStore) CreateChat(title string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	s.nextID++
	s.titles[s.nextID] = title
	return s.nextID, nil
}

func (s *memStore) AppendMessage(chatID int64, role models.Role, content string, paths []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		if err := s.appendErr(role); err != nil {
			return err
		}
	}
	s.writes++
	s.rows = append(s.rows, storedRow{chatID: chatID, role: role, text: content, paths: paths})
	return nil
}

func (s *memStore) LoadHistory(chatID int64) ([]models.StoredMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.StoredMessage{}
	for _, r := range s.rows {
		if r.chatID == chatID {
			out = append(out, models.StoredMessage{Role: r.role, Content: r.text, AttachmentPaths: r.paths})
		}
	}
	return out, nil
}

func (s *memStore) ListChats() ([]models.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Chat
	for id := s.nextID; id > 0; id-- {
		if title, ok := s.titles[id]; ok {
			out = append(out, models.Chat{ID: id, Title: title})
		}
	}
	return out, nil
}

func (s *memStore) ListChatsPage(limit, offset int) ([]models.Chat, error) {
	all, _ := s.ListChats()
	if offset >= len(all) {
		return nil, nil
	}
	end := min(offset+limit, len(all))
	return all[offset:end], nil
}

func (s *memStore) CountChats() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.titles), nil
}

func (s *memStore) RenameChat(chatID int64, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.titles[chatID]; !ok {
		return models.ErrChatNotFound
	}
	s.titles[chatID] = title
	return nil
}

func (s *memStore) DeleteChat(chatID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.titles, chatID)
	kept := s.rows[:0]
	for _, r := range s.rows {
		if r.chatID != chatID {
			kept = append(kept, r)
		}
	}
	s.rows = kept
	return nil
}

func (s *memStore) snapshot() (int, []storedRow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes, append([]storedRow(nil), s.rows...)
}

// scriptedStream emits fragments pushed by the test until the script is
// closed, then reports err.
type scriptedStream struct {
	ctx   context.Context
	frags <-chan string
	end   error
	cur   string
	err   error
}

func (s *scriptedStream) Next() bool {
	select {
	case <-s.ctx.Done():
		s.err = s.ctx.Err()
		return false
	case f, ok := <-s.frags:
		if !ok {
			s.err = s.end
			return false
		}
		s.cur = f
		return true
	}
}

func (s *scriptedStream) Current() string { return s.cur }
func (s *scriptedStream) Err() error      { return s.err }
func (s *scriptedStream) Close() error    { return nil }

type scriptedProvider struct {
	mu       sync.Mutex
	frags    chan string
	end      error
	requests []prompt.Request
}

func newScriptedProvider() *scriptedProvider {
	return &scriptedProvider{frags: make(chan string, 16)}
}

func (p *scriptedProvider) Stream(ctx context.Context, req prompt.Request) provider.Stream {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	return &scriptedStream{ctx: ctx, frags: p.frags, end: p.end}
}

func (p *scriptedProvider) lastRequest() prompt.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[len(p.requests)-1]
}

type recorder struct {
	mu       sync.Mutex
	chunks   []string
	warnings []string
	results  chan Result
}

func newRecorder() *recorder {
	return &recorder{results: make(chan Result, 8)}
}

func (r *recorder) Chunk(f string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunks = append(r.chunks, f)
}

func (r *recorder) Warning(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.warnings = append(r.warnings, msg)
}

func (r *recorder) Finished(res Result) { r.results <- res }

func (r *recorder) wait(t *testing.T) Result {
	t.Helper()
	select {
	case res := <-r.results:
		return res
	case <-time.After(3 * time.Second):
		t.Fatal("turn did not finish")
		return Result{}
	}
}

type fixture struct {
	store *memStore
	prov  *scriptedProvider
	obs   *recorder
	ctrl  *Controller
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{store: newMemStore(), prov: newScriptedProvider(), obs: newRecorder()}
	f.ctrl = New(Options{
		Store:         f.store,
		Provider:      f.prov,
		Observer:      f.obs,
		Log:           zap.NewNop(),
		TempFileGrace: 10 * time.Millisecond,
		StopGrace:     time.Second,
	})
	return f
}

func TestSubmitEmptyHasNoSideEffects(t *testing.T) {
	f := newFixture(t)

	require.ErrorIs(t, f.ctrl.Submit(context.Background(), Turn{Text: "   \n"}), ErrNothingToSend)

	writes, _ := f.store.snapshot()
	assert.Zero(t, writes)
	assert.Empty(t, f.ctrl.History())
	assert.Zero(t, f.ctrl.ChatID())
	assert.False(t, f.ctrl.Busy())
}

func TestSubmitUnsupportedOnlyAttachmentIsEmptyPrompt(t *testing.T) {
	f := newFixture(t)
	path := filepath.Join(t.TempDir(), "archive.zip")
	require.NoError(t, os.WriteFile(path, []byte("PK"), 0o600))

	err := f.ctrl.Submit(context.Background(), Turn{Attachments: []attach.Attachment{{Path: path}}})
	require.ErrorIs(t, err, models.ErrEmptyPrompt)

	writes, _ := f.store.snapshot()
	assert.Zero(t, writes)
	assert.Len(t, f.obs.warnings, 1)
}

func TestSubmitNotConfigured(t *testing.T) {
	f := newFixture(t)
	f.ctrl.Reconfigure(nil)
	require.ErrorIs(t, f.ctrl.Submit(context.Background(), Turn{Text: "hi"}), ErrNotConfigured)
	writes, _ := f.store.snapshot()
	assert.Zero(t, writes)
}

func TestSubmitCompletes(t *testing.T) {
	f := newFixture(t)
	f.prov.frags <- "Hel"
	f.prov.frags <- "lo"
	close(f.prov.frags)

	require.NoError(t, f.ctrl.Submit(context.Background(), Turn{Text: "  greet me  "}))
	res := f.obs.wait(t)

	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Equal(t, models.RoleAssistant, res.Role)
	assert.Equal(t, "Hello", res.Content)
	assert.Equal(t, []string{"Hel", "lo"}, f.obs.chunks)

	_, rows := f.store.snapshot()
	require.Len(t, rows, 2)
	assert.Equal(t, storedRow{chatID: 1, role: models.RoleUser, text: "greet me"}, rows[0])
	assert.Equal(t, storedRow{chatID: 1, role: models.RoleAssistant, text: "Hello"}, rows[1])
	assert.Equal(t, "greet me", f.store.titles[1])

	assert.Equal(t, []models.HistoryEntry{
		{Role: models.RoleUser, Content: "greet me"},
		{Role: models.RoleAssistant, Content: "Hello"},
	}, f.ctrl.History())
	assert.Eventually(t, func() bool { return !f.ctrl.Busy() }, time.Second, 5*time.Millisecond)
}

func TestSubmitFailedKeepsOnlyUserRow(t *testing.T) {
	f := newFixture(t)
	f.prov.end = errors.New("upstream exploded")
	close(f.prov.frags)

	require.NoError(t, f.ctrl.Submit(context.Background(), Turn{Text: "hi"}))
	res := f.obs.wait(t)

	assert.Equal(t, OutcomeFailed, res.Outcome)
	require.NotNil(t, res.Failure)
	assert.Contains(t, res.Content, "upstream exploded")

	_, rows := f.store.snapshot()
	require.Len(t, rows, 1)
	assert.Equal(t, models.RoleUser, rows[0].role)
	assert.Equal(t, []models.HistoryEntry{{Role: models.RoleUser, Content: "hi"}}, f.ctrl.History())
}

func TestStopWithPartialAnnotatesAssistant(t *testing.T) {
	f := newFixture(t)
	f.prov.frags <- "Hel"

	require.NoError(t, f.ctrl.Submit(context.Background(), Turn{Text: "hi"}))
	assert.Eventually(t, func() bool {
		f.obs.mu.Lock()
		defer f.obs.mu.Unlock()
		return len(f.obs.chunks) == 1
	}, time.Second, 5*time.Millisecond)

	f.ctrl.Stop()
	res := f.obs.wait(t)

	assert.Equal(t, OutcomeStopped, res.Outcome)
	assert.Equal(t, models.RoleAssistant, res.Role)
	assert.Equal(t, "Hel\n\n[Stopped by user]", res.Content)

	_, rows := f.store.snapshot()
	require.Len(t, rows, 2)
	assert.Equal(t, "Hel\n\n[Stopped by user]", rows[1].text)
}

func TestStopBeforeOutputRecordsSystemMarker(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.ctrl.Submit(context.Background(), Turn{Text: "hi"}))
	f.ctrl.Stop()
	res := f.obs.wait(t)

	assert.Equal(t, OutcomeStopped, res.Outcome)
	assert.Equal(t, models.RoleSystem, res.Role)
	assert.Equal(t, StoppedMarker, res.Content)

	_, rows := f.store.snapshot()
	require.Len(t, rows, 2)
	assert.Equal(t, models.RoleSystem, rows[1].role)
}

func TestSubmitStopsPriorSession(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.ctrl.Submit(context.Background(), Turn{Text: "first"}))
	require.NoError(t, f.ctrl.Submit(context.Background(), Turn{Text: "second"}))

	first := f.obs.wait(t)
	assert.Equal(t, OutcomeStopped, first.Outcome)

	// The first user turn is replayed; the stop marker is not sent.
	req := f.prov.lastRequest()
	require.Len(t, req.Messages, 2)
	assert.Equal(t, "first", req.Messages[0].Content)
	assert.Equal(t, "second", req.Messages[1].Parts[0].Text)

	f.ctrl.Stop()
	f.obs.wait(t)

	_, rows := f.store.snapshot()
	require.Len(t, rows, 4)
	assert.Equal(t, []models.Role{models.RoleUser, models.RoleSystem, models.RoleUser, models.RoleSystem},
		[]models.Role{rows[0].role, rows[1].role, rows[2].role, rows[3].role})
}

func TestSubmitAttachmentFailureLeavesNoTrace(t *testing.T) {
	f := newFixture(t)
	missing := filepath.Join(t.TempDir(), "gone.pdf")

	err := f.ctrl.Submit(context.Background(), Turn{Text: "read this", Attachments: []attach.Attachment{{Path: missing}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gone.pdf")

	writes, _ := f.store.snapshot()
	assert.Zero(t, writes)
	assert.Empty(t, f.ctrl.History())
}

func TestTemporaryAttachmentsNotPersistedAndRemoved(t *testing.T) {
	f := newFixture(t)
	close(f.prov.frags)

	keep := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(keep, []byte("some notes"), 0o600))
	tmp := filepath.Join(t.TempDir(), "pasted.txt")
	require.NoError(t, os.WriteFile(tmp, []byte("pasted"), 0o600))

	require.NoError(t, f.ctrl.Submit(context.Background(), Turn{
		Attachments: []attach.Attachment{{Path: keep}, {Path: tmp, Temporary: true}},
	}))
	f.obs.wait(t)

	_, rows := f.store.snapshot()
	assert.Equal(t, []string{keep}, rows[0].paths)
	assert.Equal(t, "2 Attachment(s)", f.store.titles[1])

	req := f.prov.lastRequest()
	assert.Equal(t, "some notes\npasted", req.Messages[0].Parts[0].Text)

	assert.Eventually(t, func() bool {
		_, err := os.Stat(tmp)
		return os.IsNotExist(err)
	}, 2*time.Second, 10*time.Millisecond)
	_, err := os.Stat(keep)
	assert.NoError(t, err)
}

func TestFinalizeStorageFaultWarnsAndKeepsHistory(t *testing.T) {
	f := newFixture(t)
	f.store.appendErr = func(role models.Role) error {
		if role == models.RoleAssistant {
			return errors.New("disk full")
		}
		return nil
	}
	f.prov.frags <- "ok"
	close(f.prov.frags)

	require.NoError(t, f.ctrl.Submit(context.Background(), Turn{Text: "hi"}))
	res := f.obs.wait(t)
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	require.Len(t, f.obs.warnings, 1)
	assert.Contains(t, f.obs.warnings[0], "disk full")
	assert.Len(t, f.ctrl.History(), 2)
}

func TestUserPersistFailureAbortsSubmit(t *testing.T) {
	f := newFixture(t)
	f.store.appendErr = func(models.Role) error { return errors.New("read-only") }

	err := f.ctrl.Submit(context.Background(), Turn{Text: "hi"})
	require.Error(t, err)
	assert.Empty(t, f.ctrl.History())
	assert.False(t, f.ctrl.Busy())
}

func TestTitle(t *testing.T) {
	assert.Equal(t, "short", Title("short", 0))
	assert.Equal(t, "abcdefghijklmnopqrstuvwxyz0123...", Title("abcdefghijklmnopqrstuvwxyz0123456789", 0))
	assert.Equal(t, "1 Attachment(s)", Title("", 1))
	long := "ääääääääääääääääääääääääääääääää"
	assert.Equal(t, string([]rune(long)[:30])+"...", Title(long, 0))
}

func TestLoadAndDeleteConversation(t *testing.T) {
	f := newFixture(t)
	close(f.prov.frags)

	require.NoError(t, f.ctrl.Submit(context.Background(), Turn{Text: "hi"}))
	f.obs.wait(t)
	chatID := f.ctrl.ChatID()

	f.ctrl.NewConversation()
	assert.Zero(t, f.ctrl.ChatID())
	assert.Empty(t, f.ctrl.History())

	msgs, err := f.ctrl.LoadConversation(chatID)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
	assert.Equal(t, chatID, f.ctrl.ChatID())
	assert.Len(t, f.ctrl.History(), 2)

	chats, total, err := f.ctrl.ListConversationsPage(10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Len(t, chats, 1)

	require.NoError(t, f.ctrl.RenameConversation(chatID, " renamed "))
	assert.Equal(t, "renamed", f.store.titles[chatID])
	assert.Error(t, f.ctrl.RenameConversation(chatID, "  "))

	require.NoError(t, f.ctrl.DeleteConversation(chatID))
	assert.Zero(t, f.ctrl.ChatID())
	assert.Empty(t, f.ctrl.History())

	msgs, err = f.store.LoadHistory(chatID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestShutdownStopsRunningTurn(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ctrl.Submit(context.Background(), Turn{Text: "hi"}))
	assert.True(t, f.ctrl.Busy())

	f.ctrl.Shutdown()
	res := f.obs.wait(t)
	assert.Equal(t, OutcomeStopped, res.Outcome)
	assert.False(t, f.ctrl.Busy())
}

// stubbornProvider hands out a first stream that ignores cancellation and
// only ends once release is closed. Later streams answer immediately.
type stubbornProvider struct {
	mu      sync.Mutex
	release chan struct{}
	calls   int
}

type stubbornStream struct {
	release <-chan struct{}
	frags   []string
	cur     string
}

func (s *stubbornStream) Next() bool {
	if s.release != nil {
		<-s.release
		s.release = nil
	}
	if len(s.frags) == 0 {
		return false
	}
	s.cur, s.frags = s.frags[0], s.frags[1:]
	return true
}

func (s *stubbornStream) Current() string { return s.cur }
func (s *stubbornStream) Err() error      { return nil }
func (s *stubbornStream) Close() error    { return nil }

func (p *stubbornProvider) Stream(context.Context, prompt.Request) provider.Stream {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.calls == 1 {
		return &stubbornStream{release: p.release}
	}
	return &stubbornStream{frags: []string{"answer"}}
}

func newStubbornFixture(t *testing.T) (*Controller, *stubbornProvider, *memStore, *recorder) {
	t.Helper()
	prov := &stubbornProvider{release: make(chan struct{})}
	store, obs := newMemStore(), newRecorder()
	ctrl := New(Options{
		Store:         store,
		Provider:      prov,
		Observer:      obs,
		Log:           zap.NewNop(),
		TempFileGrace: 10 * time.Millisecond,
		StopGrace:     50 * time.Millisecond,
	})
	return ctrl, prov, store, obs
}

func TestSubmitWaitsForSlowPriorSession(t *testing.T) {
	ctrl, prov, store, obs := newStubbornFixture(t)

	require.NoError(t, ctrl.Submit(context.Background(), Turn{Text: "first"}))

	// A bounded caller gives up without leaving anything behind.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	err := ctrl.Submit(ctx, Turn{Text: "impatient"})
	cancel()
	require.ErrorIs(t, err, context.DeadlineExceeded)
	writes, _ := store.snapshot()
	assert.Equal(t, 2, writes)

	submitted := make(chan error, 1)
	go func() { submitted <- ctrl.Submit(context.Background(), Turn{Text: "second"}) }()

	select {
	case <-submitted:
		t.Fatal("submit returned while the previous session was still alive")
	case <-time.After(150 * time.Millisecond):
	}

	close(prov.release)
	require.NoError(t, <-submitted)

	first := obs.wait(t)
	assert.Equal(t, OutcomeStopped, first.Outcome)
	second := obs.wait(t)
	assert.Equal(t, OutcomeCompleted, second.Outcome)

	assert.Equal(t, []models.HistoryEntry{
		{Role: models.RoleUser, Content: "first"},
		{Role: models.RoleSystem, Content: StoppedMarker},
		{Role: models.RoleUser, Content: "second"},
		{Role: models.RoleAssistant, Content: "answer"},
	}, ctrl.History())
}

func TestConversationSwitchDuringSubmitKeepsHistoryConsistent(t *testing.T) {
	ctrl, prov, store, obs := newStubbornFixture(t)

	require.NoError(t, ctrl.Submit(context.Background(), Turn{Text: "first"}))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		assert.NoError(t, ctrl.Submit(context.Background(), Turn{Text: "second"}))
	}()
	go func() {
		defer wg.Done()
		ctrl.NewConversation()
	}()

	time.Sleep(100 * time.Millisecond)
	close(prov.release)
	wg.Wait()
	obs.wait(t)
	obs.wait(t)
	assert.Eventually(t, func() bool { return !ctrl.Busy() }, time.Second, 5*time.Millisecond)

	// Whatever order the two calls ran in, the in-memory history must be
	// exactly what is stored for the open chat.
	stored, err := store.LoadHistory(ctrl.ChatID())
	require.NoError(t, err)
	want := []models.HistoryEntry{}
	for _, m := range stored {
		want = append(want, models.HistoryEntry{Role: m.Role, Content: m.Content})
	}
	got := append([]models.HistoryEntry{}, ctrl.History()...)
	assert.Equal(t, want, got)
}

func TestHistoryReplayOmitsPriorAttachments(t *testing.T) {
	f := newFixture(t)
	f.prov.frags <- "ok"
	close(f.prov.frags)

	dir := t.TempDir()
	notes := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(notes, []byte("secret file body"), 0o600))
	pic := filepath.Join(dir, "pic.png")
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	out, err := os.Create(pic)
	require.NoError(t, err)
	require.NoError(t, png.Encode(out, img))
	require.NoError(t, out.Close())

	require.NoError(t, f.ctrl.Submit(context.Background(), Turn{
		Text:        "look at these",
		Attachments: []attach.Attachment{{Path: notes}, {Path: pic}},
	}))
	first := f.obs.wait(t)
	require.Equal(t, OutcomeCompleted, first.Outcome)
	require.Len(t, f.prov.lastRequest().Messages[0].Parts, 2)

	require.NoError(t, f.ctrl.Submit(context.Background(), Turn{Text: "and now?"}))
	f.obs.wait(t)

	req := f.prov.lastRequest()
	require.Len(t, req.Messages, 3)
	assert.Equal(t, models.RoleUser, req.Messages[0].Role)
	assert.Equal(t, "look at these", req.Messages[0].Content)
	assert.Empty(t, req.Messages[0].Parts)
	assert.NotContains(t, req.Messages[0].Content, "secret file body")
	assert.Equal(t, "ok", req.Messages[1].Content)
	require.Len(t, req.Messages[2].Parts, 1)
	assert.Equal(t, "and now?", req.Messages[2].Parts[0].Text)
}

func TestStopWithBlankPartialRecordsSystemMarker(t *testing.T) {
	tests := []struct {
		name     string
		fragment string
		role     models.Role
		content  string
	}{
		{"whitespace only", "  \n\t", models.RoleSystem, StoppedMarker},
		{"padded text", "  Hel \n", models.RoleAssistant, "Hel\n\n" + StoppedMarker},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.prov.frags <- tt.fragment

			require.NoError(t, f.ctrl.Submit(context.Background(), Turn{Text: "hi"}))
			assert.Eventually(t, func() bool {
				f.obs.mu.Lock()
				defer f.obs.mu.Unlock()
				return len(f.obs.chunks) == 1
			}, time.Second, 5*time.Millisecond)

			f.ctrl.Stop()
			res := f.obs.wait(t)
			assert.Equal(t, OutcomeStopped, res.Outcome)
			assert.Equal(t, tt.role, res.Role)
			assert.Equal(t, tt.content, res.Content)

			_, rows := f.store.snapshot()
			require.Len(t, rows, 2)
			assert.Equal(t, tt.content, rows[1].text)
		})
	}
}
