// Package session runs one streaming request and reports its lifecycle as an
// ordered event stream ending in exactly one terminal outcome.
package session

import (
	"context"
	"errors"
	"strings"
	"sync"

	"lumen/internal/prompt"
	"lumen/internal/provider"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrAlreadyStarted = errors.New("session already started")

type State int

const (
	StateIdle State = iota
	StateRunning
	StateCompleted
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

func (s State) Terminal() bool { return s >= StateCompleted }

type EventKind int

const (
	EventChunk EventKind = iota
	EventCompleted
	EventStopped
	EventFailed
)

// Event is a chunk (Text holds the fragment) or the terminal outcome (Text
// holds everything accumulated; Failure is set for EventFailed).
type Event struct {
	Kind    EventKind
	Text    string
	Failure *provider.Failure
}

func (e Event) Terminal() bool { return e.Kind != EventChunk }

type Session struct {
	ID string

	provider provider.Provider
	log      *zap.Logger

	mu            sync.Mutex
	state         State
	stopRequested bool
	cancel        context.CancelFunc
	done          chan struct{}
}

func New(p provider.Provider, log *zap.Logger) *Session {
	id := uuid.NewString()
	return &Session{
		ID:       id,
		provider: p,
		log:      log.With(zap.String("session_id", id)),
		done:     make(chan struct{}),
	}
}

// Start opens the stream on its own goroutine. The returned channel carries
// every event in arrival order and is closed after the terminal event.
func (s *Session) Start(ctx context.Context, req prompt.Request) (<-chan Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle {
		return nil, ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.state = StateRunning

	events := make(chan Event, 64)
	go s.run(ctx, req, events)
	s.log.Info("session started", zap.Int("messages", len(req.Messages)))
	return events, nil
}

func (s *Session) run(ctx context.Context, req prompt.Request, events chan<- Event) {
	defer close(events)
	defer s.cancel()

	var acc strings.Builder
	stream := s.provider.Stream(ctx, req)
	defer stream.Close()

	for stream.Next() {
		if s.stopping() {
			s.finish(StateStopped, events, Event{Kind: EventStopped, Text: acc.String()})
			return
		}
		fragment := stream.Current()
		acc.WriteString(fragment)
		events <- Event{Kind: EventChunk, Text: fragment}
	}

	err := stream.Err()
	switch {
	case s.stopping():
		s.finish(StateStopped, events, Event{Kind: EventStopped, Text: acc.String()})
	case err != nil:
		failure := provider.Normalize(err)
		s.log.Warn("session failed", zap.String("kind", failure.Kind.String()), zap.Error(err))
		s.finish(StateFailed, events, Event{Kind: EventFailed, Text: acc.String(), Failure: failure})
	default:
		s.finish(StateCompleted, events, Event{Kind: EventCompleted, Text: acc.String()})
	}
}

func (s *Session) finish(state State, events chan<- Event, ev Event) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()

	events <- ev
	close(s.done)
	s.log.Info("session finished", zap.String("state", state.String()), zap.Int("chars", len(ev.Text)))
}

func (s *Session) stopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopRequested
}

// Stop requests termination and aborts the in-flight request. It does not
// wait; the terminal event arrives on the channel.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning || s.stopRequested {
		return
	}
	s.stopRequested = true
	s.cancel()
	s.log.Info("stop requested")
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the terminal event has been sent.
func (s *Session) Done() <-chan struct{} { return s.done }
