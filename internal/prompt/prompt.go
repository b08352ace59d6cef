// Package prompt assembles the provider request for one turn from the prior
// conversation and the user's new text and attachments.
package prompt

import (
	"strings"

	"lumen/internal/attach"
	"lumen/internal/models"
)

type PartType int

const (
	PartText PartType = iota
	PartImage
)

type Part struct {
	Type     PartType
	Text     string
	ImageURL string
}

// Message is either a plain text history message (Content) or the final
// multi-part user message (Parts).
type Message struct {
	Role    models.Role
	Content string
	Parts   []Part
}

type Request struct {
	Messages []Message
}

// Fragment is one ordered piece of the new turn. ImageURL wins over Text when
// both are set.
type Fragment struct {
	Text     string
	ImageURL string
}

type Turn struct {
	Fragments []Fragment
}

// NewTurn orders the user's text first, then each attachment in queue order.
func NewTurn(text string, resolved []attach.Resolved) Turn {
	t := Turn{Fragments: make([]Fragment, 0, len(resolved)+1)}
	t.Fragments = append(t.Fragments, Fragment{Text: text})
	for _, r := range resolved {
		switch {
		case r.ImageURL != "":
			t.Fragments = append(t.Fragments, Fragment{ImageURL: r.ImageURL})
		case r.Text != "":
			t.Fragments = append(t.Fragments, Fragment{Text: r.Text})
		}
	}
	return t
}

// Build returns the history as text messages followed by the turn as a single
// multi-part user message. Only user and assistant history is included.
func Build(history []models.HistoryEntry, turn Turn) (Request, error) {
	parts := Parts(turn)
	if len(parts) == 0 {
		return Request{}, models.ErrEmptyPrompt
	}

	msgs := make([]Message, 0, len(history)+1)
	for _, h := range history {
		if !h.Role.Conversational() {
			continue
		}
		msgs = append(msgs, Message{Role: h.Role, Content: h.Content})
	}
	msgs = append(msgs, Message{Role: models.RoleUser, Parts: parts})
	return Request{Messages: msgs}, nil
}

// Parts coalesces adjacent text fragments with "\n" and gives every image its
// own part, keeping fragment order.
func Parts(turn Turn) []Part {
	var (
		parts []Part
		texts []string
	)
	flush := func() {
		if len(texts) > 0 {
			parts = append(parts, Part{Type: PartText, Text: strings.Join(texts, "\n")})
			texts = nil
		}
	}
	for _, f := range turn.Fragments {
		switch {
		case f.ImageURL != "":
			flush()
			parts = append(parts, Part{Type: PartImage, ImageURL: f.ImageURL})
		case f.Text != "":
			texts = append(texts, f.Text)
		}
	}
	flush()
	return parts
}
