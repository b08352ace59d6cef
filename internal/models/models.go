package models

import "time"

// Role is the closed set of message roles used by storage, history and the
// provider boundary.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleError     Role = "error"
	RoleSystem    Role = "system"
)

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleError, RoleSystem:
		return true
	}
	return false
}

// Conversational reports whether the role is sent to the provider.
func (r Role) Conversational() bool {
	return r == RoleUser || r == RoleAssistant
}

type AttachmentKind int

const (
	KindUnsupported AttachmentKind = iota
	KindText
	KindPDF
	KindImage
)

func (k AttachmentKind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindPDF:
		return "pdf"
	case KindImage:
		return "image"
	default:
		return "unsupported"
	}
}

type Chat struct {
	ID        int64
	Title     string
	CreatedAt time.Time
}

type StoredMessage struct {
	Role            Role
	Content         string
	AttachmentPaths []string
	CreatedAt       time.Time
}

// HistoryEntry is the text-only record replayed to the provider.
type HistoryEntry struct {
	Role    Role
	Content string
}
