package models

import "errors"

var (
	ErrInvalidRole  = errors.New("invalid message role")
	ErrEmptyPrompt  = errors.New("cannot send empty message content")
	ErrChatNotFound = errors.New("chat not found")
)
