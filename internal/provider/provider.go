// Package provider streams completions from a remote model and normalizes
// its failures into one displayable form.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"lumen/internal/prompt"

	"github.com/openai/openai-go/v3"
)

// Stream yields response fragments in order. Next returns false at the end of
// the stream or on error; Err tells the two apart.
type Stream interface {
	Next() bool
	Current() string
	Err() error
	Close() error
}

type Provider interface {
	Stream(ctx context.Context, req prompt.Request) Stream
}

type FailureKind int

const (
	FailureGeneric FailureKind = iota
	FailureAuth
	FailureRateLimit
	FailureBadRequest
	FailurePolicy
)

func (k FailureKind) String() string {
	switch k {
	case FailureAuth:
		return "auth"
	case FailureRateLimit:
		return "rate_limit"
	case FailureBadRequest:
		return "bad_request"
	case FailurePolicy:
		return "policy"
	default:
		return "generic"
	}
}

// Failure is a provider error reduced to a kind and a single description.
type Failure struct {
	Kind        FailureKind
	Description string
	Err         error
}

func (f *Failure) Error() string { return f.Description }
func (f *Failure) Unwrap() error { return f.Err }

var ErrContentFiltered = errors.New("content generation stopped by the provider's content filter")

// Normalize classifies err. A *Failure passes through unchanged.
func Normalize(err error) *Failure {
	if err == nil {
		return nil
	}
	var f *Failure
	if errors.As(err, &f) {
		return f
	}

	if errors.Is(err, ErrContentFiltered) || mentionsPolicy(err.Error()) {
		return &Failure{Kind: FailurePolicy, Description: "Blocked by the provider's content policy.", Err: err}
	}

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		detail := apiErr.Message
		if detail == "" {
			detail = http.StatusText(apiErr.StatusCode)
		}
		switch apiErr.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return &Failure{Kind: FailureAuth, Description: "Invalid API key or authentication failed. Check settings. Details: " + detail, Err: err}
		case http.StatusTooManyRequests:
			return &Failure{Kind: FailureRateLimit, Description: "API rate limit exceeded. Details: " + detail, Err: err}
		case http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity:
			return &Failure{Kind: FailureBadRequest, Description: "Invalid request sent to API (check model name, input format, parameters). Details: " + detail, Err: err}
		}
		return &Failure{Kind: FailureGeneric, Description: fmt.Sprintf("API error (%d). Details: %s", apiErr.StatusCode, detail), Err: err}
	}

	return &Failure{Kind: FailureGeneric, Description: "Could not get response from API. Details: " + err.Error(), Err: err}
}

func mentionsPolicy(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "content management policy") || strings.Contains(msg, "content filter")
}
