// Package attach turns queued attachment files into prompt content: plain
// text and PDF pages become text, images become embeddable data URLs.
package attach

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"lumen/internal/models"

	"github.com/ledongthuc/pdf"
)

// MaxFileSize is the largest attachment accepted before any processing.
const MaxFileSize = 20 << 20

var (
	ErrTooLarge    = errors.New("file exceeds the attachment size limit")
	ErrUnsupported = errors.New("unsupported attachment type")
	ErrIsDir       = errors.New("attachment is a directory")
)

var kindsByExt = map[string]models.AttachmentKind{
	".txt":  models.KindText,
	".md":   models.KindText,
	".csv":  models.KindText,
	".json": models.KindText,
	".log":  models.KindText,
	".go":   models.KindText,
	".py":   models.KindText,
	".pdf":  models.KindPDF,
	".png":  models.KindImage,
	".jpg":  models.KindImage,
	".jpeg": models.KindImage,
	".webp": models.KindImage,
	".gif":  models.KindImage,
}

// Attachment is a file queued for the next turn. Temporary files (pasted
// images) are never persisted and are removed after the turn is sent.
type Attachment struct {
	Path      string
	Temporary bool
}

func (a Attachment) Kind() models.AttachmentKind { return KindOf(a.Path) }

// Resolved is an attachment turned into prompt content. Exactly one of Text
// and ImageURL is set unless the file contributed nothing, in which case
// Warning explains why.
type Resolved struct {
	Attachment
	Kind     models.AttachmentKind
	Text     string
	ImageURL string
	Warning  string
}

func KindOf(path string) models.AttachmentKind {
	return kindsByExt[strings.ToLower(filepath.Ext(path))]
}

// Validate checks that the file exists, is a regular file, and is within
// MaxFileSize.
func Validate(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("attachment %s: %w", filepath.Base(path), err)
	}
	if info.IsDir() {
		return fmt.Errorf("attachment %s: %w", filepath.Base(path), ErrIsDir)
	}
	if info.Size() > MaxFileSize {
		return fmt.Errorf("attachment %s (%.1f MB): %w (%d MB)",
			filepath.Base(path), float64(info.Size())/(1<<20), ErrTooLarge, MaxFileSize>>20)
	}
	return nil
}

// Resolve reads the attachment. Unsupported types are not an error: they
// resolve to an empty value with a warning so the rest of the turn can be sent.
func Resolve(a Attachment) (Resolved, error) {
	r := Resolved{Attachment: a, Kind: a.Kind()}
	if err := Validate(a.Path); err != nil {
		return r, err
	}

	name := filepath.Base(a.Path)
	switch r.Kind {
	case models.KindText:
		data, err := os.ReadFile(a.Path)
		if err != nil {
			return r, fmt.Errorf("attachment %s: %w", name, err)
		}
		r.Text = toUTF8(data)
	case models.KindPDF:
		text, err := ExtractPDFText(a.Path)
		if err != nil {
			return r, fmt.Errorf("attachment %s: %w", name, err)
		}
		if strings.TrimSpace(text) == "" {
			r.Warning = fmt.Sprintf("could not extract text from %s", name)
		}
		r.Text = text
	case models.KindImage:
		url, err := EncodeImageFile(a.Path)
		if err != nil {
			return r, fmt.Errorf("attachment %s: %w", name, err)
		}
		r.ImageURL = url
	default:
		r.Warning = fmt.Sprintf("%s: %v %q, skipping content", name, ErrUnsupported, filepath.Ext(a.Path))
	}
	return r, nil
}

// ExtractPDFText concatenates the plain text of every page in page order.
func ExtractPDFText(path string) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	defer f.Close()

	var sb strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return "", fmt.Errorf("read pdf page %d: %w", i, err)
		}
		sb.WriteString(text)
	}
	return sb.String(), nil
}

func toUTF8(data []byte) string {
	if utf8.Valid(data) {
		return string(data)
	}
	return strings.ToValidUTF8(string(data), "�")
}
