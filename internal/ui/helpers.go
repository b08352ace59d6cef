package ui

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"lumen/internal/attach"
	"lumen/internal/models"
	"lumen/internal/styles"

	"github.com/charmbracelet/bubbles/textarea"
	"github.com/mattn/go-runewidth"
)

const maxSuggestions = 10

var skippedDirs = map[string]bool{"node_modules": true, "vendor": true, "__pycache__": true}

// GetFileSuggestions returns attachable files and directories matching the
// text typed after @. A prefix containing "/" lists that directory; anything
// else searches the working tree by file name.
func GetFileSuggestions(prefix string) []string {
	cwd, err := os.Getwd()
	if err != nil {
		return nil
	}
	if strings.Contains(prefix, "/") {
		return directorySuggestions(cwd, prefix)
	}
	return recursiveSuggestions(cwd, prefix)
}

func attachable(name string) bool {
	return attach.KindOf(name) != models.KindUnsupported
}

func directorySuggestions(cwd, prefix string) []string {
	idx := strings.LastIndex(prefix, "/")
	dir, filePrefix := prefix[:idx+1], strings.ToLower(prefix[idx+1:])

	entries, err := os.ReadDir(filepath.Join(cwd, dir))
	if err != nil {
		return nil
	}

	var suggestions []string
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, ".") && !strings.HasPrefix(filePrefix, ".") {
			continue
		}
		if !entry.IsDir() && !attachable(name) {
			continue
		}
		if strings.HasPrefix(strings.ToLower(name), filePrefix) {
			suggestions = append(suggestions, dir+name)
		}
	}
	return sortSuggestions(cwd, suggestions)
}

func recursiveSuggestions(cwd, prefix string) []string {
	var suggestions []string
	lowerPrefix := strings.ToLower(prefix)

	_ = filepath.WalkDir(cwd, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		name := d.Name()
		if d.IsDir() {
			if path != cwd && (strings.HasPrefix(name, ".") || skippedDirs[name]) {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") && !strings.HasPrefix(prefix, ".") {
			return nil
		}
		if attachable(name) && strings.Contains(strings.ToLower(name), lowerPrefix) {
			rel, _ := filepath.Rel(cwd, path)
			suggestions = append(suggestions, rel)
		}
		if len(suggestions) >= 2*maxSuggestions {
			return filepath.SkipAll
		}
		return nil
	})
	return sortSuggestions(cwd, suggestions)
}

// sortSuggestions puts directories first, then shallower paths, then names.
func sortSuggestions(cwd string, suggestions []string) []string {
	isDir := func(p string) bool {
		info, err := os.Stat(filepath.Join(cwd, p))
		return err == nil && info.IsDir()
	}
	sort.Slice(suggestions, func(i, j int) bool {
		if di, dj := isDir(suggestions[i]), isDir(suggestions[j]); di != dj {
			return di
		}
		if ci, cj := strings.Count(suggestions[i], "/"), strings.Count(suggestions[j], "/"); ci != cj {
			return ci < cj
		}
		return strings.ToLower(suggestions[i]) < strings.ToLower(suggestions[j])
	})
	if len(suggestions) > maxSuggestions {
		suggestions = suggestions[:maxSuggestions]
	}
	return suggestions
}

var (
	mentionRE = regexp.MustCompile(`@("([^"]+)"|([^\s]+))`)
	blanksRE  = regexp.MustCompile(`[ \t]+`)
)

// ExtractFileMentions removes @file and @"file with spaces" mentions that name
// existing files and returns the remaining text with the mentioned paths.
func ExtractFileMentions(input string) (cleanInput string, files []string) {
	seen := make(map[string]bool)
	cleanInput = mentionRE.ReplaceAllStringFunc(input, func(mention string) string {
		match := mentionRE.FindStringSubmatch(mention)
		filename := match[2]
		if filename == "" {
			filename = match[3]
		}
		info, err := os.Stat(filename)
		if err != nil || info.IsDir() {
			return mention
		}
		if !seen[filename] {
			files = append(files, filename)
			seen[filename] = true
		}
		return ""
	})

	lines := strings.Split(cleanInput, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(blanksRE.ReplaceAllString(line, " "))
	}
	return strings.TrimSpace(strings.Join(lines, "\n")), files
}

// MentionFor formats a path for insertion after @, quoting it when needed.
func MentionFor(path string) string {
	if strings.ContainsAny(path, " \t") {
		return `@"` + path + `"`
	}
	return "@" + path
}

// GetAtPosition finds the @ mention being typed at cursor position
func GetAtPosition(input string, cursorPos int) (prefix string, startPos int, found bool) {
	if cursorPos > len(input) {
		cursorPos = len(input)
	}

	// Look backwards from cursor for @
	for i := cursorPos - 1; i >= 0; i-- {
		ch := input[i]
		if ch == '@' {
			prefix = input[i+1 : cursorPos]
			return prefix, i, true
		}
		if ch == ' ' || ch == '\n' || ch == '\t' {
			return "", 0, false
		}
	}
	return "", 0, false
}

func TextareaCursorIndex(t textarea.Model) int {
	value := t.Value()
	row := t.Line()
	li := t.LineInfo()
	col := li.StartColumn + li.ColumnOffset
	return cursorIndexFromRowCol(value, row, col)
}

func TextareaCursorFromIndex(value string, index int) (row int, col int) {
	if index < 0 {
		index = 0
	}
	if index > len(value) {
		index = len(value)
	}

	lines := strings.Split(value, "\n")
	pos := 0
	for i, line := range lines {
		lineLen := len(line)
		if index <= pos+lineLen {
			row = i
			col = runeIndexForByteIndex(line, index-pos)
			return row, col
		}
		pos += lineLen + 1
	}

	if len(lines) == 0 {
		return 0, 0
	}
	row = len(lines) - 1
	col = utf8.RuneCountInString(lines[row])
	return row, col
}

func SetTextareaCursor(t *textarea.Model, row int, col int) {
	lineCount := t.LineCount()
	if lineCount == 0 {
		t.SetCursor(0)
		return
	}
	if row < 0 {
		row = 0
	}
	if row >= lineCount {
		row = lineCount - 1
	}

	for i := 0; i < 10000 && t.Line() > 0; i++ {
		t.CursorUp()
	}
	for i := 0; i < 10000 && t.Line() < row; i++ {
		t.CursorDown()
	}
	for i := 0; i < 10000 && t.Line() > row; i++ {
		t.CursorUp()
	}

	t.SetCursor(col)
}

func cursorIndexFromRowCol(value string, row int, col int) int {
	lines := strings.Split(value, "\n")
	if len(lines) == 0 {
		return 0
	}
	if row < 0 {
		row = 0
	}
	if row >= len(lines) {
		row = len(lines) - 1
	}

	index := 0
	for i := 0; i < row; i++ {
		index += len(lines[i]) + 1
	}
	index += byteIndexForRuneColumn(lines[row], col)
	return index
}

func byteIndexForRuneColumn(s string, col int) int {
	if col <= 0 {
		return 0
	}
	count := 0
	for i := range s {
		if count >= col {
			return i
		}
		count++
	}
	return len(s)
}

func runeIndexForByteIndex(s string, idx int) int {
	if idx <= 0 {
		return 0
	}
	count := 0
	for i := range s {
		if i >= idx {
			return count
		}
		count++
	}
	return count
}

func WrappedLineCount(value string, width int) int {
	if width <= 0 {
		return 1
	}
	lines := strings.Split(value, "\n")
	if len(lines) == 0 {
		return 1
	}
	count := 0
	for _, line := range lines {
		w := runewidth.StringWidth(line)
		if w == 0 {
			count++
			continue
		}
		count += (w-1)/width + 1
	}
	return count
}

func PromptPreview(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.Join(strings.Fields(s), " ")
	const maxRunes = 500
	r := []rune(s)
	if len(r) > maxRunes {
		return string(r[:maxRunes])
	}
	return s
}

func TruncateRunes(s string, max int) string {
	if max <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	if max <= 1 {
		return "…"
	}
	return string(r[:max-1]) + "…"
}

func RelativeTime(t time.Time) string {
	d := time.Since(t)
	if d < 0 {
		d = -d
	}
	if d < time.Minute {
		return "just now"
	}
	if d < time.Hour {
		mins := int(d.Minutes())
		if mins == 1 {
			return "1 min ago"
		}
		return fmt.Sprintf("%d mins ago", mins)
	}
	if d < 24*time.Hour {
		hrs := int(d.Hours())
		if hrs == 1 {
			return "1 hr ago"
		}
		return fmt.Sprintf("%d hrs ago", hrs)
	}
	days := int(d.Hours() / 24)
	if days < 14 {
		if days == 1 {
			return "1 day ago"
		}
		return fmt.Sprintf("%d days ago", days)
	}
	weeks := days / 7
	if weeks == 1 {
		return "1 week ago"
	}
	return fmt.Sprintf("%d weeks ago", weeks)
}

func FormatUserMessage(content string, width int, isFirst bool) string {
	label := styles.UserLabelStyle.Render("YOU")
	msg := styles.UserMsgStyle.Width(max(width-4, 10)).Render(content)
	if isFirst {
		return fmt.Sprintf("\n%s\n%s", label, msg)
	}
	return fmt.Sprintf("%s\n%s", label, msg)
}

func FormatAIMessage(content string) string {
	label := styles.AiLabelStyle.Render("LUMEN")
	msg := styles.AiMsgStyle.Render(content)
	return fmt.Sprintf("%s\n%s", label, msg)
}

func FormatStreaming(content string) string {
	label := styles.AiLabelStyle.Render("LUMEN")
	return fmt.Sprintf("%s\n%s", label, styles.StreamingMsgStyle.Render(content))
}

func FormatSystemMessage(content string) string {
	return styles.SystemMsgStyle.Render(content)
}

func FormatError(content string) string {
	label := styles.ErrorLabelStyle.Render("ERROR")
	return fmt.Sprintf("%s\n%s", label, styles.ErrorStyle.Render(content))
}

func FormatWarning(content string) string {
	return styles.WarningStyle.Render("⚠ " + content)
}

func FormatNotice(content string) string {
	return styles.NoticeStyle.Render("✓ " + content)
}

// DisplayWithAttachments appends a line naming the attached files.
func DisplayWithAttachments(text string, paths []string) string {
	if len(paths) == 0 {
		return text
	}
	names := make([]string, len(paths))
	for i, p := range paths {
		names[i] = filepath.Base(p)
	}
	line := styles.AttachmentLineStyle.Render("📎 " + strings.Join(names, ", "))
	if text == "" {
		return line
	}
	return text + "\n" + line
}

func AttachmentPaths(atts []attach.Attachment) []string {
	paths := make([]string, len(atts))
	for i, a := range atts {
		paths[i] = a.Path
	}
	return paths
}

// ChatLabel is the history list text for a chat, falling back to its
// creation time when untitled.
func ChatLabel(c models.Chat) string {
	title := PromptPreview(c.Title)
	if title == "" {
		return "Chat from " + c.CreatedAt.Format("2006-01-02 15:04")
	}
	return title
}
