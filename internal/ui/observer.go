package ui

import (
	"sync"

	"lumen/internal/chat"

	tea "github.com/charmbracelet/bubbletea"
)

// Observer forwards controller events into the running program. Events sent
// before a program is attached are dropped.
type Observer struct {
	mu      sync.Mutex
	program *tea.Program
}

func NewObserver() *Observer { return &Observer{} }

func (o *Observer) Attach(p *tea.Program) {
	o.mu.Lock()
	o.program = p
	o.mu.Unlock()
}

func (o *Observer) Send(msg tea.Msg) {
	o.mu.Lock()
	p := o.program
	o.mu.Unlock()
	if p != nil {
		p.Send(msg)
	}
}

func (o *Observer) Chunk(fragment string)    { o.Send(ChunkMsg{Text: fragment}) }
func (o *Observer) Finished(res chat.Result) { o.Send(FinishedMsg{Result: res}) }
func (o *Observer) Warning(msg string)       { o.Send(WarningMsg{Text: msg}) }
