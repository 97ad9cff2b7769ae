package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"espflash/internal/orchestrator"
)

const barWidth = 30

// renderBar draws one progress line, e.g. "[=====     ]  42% file 1/3".
func renderBar(p orchestrator.Progress, width int) string {
	filled := p.Percent * width / 100
	return fmt.Sprintf("[%s%s] %3d%% file %d/%d",
		strings.Repeat("=", filled),
		strings.Repeat(" ", width-filled),
		p.Percent, p.FileIndex+1, p.Files)
}

// terminal interleaves log lines with a progress line that is redrawn in
// place.
type terminal struct {
	mu      sync.Mutex
	w       io.Writer
	barOpen bool
}

func (t *terminal) Log(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.barOpen {
		fmt.Fprintln(t.w)
		t.barOpen = false
	}
	fmt.Fprintln(t.w, line)
}

func (t *terminal) Progress(p orchestrator.Progress) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.w, "\r%s", renderBar(p, barWidth))
	t.barOpen = true
}
