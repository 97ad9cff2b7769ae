package orchestrator

// Progress is one flash progress event.
type Progress struct {
	FileIndex int `json:"fileIndex"`
	Files     int `json:"files"`
	Written   int `json:"written"`
	Total     int `json:"total"`
	Percent   int `json:"percent"`
}

// progressThrottle forwards device progress only when the whole percentage
// of the current file changes.
type progressThrottle struct {
	files       int
	lastFile    int
	lastPercent int
	emit        func(Progress)
}

func newProgressThrottle(files int, emit func(Progress)) *progressThrottle {
	return &progressThrottle{files: files, lastFile: -1, lastPercent: -1, emit: emit}
}

func (t *progressThrottle) report(fileIndex, written, total int) {
	pct := 100
	if total > 0 {
		pct = written * 100 / total
	}
	pct = max(0, min(pct, 100))
	if fileIndex == t.lastFile && pct == t.lastPercent {
		return
	}
	t.lastFile, t.lastPercent = fileIndex, pct
	t.emit(Progress{
		FileIndex: fileIndex,
		Files:     t.files,
		Written:   written,
		Total:     total,
		Percent:   pct,
	})
}

// Run is a flash in progress. Events delivers progress until the run ends,
// then is closed. The caller must drain Events or call Wait.
type Run struct {
	events chan Progress
	done   chan struct{}
	err    error
}

func newRun() *Run {
	return &Run{
		events: make(chan Progress, 16),
		done:   make(chan struct{}),
	}
}

// Events returns the progress stream.
func (r *Run) Events() <-chan Progress { return r.events }

// Done is closed once the run has finished and the device is released.
func (r *Run) Done() <-chan struct{} { return r.done }

// Wait discards remaining events and returns the outcome.
func (r *Run) Wait() error {
	for range r.events {
	}
	<-r.done
	return r.err
}

func (r *Run) emit(p Progress) { r.events <- p }

func (r *Run) finish(err error) {
	r.err = err
	close(r.events)
	close(r.done)
}
