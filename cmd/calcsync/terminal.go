package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/hyperengineering/calcsync/internal/client"
	"github.com/hyperengineering/calcsync/internal/connection"
	"github.com/hyperengineering/calcsync/internal/types"
)

// terminal renders client events as plain lines. Events arrive from several
// goroutines, so every write is serialized.
type terminal struct {
	mu   sync.Mutex
	out  io.Writer
	seen int
}

func newTerminal(out io.Writer) *terminal {
	return &terminal{out: out}
}

func (t *terminal) printf(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, format, args...)
}

func (t *terminal) StateChanged(s connection.State) {
	if s == connection.AwaitingInput {
		t.printf("> ready\n")
	}
}

func (t *terminal) Status(s connection.Status) {
	t.printf("[%s] %s\n", s.Kind, s.Message)
}

func (t *terminal) Progress(p connection.Progress) {
	t.printf("%s\n", progressBar(p))
}

// ListingUpdated prints the history whenever its size changes.
func (t *terminal) ListingUpdated(records []types.Record) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(records) == t.seen {
		return
	}
	t.seen = len(records)

	fmt.Fprintf(t.out, "history: %d record(s)\n", len(records))
	w := newTabWriter(t.out)
	for _, r := range records {
		fmt.Fprintf(w, "  %d\t%s\t= %s\t%s\n", r.ID, r.Expression, r.Result, r.Timestamp.UTC().Format(displayLayout))
	}
	w.Flush()
}

func (t *terminal) Error(err error) {
	t.printf("error: %v\n", err)
}

func (t *terminal) Submitted(res client.SubmitResult) {
	switch res.Outcome {
	case client.Accepted:
		t.printf("%s = %s\n", res.Expression, res.Record.Result)
	case client.Rejected:
		t.printf("%s: rejected by server (status %d)\n", res.Expression, res.StatusCode)
	}
}

// progressBar draws attempt n of max as a fixed-width bar.
func progressBar(p connection.Progress) string {
	max := p.Max
	if max < 1 {
		max = 1
	}
	filled := min(p.Attempt, max)
	return fmt.Sprintf("[%s%s] %d/%d",
		strings.Repeat("#", filled), strings.Repeat("-", max-filled), p.Attempt, p.Max)
}
