// Package report collects per-resource outcomes from concurrently running
// workers and turns them into the run summary and exit code the invoking
// pipeline consumes.
//
// The Report is passed explicitly to everything that records into it. No
// global state: workers run in parallel and each holds a reference to the
// same mutex-guarded, append-only collection.
package report

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gruntwork-io/go-commons/errors"
)

// Exit codes consumed by the invoking pipeline. Partial failure gets its own
// code so the build can be marked unstable instead of broken.
const (
	ExitSuccess        = 0
	ExitTotalFailure   = 1
	ExitPartialFailure = 2
)

type Status string

const (
	StatusSuccess Status = "SUCCESS"
	// StatusPartial marks a cleanup where the image was deregistered but
	// some backing snapshots could not be deleted.
	StatusPartial Status = "PARTIAL"
	StatusFailed  Status = "FAILED"
	StatusSkipped Status = "SKIPPED"
)

// Entry is the outcome of exactly one resource (one list line in backup
// mode, one discovered image in cleanup mode). Once recorded it is never
// modified.
type Entry struct {
	Line       int
	AccountID  string
	Region     string
	ResourceID string
	Status     Status
	Detail     string
	Error      error
}

// SinkLine renders the entry in the pipe-separated format the pipeline's
// outcome sinks expect: lineNo|accountId|region|resourceId|STATUS|detail
func (e Entry) SinkLine() string {
	detail := e.Detail
	if e.Error != nil {
		if detail != "" {
			detail += ": "
		}
		detail += e.Error.Error()
	}
	// The detail is free text from error messages; keep the field count stable.
	detail = strings.ReplaceAll(detail, "|", "/")

	return fmt.Sprintf("%d|%s|%s|%s|%s|%s", e.Line, e.AccountID, e.Region, e.ResourceID, e.Status, detail)
}

// Report is a concurrent-safe, append-only outcome sink.
type Report struct {
	mu      sync.Mutex
	entries []Entry
}

func New() *Report {
	return &Report{}
}

// Add records one outcome. Safe to call from concurrently running workers.
func (r *Report) Add(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
}

// Entries returns a copy of everything recorded so far, in completion order.
// Completion order carries no meaning beyond logging.
func (r *Report) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Summary holds the final counts for a run. Compute it only after all
// dispatched workers have finished; summarizing early undercounts.
type Summary struct {
	Scanned   int
	Succeeded int
	Partial   int
	Failed    int
	Skipped   int
}

func (r *Report) Summarize() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()

	summary := Summary{Scanned: len(r.entries)}
	for _, e := range r.entries {
		switch e.Status {
		case StatusSuccess:
			summary.Succeeded++
		case StatusPartial:
			summary.Partial++
		case StatusFailed:
			summary.Failed++
		case StatusSkipped:
			summary.Skipped++
		}
	}

	return summary
}

// ExitCode derives the three-tier process exit code: 0 when nothing failed,
// 2 when failures are mixed with successes (unstable), 1 when every
// attempted resource failed. Partial cleanups count with successes (the
// image is gone) and skips never affect the code.
func (s Summary) ExitCode() int {
	if s.Failed == 0 {
		return ExitSuccess
	}
	if s.Succeeded+s.Partial > 0 {
		return ExitPartialFailure
	}
	return ExitTotalFailure
}

// WriteSinks appends the run's outcome lines to the per-status list files
// under dir. Partial entries are written to the success sink with their
// detail, matching how the exit code counts them.
func (r *Report) WriteSinks(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.WithStackTrace(err)
	}

	sinks := map[string][]Entry{}
	for _, e := range r.Entries() {
		name := strings.ToLower(string(e.Status)) + ".list"
		if e.Status == StatusPartial {
			name = "success.list"
		}
		sinks[name] = append(sinks[name], e)
	}

	for name, entries := range sinks {
		file, err := os.OpenFile(filepath.Join(dir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return errors.WithStackTrace(err)
		}
		for _, e := range entries {
			if _, err := fmt.Fprintln(file, e.SinkLine()); err != nil {
				file.Close()
				return errors.WithStackTrace(err)
			}
		}
		if err := file.Close(); err != nil {
			return errors.WithStackTrace(err)
		}
	}

	return nil
}
