// Package events emits the phase-level progress stream consumed by the
// dashboard and other external tooling. Events are appended as JSON lines
// to a file in the state directory; transport is the consumer's problem.
package events

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/arthur-debert/consync/pkg/logging"
)

// Phase names reported on the event stream.
const (
	PhaseFetch     = "fetch"
	PhaseSnapshot  = "snapshot"
	PhaseScripts   = "scripts"
	PhasePackages  = "packages"
	PhaseFiles     = "files"
	PhaseConflicts = "conflicts"
	PhaseFinalize  = "finalize"
)

// Event is one phase-progress record.
type Event struct {
	Time    time.Time `json:"time"`
	Run     string    `json:"run"`
	Phase   string    `json:"phase"`
	Percent int       `json:"percent"`
	Message string    `json:"message"`
}

// Emitter appends events to a writer as JSON lines.
type Emitter struct {
	mu     sync.Mutex
	out    io.Writer
	closer io.Closer
	runID  string
}

// NewEmitter creates an emitter writing to w for the given run.
func NewEmitter(w io.Writer, runID string) *Emitter {
	return &Emitter{out: w, runID: runID}
}

// OpenFileEmitter creates an emitter appending to events.jsonl in stateDir.
func OpenFileEmitter(stateDir, runID string) (*Emitter, error) {
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, err
	}
	path := filepath.Join(stateDir, "events.jsonl")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return &Emitter{out: file, closer: file, runID: runID}, nil
}

// Emit writes one event. Emission failures are logged, never fatal: a
// broken event stream must not break a sync.
func (e *Emitter) Emit(phase string, percent int, message string) {
	if e == nil {
		return
	}

	ev := Event{
		Time:    time.Now().UTC(),
		Run:     e.runID,
		Phase:   phase,
		Percent: percent,
		Message: message,
	}

	logger := logging.GetLogger("events")
	logger.Info().
		Str("phase", phase).
		Int("percent", percent).
		Msg(message)

	data, err := json.Marshal(ev)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to marshal event")
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.out.Write(append(data, '\n')); err != nil {
		logger.Warn().Err(err).Msg("failed to write event")
	}
}

// Close releases the underlying file, if any.
func (e *Emitter) Close() error {
	if e == nil || e.closer == nil {
		return nil
	}
	return e.closer.Close()
}
