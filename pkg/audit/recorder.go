// Package audit implements the append-only write-through recorder and the
// tamper-evident approval history. It is the only sink for history; a
// failed audit write fails the operation that attempted it.
package audit

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opsgate/opsgate/pkg/canonical"
	"github.com/opsgate/opsgate/pkg/fault"
)

// Kind categorizes audit events.
type Kind string

const (
	KindAttempt  Kind = "attempt"
	KindSuccess  Kind = "success"
	KindDenied   Kind = "denied"
	KindFailure  Kind = "failure"
	KindSecurity Kind = "security"
)

// Event is one audit record. Events carry a sha256 chain so an exported
// log can be walked for gaps and rewrites.
type Event struct {
	ID        string         `json:"id"`
	Sequence  uint64         `json:"sequence"`
	Timestamp time.Time      `json:"timestamp"`
	Kind      Kind           `json:"kind"`
	Actor     string         `json:"actor"`
	Target    string         `json:"target"`
	Outcome   string         `json:"outcome"`
	Details   map[string]any `json:"details,omitempty"`
	PrevHash  string         `json:"prev_hash"`
	Hash      string         `json:"hash"`
}

// Recorder appends audit events. Implementations must be durable before
// returning; a nil error means the record is on disk.
type Recorder interface {
	Record(kind Kind, actor, target, outcome string, details map[string]any) error
}

// ChainRecorder writes JSON-line events to a writer, maintaining a hash
// chain and a monotonic sequence. Writes are serialized; the caller's
// operation fails if the write does.
type ChainRecorder struct {
	mu       sync.Mutex
	w        io.Writer
	sequence uint64
	head     string
	clock    func() time.Time
}

// NewChainRecorder creates a recorder on the given writer. A nil writer
// falls back to stdout.
func NewChainRecorder(w io.Writer) *ChainRecorder {
	if w == nil {
		w = os.Stdout
	}
	return &ChainRecorder{w: w, head: "genesis", clock: time.Now}
}

// SetClock overrides the timestamp source, for tests.
func (r *ChainRecorder) SetClock(clock func() time.Time) { r.clock = clock }

// Record appends one event. The event is hashed over its canonical form
// minus the hash field, linked to the previous head, and flushed.
func (r *ChainRecorder) Record(kind Kind, actor, target, outcome string, details map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sequence++
	ev := Event{
		ID:        uuid.New().String(),
		Sequence:  r.sequence,
		Timestamp: r.clock().UTC(),
		Kind:      kind,
		Actor:     actor,
		Target:    target,
		Outcome:   outcome,
		Details:   details,
		PrevHash:  r.head,
	}
	h, err := eventHash(&ev)
	if err != nil {
		r.sequence--
		return fault.Wrap(fault.Audit, "hash audit event", err)
	}
	ev.Hash = h

	line, err := canonical.Marshal(ev)
	if err != nil {
		r.sequence--
		return fault.Wrap(fault.Audit, "serialize audit event", err)
	}
	if _, err := r.w.Write(append(line, '\n')); err != nil {
		r.sequence--
		return fault.Wrap(fault.Audit, "append audit event", err)
	}
	if f, ok := r.w.(*os.File); ok {
		if err := f.Sync(); err != nil {
			return fault.Wrap(fault.Audit, "sync audit log", err)
		}
	}
	r.head = ev.Hash
	return nil
}

// Head returns the current chain head.
func (r *ChainRecorder) Head() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.head
}

func eventHash(ev *Event) (string, error) {
	hashable := struct {
		Sequence  uint64         `json:"sequence"`
		Timestamp time.Time      `json:"timestamp"`
		Kind      Kind           `json:"kind"`
		Actor     string         `json:"actor"`
		Target    string         `json:"target"`
		Outcome   string         `json:"outcome"`
		Details   map[string]any `json:"details,omitempty"`
		PrevHash  string         `json:"prev_hash"`
	}{ev.Sequence, ev.Timestamp, ev.Kind, ev.Actor, ev.Target, ev.Outcome, ev.Details, ev.PrevHash}
	return canonical.Hash(hashable)
}

// VerifyChain recomputes the hash chain over exported events and returns
// the sequence numbers whose links or hashes do not hold.
func VerifyChain(events []Event) []uint64 {
	var bad []uint64
	expectedPrev := "genesis"
	for i := range events {
		ev := &events[i]
		h, err := eventHash(ev)
		if err != nil || h != ev.Hash || ev.PrevHash != expectedPrev {
			bad = append(bad, ev.Sequence)
		}
		expectedPrev = ev.Hash
	}
	return bad
}

// Actor formats an actor field as id/username.
func Actor(id, username string) string {
	return fmt.Sprintf("%s/%s", id, username)
}
