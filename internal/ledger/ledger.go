// Package ledger tracks, per upload id, which sequence numbers have been
// durably staged and decides when an upload is complete.
//
// Every chunk write goes through Admit, then ChunkStore.Put, then either
// Ticket.Commit or Ticket.Abort. The staged set therefore only ever holds
// sequence numbers whose Put returned successfully, and the transition into
// completion happens under the entry lock so that exactly one Commit per
// upload observes it.
//
// The ledger is a cache. The first time this process sees an upload id it
// hydrates the entry by enumerating the chunk store, which stays the source
// of truth across restarts.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	uperr "github.com/chunkrelay/chunkrelay/internal/errors"
	"github.com/chunkrelay/chunkrelay/internal/staging"
)

// State is the lifecycle position of one upload.
type State int

const (
	// StateReceiving accepts chunk writes.
	StateReceiving State = iota
	// StateCompleting means a Commit won the completion transition and
	// reassembly is running.
	StateCompleting
	// StateAssembled means the artifact is committed and waits for a
	// successful publish.
	StateAssembled
	// StateClosed is terminal. The entry is kept as a tombstone so late
	// chunks are rejected instead of starting a new upload.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateReceiving:
		return "receiving"
	case StateCompleting:
		return "completing"
	case StateAssembled:
		return "assembled"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Outcome is the result of recording one successful chunk write.
type Outcome struct {
	// Complete is true for exactly one Commit per completion.
	Complete bool
	Received int
	Expected int
	// Extraneous lists staged sequence numbers above Expected. They are
	// reported on the completing Commit and otherwise ignored.
	Extraneous []int
}

// Status is a point-in-time view of an upload.
type Status struct {
	UploadID   string
	State      State
	Received   int
	Expected   int
	Publishing bool
}

// Complete reports whether every expected sequence number is staged.
func (s Status) Complete() bool {
	return s.Expected > 0 && s.Received == s.Expected
}

// ArtifactStatter reports whether an upload already has a committed
// artifact. Hydration uses it to recognise uploads that were reassembled
// before a restart.
type ArtifactStatter interface {
	Stat(ctx context.Context, uploadID string) (*staging.Artifact, error)
}

type entry struct {
	mu   sync.Mutex
	cond *sync.Cond

	state    State
	expected int
	// staged holds every sequence number known to be in the store, including
	// any above expected.
	staged   map[int]struct{}
	received int

	writers    int
	publishing bool
	hydrated   bool
	// removed is set when the entry has been dropped from the ledger map.
	// Holders of a stale pointer must look the upload up again.
	removed bool

	lastActivity time.Time
	closedAt     time.Time
}

func newEntry() *entry {
	e := &entry{staged: make(map[int]struct{})}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// setExpected fixes the expected count and recounts the staged set.
func (e *entry) setExpected(n int) {
	e.expected = n
	e.received = countUpTo(e.staged, n)
}

// countUpTo counts staged sequence numbers <= n, or all of them if n is 0.
func countUpTo(staged map[int]struct{}, n int) int {
	if n == 0 {
		return len(staged)
	}
	count := 0
	for seq := range staged {
		if seq <= n {
			count++
		}
	}
	return count
}

func (e *entry) extraneous() []int {
	var out []int
	for seq := range e.staged {
		if seq > e.expected {
			out = append(out, seq)
		}
	}
	sort.Ints(out)
	return out
}

// Ledger is safe for concurrent use.
type Ledger struct {
	mu      sync.Mutex
	entries map[string]*entry

	chunks    staging.ChunkStore
	artifacts ArtifactStatter
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a Ledger that hydrates from chunks and, if non-nil, artifacts.
func New(chunks staging.ChunkStore, artifacts ArtifactStatter, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		entries:   make(map[string]*entry),
		chunks:    chunks,
		artifacts: artifacts,
		logger:    logger,
		now:       time.Now,
	}
}

// lock returns the locked, live entry for uploadID, creating it if needed.
func (l *Ledger) lock(uploadID string) *entry {
	for {
		l.mu.Lock()
		e, ok := l.entries[uploadID]
		if !ok {
			e = newEntry()
			l.entries[uploadID] = e
		}
		l.mu.Unlock()

		e.mu.Lock()
		if !e.removed {
			return e
		}
		e.mu.Unlock()
	}
}

// lockExisting is lock without creation. It returns nil if the ledger has
// no entry for uploadID.
func (l *Ledger) lockExisting(uploadID string) *entry {
	for {
		l.mu.Lock()
		e, ok := l.entries[uploadID]
		l.mu.Unlock()
		if !ok {
			return nil
		}
		e.mu.Lock()
		if !e.removed {
			return e
		}
		e.mu.Unlock()
	}
}

// drop removes a locked entry from the map. The caller still unlocks it.
func (l *Ledger) drop(uploadID string, e *entry) {
	e.removed = true
	e.cond.Broadcast()
	l.mu.Lock()
	if l.entries[uploadID] == e {
		delete(l.entries, uploadID)
	}
	l.mu.Unlock()
}

// hydrate loads a fresh entry from the stores. Called with e.mu held.
func (l *Ledger) hydrate(ctx context.Context, uploadID string, e *entry) error {
	if e.hydrated {
		return nil
	}
	if l.artifacts != nil {
		art, err := l.artifacts.Stat(ctx, uploadID)
		switch {
		case err == nil:
			e.state = StateAssembled
			e.setExpected(art.ChunkCount)
			e.lastActivity = art.CreatedAt
			e.hydrated = true
			return nil
		case !errors.Is(err, staging.ErrArtifactNotFound):
			return fmt.Errorf("checking artifact: %w", err)
		}
	}

	staged, err := l.chunks.ListStaged(ctx, uploadID)
	if err != nil {
		return fmt.Errorf("enumerating staged chunks: %w", err)
	}
	for _, c := range staged {
		e.staged[c.SequenceNumber] = struct{}{}
		if c.ArrivedAt.After(e.lastActivity) {
			e.lastActivity = c.ArrivedAt
		}
	}
	if e.expected > 0 {
		e.setExpected(e.expected)
	}
	e.hydrated = true
	if len(staged) > 0 {
		l.logger.Debug("Hydrated upload from staging", "upload_id", uploadID, "staged", len(staged))
	}
	return nil
}

// Ticket represents one admitted chunk write. Exactly one of Commit or
// Abort must be called.
type Ticket struct {
	ledger   *Ledger
	entry    *entry
	uploadID string
	seq      int
	done     bool
}

// Admit registers an in-flight write of seq for uploadID. It rejects uploads
// that are closed or busy and chunks that disagree with the expected count.
func (l *Ledger) Admit(ctx context.Context, uploadID string, seq, expected int) (*Ticket, error) {
	if expected < 1 {
		return nil, uperr.ErrInvalidChunkCount
	}
	if seq < 1 || seq > expected {
		return nil, uperr.ErrInvalidSequence.WithSequence(seq)
	}

	e := l.lock(uploadID)
	defer e.mu.Unlock()

	if err := l.hydrate(ctx, uploadID, e); err != nil {
		l.drop(uploadID, e)
		return nil, uperr.ErrStagingFailed.WithCause(err)
	}

	switch e.state {
	case StateClosed, StateAssembled:
		return nil, uperr.ErrUploadClosed
	case StateCompleting:
		return nil, uperr.ErrUploadInProgress
	}

	if e.expected == 0 {
		e.setExpected(expected)
	} else if e.expected != expected {
		return nil, uperr.ErrChunkCountMismatch.WithMessage(
			fmt.Sprintf("This upload expects %d chunks, got %d", e.expected, expected))
	}

	e.writers++
	e.lastActivity = l.now()
	return &Ticket{ledger: l, entry: e, uploadID: uploadID, seq: seq}, nil
}

// Commit records that the admitted chunk is durably staged.
func (t *Ticket) Commit() Outcome {
	e := t.entry
	e.mu.Lock()
	defer e.mu.Unlock()

	if t.done {
		return Outcome{Received: e.received, Expected: e.expected}
	}
	t.done = true
	e.writers--
	e.cond.Broadcast()
	e.lastActivity = t.ledger.now()

	if _, ok := e.staged[t.seq]; !ok {
		e.staged[t.seq] = struct{}{}
		if t.seq <= e.expected {
			e.received++
		}
	}

	out := Outcome{Received: e.received, Expected: e.expected}
	if e.state == StateReceiving && e.received == e.expected {
		e.state = StateCompleting
		out.Complete = true
		out.Extraneous = e.extraneous()
	}
	return out
}

// Abort releases a write whose Put failed. The staged set is unchanged. An
// upload left with nothing staged and no writers is forgotten, so its
// expected count is not pinned by a write that never landed.
func (t *Ticket) Abort() {
	e := t.entry
	e.mu.Lock()
	defer e.mu.Unlock()
	if t.done {
		return
	}
	t.done = true
	e.writers--
	e.cond.Broadcast()
	if e.writers == 0 && e.state == StateReceiving && len(e.staged) == 0 {
		t.ledger.drop(t.uploadID, e)
	}
}

// Drain blocks until every write admitted before the completion transition
// has committed or aborted. Call it before reading the staged chunks.
func (l *Ledger) Drain(uploadID string) {
	e := l.lockExisting(uploadID)
	if e == nil {
		return
	}
	defer e.mu.Unlock()
	for e.writers > 0 && !e.removed {
		e.cond.Wait()
	}
}

// Reopen returns an upload whose reassembly failed to the receiving state,
// resynchronising the staged set from the chunk store.
func (l *Ledger) Reopen(ctx context.Context, uploadID string) error {
	e := l.lock(uploadID)
	defer e.mu.Unlock()

	staged, err := l.chunks.ListStaged(ctx, uploadID)
	if err != nil {
		// Keep the entry unusable until a later hydration succeeds.
		l.drop(uploadID, e)
		return fmt.Errorf("resyncing staged chunks: %w", err)
	}
	e.staged = make(map[int]struct{}, len(staged))
	for _, c := range staged {
		e.staged[c.SequenceNumber] = struct{}{}
	}
	e.setExpected(e.expected)
	e.state = StateReceiving
	e.hydrated = true
	e.lastActivity = l.now()
	return nil
}

// MarkAssembled records a committed artifact and claims the publish slot
// for the caller, who must later call FinishPublish.
func (l *Ledger) MarkAssembled(uploadID string) {
	e := l.lock(uploadID)
	defer e.mu.Unlock()
	e.state = StateAssembled
	e.publishing = true
	e.hydrated = true
	e.lastActivity = l.now()
}

// BeginPublish claims the publish slot for a retained artifact. Concurrent
// retries collapse: all but one get ErrUploadInProgress.
func (l *Ledger) BeginPublish(ctx context.Context, uploadID string) error {
	e := l.lock(uploadID)
	defer e.mu.Unlock()

	if err := l.hydrate(ctx, uploadID, e); err != nil {
		l.drop(uploadID, e)
		return uperr.ErrInternalError.WithCause(err)
	}

	switch {
	case e.state == StateClosed:
		return uperr.ErrUploadClosed
	case e.state == StateCompleting || e.publishing:
		return uperr.ErrUploadInProgress
	case e.state != StateAssembled:
		if e.expected == 0 && len(e.staged) == 0 {
			l.drop(uploadID, e)
		}
		return uperr.ErrNoArtifact
	}
	e.publishing = true
	return nil
}

// FinishPublish releases the publish slot. On success the upload is closed
// and kept as a tombstone.
func (l *Ledger) FinishPublish(uploadID string, published bool) {
	e := l.lock(uploadID)
	defer e.mu.Unlock()
	e.publishing = false
	e.lastActivity = l.now()
	if published {
		e.state = StateClosed
		e.closedAt = l.now()
	}
}

// Abandon closes an upload at the caller's request. It waits for in-flight
// writes so the caller can clean up without racing them.
func (l *Ledger) Abandon(ctx context.Context, uploadID string) error {
	e := l.lock(uploadID)
	defer e.mu.Unlock()

	if err := l.hydrate(ctx, uploadID, e); err != nil {
		l.drop(uploadID, e)
		return uperr.ErrInternalError.WithCause(err)
	}

	switch {
	case e.state == StateClosed:
		return uperr.ErrUploadClosed
	case e.state == StateCompleting || e.publishing:
		return uperr.ErrUploadInProgress
	case e.state == StateReceiving && len(e.staged) == 0 && e.writers == 0:
		l.drop(uploadID, e)
		return uperr.ErrNoSuchUpload
	}

	e.state = StateClosed
	e.closedAt = l.now()
	for e.writers > 0 {
		e.cond.Wait()
	}
	return nil
}

// Status reports the ledger's view of an upload. For an upload this
// process has not seen, the store is enumerated without creating an entry;
// expected supplies the count in that case and may be zero if unknown.
func (l *Ledger) Status(ctx context.Context, uploadID string, expected int) (Status, error) {
	if e := l.lockExisting(uploadID); e != nil {
		defer e.mu.Unlock()
		if e.hydrated {
			st := Status{
				UploadID:   uploadID,
				State:      e.state,
				Received:   e.received,
				Expected:   e.expected,
				Publishing: e.publishing,
			}
			if st.Expected == 0 {
				st.Expected = expected
				st.Received = countUpTo(e.staged, expected)
			}
			return st, nil
		}
	}

	probe := newEntry()
	probe.expected = expected
	if err := l.hydrate(ctx, uploadID, probe); err != nil {
		return Status{}, uperr.ErrInternalError.WithCause(err)
	}
	if probe.state == StateReceiving && len(probe.staged) == 0 {
		return Status{}, uperr.ErrNoSuchUpload
	}
	if probe.expected == 0 {
		probe.received = countUpTo(probe.staged, 0)
	}
	return Status{
		UploadID: uploadID,
		State:    probe.state,
		Received: probe.received,
		Expected: probe.expected,
	}, nil
}

// Expire runs remove for an idle upload whose last activity is before
// cutoff and forgets it. Uploads that are completing, publishing, assembled
// or have writers in flight are skipped. Closed uploads keep their tombstone.
func (l *Ledger) Expire(ctx context.Context, uploadID string, cutoff time.Time, remove func(context.Context) error) (bool, error) {
	e := l.lock(uploadID)
	defer e.mu.Unlock()

	if err := l.hydrate(ctx, uploadID, e); err != nil {
		l.drop(uploadID, e)
		return false, err
	}
	if e.writers > 0 || e.publishing {
		return false, nil
	}
	switch e.state {
	case StateCompleting, StateAssembled:
		return false, nil
	case StateReceiving:
		if e.lastActivity.After(cutoff) {
			return false, nil
		}
	}

	if err := remove(ctx); err != nil {
		// Force a fresh enumeration next time.
		l.drop(uploadID, e)
		return false, err
	}
	if e.state == StateReceiving {
		l.drop(uploadID, e)
	}
	return true, nil
}

// Prune forgets tombstones closed before cutoff and returns how many were
// dropped.
func (l *Ledger) Prune(cutoff time.Time) int {
	l.mu.Lock()
	ids := make([]string, 0, len(l.entries))
	for id := range l.entries {
		ids = append(ids, id)
	}
	l.mu.Unlock()

	pruned := 0
	for _, id := range ids {
		e := l.lockExisting(id)
		if e == nil {
			continue
		}
		if e.state == StateClosed && e.writers == 0 && e.closedAt.Before(cutoff) {
			l.drop(id, e)
			pruned++
		}
		e.mu.Unlock()
	}
	return pruned
}

// Len returns the number of tracked uploads, tombstones included.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
