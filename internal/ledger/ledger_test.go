package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	uperr "github.com/chunkrelay/chunkrelay/internal/errors"
	"github.com/chunkrelay/chunkrelay/internal/logging"
	"github.com/chunkrelay/chunkrelay/internal/staging"
)

func newTestLedger(t *testing.T) (*Ledger, *staging.MemoryChunkStore) {
	t.Helper()
	store := staging.NewMemoryChunkStore(0)
	return New(store, nil, logging.Discard()), store
}

// stage runs the Admit, Put, Commit sequence the coordinator uses.
func stage(t *testing.T, l *Ledger, store staging.ChunkStore, id string, seq, expected int, payload string) Outcome {
	t.Helper()
	ctx := context.Background()
	ticket, err := l.Admit(ctx, id, seq, expected)
	if err != nil {
		t.Fatalf("Admit(%q, %d): %v", id, seq, err)
	}
	if _, err := store.Put(ctx, id, seq, strings.NewReader(payload)); err != nil {
		ticket.Abort()
		t.Fatalf("Put: %v", err)
	}
	return ticket.Commit()
}

func TestCompletesOnLastDistinctChunk(t *testing.T) {
	l, store := newTestLedger(t)

	if out := stage(t, l, store, "u", 2, 3, "B"); out.Complete || out.Received != 1 || out.Expected != 3 {
		t.Errorf("after chunk 2: %+v", out)
	}
	if out := stage(t, l, store, "u", 1, 3, "A"); out.Complete || out.Received != 2 {
		t.Errorf("after chunk 1: %+v", out)
	}
	out := stage(t, l, store, "u", 3, 3, "C")
	if !out.Complete || out.Received != 3 {
		t.Errorf("after chunk 3: %+v", out)
	}
}

func TestDuplicateDoesNotInflateCount(t *testing.T) {
	l, store := newTestLedger(t)

	stage(t, l, store, "u", 1, 3, "A")
	out := stage(t, l, store, "u", 1, 3, "A2")
	if out.Received != 1 || out.Complete {
		t.Errorf("duplicate chunk: %+v, want received 1", out)
	}
	stage(t, l, store, "u", 2, 3, "B")
	if out := stage(t, l, store, "u", 3, 3, "C"); !out.Complete {
		t.Errorf("expected completion, got %+v", out)
	}
}

func TestAbortDoesNotAdvance(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	ticket, err := l.Admit(ctx, "u", 1, 1)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	ticket.Abort()

	if _, err := l.Status(ctx, "u", 1); !errors.Is(err, uperr.ErrNoSuchUpload) {
		t.Errorf("Status after abort = %v, want NoSuchUpload", err)
	}
	// The chunk can still be sent again.
	if _, err := l.Admit(ctx, "u", 1, 1); err != nil {
		t.Errorf("Admit after abort: %v", err)
	}
}

func TestAbortOfFirstWriteReleasesCount(t *testing.T) {
	l, store := newTestLedger(t)
	ctx := context.Background()

	ticket, err := l.Admit(ctx, "u", 1, 5)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	ticket.Abort()
	if n := l.Len(); n != 0 {
		t.Errorf("Len() after aborted first write = %d, want 0", n)
	}

	// The client may retry with a different count.
	if out := stage(t, l, store, "u", 1, 1, "A"); !out.Complete || out.Expected != 1 {
		t.Errorf("retry with new count = %+v, want complete with expected 1", out)
	}
}

func TestAbortKeepsUploadWithStagedChunks(t *testing.T) {
	l, store := newTestLedger(t)
	ctx := context.Background()

	stage(t, l, store, "u", 1, 3, "A")
	ticket, err := l.Admit(ctx, "u", 2, 3)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	ticket.Abort()

	if _, err := l.Admit(ctx, "u", 2, 4); !errors.Is(err, uperr.ErrChunkCountMismatch) {
		t.Errorf("Admit with changed count = %v, want ChunkCountMismatch", err)
	}
	st, err := l.Status(ctx, "u", 0)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Received != 1 || st.Expected != 3 {
		t.Errorf("status = %+v, want 1/3", st)
	}
}

func TestConcurrentFinalChunksCompleteOnce(t *testing.T) {
	for round := 0; round < 50; round++ {
		l, store := newTestLedger(t)
		id := fmt.Sprintf("u-%d", round)
		stage(t, l, store, id, 1, 3, "A")

		var completions atomic.Int32
		var wg sync.WaitGroup
		for _, seq := range []int{2, 3, 2, 3} {
			wg.Add(1)
			go func(seq int) {
				defer wg.Done()
				ticket, err := l.Admit(context.Background(), id, seq, 3)
				if err != nil {
					// Late duplicates after completion are rejected.
					return
				}
				store.Put(context.Background(), id, seq, strings.NewReader("x"))
				if ticket.Commit().Complete {
					completions.Add(1)
				}
			}(seq)
		}
		wg.Wait()
		if got := completions.Load(); got != 1 {
			t.Fatalf("round %d: %d completions, want 1", round, got)
		}
	}
}

func TestRejectsAfterCompletion(t *testing.T) {
	l, store := newTestLedger(t)
	ctx := context.Background()
	stage(t, l, store, "u", 1, 1, "A")

	_, err := l.Admit(ctx, "u", 1, 1)
	if !errors.Is(err, uperr.ErrUploadInProgress) {
		t.Errorf("Admit while completing = %v, want ErrUploadInProgress", err)
	}

	l.MarkAssembled("u")
	if _, err := l.Admit(ctx, "u", 1, 1); !errors.Is(err, uperr.ErrUploadClosed) {
		t.Errorf("Admit while assembled = %v, want ErrUploadClosed", err)
	}

	l.FinishPublish("u", true)
	if _, err := l.Admit(ctx, "u", 1, 1); !errors.Is(err, uperr.ErrUploadClosed) {
		t.Errorf("Admit after close = %v, want ErrUploadClosed", err)
	}
}

func TestAdmitValidation(t *testing.T) {
	l, store := newTestLedger(t)
	ctx := context.Background()

	tests := []struct {
		name          string
		seq, expected int
		want          *uperr.UploadError
	}{
		{"zero expected", 1, 0, uperr.ErrInvalidChunkCount},
		{"zero sequence", 0, 3, uperr.ErrInvalidSequence},
		{"sequence above expected", 4, 3, uperr.ErrInvalidSequence},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := l.Admit(ctx, "u", tt.seq, tt.expected); !errors.Is(err, tt.want) {
				t.Errorf("Admit = %v, want %v", err, tt.want.Code)
			}
		})
	}

	t.Run("count mismatch", func(t *testing.T) {
		stage(t, l, store, "m", 1, 3, "A")
		if _, err := l.Admit(ctx, "m", 2, 4); !errors.Is(err, uperr.ErrChunkCountMismatch) {
			t.Errorf("Admit = %v, want ErrChunkCountMismatch", err)
		}
	})
}

func TestDrainWaitsForWriters(t *testing.T) {
	l, store := newTestLedger(t)
	ctx := context.Background()

	stage(t, l, store, "u", 1, 2, "A")
	slow, err := l.Admit(ctx, "u", 1, 2)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if out := stage(t, l, store, "u", 2, 2, "B"); !out.Complete {
		t.Fatalf("expected completion, got %+v", out)
	}

	drained := make(chan struct{})
	go func() {
		l.Drain("u")
		close(drained)
	}()

	select {
	case <-drained:
		t.Fatal("Drain returned with a writer in flight")
	case <-time.After(50 * time.Millisecond):
	}

	slow.Commit()
	select {
	case <-drained:
	case <-time.After(time.Second):
		t.Fatal("Drain did not return after the writer committed")
	}
}

func TestHydratesFromStore(t *testing.T) {
	store := staging.NewMemoryChunkStore(0)
	ctx := context.Background()
	// Chunks staged by a previous process.
	store.Put(ctx, "u", 1, strings.NewReader("A"))
	store.Put(ctx, "u", 3, strings.NewReader("C"))

	l := New(store, nil, logging.Discard())
	st, err := l.Status(ctx, "u", 3)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Received != 2 || st.Expected != 3 {
		t.Errorf("Status = %+v, want 2 of 3", st)
	}

	if out := stage(t, l, store, "u", 2, 3, "B"); !out.Complete {
		t.Errorf("expected completion after hydration, got %+v", out)
	}
}

func TestExtraneousChunksReported(t *testing.T) {
	store := staging.NewMemoryChunkStore(0)
	ctx := context.Background()
	store.Put(ctx, "u", 5, strings.NewReader("stray"))

	l := New(store, nil, logging.Discard())
	stage(t, l, store, "u", 1, 2, "A")
	out := stage(t, l, store, "u", 2, 2, "B")
	if !out.Complete {
		t.Fatalf("extraneous chunk blocked completion: %+v", out)
	}
	if fmt.Sprint(out.Extraneous) != "[5]" {
		t.Errorf("Extraneous = %v, want [5]", out.Extraneous)
	}
}

func TestStatusStillWaiting(t *testing.T) {
	l, store := newTestLedger(t)
	ctx := context.Background()
	for _, seq := range []int{1, 2, 4, 5} {
		stage(t, l, store, "u", seq, 5, "x")
	}

	st, err := l.Status(ctx, "u", 0)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Complete() || st.Received != 4 || st.Expected != 5 {
		t.Errorf("Status = %+v, want stillWaiting(4,5)", st)
	}
}

func TestStatusUnknownUpload(t *testing.T) {
	l, _ := newTestLedger(t)
	if _, err := l.Status(context.Background(), "ghost", 3); !errors.Is(err, uperr.ErrNoSuchUpload) {
		t.Errorf("Status = %v, want ErrNoSuchUpload", err)
	}
	if l.Len() != 0 {
		t.Errorf("Status created %d entries", l.Len())
	}
}

func TestReopenResyncs(t *testing.T) {
	l, store := newTestLedger(t)
	ctx := context.Background()
	stage(t, l, store, "u", 1, 2, "A")
	stage(t, l, store, "u", 2, 2, "B")

	// Chunk 2 disappears before reassembly reads it.
	store.Remove(ctx, "u", 2)
	if err := l.Reopen(ctx, "u"); err != nil {
		t.Fatalf("Reopen: %v", err)
	}
	st, _ := l.Status(ctx, "u", 0)
	if st.State != StateReceiving || st.Received != 1 {
		t.Errorf("Status after Reopen = %+v", st)
	}
	if out := stage(t, l, store, "u", 2, 2, "B"); !out.Complete {
		t.Errorf("resend after reopen did not complete: %+v", out)
	}
}

func TestBeginPublishCollapses(t *testing.T) {
	l, store := newTestLedger(t)
	ctx := context.Background()
	stage(t, l, store, "u", 1, 1, "A")
	l.MarkAssembled("u")

	if err := l.BeginPublish(ctx, "u"); !errors.Is(err, uperr.ErrUploadInProgress) {
		t.Errorf("BeginPublish during first publish = %v, want ErrUploadInProgress", err)
	}
	l.FinishPublish("u", false)

	if err := l.BeginPublish(ctx, "u"); err != nil {
		t.Fatalf("BeginPublish after failure: %v", err)
	}
	if err := l.BeginPublish(ctx, "u"); !errors.Is(err, uperr.ErrUploadInProgress) {
		t.Errorf("concurrent BeginPublish = %v, want ErrUploadInProgress", err)
	}
	l.FinishPublish("u", true)
	if err := l.BeginPublish(ctx, "u"); !errors.Is(err, uperr.ErrUploadClosed) {
		t.Errorf("BeginPublish after success = %v, want ErrUploadClosed", err)
	}
}

func TestBeginPublishWithoutArtifact(t *testing.T) {
	l, _ := newTestLedger(t)
	if err := l.BeginPublish(context.Background(), "ghost"); !errors.Is(err, uperr.ErrNoArtifact) {
		t.Errorf("BeginPublish = %v, want ErrNoArtifact", err)
	}
}

type fakeArtifacts struct {
	arts map[string]*staging.Artifact
}

func (f *fakeArtifacts) Stat(ctx context.Context, uploadID string) (*staging.Artifact, error) {
	if a, ok := f.arts[uploadID]; ok {
		return a, nil
	}
	return nil, staging.ErrArtifactNotFound
}

func TestHydratesAssembledFromArtifact(t *testing.T) {
	store := staging.NewMemoryChunkStore(0)
	arts := &fakeArtifacts{arts: map[string]*staging.Artifact{
		"done": {UploadID: "done", ChunkCount: 2, CreatedAt: time.Now()},
	}}
	l := New(store, arts, logging.Discard())
	ctx := context.Background()

	if _, err := l.Admit(ctx, "done", 1, 2); !errors.Is(err, uperr.ErrUploadClosed) {
		t.Errorf("Admit = %v, want ErrUploadClosed", err)
	}
	if err := l.BeginPublish(ctx, "done"); err != nil {
		t.Errorf("BeginPublish: %v", err)
	}
}

func TestAbandon(t *testing.T) {
	l, store := newTestLedger(t)
	ctx := context.Background()
	stage(t, l, store, "u", 1, 3, "A")

	if err := l.Abandon(ctx, "u"); err != nil {
		t.Fatalf("Abandon: %v", err)
	}
	if _, err := l.Admit(ctx, "u", 2, 3); !errors.Is(err, uperr.ErrUploadClosed) {
		t.Errorf("Admit after abandon = %v, want ErrUploadClosed", err)
	}
	if err := l.Abandon(ctx, "u"); !errors.Is(err, uperr.ErrUploadClosed) {
		t.Errorf("second Abandon = %v, want ErrUploadClosed", err)
	}
	if err := l.Abandon(ctx, "ghost"); !errors.Is(err, uperr.ErrNoSuchUpload) {
		t.Errorf("Abandon unknown = %v, want ErrNoSuchUpload", err)
	}
}

func TestAbandonWaitsForWriters(t *testing.T) {
	l, store := newTestLedger(t)
	ctx := context.Background()
	stage(t, l, store, "u", 1, 3, "A")
	inFlight, err := l.Admit(ctx, "u", 2, 3)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- l.Abandon(ctx, "u") }()

	select {
	case <-done:
		t.Fatal("Abandon returned with a writer in flight")
	case <-time.After(50 * time.Millisecond):
	}
	inFlight.Abort()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Abandon: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Abandon did not return")
	}
}

func TestPruneTombstones(t *testing.T) {
	l, store := newTestLedger(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return base }

	stage(t, l, store, "u", 1, 1, "A")
	l.MarkAssembled("u")
	l.FinishPublish("u", true)
	stage(t, l, store, "open", 1, 2, "A")

	if n := l.Prune(base.Add(-time.Minute)); n != 0 {
		t.Errorf("Prune before TTL dropped %d", n)
	}
	if n := l.Prune(base.Add(time.Minute)); n != 1 {
		t.Errorf("Prune dropped %d, want 1", n)
	}
	if l.Len() != 1 {
		t.Errorf("Len = %d, want 1 (the open upload)", l.Len())
	}
}

func TestExpire(t *testing.T) {
	l, store := newTestLedger(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return base }
	stage(t, l, store, "idle", 1, 2, "A")

	remove := func(ctx context.Context) error {
		_, err := staging.RemoveAll(ctx, store, "idle")
		return err
	}

	if ok, err := l.Expire(ctx, "idle", base.Add(-time.Hour), remove); ok || err != nil {
		t.Errorf("Expire of a recent upload = %v, %v", ok, err)
	}
	ok, err := l.Expire(ctx, "idle", base.Add(time.Hour), remove)
	if err != nil || !ok {
		t.Fatalf("Expire = %v, %v", ok, err)
	}
	if l.Len() != 0 {
		t.Errorf("expired upload still tracked")
	}
	staged, _ := store.ListStaged(ctx, "idle")
	if len(staged) != 0 {
		t.Errorf("%d chunks left after Expire", len(staged))
	}
}

func TestExpireSkipsBusyUploads(t *testing.T) {
	l, store := newTestLedger(t)
	ctx := context.Background()
	stage(t, l, store, "u", 1, 1, "A") // now completing

	called := false
	ok, err := l.Expire(ctx, "u", time.Now().Add(time.Hour), func(context.Context) error {
		called = true
		return nil
	})
	if ok || err != nil || called {
		t.Errorf("Expire of completing upload = %v, %v, called=%v", ok, err, called)
	}
}

func TestHydrationFailureSurfaces(t *testing.T) {
	l := New(failingStore{}, nil, logging.Discard())
	_, err := l.Admit(context.Background(), "u", 1, 1)
	if !errors.Is(err, uperr.ErrStagingFailed) {
		t.Errorf("Admit = %v, want ErrStagingFailed", err)
	}
	if l.Len() != 0 {
		t.Error("failed hydration left an entry behind")
	}
}

type failingStore struct{ staging.ChunkStore }

func (failingStore) ListStaged(context.Context, string) ([]staging.ChunkInfo, error) {
	return nil, io.ErrUnexpectedEOF
}
