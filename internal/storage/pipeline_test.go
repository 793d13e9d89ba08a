package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"candle-sync/internal/frame"
)

// scriptedBackend wraps a MemoryStore and refuses items according to a script.
type scriptedBackend struct {
	*MemoryStore
	size      int
	refuse    []int // items left unprocessed per WriteBatch call
	calls     [][]string
	failWith  error
	getRefuse []int
	getCalls  [][]string
}

func (s *scriptedBackend) MaxBatchSize() int { return s.size }

func (s *scriptedBackend) WriteBatch(ctx context.Context, items []Item) ([]Item, error) {
	s.calls = append(s.calls, keysOf(items))
	if s.failWith != nil {
		return nil, s.failWith
	}
	n := 0
	if len(s.refuse) > 0 {
		n, s.refuse = s.refuse[0], s.refuse[1:]
	}
	n = min(n, len(items))
	accepted, refused := items[:len(items)-n], items[len(items)-n:]
	if _, err := s.MemoryStore.WriteBatch(ctx, accepted); err != nil {
		return nil, err
	}
	return refused, nil
}

func (s *scriptedBackend) GetBatch(ctx context.Context, keys []string) ([]Item, []string, error) {
	s.getCalls = append(s.getCalls, append([]string(nil), keys...))
	n := 0
	if len(s.getRefuse) > 0 {
		n, s.getRefuse = s.getRefuse[0], s.getRefuse[1:]
	}
	n = min(n, len(keys))
	found, _, err := s.MemoryStore.GetBatch(ctx, keys[:len(keys)-n])
	return found, keys[len(keys)-n:], err
}

func newScripted(size int) *scriptedBackend {
	return &scriptedBackend{MemoryStore: NewMemoryStore(size), size: size}
}

func newTestPipeline(b Backend, attempts int) *Pipeline {
	return NewPipeline(b, PipelineOptions{
		MaxAttempts: attempts,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  4 * time.Millisecond,
		Sleep:       func(context.Context, time.Duration) error { return nil },
	}, zerolog.Nop())
}

func testFrame(t *testing.T, n int) frame.Frame {
	t.Helper()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	samples := make([]frame.Sample, n)
	for i := range samples {
		samples[i] = frame.Sample{
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Fields: map[string]frame.Value{
				"close":       frame.Number(decimal.NewFromInt(int64(50000 + i))),
				"order_error": frame.String("No error"),
				"enter_long":  frame.Absent(),
			},
		}
	}
	f, err := frame.New([]string{"close", "order_error", "enter_long"}, samples)
	if err != nil {
		t.Fatalf("build frame: %v", err)
	}
	return f
}

func TestUpsertPartitionsIntoBatches(t *testing.T) {
	backend := newScripted(25)
	p := newTestPipeline(backend, 3)

	written, err := p.Upsert(context.Background(), testFrame(t, 60))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if written != 60 || backend.Len() != 60 {
		t.Fatalf("expected 60 items, written=%d stored=%d", written, backend.Len())
	}
	if len(backend.calls) != 3 {
		t.Fatalf("期望 3 个批次, 实际 %d", len(backend.calls))
	}
	for i, want := range []int{25, 25, 10} {
		if len(backend.calls[i]) != want {
			t.Fatalf("batch %d size %d, want %d", i, len(backend.calls[i]), want)
		}
	}
}

func TestUpsertResubmitsExactlyUnprocessed(t *testing.T) {
	backend := newScripted(25)
	backend.refuse = []int{3, 1}
	p := newTestPipeline(backend, 5)

	written, err := p.Upsert(context.Background(), testFrame(t, 10))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if written != 10 || backend.Len() != 10 {
		t.Fatalf("all items should land, written=%d stored=%d", written, backend.Len())
	}
	if len(backend.calls) != 3 {
		t.Fatalf("expected 3 write calls, got %d", len(backend.calls))
	}
	if len(backend.calls[1]) != 3 || len(backend.calls[2]) != 1 {
		t.Fatalf("resubmissions should carry only refused items: %v", backend.calls)
	}
	if backend.calls[1][0] != backend.calls[0][7] {
		t.Fatalf("resubmitted %s, want %s", backend.calls[1][0], backend.calls[0][7])
	}
}

func TestUpsertPausesThroughInjectedSleep(t *testing.T) {
	backend := newScripted(25)
	backend.refuse = []int{2, 1}
	var pauses []time.Duration
	p := NewPipeline(backend, PipelineOptions{
		MaxAttempts: 5,
		BaseBackoff: 10 * time.Millisecond,
		MaxBackoff:  time.Second,
		Sleep: func(_ context.Context, d time.Duration) error {
			pauses = append(pauses, d)
			return nil
		},
	}, zerolog.Nop())

	if _, err := p.Upsert(context.Background(), testFrame(t, 4)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pauses) != 2 || pauses[0] != 10*time.Millisecond || pauses[1] != 20*time.Millisecond {
		t.Fatalf("unexpected pauses %v", pauses)
	}
}

func TestUpsertSurfacesResidual(t *testing.T) {
	backend := newScripted(25)
	backend.refuse = []int{2, 2, 2}
	p := newTestPipeline(backend, 3)

	written, err := p.Upsert(context.Background(), testFrame(t, 5))
	var partial *PartialWriteError
	if !errors.As(err, &partial) {
		t.Fatalf("expected PartialWriteError, got %v", err)
	}
	if len(partial.Keys) != 2 || partial.Attempts != 3 {
		t.Fatalf("unexpected residual %+v", partial)
	}
	if written != 3 || partial.Written != 3 {
		t.Fatalf("written=%d partial.Written=%d, want 3", written, partial.Written)
	}
	if !IsPartial(err) {
		t.Fatal("IsPartial should recognise the error")
	}
	if len(backend.calls) != 3 {
		t.Fatalf("attempts should be bounded, got %d calls", len(backend.calls))
	}
}

func TestUpsertStoreUnavailableAborts(t *testing.T) {
	backend := newScripted(2)
	backend.failWith = unavailable("write", errors.New("dial tcp: timeout"))
	p := newTestPipeline(backend, 5)

	_, err := p.Upsert(context.Background(), testFrame(t, 6))
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if len(backend.calls) != 1 {
		t.Fatalf("connection failure must not be retried, got %d calls", len(backend.calls))
	}
}

func TestUpsertIsIdempotent(t *testing.T) {
	backend := newScripted(25)
	p := newTestPipeline(backend, 3)
	f := testFrame(t, 4)

	for i := 0; i < 2; i++ {
		if _, err := p.Upsert(context.Background(), f); err != nil {
			t.Fatalf("upsert %d: %v", i, err)
		}
	}
	if backend.Len() != 4 {
		t.Fatalf("重复写入不应产生新条目, 实际 %d", backend.Len())
	}
}

func TestUpsertOmitsAbsentFields(t *testing.T) {
	backend := newScripted(25)
	p := newTestPipeline(backend, 1)
	if _, err := p.Upsert(context.Background(), testFrame(t, 1)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	it := backend.Items()[0]
	if _, ok := it.Attributes["enter_long"]; ok {
		t.Fatal("absent field must not be stored")
	}
	if it.Key != "2024-01-01 00:00:00+00:00" {
		t.Fatalf("unexpected key %q", it.Key)
	}
}

func TestUpsertEmptyFrame(t *testing.T) {
	backend := newScripted(25)
	n, err := newTestPipeline(backend, 1).Upsert(context.Background(), frame.Frame{})
	if err != nil || n != 0 || len(backend.calls) != 0 {
		t.Fatalf("empty frame should be a no-op: n=%d err=%v calls=%d", n, err, len(backend.calls))
	}
}

func TestGetRetriesUnprocessedKeys(t *testing.T) {
	backend := newScripted(25)
	p := newTestPipeline(backend, 3)
	f := testFrame(t, 5)
	if _, err := p.Upsert(context.Background(), f); err != nil {
		t.Fatalf("seed: %v", err)
	}

	backend.getRefuse = []int{2}
	keys := keysOf(p.Keys().ItemsFromFrame(f))
	keys = append(keys, "2030-01-01 00:00:00+00:00", keys[0])

	items, err := p.Get(context.Background(), keys)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(items) != 5 {
		t.Fatalf("expected 5 items, got %d", len(items))
	}
	if len(backend.getCalls) != 2 || len(backend.getCalls[1]) != 2 {
		t.Fatalf("unexpected get calls %v", backend.getCalls)
	}
	for i := 1; i < len(items); i++ {
		if !items[i-1].Timestamp.Before(items[i].Timestamp) {
			t.Fatal("items should be ordered by timestamp")
		}
	}
}

func TestGetSurfacesResidual(t *testing.T) {
	backend := newScripted(25)
	backend.getRefuse = []int{1, 1}
	p := newTestPipeline(backend, 2)

	_, err := p.Get(context.Background(), []string{"a", "b"})
	var partial *PartialReadError
	if !errors.As(err, &partial) || len(partial.Keys) != 1 {
		t.Fatalf("expected one residual key, got %v", err)
	}
}

func TestBackoffIsCapped(t *testing.T) {
	p := NewPipeline(NewMemoryStore(1), PipelineOptions{MaxAttempts: 10, BaseBackoff: 100 * time.Millisecond, MaxBackoff: time.Second}, zerolog.Nop())
	cases := map[int]time.Duration{
		1: 100 * time.Millisecond,
		2: 200 * time.Millisecond,
		4: 800 * time.Millisecond,
		5: time.Second,
		9: time.Second,
	}
	for attempt, want := range cases {
		if got := p.backoff(attempt); got != want {
			t.Fatalf("attempt %d: backoff %s, want %s", attempt, got, want)
		}
	}
}

func TestToFrameRoundTrip(t *testing.T) {
	f := testFrame(t, 3)
	items := NewKeyer("").ItemsFromFrame(f)
	back, err := ToFrame([]Item{items[2], items[0], items[1]})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if back.Len() != 3 || !back.First().Equal(f.First()) {
		t.Fatalf("unexpected frame %d rows starting %s", back.Len(), back.First())
	}
	if got := back.At(1).Field("close").String(); got != "50001" {
		t.Fatalf("close = %s", got)
	}
}

func TestKeysBetween(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	keys := NewKeyer("").KeysBetween(start, start.Add(2*time.Hour), time.Hour)
	if len(keys) != 3 || keys[2] != "2024-01-01 02:00:00+00:00" {
		t.Fatalf("unexpected keys %v", keys)
	}
	if NewKeyer("").KeysBetween(start, start.Add(-time.Hour), time.Hour) != nil {
		t.Fatal("reversed range should be empty")
	}
}
