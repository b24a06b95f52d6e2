package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"ctbt.dev/ctbt"
)

// fakeFetcher serves GetEntries out of an in-memory slice, optionally
// truncating responses (to exercise short-response requeuing) or injecting
// errors for specific ranges.
type fakeFetcher struct {
	mu sync.Mutex

	maxReturn  int   // cap entries returned per call, 0 = unlimited
	failOnce   int64 // if set, the call covering this start index fails once
	failed     map[int64]bool
	errAtStart int64 // if set, any call starting here always errors
	calls      []RawEntry
}

func (f *fakeFetcher) GetEntries(ctx context.Context, start, end int64) ([]RawEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.errAtStart != 0 && start == f.errAtStart {
		return nil, errors.New("fake: permanent failure")
	}
	if f.failOnce != 0 && start == f.failOnce && !f.failed[start] {
		if f.failed == nil {
			f.failed = make(map[int64]bool)
		}
		f.failed[start] = true
		return nil, errors.New("fake: transient failure")
	}

	n := end - start + 1
	if f.maxReturn > 0 && n > int64(f.maxReturn) {
		n = int64(f.maxReturn)
	}
	out := make([]RawEntry, n)
	for i := range out {
		idx := start + int64(i)
		out[i] = RawEntry{Index: idx, LeafInput: []byte(fmt.Sprintf("leaf-%d", idx)), ExtraData: []byte("extra")}
	}
	f.calls = append(f.calls, out...)
	return out, nil
}

func decodeFake(index int64, leafInput, extraData []byte) (*ctbt.Entry, error) {
	want := fmt.Sprintf("leaf-%d", index)
	if string(leafInput) != want {
		return nil, fmt.Errorf("unexpected leaf for index %d: %q", index, leafInput)
	}
	return &ctbt.Entry{Index: index, LeafBytes: leafInput, ExtraData: extraData}, nil
}

func TestRunDeliversInOrderDespiteConcurrency(t *testing.T) {
	fetcher := &fakeFetcher{}
	var mu sync.Mutex
	var got []int64

	err := Run(context.Background(), fetcher, decodeFake, 0, 97, 7, 8, func(e *ctbt.Entry) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e.Index)
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(got) != 97 {
		t.Fatalf("got %d entries, want 97", len(got))
	}
	for i, idx := range got {
		if idx != int64(i) {
			t.Fatalf("entry %d delivered out of order: index %d", i, idx)
		}
	}
}

func TestRunRequeuesShortResponses(t *testing.T) {
	fetcher := &fakeFetcher{maxReturn: 3} // every batch of 10 comes back truncated to 3
	var mu sync.Mutex
	var got []int64

	err := Run(context.Background(), fetcher, decodeFake, 0, 25, 10, 4, func(e *ctbt.Entry) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e.Index)
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(got) != 25 {
		t.Fatalf("got %d entries, want 25 (short responses must be fully requeued)", len(got))
	}
	for i, idx := range got {
		if idx != int64(i) {
			t.Fatalf("entry %d delivered out of order: index %d", i, idx)
		}
	}
}

func TestRunAbortsOnFetchError(t *testing.T) {
	fetcher := &fakeFetcher{errAtStart: 20}

	err := Run(context.Background(), fetcher, decodeFake, 0, 50, 10, 4, func(e *ctbt.Entry) error {
		return nil
	})
	if err == nil {
		t.Fatal("expected error from permanently failing fetch")
	}
}

func TestRunAbortsOnDecodeError(t *testing.T) {
	fetcher := &fakeFetcher{}
	badDecode := func(index int64, leafInput, extraData []byte) (*ctbt.Entry, error) {
		if index == 5 {
			return nil, errors.New("bad leaf")
		}
		return decodeFake(index, leafInput, extraData)
	}

	err := Run(context.Background(), fetcher, badDecode, 0, 20, 4, 4, func(e *ctbt.Entry) error {
		return nil
	})
	if err == nil {
		t.Fatal("expected error from decode failure")
	}
}

// TestRunAppliesBackpressure holds back decoding of the very first unit (so
// index 0 never reaches the reorder buffer) and checks that the number of
// fetches performed stalls well short of the full range: once the reorder
// buffer fills to maxPendingFactor*maxBatch entries, waitForRoom blocks
// further workers before they call GetEntries, rather than letting them
// race all the way to the end and accumulate unbounded undeliverable state.
func TestRunAppliesBackpressure(t *testing.T) {
	const maxBatch = 2
	fetcher := &fakeFetcher{}
	release := make(chan struct{})

	blockingDecode := func(index int64, leafInput, extraData []byte) (*ctbt.Entry, error) {
		if index == 0 {
			<-release
		}
		return decodeFake(index, leafInput, extraData)
	}

	done := make(chan error, 1)
	go func() {
		done <- Run(context.Background(), fetcher, blockingDecode, 0, 400, maxBatch, 16, func(e *ctbt.Entry) error {
			return nil
		})
	}()

	time.Sleep(75 * time.Millisecond)
	fetcher.mu.Lock()
	fetched := len(fetcher.calls)
	fetcher.mu.Unlock()

	// Without backpressure, 16 workers would race through all 200 units of
	// the 400-entry range. With it, fetching should stall near
	// maxPendingFactor*maxBatch (8) plus whatever the worker pool has
	// in flight, well short of the full range.
	if fetched > 4*maxBatch+16*maxBatch {
		t.Fatalf("fetched %d entries while index 0 was stalled; backpressure should have blocked workers much earlier", fetched)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestRunEmptyRangeIsNoop(t *testing.T) {
	fetcher := &fakeFetcher{}
	called := false
	err := Run(context.Background(), fetcher, decodeFake, 10, 10, 5, 2, func(e *ctbt.Entry) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if called {
		t.Fatal("sink should not be called for an empty range")
	}
}

func TestRunRejectsNonPositiveMaxBatch(t *testing.T) {
	fetcher := &fakeFetcher{}
	err := Run(context.Background(), fetcher, decodeFake, 0, 10, 0, 2, func(e *ctbt.Entry) error {
		return nil
	})
	if err == nil {
		t.Fatal("expected error for maxBatch < 1")
	}
}
