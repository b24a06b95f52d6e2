// Package pipeline fans a contiguous index range out to concurrent workers
// that fetch and decode entries, then reassembles the results into strict
// index order for downstream consumers (the Shard Writer and Merkle
// Engine), per spec.md §4.D.
package pipeline

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"ctbt.dev/ctbt"
)

// EntryFetcher is the subset of *ctclient.Client the pipeline needs. It is
// an interface so tests can exercise requeue/backpressure behavior without
// a real HTTP server.
type EntryFetcher interface {
	GetEntries(ctx context.Context, start, end int64) ([]RawEntry, error)
}

// RawEntry is one undecoded get-entries result, matching ctclient.RawEntry's
// shape so callers can pass that type directly.
type RawEntry struct {
	Index                int64
	LeafInput, ExtraData []byte
}

// Decoder turns one raw entry into a ctbt.Entry. Decode errors are treated
// as unrecoverable and abort the whole run.
type Decoder func(index int64, leafInput, extraData []byte) (*ctbt.Entry, error)

// maxPendingFactor bounds the reorder buffer to maxPendingFactor*maxBatch
// entries before producers block, so a slow consumer applies backpressure
// instead of letting memory grow unbounded while workers race ahead.
const maxPendingFactor = 4

// Run partitions [start, end) into work units of at most maxBatch indexes,
// fetches and decodes them across workers concurrent workers, and delivers
// decoded entries to sink in strict ascending index order. sink is never
// called concurrently (calls come from the worker goroutines one at a
// time, serialized by the reorder buffer's lock) and in order, so it
// may perform ordered, stateful work such as appending to a shard and
// feeding a streaming Merkle builder.
//
// Run returns the first error encountered: a decode error aborts
// immediately, and a fetch error (after internal retries in fetcher are
// exhausted) aborts once in-flight work unwinds. A log returning fewer
// entries than requested for a range ("short response") is not an error:
// the unfetched tail is requeued as a new work unit.
func Run(ctx context.Context, fetcher EntryFetcher, decode Decoder, start, end int64, maxBatch, workers int, sink func(*ctbt.Entry) error) error {
	if end <= start {
		return nil
	}
	if maxBatch < 1 {
		return fmt.Errorf("pipeline: maxBatch must be positive, got %d", maxBatch)
	}

	q := newWorkQueue(start, end, maxBatch)

	var mu sync.Mutex
	cond := sync.NewCond(&mu)
	pending := make(map[int64]*ctbt.Entry)
	nextDeliver := start
	var sinkErr error

	deliver := func(e *ctbt.Entry) {
		mu.Lock()
		pending[e.Index] = e
		for sinkErr == nil {
			next, ok := pending[nextDeliver]
			if !ok {
				break
			}
			delete(pending, nextDeliver)
			mu.Unlock()
			if err := sink(next); err != nil {
				mu.Lock()
				sinkErr = err
				cond.Broadcast()
				mu.Unlock()
				return
			}
			mu.Lock()
			nextDeliver++
		}
		cond.Broadcast()
		mu.Unlock()
	}

	// The unit holding nextDeliver never waits: only it can drain pending.
	waitForRoom := func(unitStart int64) error {
		mu.Lock()
		defer mu.Unlock()
		for sinkErr == nil && ctx.Err() == nil && unitStart > nextDeliver && int64(len(pending)) > int64(maxPendingFactor*maxBatch) {
			cond.Wait()
		}
		if sinkErr != nil {
			return sinkErr
		}
		return ctx.Err()
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	stopWake := context.AfterFunc(ctx, func() {
		mu.Lock()
		cond.Broadcast()
		mu.Unlock()
	})
	defer stopWake()

	for {
		unit, ok := q.nextOrWait()
		if !ok {
			break
		}
		g.Go(func() error {
			defer q.done()
			if err := waitForRoom(unit.start); err != nil {
				return err
			}
			raw, err := fetcher.GetEntries(ctx, unit.start, unit.end)
			if err != nil {
				return err
			}
			got := int64(len(raw))
			want := unit.end - unit.start + 1
			if got < want {
				// Short response: requeue the unreturned tail verbatim, no
				// attempt counter to bump since none exists at this layer.
				q.requeue(unit.start+got, unit.end)
			}
			for _, r := range raw {
				entry, err := decode(r.Index, r.LeafInput, r.ExtraData)
				if err != nil {
					return err
				}
				deliver(entry)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	if sinkErr != nil {
		return sinkErr
	}
	if nextDeliver != end {
		return fmt.Errorf("pipeline: delivered up to index %d, expected %d", nextDeliver, end)
	}
	return nil
}

type workUnit struct{ start, end int64 } // inclusive

// workQueue hands out work units of up to maxBatch indexes from [start, end)
// and accepts requeues of unfetched tails from short responses. It is safe
// for concurrent use by the errgroup's workers.
//
// A unit taken out of units but not yet requeued or retired is tracked in
// inFlight, so nextOrWait can tell "truly exhausted" (no units, nothing in
// flight that could still requeue more) apart from "momentarily empty but a
// running worker may yet add to it."
type workQueue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	maxBatch int64
	units    []workUnit
	inFlight int
}

func newWorkQueue(start, end int64, maxBatch int) *workQueue {
	q := &workQueue{maxBatch: int64(maxBatch)}
	q.cond = sync.NewCond(&q.mu)
	for s := start; s < end; s += int64(maxBatch) {
		e := s + int64(maxBatch) - 1
		if e > end-1 {
			e = end - 1
		}
		q.units = append(q.units, workUnit{start: s, end: e})
	}
	return q
}

// nextOrWait returns the next work unit, blocking while the queue is
// momentarily empty but some in-flight worker could still requeue more
// work. It returns false only once the queue is empty and no worker is
// in flight: true exhaustion.
func (q *workQueue) nextOrWait() (workUnit, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.units) == 0 {
		if q.inFlight == 0 {
			return workUnit{}, false
		}
		q.cond.Wait()
	}
	u := q.units[0]
	q.units = q.units[1:]
	q.inFlight++
	return u, true
}

// done marks one previously dispatched unit as no longer in flight. Every
// unit returned by nextOrWait must eventually reach exactly one done call.
func (q *workQueue) done() {
	q.mu.Lock()
	q.inFlight--
	q.cond.Broadcast()
	q.mu.Unlock()
}

func (q *workQueue) requeue(start, end int64) {
	if start > end {
		return
	}
	q.mu.Lock()
	q.units = append([]workUnit{{start: start, end: end}}, q.units...)
	q.cond.Broadcast()
	q.mu.Unlock()
}
