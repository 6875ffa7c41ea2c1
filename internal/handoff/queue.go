// Package handoff passes received blocks to a consumer goroutine through a
// bounded queue of preallocated slots.
package handoff

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/rjboer/ppsrx/internal/metrics"
	"github.com/rjboer/ppsrx/internal/timespec"
)

// ErrClosed is returned by Get once the producer closed the queue and every
// queued block was consumed.
var ErrClosed = stderrors.New("handoff queue closed")

// Policy selects what Put does when every slot is in use.
type Policy int

const (
	// Block waits for the consumer to release a slot.
	Block Policy = iota
	// DropOldest discards the oldest queued block.
	DropOldest
)

func (p Policy) String() string {
	if p == DropOldest {
		return "drop-oldest"
	}
	return "block"
}

func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "block":
		return Block, nil
	case "drop-oldest", "drop_oldest", "dropoldest":
		return DropOldest, nil
	default:
		return Block, fmt.Errorf("unknown handoff policy %q", s)
	}
}

// Slot is one queued block. Its sample storage belongs to the queue and is
// valid until Release.
type Slot struct {
	Seq      uint64
	Time     timespec.Time
	HasTime  bool
	N        int
	channels [][]complex64
}

// Channel returns the samples of channel i.
func (s *Slot) Channel(i int) []complex64 { return s.channels[i][:s.N] }

func (s *Slot) Channels() int { return len(s.channels) }

// Queue is a single-producer, single-consumer bounded FIFO.
type Queue struct {
	policy  Policy
	free    chan *Slot
	ready   chan *Slot
	dropped atomic.Uint64
	seq     uint64
	metrics *metrics.Collectors
}

// New preallocates depth slots of channels x capacity samples.
func New(depth, channels, capacity int, policy Policy, m *metrics.Collectors) *Queue {
	if depth <= 0 {
		depth = 1
	}
	q := &Queue{
		policy:  policy,
		free:    make(chan *Slot, depth),
		ready:   make(chan *Slot, depth),
		metrics: m,
	}
	for i := 0; i < depth; i++ {
		s := &Slot{channels: make([][]complex64, channels)}
		for k := range s.channels {
			s.channels[k] = make([]complex64, capacity)
		}
		q.free <- s
	}
	return q
}

// Put copies the first n samples of each buffer into a slot. Under Block it
// waits for a free slot or ctx; under DropOldest it never waits while a
// queued block can be discarded.
func (q *Queue) Put(ctx context.Context, buffs [][]complex64, n int, ts timespec.Time, hasTime bool) error {
	var slot *Slot
	select {
	case slot = <-q.free:
	default:
		if q.policy == DropOldest {
			select {
			case slot = <-q.free:
			case slot = <-q.ready:
				q.dropped.Add(1)
				q.metrics.ObserveQueueDrop()
			case <-ctx.Done():
				return ctx.Err()
			}
		} else {
			select {
			case slot = <-q.free:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	if len(buffs) != len(slot.channels) {
		q.free <- slot
		return fmt.Errorf("got %d buffers for %d channel slots", len(buffs), len(slot.channels))
	}
	for k, dst := range slot.channels {
		if n > len(dst) {
			q.free <- slot
			return fmt.Errorf("block of %d samples exceeds slot capacity %d", n, len(dst))
		}
		copy(dst[:n], buffs[k][:n])
	}
	q.seq++
	slot.Seq = q.seq
	slot.Time = ts
	slot.HasTime = hasTime
	slot.N = n
	q.ready <- slot
	q.metrics.SetQueueDepth(len(q.ready))
	return nil
}

// Get returns the oldest queued slot. The caller must Release it.
func (q *Queue) Get(ctx context.Context) (*Slot, error) {
	select {
	case s, ok := <-q.ready:
		if !ok {
			return nil, ErrClosed
		}
		q.metrics.SetQueueDepth(len(q.ready))
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release returns a slot to the producer.
func (q *Queue) Release(s *Slot) {
	q.free <- s
}

// Close marks the end of the stream. Only the producer may call it, after
// its last Put.
func (q *Queue) Close() { close(q.ready) }

func (q *Queue) Dropped() uint64 { return q.dropped.Load() }

func (q *Queue) Len() int { return len(q.ready) }

func (q *Queue) Policy() Policy { return q.policy }
