package thought

import (
	"errors"
	"maps"
	"sync"
)

// DefaultRingSize is the number of processed thoughts retained in memory for
// introspection. The durable store keeps the full history.
const DefaultRingSize = 10000

// Stream holds unprocessed thoughts in per-priority FIFO buckets and retains
// processed thoughts in a bounded ring. The scheduler is the single writer;
// concurrent readers receive snapshots.
//
// Ordering guarantees: across buckets, lower priority values drain first;
// within a bucket, thoughts drain in enqueue order, which is also created_at
// order because enqueue assigns timestamps monotonically.
type Stream struct {
	mu       sync.Mutex
	buckets  [numPriorities][]*Thought
	pending  int
	ring     []Thought
	ringNext int
	ringLen  int
	handled  uint64
}

// NewStream constructs a Stream retaining up to ringSize processed thoughts.
// A non-positive ringSize falls back to DefaultRingSize.
func NewStream(ringSize int) *Stream {
	if ringSize <= 0 {
		ringSize = DefaultRingSize
	}
	return &Stream{ring: make([]Thought, ringSize)}
}

// Enqueue adds a thought to its priority bucket.
func (s *Stream) Enqueue(t *Thought) error {
	if t == nil {
		return errors.New("thought is required")
	}
	if !t.Kind.Valid() {
		return errors.New("unknown thought kind " + string(t.Kind))
	}
	if !t.Priority.Valid() {
		return errors.New("priority out of range")
	}
	if t.Processed {
		return errors.New("thought already processed")
	}
	s.mu.Lock()
	s.buckets[t.Priority] = append(s.buckets[t.Priority], t)
	s.pending++
	s.mu.Unlock()
	return nil
}

// Next pops up to max unprocessed thoughts in priority order, FIFO within
// each bucket. It returns nil when nothing is pending.
func (s *Stream) Next(max int) []*Thought {
	if max <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Thought
	for p := 0; p < numPriorities && len(out) < max; p++ {
		bucket := s.buckets[p]
		n := max - len(out)
		if n > len(bucket) {
			n = len(bucket)
		}
		if n == 0 {
			continue
		}
		out = append(out, bucket[:n]...)
		s.buckets[p] = bucket[n:]
	}
	s.pending -= len(out)
	return out
}

// Complete marks the thought processed with the outcome and retains a
// snapshot copy in the ring, overwriting the oldest entry when full.
func (s *Stream) Complete(t *Thought, outcome map[string]any) {
	t.Complete(outcome)
	s.mu.Lock()
	s.ring[s.ringNext] = snapshotOf(t)
	s.ringNext = (s.ringNext + 1) % len(s.ring)
	if s.ringLen < len(s.ring) {
		s.ringLen++
	}
	s.handled++
	s.mu.Unlock()
}

// Pending returns the number of unprocessed thoughts across all buckets.
func (s *Stream) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// Handled returns the cumulative count of processed thoughts.
func (s *Stream) Handled() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handled
}

// Recent returns up to n of the most recently processed thoughts, oldest
// first. The returned values are snapshot copies.
func (s *Stream) Recent(n int) []Thought {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 || n > s.ringLen {
		n = s.ringLen
	}
	out := make([]Thought, 0, n)
	start := s.ringNext - n
	if start < 0 {
		start += len(s.ring)
	}
	for i := 0; i < n; i++ {
		out = append(out, s.ring[(start+i)%len(s.ring)])
	}
	return out
}

// snapshotOf copies the thought with cloned maps so ring readers never alias
// handler-owned records.
func snapshotOf(t *Thought) Thought {
	c := *t
	c.Payload = maps.Clone(t.Payload)
	c.Outcome = maps.Clone(t.Outcome)
	if t.Linked != nil {
		c.Linked = append([]string(nil), t.Linked...)
	}
	return c
}
