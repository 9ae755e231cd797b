package sequence

import "sync/atomic"

// Sequencer generates strictly monotonic ids. It is deterministic and
// replay-safe: after recovery it is reset to the last replayed value.
type Sequencer struct {
	next atomic.Uint64
}

// New creates a sequencer that will issue start+1 first.
func New(start uint64) *Sequencer {
	s := &Sequencer{}
	s.next.Store(start)
	return s
}

// Next returns the next id.
func (s *Sequencer) Next() uint64 {
	return s.next.Add(1)
}

// Current returns the last issued id.
func (s *Sequencer) Current() uint64 {
	return s.next.Load()
}

// Reset positions the sequencer. Only used after log replay.
func (s *Sequencer) Reset(v uint64) {
	s.next.Store(v)
}
