package pipeline

import (
	"sync/atomic"
	"time"
)

// state carries the flags the three stages and the stop watcher share while
// one response is in flight. All fields are atomics so stages can poll them
// from their hot loops without locks.
type state struct {
	timeoutExceeded atomic.Bool
	stopRequested   atomic.Bool
	invalidInput    atomic.Bool
	bargeIn         atomic.Bool // stopRequested specifically by a stop phrase

	startedAt  time.Time
	firstDelta atomic.Int64 // Unix nanoseconds, 0 until the first token
	firstAudio atomic.Int64 // Unix nanoseconds, 0 until playback starts
}

func newState() *state {
	return &state{startedAt: time.Now()}
}

func (s *state) markFirstDelta() {
	s.firstDelta.CompareAndSwap(0, time.Now().UnixNano())
}

func (s *state) markFirstAudio() {
	s.firstAudio.CompareAndSwap(0, time.Now().UnixNano())
}

func (s *state) firstDeltaLatency() time.Duration {
	ns := s.firstDelta.Load()
	if ns == 0 {
		return 0
	}
	return time.Unix(0, ns).Sub(s.startedAt)
}

func (s *state) firstAudioLatency() time.Duration {
	ns := s.firstAudio.Load()
	if ns == 0 {
		return 0
	}
	return time.Unix(0, ns).Sub(s.startedAt)
}
