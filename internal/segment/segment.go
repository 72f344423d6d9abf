// Package segment models one contiguous byte range of a download, the
// planner that partitions a file into ranges, and the worker that fetches a
// range over a ranged GET and writes it at its offset in the destination
// file.
package segment

import (
	"fmt"
	"sync/atomic"
)

// State is the lifecycle state of a single segment.
type State int32

const (
	Pending State = iota
	Active
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "Pending"
	case Active:
		return "Active"
	case Done:
		return "Done"
	case Failed:
		return "Failed"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// Segment is one byte range [Start, End] of a download. End is inclusive;
// End < 0 marks an unbounded segment for servers that report no size.
// Written and state are accessed from the worker goroutine and concurrent
// status queries, so they are atomic.
type Segment struct {
	Index int   `json:"index"`
	Start int64 `json:"start"`
	End   int64 `json:"end"`

	written int64
	state   int32
	retries int32
}

// New creates a pending segment covering [start, end].
func New(index int, start, end int64) *Segment {
	return &Segment{
		Index: index,
		Start: start,
		End:   end,
	}
}

// Restore recreates a segment from persisted resume state.
func Restore(index int, start, end, written int64) *Segment {
	s := New(index, start, end)
	s.written = written

	if end >= 0 && written >= end-start+1 {
		s.state = int32(Done)
	}

	return s
}

// Size returns the byte length of the segment, or -1 when unbounded.
func (s *Segment) Size() int64 {
	if s.End < 0 {
		return -1
	}
	return s.End - s.Start + 1
}

// Remaining returns how many bytes are still missing, or -1 when unbounded.
func (s *Segment) Remaining() int64 {
	size := s.Size()
	if size < 0 {
		return -1
	}
	return size - s.Written()
}

// Written returns the confirmed byte count.
func (s *Segment) Written() int64 {
	return atomic.LoadInt64(&s.written)
}

func (s *Segment) addWritten(n int64) int64 {
	return atomic.AddInt64(&s.written, n)
}

func (s *Segment) setWritten(n int64) {
	atomic.StoreInt64(&s.written, n)
}

// State returns the current state.
func (s *Segment) State() State {
	return State(atomic.LoadInt32(&s.state))
}

func (s *Segment) setState(state State) {
	atomic.StoreInt32(&s.state, int32(state))
}

// Retries returns how many times this segment has been retried.
func (s *Segment) Retries() int {
	return int(atomic.LoadInt32(&s.retries))
}

// Reset prepares a failed attempt for retry. The written count is kept:
// a retry continues from the last confirmed offset.
func (s *Segment) Reset() {
	s.setState(Pending)
	atomic.AddInt32(&s.retries, 1)
}
