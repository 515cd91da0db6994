// File: timer/timer.go
// Author: momentics <momentics@gmail.com>
//
// Min-heap timer wheel keyed on absolute monotonic deadlines in
// milliseconds. The wheel only emits callables; it never runs a
// callback inside its critical section.

package timer

import (
	"container/heap"
	"math"
	"sync"
	"time"
	"weak"

	"github.com/momentics/hioload-fiber/internal/logging"
)

// NoTimer is the TimeToNext sentinel meaning "no outstanding timers".
const NoTimer = time.Duration(math.MaxInt64)

// rollbackWindowMS: a backward jump larger than this is treated as a
// clock discontinuity. Deadlines are computed from a process-monotonic
// anchor, so the condition is unreachable by construction; the guard is
// retained and documented in DESIGN.md.
const rollbackWindowMS = int64(time.Hour / time.Millisecond)

var anchor = time.Now()

func nowMillis() int64 { return time.Since(anchor).Milliseconds() }

var timerLog = logging.Component("timer")

// Timer is a handle to one wheel entry.
type Timer struct {
	wheel     *Wheel
	ms        int64 // delay/period in milliseconds
	next      int64 // absolute deadline in monotonic milliseconds
	recurring bool
	cb        func()
	cond      func() bool // nil for unconditional entries
	seq       uint64
	index     int // heap slot, -1 when not queued
}

// Wheel is a concurrent min-heap of timers.
type Wheel struct {
	mu           sync.Mutex
	entries      timerHeap
	seq          uint64
	onFront      func()
	lastObserved int64
}

// NewWheel creates an empty wheel.
func NewWheel() *Wheel {
	return &Wheel{}
}

// SetFrontChanged installs a hook invoked (outside the wheel lock)
// whenever an insertion produces a new earliest deadline. Reactors use
// it to re-compute their blocking budget.
func (w *Wheel) SetFrontChanged(fn func()) {
	w.mu.Lock()
	w.onFront = fn
	w.mu.Unlock()
}

// AddTimer schedules cb to fire delay from now. Recurring timers
// re-arm themselves at deadline+period when they expire.
func (w *Wheel) AddTimer(delay time.Duration, cb func(), recurring bool) *Timer {
	return w.add(delay, cb, recurring, nil)
}

// AddConditionTimer schedules cb gated on a weak handle: at expiry the
// callback runs only if the handle still resolves to a live referent.
func AddConditionTimer[T any](w *Wheel, delay time.Duration, cb func(), cond weak.Pointer[T]) *Timer {
	return w.add(delay, cb, false, func() bool { return cond.Value() != nil })
}

func (w *Wheel) add(delay time.Duration, cb func(), recurring bool, cond func() bool) *Timer {
	ms := delay.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	w.mu.Lock()
	t := &Timer{
		wheel:     w,
		ms:        ms,
		next:      nowMillis() + ms,
		recurring: recurring,
		cb:        cb,
		cond:      cond,
		seq:       w.seq,
		index:     -1,
	}
	w.seq++
	heap.Push(&w.entries, t)
	front := t.index == 0
	fn := w.onFront
	w.mu.Unlock()
	if front && fn != nil {
		fn()
	}
	return t
}

// Cancel removes the timer. Safe on expired or already-cancelled
// handles.
func (t *Timer) Cancel() {
	w := t.wheel
	w.mu.Lock()
	t.cb = nil
	t.cond = nil
	if t.index >= 0 {
		heap.Remove(&w.entries, t.index)
	}
	w.mu.Unlock()
}

// Reset re-arms the timer with a new delay. With fromNow the deadline
// becomes now+delay; otherwise the original start point is preserved
// and only the interval changes. Returns false if the timer has been
// cancelled.
func (t *Timer) Reset(delay time.Duration, fromNow bool) bool {
	ms := delay.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	w := t.wheel
	w.mu.Lock()
	if t.cb == nil {
		w.mu.Unlock()
		return false
	}
	if t.index >= 0 {
		heap.Remove(&w.entries, t.index)
	}
	start := t.next - t.ms
	if fromNow {
		start = nowMillis()
	}
	t.ms = ms
	t.next = start + ms
	heap.Push(&w.entries, t)
	front := t.index == 0
	fn := w.onFront
	w.mu.Unlock()
	if front && fn != nil {
		fn()
	}
	return true
}

// Refresh re-arms the timer at now+period without changing the period.
func (t *Timer) Refresh() bool {
	w := t.wheel
	w.mu.Lock()
	ms := t.ms
	w.mu.Unlock()
	return t.Reset(time.Duration(ms)*time.Millisecond, true)
}

// TimeToNext returns the duration until the earliest deadline, zero if
// it has already passed, or NoTimer when the wheel is empty.
func (w *Wheel) TimeToNext() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.entries.Len() == 0 {
		return NoTimer
	}
	d := w.entries[0].next - nowMillis()
	if d < 0 {
		d = 0
	}
	return time.Duration(d) * time.Millisecond
}

// Empty reports whether the wheel holds no entries.
func (w *Wheel) Empty() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.entries.Len() == 0
}

// ListExpired pops every entry whose deadline has passed and returns
// their callbacks, panic-guarded, in deadline order (ties in insertion
// order). Recurring entries are re-inserted at deadline+period.
// Condition entries whose weak handle no longer resolves are dropped
// silently.
func (w *Wheel) ListExpired() []func() {
	now := nowMillis()
	w.mu.Lock()
	rolledBack := detectClockRollover(w.lastObserved, now)
	w.lastObserved = now
	var cbs []func()
	for w.entries.Len() > 0 {
		t := w.entries[0]
		if !rolledBack && t.next > now {
			break
		}
		heap.Pop(&w.entries)
		if t.cond != nil && !t.cond() {
			continue
		}
		cb := t.cb
		if cb == nil {
			continue
		}
		cbs = append(cbs, guard(cb))
		if t.recurring {
			t.next += t.ms
			heap.Push(&w.entries, t)
		}
	}
	w.mu.Unlock()
	return cbs
}

// detectClockRollover reports a backward clock jump larger than one
// hour between consecutive observations. With the monotonic anchor this
// never triggers; see DESIGN.md.
func detectClockRollover(prev, now int64) bool {
	return prev > 0 && now < prev-rollbackWindowMS
}

// guard wraps a timer callback so a panic cannot escape into the
// scheduler worker that ultimately runs it.
func guard(cb func()) func() {
	return func() {
		defer func() {
			if r := recover(); r != nil {
				timerLog.Error().Interface("panic", r).Msg("panic in timer callback")
			}
		}()
		cb()
	}
}

// timerHeap orders by deadline, then by insertion sequence.
type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].next != h[j].next {
		return h[i].next < h[j].next
	}
	return h[i].seq < h[j].seq
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
