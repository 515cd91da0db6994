// File: fiber/fiber.go
// Author: momentics <momentics@gmail.com>
//
// Non-symmetric cooperative fiber. A fiber owns a private execution
// context (a dedicated goroutine) and suspends only to the context that
// resumed it. Control transfer is an unbuffered channel handoff: Resume
// blocks the resumer until the fiber yields or terminates, so at most
// one side of the pair runs at any instant.

package fiber

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"

	"github.com/momentics/hioload-fiber/control"
	"github.com/momentics/hioload-fiber/internal/logging"
)

// State is the fiber lifecycle state.
type State int32

const (
	// Init: constructed or reset, never resumed since.
	Init State = iota
	// Ready: yielded with intent to be rescheduled.
	Ready
	// Exec: currently running on some worker.
	Exec
	// Hold: voluntarily parked; an external wakeup has been arranged.
	Hold
	// Term: entry point returned normally.
	Term
	// Except: entry point failed with an uncaught panic.
	Except
)

func (s State) String() string {
	switch s {
	case Init:
		return "INIT"
	case Ready:
		return "READY"
	case Exec:
		return "EXEC"
	case Hold:
		return "HOLD"
	case Term:
		return "TERM"
	case Except:
		return "EXCEPT"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// ErrBadState reports a lifecycle operation attempted in a state that
// does not permit it.
var ErrBadState = errors.New("fiber: bad state for operation")

var (
	idSeq     atomic.Uint64
	liveCount atomic.Int64
	fiberLog  = logging.Component("fiber")
)

// Fiber is a stackful, non-symmetric coroutine.
//
// The sched/worker/hookEnabled fields are written by the resumer before
// the handoff and read by the fiber body after it; the channel handoff
// orders those accesses.
type Fiber struct {
	id        uint64
	stackSize int
	state     atomic.Int32
	cb        func()

	resumeCh chan struct{}
	yieldCh  chan struct{}
	started  bool
	main     bool

	hookEnabled bool
	sched       any
	worker      int
}

// Option configures a new fiber.
type Option func(*Fiber)

// WithStackSize records a stack-size hint in bytes. Goroutine stacks
// grow on demand, so the hint bounds nothing; it is carried for
// diagnostics and configuration parity.
func WithStackSize(n int) Option {
	return func(f *Fiber) {
		if n > 0 {
			f.stackSize = n
		}
	}
}

// New constructs a fiber around cb in state Init. The fiber does not
// run until its first Resume.
func New(cb func(), opts ...Option) *Fiber {
	f := &Fiber{
		id:        idSeq.Add(1),
		stackSize: control.Default().GetInt(control.KeyStackSize, control.DefaultStackSize),
		cb:        cb,
		resumeCh:  make(chan struct{}),
		yieldCh:   make(chan struct{}),
		worker:    -1,
	}
	for _, opt := range opts {
		opt(f)
	}
	f.state.Store(int32(Init))
	liveCount.Add(1)
	return f
}

// newMain builds the fiber representing a goroutine's native stack.
// It is born in Exec: it is the code that is already running.
func newMain() *Fiber {
	f := &Fiber{
		id:     idSeq.Add(1),
		main:   true,
		worker: -1,
	}
	f.state.Store(int32(Exec))
	liveCount.Add(1)
	return f
}

// ID returns the fiber's monotonically issued identity.
func (f *Fiber) ID() uint64 { return f.id }

// State returns the current lifecycle state.
func (f *Fiber) State() State { return State(f.state.Load()) }

// StackSize returns the recorded stack-size hint.
func (f *Fiber) StackSize() int { return f.stackSize }

// IsMain reports whether this fiber represents a goroutine's native stack.
func (f *Fiber) IsMain() bool { return f.main }

// Yieldable reports whether the fiber can suspend back to a resumer.
func (f *Fiber) Yieldable() bool { return !f.main }

// TotalFibers returns the number of live fibers, main fibers included.
func TotalFibers() int64 { return liveCount.Load() }

// Resume transfers control into the fiber. Precondition: the fiber is
// in Init, Ready or Hold. Resume returns when the fiber next yields or
// terminates; inspect State afterwards to learn which.
func (f *Fiber) Resume() error {
	if f.main {
		return fmt.Errorf("%w: resume of a main fiber", ErrBadState)
	}
	for {
		s := f.State()
		switch s {
		case Init, Ready, Hold:
		default:
			return fmt.Errorf("%w: resume in %v", ErrBadState, s)
		}
		if f.state.CompareAndSwap(int32(s), int32(Exec)) {
			break
		}
	}
	if !f.started {
		f.started = true
		go f.trampoline()
	} else {
		f.resumeCh <- struct{}{}
	}
	<-f.yieldCh
	return nil
}

// Reset re-arms a finished or fresh fiber with a new entry point,
// reusing its identity and channels. Precondition: Init, Term or Except.
func (f *Fiber) Reset(cb func()) error {
	if f.main {
		return fmt.Errorf("%w: reset of a main fiber", ErrBadState)
	}
	s := f.State()
	switch s {
	case Init, Term, Except:
	default:
		return fmt.Errorf("%w: reset in %v", ErrBadState, s)
	}
	f.cb = cb
	f.worker = -1
	if s != Init {
		liveCount.Add(1)
	}
	f.state.Store(int32(Init))
	return nil
}

// trampoline is the fiber goroutine entry. It registers the fiber as
// current for its goroutine, runs the body under a catch-all guard and
// hands control back to the resumer exactly once on the way out. All
// failure modes stay inside run: a panic escaping here would strand the
// resumer on yieldCh.
func (f *Fiber) trampoline() {
	registerCurrent(f)
	f.run()
	unregisterCurrent()
	f.started = false
	liveCount.Add(-1)
	f.yieldCh <- struct{}{}
}

func (f *Fiber) run() {
	defer func() {
		if r := recover(); r != nil {
			f.state.Store(int32(Except))
			fiberLog.Error().
				Uint64("fiber", f.id).
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("uncaught panic in fiber")
			return
		}
		f.state.Store(int32(Term))
	}()
	f.cb()
}

// yieldTo suspends the current fiber in the given state and blocks its
// goroutine until the next Resume.
func yieldTo(s State) {
	f := Current()
	if f.main {
		panic("fiber: yield on a main fiber")
	}
	if f.State() != Exec {
		panic(fmt.Sprintf("fiber: yield in %v", f.State()))
	}
	f.state.Store(int32(s))
	f.yieldCh <- struct{}{}
	<-f.resumeCh
}

// YieldHold parks the current fiber. The caller must have arranged its
// own wakeup (timer, readiness event, explicit reschedule).
func YieldHold() { yieldTo(Hold) }

// YieldReady suspends the current fiber and marks it runnable; the
// resumer is expected to reschedule it.
func YieldReady() { yieldTo(Ready) }

// SetHookEnabled toggles syscall-hook interception for code running on
// this fiber. Schedulers enable it on every fiber they resume.
func (f *Fiber) SetHookEnabled(v bool) { f.hookEnabled = v }

// HookEnabled reports whether the hook layer intercepts calls made on
// this fiber.
func (f *Fiber) HookEnabled() bool { return f.hookEnabled }

// SetScheduler records the scheduler (or reactor) driving this fiber.
func (f *Fiber) SetScheduler(s any) { f.sched = s }

// Scheduler returns the driver recorded by SetScheduler, or nil.
func (f *Fiber) Scheduler() any { return f.sched }

// SetWorker records the worker currently executing the fiber.
func (f *Fiber) SetWorker(id int) { f.worker = id }

// Worker returns the id of the worker that last resumed the fiber, or
// -1 when it has not run under a scheduler since construction or its
// last Reset.
func (f *Fiber) Worker() int { return f.worker }
