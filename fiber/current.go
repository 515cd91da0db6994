// File: fiber/current.go
// Author: momentics <momentics@gmail.com>
//
// Per-goroutine fiber slots. Each goroutine observes exactly one
// current fiber: its own trampoline-registered fiber, or a lazily
// created main fiber standing for the goroutine's native stack.

package fiber

import (
	"sync"

	"github.com/petermattis/goid"
)

var current sync.Map // goroutine id -> *Fiber

func registerCurrent(f *Fiber) {
	current.Store(goid.Get(), f)
}

func unregisterCurrent() {
	current.Delete(goid.Get())
}

// Current returns the fiber executing on the calling goroutine. If none
// exists, a main fiber is materialized for the goroutine and returned.
func Current() *Fiber {
	gid := goid.Get()
	if v, ok := current.Load(gid); ok {
		return v.(*Fiber)
	}
	f := newMain()
	current.Store(gid, f)
	return f
}

// CurrentID returns the id of the current fiber, materializing a main
// fiber if needed.
func CurrentID() uint64 { return Current().id }

// CurrentScheduler returns the scheduler recorded on the current fiber,
// or nil outside scheduled code.
func CurrentScheduler() any { return Current().sched }

// HookEnabled reports the hook flag of the current fiber.
func HookEnabled() bool { return Current().hookEnabled }

// SetHookEnabled toggles the hook flag of the current fiber.
func SetHookEnabled(v bool) { Current().SetHookEnabled(v) }

// ReleaseThread drops the calling goroutine's main-fiber slot. Worker
// loops call it on exit so long-lived registries do not accumulate
// main fibers for dead goroutines. A trampoline-registered fiber slot
// is left untouched.
func ReleaseThread() {
	gid := goid.Get()
	if v, ok := current.Load(gid); ok {
		f := v.(*Fiber)
		if f.main {
			current.Delete(gid)
			liveCount.Add(-1)
		}
	}
}
