//go:build !linux
// +build !linux

// File: reactor/reactor_stub.go
// Author: momentics <momentics@gmail.com>
//
// Stub for platforms without an epoll-style multiplexer.

package reactor

import (
	"time"

	"github.com/momentics/hioload-fiber/scheduler"
	"github.com/momentics/hioload-fiber/timer"
)

// Reactor is unavailable on this platform.
type Reactor struct {
	*scheduler.Scheduler
}

// New reports ErrUnsupportedPlatform.
func New(workers int, useCaller bool, name string, opts ...scheduler.Option) (*Reactor, error) {
	return nil, ErrUnsupportedPlatform
}

// Current returns nil on unsupported platforms.
func Current() *Reactor { return nil }

func (r *Reactor) Wheel() *timer.Wheel { return nil }

func (r *Reactor) AddTimer(delay time.Duration, cb func(), recurring bool) *timer.Timer {
	return nil
}

func (r *Reactor) PendingEvents() int64 { return 0 }

func (r *Reactor) AddEvent(fd int, ev Event, cb func()) error { return ErrUnsupportedPlatform }

func (r *Reactor) DelEvent(fd int, ev Event) bool { return false }

func (r *Reactor) CancelEvent(fd int, ev Event) bool { return false }

func (r *Reactor) CancelAll(fd int) bool { return false }

func (r *Reactor) Stop() {}
