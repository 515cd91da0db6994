//go:build linux
// +build linux

// File: reactor/reactor_linux.go
// Author: momentics <momentics@gmail.com>
//
// Epoll-based I/O reactor. Extends the scheduler with an edge-triggered
// readiness multiplexer, a self-pipe wakeup and a timer wheel: the
// per-worker idle fiber blocks in epoll_wait with a budget derived from
// the wheel, then converts readiness into fiber resumptions.

package reactor

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-fiber/fiber"
	"github.com/momentics/hioload-fiber/internal/logging"
	"github.com/momentics/hioload-fiber/scheduler"
	"github.com/momentics/hioload-fiber/timer"
)

// maxIdleWaitMS caps the epoll blocking budget as a liveness floor
// against any missed wakeup.
const maxIdleWaitMS = 3000

// idleBatch is the epoll event batch size of one idle pass.
const idleBatch = 256

// slot holds one parked continuation for an (fd, event) pair: either a
// fiber to resume or a callback to schedule, plus the worker the parked
// fiber should resume on.
type slot struct {
	fib      *fiber.Fiber
	cb       func()
	affinity int
}

func (s *slot) set(fib *fiber.Fiber, cb func(), affinity int) {
	s.fib = fib
	s.cb = cb
	s.affinity = affinity
}

func (s *slot) reset() {
	s.fib = nil
	s.cb = nil
	s.affinity = scheduler.AnyWorker
}

// fdEntry is the reactor's per-descriptor record. The mutex is never
// held across a context switch.
type fdEntry struct {
	mu     sync.Mutex
	fd     int
	events Event
	read   slot
	write  slot
}

func (e *fdEntry) slotFor(ev Event) *slot {
	if ev == Read {
		return &e.read
	}
	return &e.write
}

// Reactor is the I/O scheduler: worker pool and task FIFOs from the
// embedded Scheduler, deadlines from the owned wheel, readiness from
// epoll.
type Reactor struct {
	*scheduler.Scheduler

	wheel *timer.Wheel

	epfd  int
	wakeR int
	wakeW int

	mu      sync.RWMutex
	entries []*fdEntry

	pending atomic.Int64
	closed  atomic.Bool
	log     zerolog.Logger
}

// New constructs and starts a reactor with the given worker pool shape.
func New(workers int, useCaller bool, name string, opts ...scheduler.Option) (*Reactor, error) {
	r := &Reactor{
		Scheduler: scheduler.New(workers, useCaller, name, opts...),
		wheel:     timer.NewWheel(),
		entries:   make([]*fdEntry, 32),
		log:       logging.Component("reactor").With().Str("name", name).Logger(),
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("reactor: epoll_create1: %w", err)
	}
	r.epfd = epfd

	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("reactor: pipe2: %w", err)
	}
	r.wakeR, r.wakeW = p[0], p[1]

	ev := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLET, Fd: int32(r.wakeR)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, r.wakeR, &ev); err != nil {
		unix.Close(epfd)
		unix.Close(r.wakeR)
		unix.Close(r.wakeW)
		return nil, fmt.Errorf("reactor: register wake pipe: %w", err)
	}

	r.wheel.SetFrontChanged(r.tickle)
	r.Scheduler.SetOwner(r)
	r.Scheduler.SetHooks(r.tickle, r.idle, r.stopping)
	r.Scheduler.Start()
	return r, nil
}

// Current returns the reactor driving the calling fiber, or nil outside
// reactor-scheduled code.
func Current() *Reactor {
	if r, ok := fiber.CurrentScheduler().(*Reactor); ok {
		return r
	}
	return nil
}

// Wheel exposes the reactor's timer wheel.
func (r *Reactor) Wheel() *timer.Wheel { return r.wheel }

// AddTimer schedules cb on the wheel; expired callbacks run as reactor
// tasks.
func (r *Reactor) AddTimer(delay time.Duration, cb func(), recurring bool) *timer.Timer {
	return r.wheel.AddTimer(delay, cb, recurring)
}

// PendingEvents returns the number of outstanding (fd, event)
// registrations.
func (r *Reactor) PendingEvents() int64 { return r.pending.Load() }

// Stop drains the scheduler and releases the epoll and wake-pipe
// descriptors. Idempotent.
func (r *Reactor) Stop() {
	r.Scheduler.Stop()
	if r.closed.CompareAndSwap(false, true) {
		unix.Close(r.epfd)
		unix.Close(r.wakeR)
		unix.Close(r.wakeW)
	}
}

// entryFor returns the record for fd, growing the table by 1.5x and
// materializing the entry when create is set.
func (r *Reactor) entryFor(fd int, create bool) *fdEntry {
	if fd < 0 {
		return nil
	}
	r.mu.RLock()
	if fd < len(r.entries) {
		if e := r.entries[fd]; e != nil || !create {
			r.mu.RUnlock()
			return e
		}
	} else if !create {
		r.mu.RUnlock()
		return nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if fd >= len(r.entries) {
		size := len(r.entries)
		for size <= fd {
			size = size * 3 / 2
		}
		grown := make([]*fdEntry, size)
		copy(grown, r.entries)
		r.entries = grown
	}
	if e := r.entries[fd]; e != nil {
		return e
	}
	e := &fdEntry{fd: fd}
	e.read.affinity = scheduler.AnyWorker
	e.write.affinity = scheduler.AnyWorker
	r.entries[fd] = e
	return e
}

// AddEvent registers interest in (fd, ev). With a nil callback the
// current fiber is parked and resumed on readiness. Registering an
// event already present on the fd is a caller bug and fails with
// ErrEventExists.
func (r *Reactor) AddEvent(fd int, ev Event, cb func()) error {
	if ev != Read && ev != Write {
		return fmt.Errorf("reactor: add event %v: single READ or WRITE required", ev)
	}
	e := r.entryFor(fd, true)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.events&ev != 0 {
		r.log.Error().Int("fd", fd).Str("event", ev.String()).Msg("duplicate event registration")
		return ErrEventExists
	}

	var fib *fiber.Fiber
	affinityID := scheduler.AnyWorker
	if cb == nil {
		fib = fiber.Current()
		if !fib.Yieldable() {
			return ErrBadFiber
		}
		affinityID = fib.Worker()
	}

	op := unix.EPOLL_CTL_MOD
	if e.events == None {
		op = unix.EPOLL_CTL_ADD
	}
	epv := unix.EpollEvent{Events: uint32(e.events|ev) | unix.EPOLLET, Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, op, fd, &epv); err != nil {
		return fmt.Errorf("reactor: epoll_ctl add event: %w", err)
	}

	e.events |= ev
	e.slotFor(ev).set(fib, cb, affinityID)
	r.pending.Add(1)
	return nil
}

// DelEvent removes interest in (fd, ev) without firing the parked
// continuation.
func (r *Reactor) DelEvent(fd int, ev Event) bool {
	e := r.entryFor(fd, false)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.events&ev == 0 {
		return false
	}
	if err := r.updateKernelMask(e, e.events&^ev); err != nil {
		r.log.Error().Err(err).Int("fd", fd).Msg("epoll_ctl del event")
	}
	e.events &^= ev
	e.slotFor(ev).reset()
	r.pending.Add(-1)
	return true
}

// CancelEvent removes interest in (fd, ev) and fires the parked
// continuation exactly once. Timeout paths and close-time cleanup use
// it so no coroutine stays orphaned.
func (r *Reactor) CancelEvent(fd int, ev Event) bool {
	e := r.entryFor(fd, false)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.events&ev == 0 {
		return false
	}
	if err := r.updateKernelMask(e, e.events&^ev); err != nil {
		r.log.Error().Err(err).Int("fd", fd).Msg("epoll_ctl cancel event")
	}
	r.triggerLocked(e, ev)
	return true
}

// CancelAll fires and clears both slots of fd and removes it from the
// multiplexer.
func (r *Reactor) CancelAll(fd int) bool {
	e := r.entryFor(fd, false)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.events == None {
		return false
	}
	if err := r.updateKernelMask(e, None); err != nil {
		r.log.Error().Err(err).Int("fd", fd).Msg("epoll_ctl cancel all")
	}
	if e.events&Read != 0 {
		r.triggerLocked(e, Read)
	}
	if e.events&Write != 0 {
		r.triggerLocked(e, Write)
	}
	return true
}

// updateKernelMask mirrors a registered-mask transition to epoll.
// The close path tolerates ctl errors: a closed fd has already left the
// interest list.
func (r *Reactor) updateKernelMask(e *fdEntry, next Event) error {
	if next == None {
		return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, e.fd, nil)
	}
	epv := unix.EpollEvent{Events: uint32(next) | unix.EPOLLET, Fd: int32(e.fd)}
	return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, e.fd, &epv)
}

// triggerLocked consumes the slot for ev: the mask bit is cleared
// before the resumption is enqueued. Caller holds e.mu and has already
// updated the kernel mask.
func (r *Reactor) triggerLocked(e *fdEntry, ev Event) {
	s := e.slotFor(ev)
	e.events &^= ev
	switch {
	case s.cb != nil:
		r.Schedule(s.cb, s.affinity)
	case s.fib != nil:
		r.ScheduleFiber(s.fib, s.affinity)
	}
	s.reset()
	r.pending.Add(-1)
}

// tickle wakes an idle worker out of epoll_wait with a self-pipe byte.
func (r *Reactor) tickle() {
	if r.IdleWorkers() == 0 {
		return
	}
	r.wake()
}

func (r *Reactor) wake() {
	if r.closed.Load() {
		return
	}
	_, err := unix.Write(r.wakeW, []byte{'T'})
	if err != nil && err != unix.EAGAIN {
		r.log.Error().Err(err).Msg("wake pipe write")
	}
}

func (r *Reactor) drainWake() {
	var buf [256]byte
	for {
		n, err := unix.Read(r.wakeR, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// stopping extends the scheduler's stop condition: no parked events and
// no outstanding timers.
func (r *Reactor) stopping() bool {
	return r.pending.Load() == 0 && r.wheel.Empty() && r.Drained()
}

// idle is the body of every worker's idle fiber: block in epoll with a
// budget from the wheel, convert expirations and readiness into tasks,
// then yield back to the scheduling fiber.
func (r *Reactor) idle() {
	events := make([]unix.EpollEvent, idleBatch)
	for {
		if r.stopping() {
			// Cascade the shutdown wakeup to sibling workers still
			// blocked in epoll_wait.
			r.wake()
			r.log.Debug().Msg("idle fiber exiting")
			return
		}

		waitMS := maxIdleWaitMS
		if d := r.wheel.TimeToNext(); d != timer.NoTimer {
			if ms := int(d.Milliseconds()); ms < waitMS {
				waitMS = ms
			}
		}

		n, err := unix.EpollWait(r.epfd, events, waitMS)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			r.log.Error().Err(err).Msg("epoll_wait")
			if r.closed.Load() {
				return
			}
			continue
		}

		if cbs := r.wheel.ListExpired(); len(cbs) > 0 {
			tasks := make([]scheduler.Task, 0, len(cbs))
			for _, cb := range cbs {
				tasks = append(tasks, scheduler.Task{CB: cb, Affinity: scheduler.AnyWorker})
			}
			r.ScheduleBatch(tasks)
		}

		for i := 0; i < n; i++ {
			epv := &events[i]
			fd := int(epv.Fd)
			if fd == r.wakeR {
				r.drainWake()
				continue
			}
			e := r.entryFor(fd, false)
			if e == nil {
				continue
			}
			e.mu.Lock()
			evs := epv.Events
			if evs&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
				// Error or hangup: fire whatever is parked on the fd so
				// the waking code can diagnose via SO_ERROR or the next
				// I/O attempt.
				evs |= (unix.EPOLLIN | unix.EPOLLOUT) & uint32(e.events)
			}
			var real Event
			if evs&unix.EPOLLIN != 0 {
				real |= Read
			}
			if evs&unix.EPOLLOUT != 0 {
				real |= Write
			}
			active := real & e.events
			if active == None {
				// Spurious or already-cancelled notification.
				e.mu.Unlock()
				continue
			}
			if err := r.updateKernelMask(e, e.events&^active); err != nil {
				r.log.Error().Err(err).Int("fd", fd).Msg("epoll_ctl after readiness")
			}
			if active&Read != 0 {
				r.triggerLocked(e, Read)
			}
			if active&Write != 0 {
				r.triggerLocked(e, Write)
			}
			e.mu.Unlock()
		}

		fiber.YieldHold()
	}
}
