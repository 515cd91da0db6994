//go:build linux
// +build linux

// File: hook/hook.go
// Author: momentics <momentics@gmail.com>
//
// Blocking-style syscall surface over raw descriptors. Each wrapper
// keeps the kernel call's signature and errno semantics; when the hook
// is enabled for the calling fiber and the fd is a socket the user has
// not made non-blocking, a would-block turns into a fiber suspension
// parked on the reactor and the timer wheel instead of blocking the
// worker thread.
//
// The raw surface is golang.org/x/sys/unix called directly; disabling
// the hook forwards every wrapper to it untouched.

package hook

import (
	"sync/atomic"
	"time"
	"weak"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-fiber/control"
	"github.com/momentics/hioload-fiber/fdtable"
	"github.com/momentics/hioload-fiber/fiber"
	"github.com/momentics/hioload-fiber/reactor"
	"github.com/momentics/hioload-fiber/timer"
)

// Enabled reports whether interception is active for the calling fiber.
// Scheduler workers enable it on every fiber they resume.
func Enabled() bool { return fiber.HookEnabled() }

// SetEnabled toggles interception for the calling fiber.
func SetEnabled(v bool) { fiber.SetHookEnabled(v) }

// ioCookie tracks one parked operation. The timer callback holds only a
// weak handle; if the cookie has been released the expiry is a no-op.
type ioCookie struct {
	cancelled atomic.Int32 // holds a unix.Errno once decided
}

// armTimeout installs a condition timer that marks the cookie timed out
// and cancels the parked event. A ms value < 0 means no deadline.
func armTimeout(r *reactor.Reactor, ms int64, fd int, ev reactor.Event, c *ioCookie) *timer.Timer {
	if ms < 0 {
		return nil
	}
	wp := weak.Make(c)
	return timer.AddConditionTimer(r.Wheel(), time.Duration(ms)*time.Millisecond, func() {
		cookie := wp.Value()
		if cookie == nil || cookie.cancelled.Load() != 0 {
			return
		}
		cookie.cancelled.Store(int32(unix.ETIMEDOUT))
		r.CancelEvent(fd, ev)
	}, wp)
}

// Sleep suspends the calling fiber for at least d without blocking its
// worker. Outside hooked code it degrades to time.Sleep.
func Sleep(d time.Duration) {
	r := reactor.Current()
	if !Enabled() || r == nil {
		time.Sleep(d)
		return
	}
	f := fiber.Current()
	worker := f.Worker()
	r.AddTimer(d, func() { r.ScheduleFiber(f, worker) }, false)
	fiber.YieldHold()
}

// Usleep suspends for the given number of microseconds.
func Usleep(usec int64) {
	Sleep(time.Duration(usec) * time.Microsecond)
}

// Socket creates a socket and, under the hook, pre-materializes its
// descriptor context so later wrappers find it initialized.
func Socket(domain, typ, proto int) (int, error) {
	fd, err := unix.Socket(domain, typ, proto)
	if err != nil {
		return fd, err
	}
	if Enabled() {
		fdtable.Default().Get(fd, true)
	}
	return fd, nil
}

// Connect establishes a connection with the effective timeout: the
// per-fd send timeout when one is set, otherwise the
// tcp.connect.timeout configuration default.
func Connect(fd int, sa unix.Sockaddr) error {
	to := int64(-1)
	if ctx := fdtable.Default().Get(fd, false); ctx != nil {
		to = ctx.TimeoutMS(fdtable.SendTimeout)
	}
	if to < 0 {
		to = int64(control.Default().GetInt(control.KeyConnectTimeout, control.DefaultConnectTimeout))
	}
	return ConnectTimeout(fd, sa, to)
}

// ConnectTimeout is Connect with an explicit millisecond deadline;
// a negative deadline waits indefinitely.
func ConnectTimeout(fd int, sa unix.Sockaddr, timeoutMS int64) error {
	if !Enabled() {
		return unix.Connect(fd, sa)
	}
	ctx := fdtable.Default().Get(fd, true)
	if ctx == nil || ctx.IsClosed() {
		return unix.EBADF
	}
	if !ctx.IsSocket() || ctx.UserNonblock() {
		return unix.Connect(fd, sa)
	}

	err := unix.Connect(fd, sa)
	if err == nil {
		return nil
	}
	if err != unix.EINPROGRESS {
		return err
	}
	r := reactor.Current()
	if r == nil {
		return err
	}

	cookie := &ioCookie{}
	t := armTimeout(r, timeoutMS, fd, reactor.Write, cookie)
	if aerr := r.AddEvent(fd, reactor.Write, nil); aerr != nil {
		if t != nil {
			t.Cancel()
		}
		return aerr
	}
	fiber.YieldHold()
	if t != nil {
		t.Cancel()
	}
	if ec := cookie.cancelled.Load(); ec != 0 {
		return unix.Errno(ec)
	}

	soerr, gerr := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if gerr != nil {
		return gerr
	}
	if soerr != 0 {
		return unix.Errno(soerr)
	}
	return nil
}

// Close fires any continuation still parked on the fd, drops its
// context and forwards to the kernel close.
func Close(fd int) error {
	if Enabled() {
		if ctx := fdtable.Default().Get(fd, false); ctx != nil {
			if r := reactor.Current(); r != nil {
				r.CancelAll(fd)
			}
			fdtable.Default().Del(fd)
		}
	}
	return unix.Close(fd)
}

// Fcntl interposes F_SETFL and F_GETFL so the application-requested
// non-blocking flag and the system-imposed one stay separable: the
// kernel flag follows the context's system flag regardless of the
// caller's request, and F_GETFL presents only what the caller set.
// Other commands pass through.
func Fcntl(fd int, cmd int, arg int) (int, error) {
	switch cmd {
	case unix.F_SETFL:
		if ctx := fdtable.Default().Get(fd, false); ctx != nil && ctx.IsSocket() && !ctx.IsClosed() {
			ctx.SetUserNonblock(arg&unix.O_NONBLOCK != 0)
			if ctx.SysNonblock() {
				arg |= unix.O_NONBLOCK
			} else {
				arg &^= unix.O_NONBLOCK
			}
		}
		return unix.FcntlInt(uintptr(fd), cmd, arg)
	case unix.F_GETFL:
		flags, err := unix.FcntlInt(uintptr(fd), cmd, 0)
		if err != nil {
			return flags, err
		}
		if ctx := fdtable.Default().Get(fd, false); ctx != nil && ctx.IsSocket() && !ctx.IsClosed() {
			if ctx.UserNonblock() {
				flags |= unix.O_NONBLOCK
			} else {
				flags &^= unix.O_NONBLOCK
			}
		}
		return flags, nil
	default:
		return unix.FcntlInt(uintptr(fd), cmd, arg)
	}
}

// SetNonblock mirrors the caller's FIONBIO intent into the context's
// user flag, then forwards to the kernel.
func SetNonblock(fd int, nonblocking bool) error {
	if ctx := fdtable.Default().Get(fd, false); ctx != nil && ctx.IsSocket() && !ctx.IsClosed() {
		ctx.SetUserNonblock(nonblocking)
	}
	return unix.SetNonblock(fd, nonblocking)
}

// SetsockoptTimeval captures SO_RCVTIMEO/SO_SNDTIMEO into the fd
// context, then forwards. A zero timeval means "no deadline" per the
// socket option's semantics.
func SetsockoptTimeval(fd, level, opt int, tv *unix.Timeval) error {
	if Enabled() && level == unix.SOL_SOCKET && (opt == unix.SO_RCVTIMEO || opt == unix.SO_SNDTIMEO) {
		if ctx := fdtable.Default().Get(fd, true); ctx != nil {
			ms := int64(tv.Sec)*1000 + int64(tv.Usec)/1000
			if ms == 0 {
				ms = fdtable.InfiniteTimeout
			}
			kind := fdtable.RecvTimeout
			if opt == unix.SO_SNDTIMEO {
				kind = fdtable.SendTimeout
			}
			ctx.SetTimeoutMS(kind, ms)
		}
	}
	return unix.SetsockoptTimeval(fd, level, opt, tv)
}

// SetRecvTimeout stores a receive deadline in milliseconds for fd,
// mirroring it to the kernel option.
func SetRecvTimeout(fd int, ms int64) error {
	tv := unix.NsecToTimeval(ms * int64(time.Millisecond))
	return SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv)
}

// SetSendTimeout stores a send deadline in milliseconds for fd,
// mirroring it to the kernel option.
func SetSendTimeout(fd int, ms int64) error {
	tv := unix.NsecToTimeval(ms * int64(time.Millisecond))
	return SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_SNDTIMEO, &tv)
}
