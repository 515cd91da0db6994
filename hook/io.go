//go:build linux
// +build linux

// File: hook/io.go
// Author: momentics <momentics@gmail.com>
//
// The generic would-block template and the I/O wrappers built on it.
// Every wrapper retries EINTR, and on EAGAIN parks the calling fiber on
// the reactor plus a condition timer derived from the fd's
// SO_RCVTIMEO/SO_SNDTIMEO mirror; after wakeup the raw call is retried
// until it completes, fails, or the deadline marks the cookie.

package hook

import (
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-fiber/control"
	"github.com/momentics/hioload-fiber/fdtable"
	"github.com/momentics/hioload-fiber/fiber"
	"github.com/momentics/hioload-fiber/reactor"
)

func eventFor(kind fdtable.TimeoutKind) reactor.Event {
	if kind == fdtable.RecvTimeout {
		return reactor.Read
	}
	return reactor.Write
}

// doIO wraps one raw operation with the suspension protocol. raw must
// be retryable: it is invoked again after every wakeup.
func doIO(fd int, kind fdtable.TimeoutKind, raw func() (int, error)) (int, error) {
	if !Enabled() {
		return raw()
	}
	ctx := fdtable.Default().Get(fd, false)
	if ctx == nil {
		return raw()
	}
	if ctx.IsClosed() {
		return -1, unix.EBADF
	}
	if !ctx.IsSocket() || ctx.UserNonblock() {
		return raw()
	}

	ev := eventFor(kind)
	for {
		n, err := raw()
		for err == unix.EINTR {
			n, err = raw()
		}
		if err != unix.EAGAIN {
			return n, err
		}

		r := reactor.Current()
		if r == nil {
			return n, err
		}
		to := ctx.TimeoutMS(kind)
		cookie := &ioCookie{}
		t := armTimeout(r, to, fd, ev, cookie)
		if aerr := r.AddEvent(fd, ev, nil); aerr != nil {
			if t != nil {
				t.Cancel()
			}
			return -1, aerr
		}
		fiber.YieldHold()
		if t != nil {
			t.Cancel()
		}
		if ec := cookie.cancelled.Load(); ec != 0 {
			return -1, unix.Errno(ec)
		}
		if ctx.IsClosed() {
			// Woken by close-time cancellation; the fd number may
			// already belong to someone else, so never touch it again.
			return -1, unix.EBADF
		}
		// Readiness or cancellation without timeout: retry the raw call.
	}
}

// Read reads into p, suspending on would-block.
func Read(fd int, p []byte) (int, error) {
	return doIO(fd, fdtable.RecvTimeout, func() (int, error) { return unix.Read(fd, p) })
}

// Write writes p, suspending on would-block.
func Write(fd int, p []byte) (int, error) {
	return doIO(fd, fdtable.SendTimeout, func() (int, error) { return unix.Write(fd, p) })
}

// Readv scatters into iovs, suspending on would-block.
func Readv(fd int, iovs [][]byte) (int, error) {
	return doIO(fd, fdtable.RecvTimeout, func() (int, error) { return unix.Readv(fd, iovs) })
}

// Writev gathers from iovs, suspending on would-block.
func Writev(fd int, iovs [][]byte) (int, error) {
	return doIO(fd, fdtable.SendTimeout, func() (int, error) { return unix.Writev(fd, iovs) })
}

// Recv receives with flags, suspending on would-block.
func Recv(fd int, p []byte, flags int) (int, error) {
	return doIO(fd, fdtable.RecvTimeout, func() (int, error) {
		n, _, err := unix.Recvfrom(fd, p, flags)
		return n, err
	})
}

// Recvfrom receives with the peer address, suspending on would-block.
func Recvfrom(fd int, p []byte, flags int) (int, unix.Sockaddr, error) {
	var from unix.Sockaddr
	n, err := doIO(fd, fdtable.RecvTimeout, func() (int, error) {
		var rerr error
		var rn int
		rn, from, rerr = unix.Recvfrom(fd, p, flags)
		return rn, rerr
	})
	return n, from, err
}

// Recvmsg receives a message with ancillary data, suspending on
// would-block.
func Recvmsg(fd int, p, oob []byte, flags int) (n, oobn, recvflags int, from unix.Sockaddr, err error) {
	n, err = doIO(fd, fdtable.RecvTimeout, func() (int, error) {
		var rerr error
		var rn int
		rn, oobn, recvflags, from, rerr = unix.Recvmsg(fd, p, oob, flags)
		return rn, rerr
	})
	return n, oobn, recvflags, from, err
}

// Send sends with flags, suspending on would-block.
func Send(fd int, p []byte, flags int) (int, error) {
	return doIO(fd, fdtable.SendTimeout, func() (int, error) {
		return unix.SendmsgN(fd, p, nil, nil, flags)
	})
}

// Sendto sends to an explicit destination, suspending on would-block.
func Sendto(fd int, p []byte, flags int, to unix.Sockaddr) (int, error) {
	return doIO(fd, fdtable.SendTimeout, func() (int, error) {
		return unix.SendmsgN(fd, p, nil, to, flags)
	})
}

// Sendmsg sends a message with ancillary data, suspending on
// would-block.
func Sendmsg(fd int, p, oob []byte, flags int, to unix.Sockaddr) (int, error) {
	return doIO(fd, fdtable.SendTimeout, func() (int, error) {
		return unix.SendmsgN(fd, p, oob, to, flags)
	})
}

// Accept waits for a connection, suspending on would-block. The
// accepted descriptor gets its own context and the configured
// tcp_server.read_timeout as its default receive deadline.
func Accept(fd int) (int, unix.Sockaddr, error) {
	var sa unix.Sockaddr
	nfd, err := doIO(fd, fdtable.RecvTimeout, func() (int, error) {
		var aerr error
		var afd int
		afd, sa, aerr = unix.Accept(fd)
		return afd, aerr
	})
	if err != nil {
		return nfd, sa, err
	}
	if Enabled() {
		if ctx := fdtable.Default().Get(nfd, true); ctx != nil {
			ctx.SetTimeoutMS(fdtable.RecvTimeout,
				int64(control.Default().GetInt(control.KeyReadTimeout, control.DefaultReadTimeout)))
		}
	}
	return nfd, sa, err
}
