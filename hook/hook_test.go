//go:build linux
// +build linux

// File: hook/hook_test.go
// Author: momentics <momentics@gmail.com>
//
// Hooked-syscall contract: sleep fan-out, read/write suspension and
// timeouts, connect with deadline, close-time cancellation, fcntl flag
// mirroring, raw forwarding when the hook is disabled.

package hook_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-fiber/fdtable"
	"github.com/momentics/hioload-fiber/fiber"
	"github.com/momentics/hioload-fiber/hook"
	"github.com/momentics/hioload-fiber/reactor"
	"github.com/momentics/hioload-fiber/scheduler"
)

func newReactor(t *testing.T, workers int) *reactor.Reactor {
	t.Helper()
	r, err := reactor.New(workers, false, t.Name())
	require.NoError(t, err)
	return r
}

func socketPair(t *testing.T) [2]int {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		// drop any context before the fd numbers get recycled
		fdtable.Default().Del(fds[0])
		fdtable.Default().Del(fds[1])
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds
}

func TestSleepFanOut(t *testing.T) {
	r := newReactor(t, 4)
	defer r.Stop()

	const n = 100
	var wg sync.WaitGroup
	wg.Add(n)
	durations := make(chan time.Duration, n)
	wall := time.Now()
	for i := 0; i < n; i++ {
		r.Schedule(func() {
			start := time.Now()
			hook.Sleep(100 * time.Millisecond)
			durations <- time.Since(start)
			wg.Done()
		}, scheduler.AnyWorker)
	}
	wg.Wait()
	elapsed := time.Since(wall)

	require.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	require.Less(t, elapsed, 1500*time.Millisecond, "sleeps must aggregate, not serialize")
	close(durations)
	for d := range durations {
		require.GreaterOrEqual(t, d, 100*time.Millisecond)
	}
}

func TestSleepOutsideHookForwards(t *testing.T) {
	start := time.Now()
	hook.Sleep(30 * time.Millisecond)
	require.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestReadSuspendsUntilData(t *testing.T) {
	r := newReactor(t, 1)
	defer r.Stop()
	fds := socketPair(t)

	type result struct {
		n   int
		err error
		buf []byte
	}
	res := make(chan result, 1)
	r.Schedule(func() {
		fdtable.Default().Get(fds[0], true)
		buf := make([]byte, 16)
		n, err := hook.Read(fds[0], buf)
		res <- result{n, err, buf[:max(n, 0)]}
	}, scheduler.AnyWorker)

	time.Sleep(50 * time.Millisecond)
	_, err := unix.Write(fds[1], []byte("ping"))
	require.NoError(t, err)

	select {
	case got := <-res:
		require.NoError(t, got.err)
		require.Equal(t, []byte("ping"), got.buf)
	case <-time.After(2 * time.Second):
		t.Fatal("read did not wake up")
	}
}

func TestReadTimeout(t *testing.T) {
	r := newReactor(t, 1)
	defer r.Stop()
	fds := socketPair(t)

	type result struct {
		err     error
		elapsed time.Duration
	}
	res := make(chan result, 1)
	r.Schedule(func() {
		fdtable.Default().Get(fds[0], true)
		if err := hook.SetRecvTimeout(fds[0], 100); err != nil {
			res <- result{err, 0}
			return
		}
		start := time.Now()
		buf := make([]byte, 16)
		_, err := hook.Read(fds[0], buf)
		res <- result{err, time.Since(start)}
	}, scheduler.AnyWorker)

	select {
	case got := <-res:
		require.ErrorIs(t, got.err, unix.ETIMEDOUT)
		require.GreaterOrEqual(t, got.elapsed, 90*time.Millisecond)
		require.Less(t, got.elapsed, 700*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("read did not time out")
	}
}

func TestWriteTimeoutOnFullBuffer(t *testing.T) {
	r := newReactor(t, 1)
	defer r.Stop()
	fds := socketPair(t)

	// shrink the send buffer so the peer's silence fills it quickly
	_ = unix.SetsockoptInt(fds[0], unix.SOL_SOCKET, unix.SO_SNDBUF, 4096)

	res := make(chan error, 1)
	r.Schedule(func() {
		fdtable.Default().Get(fds[0], true)
		if err := hook.SetSendTimeout(fds[0], 100); err != nil {
			res <- err
			return
		}
		chunk := make([]byte, 64*1024)
		var err error
		for i := 0; i < 1024; i++ {
			if _, err = hook.Write(fds[0], chunk); err != nil {
				break
			}
		}
		res <- err
	}, scheduler.AnyWorker)

	select {
	case err := <-res:
		require.ErrorIs(t, err, unix.ETIMEDOUT)
	case <-time.After(5 * time.Second):
		t.Fatal("write never blocked")
	}
}

func TestEchoOverLoopback(t *testing.T) {
	r := newReactor(t, 2)
	defer r.Stop()

	lfd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.Bind(lfd, &unix.SockaddrInet4{Addr: [4]byte{127, 0, 0, 1}}))
	require.NoError(t, unix.Listen(lfd, 8))
	sn, err := unix.Getsockname(lfd)
	require.NoError(t, err)
	port := sn.(*unix.SockaddrInet4).Port

	serverDone := make(chan error, 1)
	r.Schedule(func() {
		fdtable.Default().Get(lfd, true)
		cfd, _, aerr := hook.Accept(lfd)
		if aerr != nil {
			serverDone <- aerr
			return
		}
		defer hook.Close(cfd)
		buf := make([]byte, 64)
		n, rerr := hook.Read(cfd, buf)
		if rerr != nil {
			serverDone <- rerr
			return
		}
		_, werr := hook.Write(cfd, buf[:n])
		serverDone <- werr
	}, scheduler.AnyWorker)

	clientGot := make(chan string, 1)
	r.Schedule(func() {
		fd, serr := hook.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
		if serr != nil {
			clientGot <- "socket: " + serr.Error()
			return
		}
		defer hook.Close(fd)
		sa := &unix.SockaddrInet4{Port: port, Addr: [4]byte{127, 0, 0, 1}}
		if cerr := hook.Connect(fd, sa); cerr != nil {
			clientGot <- "connect: " + cerr.Error()
			return
		}
		if _, werr := hook.Write(fd, []byte("hello")); werr != nil {
			clientGot <- "write: " + werr.Error()
			return
		}
		buf := make([]byte, 64)
		n, rerr := hook.Read(fd, buf)
		if rerr != nil {
			clientGot <- "read: " + rerr.Error()
			return
		}
		clientGot <- string(buf[:n])
	}, scheduler.AnyWorker)

	select {
	case got := <-clientGot:
		require.Equal(t, "hello", got)
	case <-time.After(5 * time.Second):
		t.Fatal("echo round trip did not complete")
	}
	require.NoError(t, <-serverDone)
	fdtable.Default().Del(lfd)
	unix.Close(lfd)
}

func TestAcceptAppliesDefaultReadTimeout(t *testing.T) {
	r := newReactor(t, 2)
	defer r.Stop()

	lfd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(lfd)
	defer fdtable.Default().Del(lfd)
	require.NoError(t, unix.Bind(lfd, &unix.SockaddrInet4{Addr: [4]byte{127, 0, 0, 1}}))
	require.NoError(t, unix.Listen(lfd, 8))
	sn, err := unix.Getsockname(lfd)
	require.NoError(t, err)
	port := sn.(*unix.SockaddrInet4).Port

	accepted := make(chan int, 1)
	r.Schedule(func() {
		fdtable.Default().Get(lfd, true)
		cfd, _, aerr := hook.Accept(lfd)
		if aerr != nil {
			accepted <- -1
			return
		}
		accepted <- cfd
	}, scheduler.AnyWorker)

	cfd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(cfd)
	require.NoError(t, unix.Connect(cfd, &unix.SockaddrInet4{Port: port, Addr: [4]byte{127, 0, 0, 1}}))

	select {
	case fd := <-accepted:
		require.Greater(t, fd, 0)
		ctx := fdtable.Default().Get(fd, false)
		require.NotNil(t, ctx)
		require.Equal(t, int64(120000), ctx.TimeoutMS(fdtable.RecvTimeout))
		unix.Close(fd)
		fdtable.Default().Del(fd)
	case <-time.After(2 * time.Second):
		t.Fatal("accept did not return")
	}
}

func TestConnectTimeoutToBlackhole(t *testing.T) {
	r := newReactor(t, 1)
	defer r.Stop()

	type result struct {
		err     error
		elapsed time.Duration
		worker  [2]int
	}
	res := make(chan result, 1)
	r.Schedule(func() {
		fd, serr := hook.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
		if serr != nil {
			res <- result{err: serr}
			return
		}
		defer hook.Close(fd)
		before := fiber.Current().Worker()
		// RFC 5737 TEST-NET-1: routable, never answers
		sa := &unix.SockaddrInet4{Port: 81, Addr: [4]byte{192, 0, 2, 1}}
		start := time.Now()
		err := hook.ConnectTimeout(fd, sa, 300)
		res <- result{err, time.Since(start), [2]int{before, fiber.Current().Worker()}}
	}, scheduler.AnyWorker)

	select {
	case got := <-res:
		switch got.err {
		case unix.ENETUNREACH, unix.EHOSTUNREACH, unix.ECONNREFUSED, unix.EACCES, unix.EPERM:
			t.Skipf("environment rejects blackhole connect immediately: %v", got.err)
		}
		require.ErrorIs(t, got.err, unix.ETIMEDOUT)
		require.GreaterOrEqual(t, got.elapsed, 250*time.Millisecond)
		require.Less(t, got.elapsed, 900*time.Millisecond)
		require.Equal(t, got.worker[0], got.worker[1], "must resume on its original worker")
	case <-time.After(5 * time.Second):
		t.Fatal("connect neither completed nor timed out")
	}
}

func TestCloseCancelsParkedReader(t *testing.T) {
	// one worker: the closer runs only after the reader has parked, and
	// the reader resumes only after the close has fully completed
	r := newReactor(t, 1)
	defer r.Stop()
	fds := socketPair(t)

	res := make(chan error, 1)
	r.Schedule(func() {
		fdtable.Default().Get(fds[0], true)
		buf := make([]byte, 16)
		_, err := hook.Read(fds[0], buf)
		res <- err
	}, scheduler.AnyWorker)

	time.Sleep(50 * time.Millisecond)
	var closed atomic.Bool
	r.Schedule(func() {
		hook.Close(fds[0])
		closed.Store(true)
	}, scheduler.AnyWorker)

	select {
	case err := <-res:
		require.Error(t, err)
		require.True(t, closed.Load())
	case <-time.After(2 * time.Second):
		t.Fatal("parked reader was not cancelled by close")
	}
}

func TestFcntlMirrorsUserNonblock(t *testing.T) {
	fds := socketPair(t)
	ctx := fdtable.Default().Get(fds[0], true)
	require.True(t, ctx.SysNonblock())
	defer fdtable.Default().Del(fds[0])

	// the kernel flag is set, but the user never asked for it
	rawFlags, err := unix.FcntlInt(uintptr(fds[0]), unix.F_GETFL, 0)
	require.NoError(t, err)
	require.NotZero(t, rawFlags&unix.O_NONBLOCK)

	seen, err := hook.Fcntl(fds[0], unix.F_GETFL, 0)
	require.NoError(t, err)
	require.Zero(t, seen&unix.O_NONBLOCK, "system-imposed flag must stay hidden")

	// now the user opts in
	_, err = hook.Fcntl(fds[0], unix.F_SETFL, seen|unix.O_NONBLOCK)
	require.NoError(t, err)
	require.True(t, ctx.UserNonblock())

	seen, err = hook.Fcntl(fds[0], unix.F_GETFL, 0)
	require.NoError(t, err)
	require.NotZero(t, seen&unix.O_NONBLOCK)
}

func TestSetsockoptTimevalZeroMeansInfinite(t *testing.T) {
	r := newReactor(t, 1)
	defer r.Stop()
	fds := socketPair(t)

	type result struct {
		afterSet  int64
		afterZero int64
		err       error
	}
	res := make(chan result, 1)
	r.Schedule(func() {
		ctx := fdtable.Default().Get(fds[0], true)
		if err := hook.SetRecvTimeout(fds[0], 5000); err != nil {
			res <- result{err: err}
			return
		}
		afterSet := ctx.TimeoutMS(fdtable.RecvTimeout)

		tv := unix.Timeval{}
		if err := hook.SetsockoptTimeval(fds[0], unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
			res <- result{err: err}
			return
		}
		res <- result{afterSet: afterSet, afterZero: ctx.TimeoutMS(fdtable.RecvTimeout)}
	}, scheduler.AnyWorker)

	select {
	case got := <-res:
		require.NoError(t, got.err)
		require.Equal(t, int64(5000), got.afterSet)
		require.Equal(t, fdtable.InfiniteTimeout, got.afterZero)
	case <-time.After(2 * time.Second):
		t.Fatal("sockopt task did not run")
	}
}

func TestDisabledHookForwardsRaw(t *testing.T) {
	fds := socketPair(t)
	// this goroutine's main fiber has the hook disabled
	require.False(t, hook.Enabled())

	_, err := unix.Write(fds[1], []byte("raw"))
	require.NoError(t, err)

	buf := make([]byte, 8)
	n, err := hook.Read(fds[0], buf)
	require.NoError(t, err)
	require.Equal(t, "raw", string(buf[:n]))
}
