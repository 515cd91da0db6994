// File: fdtable/fdtable.go
// Author: momentics <momentics@gmail.com>
//
// Sparse fd -> FdContext index consulted by the hook layer. Contexts
// are materialized lazily on first observation of a descriptor and
// dropped when a close is observed.

package fdtable

import (
	"sync"

	"golang.org/x/sys/unix"
)

// TimeoutKind selects one of the two per-fd I/O timeouts.
type TimeoutKind int

const (
	// RecvTimeout mirrors SO_RCVTIMEO.
	RecvTimeout TimeoutKind = iota
	// SendTimeout mirrors SO_SNDTIMEO.
	SendTimeout
)

// InfiniteTimeout is the sentinel millisecond value meaning "no deadline".
const InfiniteTimeout = int64(-1)

// FdContext carries the hook layer's metadata for one descriptor.
//
// The sys/user non-blocking split matters: materialization forces the
// kernel flag on sockets so the reactor can multiplex them, while the
// user flag records what the application asked for. The hook treats the
// fd as blocking from the user's perspective as long as the user flag
// stays clear.
type FdContext struct {
	fd int

	mu            sync.Mutex
	initialized   bool
	isSocket      bool
	sysNonblock   bool
	userNonblock  bool
	closed        bool
	recvTimeoutMS int64
	sendTimeoutMS int64
}

func newFdContext(fd int) *FdContext {
	c := &FdContext{
		fd:            fd,
		recvTimeoutMS: InfiniteTimeout,
		sendTimeoutMS: InfiniteTimeout,
	}
	c.init()
	return c
}

func (c *FdContext) init() {
	var st unix.Stat_t
	if err := unix.Fstat(c.fd, &st); err != nil {
		return
	}
	c.initialized = true
	c.isSocket = st.Mode&unix.S_IFMT == unix.S_IFSOCK
	if !c.isSocket {
		return
	}
	flags, err := unix.FcntlInt(uintptr(c.fd), unix.F_GETFL, 0)
	if err != nil {
		return
	}
	if flags&unix.O_NONBLOCK == 0 {
		_, _ = unix.FcntlInt(uintptr(c.fd), unix.F_SETFL, flags|unix.O_NONBLOCK)
	}
	c.sysNonblock = true
}

// Fd returns the descriptor number.
func (c *FdContext) Fd() int { return c.fd }

// IsInitialized reports whether materialization could stat the fd.
func (c *FdContext) IsInitialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialized
}

// IsSocket reports whether the fd is a socket.
func (c *FdContext) IsSocket() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isSocket
}

// IsClosed reports whether a close has been observed for the fd.
func (c *FdContext) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *FdContext) markClosed() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// SetSysNonblock records the kernel-level non-blocking flag.
func (c *FdContext) SetSysNonblock(v bool) {
	c.mu.Lock()
	c.sysNonblock = v
	c.mu.Unlock()
}

// SysNonblock reports the kernel-level non-blocking flag.
func (c *FdContext) SysNonblock() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sysNonblock
}

// SetUserNonblock records the application-requested non-blocking flag.
func (c *FdContext) SetUserNonblock(v bool) {
	c.mu.Lock()
	c.userNonblock = v
	c.mu.Unlock()
}

// UserNonblock reports the application-requested non-blocking flag.
func (c *FdContext) UserNonblock() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userNonblock
}

// SetTimeoutMS stores a per-fd timeout in milliseconds; InfiniteTimeout
// disables the deadline.
func (c *FdContext) SetTimeoutMS(kind TimeoutKind, ms int64) {
	c.mu.Lock()
	if kind == RecvTimeout {
		c.recvTimeoutMS = ms
	} else {
		c.sendTimeoutMS = ms
	}
	c.mu.Unlock()
}

// TimeoutMS returns the stored timeout for the given kind.
func (c *FdContext) TimeoutMS(kind TimeoutKind) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if kind == RecvTimeout {
		return c.recvTimeoutMS
	}
	return c.sendTimeoutMS
}

// Table is the concurrent fd -> FdContext index. Read-mostly: lookups
// take the shared lock, materialization upgrades to exclusive and grows
// the backing slice by 1.5x on demand.
type Table struct {
	mu  sync.RWMutex
	fds []*FdContext
}

// NewTable creates a table with a small initial capacity.
func NewTable() *Table {
	return &Table{fds: make([]*FdContext, 64)}
}

var (
	defaultOnce  sync.Once
	defaultTable *Table
)

// Default returns the process-wide table used by the hook layer.
func Default() *Table {
	defaultOnce.Do(func() { defaultTable = NewTable() })
	return defaultTable
}

// Get returns the context for fd, materializing one when autoCreate is
// set. Returns nil for negative fds and for unknown fds without
// autoCreate.
func (t *Table) Get(fd int, autoCreate bool) *FdContext {
	if fd < 0 {
		return nil
	}
	t.mu.RLock()
	if fd < len(t.fds) {
		if c := t.fds[fd]; c != nil || !autoCreate {
			t.mu.RUnlock()
			return c
		}
	} else if !autoCreate {
		t.mu.RUnlock()
		return nil
	}
	t.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	if fd >= len(t.fds) {
		size := len(t.fds)
		for size <= fd {
			size = size * 3 / 2
		}
		grown := make([]*FdContext, size)
		copy(grown, t.fds)
		t.fds = grown
	}
	if c := t.fds[fd]; c != nil {
		return c
	}
	c := newFdContext(fd)
	t.fds[fd] = c
	return c
}

// Del drops the context for fd, marking it closed for any holder.
func (t *Table) Del(fd int) {
	if fd < 0 {
		return
	}
	t.mu.Lock()
	var c *FdContext
	if fd < len(t.fds) {
		c = t.fds[fd]
		t.fds[fd] = nil
	}
	t.mu.Unlock()
	if c != nil {
		c.markClosed()
	}
}
