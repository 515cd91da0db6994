// File: internal/fiberpool/fiberpool.go
// Author: momentics <momentics@gmail.com>
// SPDX-License-Identifier: MIT

// Package fiberpool provides the recycled-fiber cache used by scheduler
// workers when wrapping bare callables.

package fiberpool

import "sync"

// Pool is a generic object pool.
type Pool[T any] struct {
	pool *sync.Pool
}

// New creates a pool with a creator function.
func New[T any](creator func() T) *Pool[T] {
	return &Pool[T]{
		pool: &sync.Pool{New: func() any { return creator() }},
	}
}

func (p *Pool[T]) Get() T {
	return p.pool.Get().(T)
}

func (p *Pool[T]) Put(obj T) {
	p.pool.Put(obj)
}
