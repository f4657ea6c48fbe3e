package httpapi

import (
	"sync"
	"sync/atomic"
)

// ConnRegistry tracks active websocket sessions and supports graceful
// draining. When draining is enabled, new connections are rejected while
// in-flight sessions finish naturally.
//
// The mu mutex makes the draining check and wg.Add atomic in Add(), preventing
// a TOCTOU race where StartDraining+Wait could be called between the draining
// check and wg.Add.
type ConnRegistry struct {
	mu       sync.Mutex
	draining bool
	wg       sync.WaitGroup
	count    atomic.Int64
}

// NewConnRegistry creates a new ConnRegistry.
func NewConnRegistry() *ConnRegistry {
	return &ConnRegistry{}
}

// Add registers a new active session. Returns false if the registry is
// draining, meaning no new connections should be accepted. The draining check
// and WaitGroup increment are performed atomically under a mutex.
func (cr *ConnRegistry) Add() bool {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	if cr.draining {
		return false
	}
	cr.wg.Add(1)
	cr.count.Add(1)
	return true
}

// Done marks a session as finished. Must be called exactly once per successful Add.
func (cr *ConnRegistry) Done() {
	cr.count.Add(-1)
	cr.wg.Done()
}

// StartDraining sets the draining flag so that future Add calls return false.
// This is safe to call concurrently with Add - the mutex ensures no Add can
// slip through after StartDraining returns.
func (cr *ConnRegistry) StartDraining() {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	cr.draining = true
}

// IsDraining reports whether the registry is in draining mode.
func (cr *ConnRegistry) IsDraining() bool {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	return cr.draining
}

// ActiveCount returns the number of currently active sessions.
func (cr *ConnRegistry) ActiveCount() int64 {
	return cr.count.Load()
}

// Wait blocks until all active sessions have completed.
func (cr *ConnRegistry) Wait() {
	cr.wg.Wait()
}
