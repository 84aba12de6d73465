// Package affinity records which goroutine owns an object and checks later
// calls against it. Go does not expose goroutine identity, so the id is read
// from the runtime stack header; it is only used for diagnostics.
package affinity

import (
	"bytes"
	"runtime"
	"strconv"
	"sync/atomic"
)

// GoroutineID returns the id of the calling goroutine, or 0 if it cannot be determined.
func GoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	// Header format: "goroutine 123 [running]:"
	line := bytes.TrimPrefix(buf[:n], []byte("goroutine "))
	end := bytes.IndexByte(line, ' ')
	if end <= 0 {
		return 0
	}
	id, err := strconv.ParseUint(string(line[:end]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// Checker remembers the goroutine it was attached to.
// The zero value is detached and attaches to the first goroutine calling IsCurrent.
type Checker struct {
	owner atomic.Uint64
}

// NewChecker returns a Checker attached to the calling goroutine.
func NewChecker() *Checker {
	c := &Checker{}
	c.owner.Store(GoroutineID())
	return c
}

// IsCurrent reports whether the calling goroutine is the owner.
func (c *Checker) IsCurrent() bool {
	current := GoroutineID()
	if c.owner.CompareAndSwap(0, current) {
		return true
	}
	return c.owner.Load() == current
}

// Owner returns the owning goroutine id, 0 when detached.
func (c *Checker) Owner() uint64 {
	return c.owner.Load()
}

// Detach clears the owner so the next IsCurrent call re-attaches.
func (c *Checker) Detach() {
	c.owner.Store(0)
}
