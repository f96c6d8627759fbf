package cache

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/webshot/internal/capture"
)

// Role tells the caller of BeginOrJoin what to do next.
type Role int

// Ticket roles.
const (
	RoleLeader Role = iota
	RoleFollower
	RoleHit
)

func (r Role) String() string {
	switch r {
	case RoleLeader:
		return "leader"
	case RoleFollower:
		return "follower"
	case RoleHit:
		return "hit"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// Pending is an in-flight capture. At most one exists per key; it is removed
// from the cache before its waiters are released.
type Pending struct {
	key     capture.Key
	done    chan struct{}
	once    sync.Once
	result  capture.Result
	waiters int // guarded by Cache.mu
}

func newPending(key capture.Key) *Pending {
	return &Pending{key: key, done: make(chan struct{})}
}

func (p *Pending) complete(result capture.Result) {
	p.once.Do(func() {
		p.result = result
		close(p.done)
	})
}

// Ticket is returned by BeginOrJoin.
type Ticket struct {
	Role    Role
	Key     capture.Key
	result  capture.Result
	pending *Pending
}

// Done is closed once the capture the ticket refers to has resolved. It is
// nil for hits.
func (t Ticket) Done() <-chan struct{} {
	if t.pending == nil {
		return nil
	}
	return t.pending.done
}

// Wait returns the result for the ticket. Hits return immediately; leaders and
// followers block until the capture resolves or ctx ends. A follower that
// stops waiting does not affect the capture or the other waiters.
func (t Ticket) Wait(ctx context.Context) (capture.Result, error) {
	if t.Role == RoleHit || t.pending == nil {
		return t.result, nil
	}
	select {
	case <-t.pending.done:
		return t.pending.result, nil
	case <-ctx.Done():
		return capture.Result{}, fmt.Errorf("wait for capture of %s: %w", t.Key, ctx.Err())
	}
}
