package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
)

// containerLock serializes mutating container operations process-wide.
// Readers (proxies resolving a container) share it; writers (assignment,
// checkpoint, purge, pool refills) hold it exclusively.
var containerLock sync.RWMutex

// LockMode selects how a session holds the container lock.
type LockMode string

const (
	// LockNone runs without holding the lock.
	LockNone LockMode = "none"
	// LockRead shares the lock with other readers.
	LockRead LockMode = "read"
	// LockWrite holds the lock exclusively.
	LockWrite LockMode = "write"
)

// Session scopes a sequence of engine operations under the container lock.
// Nested sessions reuse the outer session's client and lock; they never
// acquire on their own. Errors raised inside nested scopes are collected on
// the root and surfaced together when the outermost session exits, so one
// failing container does not abort work on its siblings.
type Session struct {
	// Client is the engine client shared by the whole session tree.
	Client *Client

	mode LockMode
	root *Session

	mu   sync.Mutex
	errs *multierror.Error
}

// WithSession acquires the container lock in the given mode, runs fn with a
// root session, and releases the lock. The returned error combines fn's own
// error with every error collected from nested scopes.
func WithSession(ctx context.Context, client *Client, mode LockMode, fn func(context.Context, *Session) error) error {
	s := &Session{Client: client, mode: mode}
	s.root = s

	switch mode {
	case LockRead:
		containerLock.RLock()
		defer containerLock.RUnlock()
	case LockWrite:
		containerLock.Lock()
		defer containerLock.Unlock()
	}

	if err := fn(ctx, s); err != nil {
		s.collect(err)
	}
	return s.root.errs.ErrorOrNil()
}

// Mode returns the lock mode this session holds.
func (s *Session) Mode() LockMode {
	return s.mode
}

// Nested runs fn in a child session under the lock already held by this
// session. A child may narrow the mode (write parent, read child) or keep it,
// but never widen it: requesting a lock the parent does not hold fails before
// fn runs. fn's error is collected on the root and Nested returns nil, so
// sibling work continues; the group surfaces when the outermost session exits.
func (s *Session) Nested(ctx context.Context, mode LockMode, fn func(context.Context, *Session) error) error {
	if mode != LockNone {
		if s.mode == LockNone {
			err := fmt.Errorf("nested session requested %s lock but outer session holds none", mode)
			s.collect(err)
			return err
		}
		if s.mode == LockRead && mode == LockWrite {
			s.collect(ErrLockUpgrade)
			return ErrLockUpgrade
		}
	}

	child := &Session{Client: s.Client, mode: mode, root: s.root}
	if err := fn(ctx, child); err != nil {
		s.collect(err)
	}
	return nil
}

func (s *Session) collect(err error) {
	root := s.root
	root.mu.Lock()
	defer root.mu.Unlock()
	root.errs = multierror.Append(root.errs, err)
}
