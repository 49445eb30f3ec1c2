package transport

import (
	"sync"

	"github.com/reachkad/router/wire"
)

// Scope is a hierarchical lifetime scope implementing
// wire.ScopedAllocator: releasing a scope releases every child scope
// and runs every callback registered via OnRelease, regardless of how
// deep the tree is. Used to bound a Search's lifetime (spec.md §5).
type Scope struct {
	mu        sync.Mutex
	released  bool
	children  []*Scope
	onRelease []func()
}

// NewRootScope returns an unreleased root scope with no parent.
func NewRootScope() *Scope {
	return &Scope{}
}

func (s *Scope) Child() wire.ScopedAllocator {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := &Scope{}
	if s.released {
		// Parent already gone; the child is born already released so a
		// caller that forgot to check release order doesn't leak it.
		c.released = true
		return c
	}
	s.children = append(s.children, c)
	return c
}

func (s *Scope) OnRelease(f func()) {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		f()
		return
	}
	s.onRelease = append(s.onRelease, f)
	s.mu.Unlock()
}

func (s *Scope) Release() {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	children := s.children
	callbacks := s.onRelease
	s.children = nil
	s.onRelease = nil
	s.mu.Unlock()

	for _, cb := range callbacks {
		cb()
	}
	for _, c := range children {
		c.Release()
	}
}
