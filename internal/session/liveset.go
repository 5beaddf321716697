package session

import (
	"sync"
	"sync/atomic"
)

// LiveSet indexes live connections by identity.
type LiveSet[ID comparable] struct {
	conns sync.Map // map[ID]*Conn[ID]
	count atomic.Int64
}

// Insert adds c unless its identity is already live.
func (s *LiveSet[ID]) Insert(c *Conn[ID]) bool {
	if _, loaded := s.conns.LoadOrStore(c.ID(), c); loaded {
		return false
	}
	s.count.Add(1)
	return true
}

// Remove forgets id and returns the connection it named, or nil.
func (s *LiveSet[ID]) Remove(id ID) *Conn[ID] {
	v, ok := s.conns.LoadAndDelete(id)
	if !ok {
		return nil
	}
	s.count.Add(-1)
	return v.(*Conn[ID])
}

// Delete removes c only if it is still the connection registered under its
// identity, and reports whether it did.
func (s *LiveSet[ID]) Delete(c *Conn[ID]) bool {
	if !s.conns.CompareAndDelete(c.ID(), c) {
		return false
	}
	s.count.Add(-1)
	return true
}

func (s *LiveSet[ID]) Get(id ID) (*Conn[ID], bool) {
	v, ok := s.conns.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Conn[ID]), true
}

// Range calls fn for each live connection until fn returns false. It is
// safe to insert and remove while ranging.
func (s *LiveSet[ID]) Range(fn func(c *Conn[ID]) bool) {
	s.conns.Range(func(_, value any) bool {
		return fn(value.(*Conn[ID]))
	})
}

func (s *LiveSet[ID]) Len() int {
	return int(s.count.Load())
}

// IDs returns a snapshot of the live identities.
func (s *LiveSet[ID]) IDs() []ID {
	ids := make([]ID, 0, s.Len())
	s.Range(func(c *Conn[ID]) bool {
		ids = append(ids, c.ID())
		return true
	})
	return ids
}
