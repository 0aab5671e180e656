package loader

import (
	"sync"

	"github.com/ziadkadry99/bundlevault/internal/handles"
)

// Sessions keeps the sessions handed out over HTTP alive until a client
// releases them.
type Sessions struct {
	mu sync.Mutex
	m  map[string]*handles.Cache
}

// NewSessions returns an empty Sessions.
func NewSessions() *Sessions {
	return &Sessions{m: make(map[string]*handles.Cache)}
}

// Add keeps c alive under its ID.
func (s *Sessions) Add(c *handles.Cache) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[c.ID()] = c
}

// Release drops the session with the given ID and releases its handles.
// It reports whether the session existed.
func (s *Sessions) Release(id string) bool {
	s.mu.Lock()
	c, ok := s.m[id]
	delete(s.m, id)
	s.mu.Unlock()

	if ok {
		c.Release()
	}
	return ok
}

// ReleaseAll releases every live session.
func (s *Sessions) ReleaseAll() {
	s.mu.Lock()
	all := s.m
	s.m = make(map[string]*handles.Cache)
	s.mu.Unlock()

	for _, c := range all {
		c.Release()
	}
}

// Len returns the number of live sessions.
func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}
