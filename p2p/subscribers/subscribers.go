// Package subscribers keeps lists of callbacks addressed by stable tokens.
package subscribers

import (
	"sort"
	"sync"
)

// Token identifies one subscription. Tokens are never reused by a list.
type Token uint64

// Subscribers is a concurrency-safe set of callbacks of type T. The zero
// value is ready to use.
type Subscribers[T any] struct {
	mu      sync.RWMutex
	next    Token
	entries map[Token]T
}

// New returns an empty list.
func New[T any]() *Subscribers[T] {
	return &Subscribers[T]{}
}

// Subscribe adds fn and returns the token that removes it again.
func (s *Subscribers[T]) Subscribe(fn T) Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entries == nil {
		s.entries = make(map[Token]T)
	}
	s.next++
	s.entries[s.next] = fn
	return s.next
}

// Unsubscribe removes the callback behind token and reports whether it was
// still registered.
func (s *Subscribers[T]) Unsubscribe(token Token) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[token]; !ok {
		return false
	}
	delete(s.entries, token)
	return true
}

// Len returns the number of live subscriptions.
func (s *Subscribers[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// ForEach calls fn for every subscription in subscription order. It works on
// a snapshot, so callbacks may subscribe or unsubscribe without deadlocking.
func (s *Subscribers[T]) ForEach(fn func(T)) {
	for _, entry := range s.snapshot() {
		fn(entry)
	}
}

func (s *Subscribers[T]) snapshot() []T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tokens := make([]Token, 0, len(s.entries))
	for token := range s.entries {
		tokens = append(tokens, token)
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i] < tokens[j] })
	out := make([]T, 0, len(tokens))
	for _, token := range tokens {
		out = append(out, s.entries[token])
	}
	return out
}
