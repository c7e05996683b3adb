// Package genai abstracts the generative reasoning backends used by the
// equivalence judge and the meta-optimizer.
package genai

import (
	"context"
	"errors"
	"sync"
)

// #region types
// Request is one text generation call.
type Request struct {
	System      string
	Prompt      string
	Temperature float64
	Seed        *int64
	MaxTokens   int
	// Purpose tags the caller ("judge", "optimizer", "analyzer") for logs and captures.
	Purpose string
}

// Generator produces text for a prompt. Implementations must be safe for
// concurrent use.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, req Request) (string, error)

// Generate calls f.
func (f GeneratorFunc) Generate(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// ErrEmptyResponse is returned when a backend answers with no text.
var ErrEmptyResponse = errors.New("empty response from generator")

// #endregion types

// #region scripted
// Scripted is a deterministic Generator driven by a responder function. It
// records every request so callers can audit what was sent; dry runs and tests
// use it in place of a live model.
type Scripted struct {
	mu      sync.Mutex
	respond func(Request) (string, error)
	calls   []Request
}

// NewScripted returns a Scripted generator that answers with respond.
func NewScripted(respond func(Request) (string, error)) *Scripted {
	return &Scripted{respond: respond}
}

// Generate records req and returns the scripted answer.
func (s *Scripted) Generate(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	s.calls = append(s.calls, req)
	s.mu.Unlock()
	return s.respond(req)
}

// Calls returns a copy of the recorded requests.
func (s *Scripted) Calls() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.calls...)
}

// Sequence answers successive calls with the given replies, repeating the last
// one once the list is exhausted.
func Sequence(replies ...string) func(Request) (string, error) {
	var mu sync.Mutex
	i := 0
	return func(Request) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		if len(replies) == 0 {
			return "", ErrEmptyResponse
		}
		r := replies[min(i, len(replies)-1)]
		i++
		return r, nil
	}
}

// #endregion scripted
