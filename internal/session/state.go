package session

import (
	"context"
	"sync/atomic"

	"chat-relay/internal/models"
	"chat-relay/internal/ollama"
)

// Backend is the streaming chat contract the relay needs from a model server.
type Backend interface {
	ChatStream(ctx context.Context, history *ollama.History, message models.ChatMessage, model string) (ollama.ChunkStream, error)
}

// State is the long-lived container shared by every chat turn: one backend
// handle, one cancellation flag and a single turn slot.
type State struct {
	backend Backend
	turn    chan struct{} // one slot: only one chat turn in flight
	cancel  atomic.Bool
}

func New(backend Backend) *State {
	turn := make(chan struct{}, 1)
	turn <- struct{}{}
	return &State{
		backend: backend,
		turn:    turn,
	}
}

func (s *State) Backend() Backend {
	return s.backend
}

// Acquire blocks until the turn slot is free. The returned release func must
// be called exactly once. An error is returned only when ctx ends first.
func (s *State) Acquire(ctx context.Context) (func(), error) {
	select {
	case <-s.turn:
		return func() { s.turn <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SetCancel stores the cancellation flag. It never waits on the turn slot.
func (s *State) SetCancel(v bool) {
	s.cancel.Store(v)
}

func (s *State) CancelRequested() bool {
	return s.cancel.Load()
}

// ConsumeCancel reports whether cancellation was requested and, if so,
// clears the flag in the same step.
func (s *State) ConsumeCancel() bool {
	return s.cancel.CompareAndSwap(true, false)
}
