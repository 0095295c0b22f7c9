package executor

import (
	"context"
	"fmt"
	"sync"

	"studyflow/internal/domain"
)

// Signal is the process-wide shutdown flag. Raising it more than once is a no-op.
type Signal struct {
	once sync.Once
	ch   chan struct{}
}

func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{})}
}

func (s *Signal) Raise() {
	s.once.Do(func() { close(s.ch) })
}

func (s *Signal) Done() <-chan struct{} { return s.ch }

func (s *Signal) Raised() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

type signalKey struct{}

func WithSignal(ctx context.Context, s *Signal) context.Context {
	return context.WithValue(ctx, signalKey{}, s)
}

func SignalFrom(ctx context.Context) *Signal {
	s, _ := ctx.Value(signalKey{}).(*Signal)
	return s
}

// Checkpoint is called by a unit before each major phase. It returns
// domain.ErrShuttingDown once the shutdown signal is raised and the context
// error once the unit itself has been cancelled.
func Checkpoint(ctx context.Context, phase string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w", phase, err)
	}
	if s := SignalFrom(ctx); s != nil && s.Raised() {
		return fmt.Errorf("%s: %w", phase, domain.ErrShuttingDown)
	}
	return nil
}
