package executor

import (
	"context"
	"errors"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"studyflow/internal/domain"
)

var ErrClosed = errors.New("executor closed")

// Unit is one dispatched piece of background work. Run owns its own error
// handling; the executor only schedules it and tracks it while it is live.
type Unit interface {
	Run(ctx context.Context)
}

type UnitFunc func(ctx context.Context)

func (f UnitFunc) Run(ctx context.Context) { f(ctx) }

type Handle struct {
	TaskID    string
	Kind      domain.Kind
	StartedAt time.Time

	seq    uint64
	cancel context.CancelFunc
	done   chan struct{}
}

// Done is closed after the unit returned and left the live set.
func (h *Handle) Done() <-chan struct{} { return h.done }

func (h *Handle) Cancel() { h.cancel() }

type Executor struct {
	log    zerolog.Logger
	signal *Signal

	mu      sync.Mutex
	seq     uint64
	live    map[uint64]*Handle
	changed chan struct{}
	closed  bool
}

func New(signal *Signal, logger zerolog.Logger) *Executor {
	if signal == nil {
		signal = NewSignal()
	}
	return &Executor{
		log:     logger.With().Str("component", "executor").Logger(),
		signal:  signal,
		live:    make(map[uint64]*Handle),
		changed: make(chan struct{}),
	}
}

func (e *Executor) Signal() *Signal { return e.signal }

// Dispatch starts u on its own goroutine and returns once the handle is in
// the live set. Unit contexts are detached from the caller so a finished
// request does not cancel the work it accepted.
func (e *Executor) Dispatch(taskID string, kind domain.Kind, u Unit) (*Handle, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	ctx, cancel := context.WithCancel(WithSignal(context.Background(), e.signal))
	e.seq++
	h := &Handle{
		TaskID:    taskID,
		Kind:      kind,
		StartedAt: time.Now(),
		seq:       e.seq,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	e.live[h.seq] = h
	e.mu.Unlock()

	go e.run(ctx, h, u)
	return h, nil
}

func (e *Executor) run(ctx context.Context, h *Handle, u Unit) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().
				Str("task_id", h.TaskID).
				Str("kind", string(h.Kind)).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("unit panicked")
		}
		h.cancel()
		e.remove(h)
		close(h.done)
	}()
	u.Run(ctx)
}

func (e *Executor) remove(h *Handle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cur, ok := e.live[h.seq]; ok && cur == h {
		delete(e.live, h.seq)
		e.notifyLocked()
	}
}

func (e *Executor) notifyLocked() {
	close(e.changed)
	e.changed = make(chan struct{})
}

func (e *Executor) Live() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.live)
}

// Snapshot returns a copy of the live set ordered by start time.
func (e *Executor) Snapshot() []*Handle {
	e.mu.Lock()
	out := make([]*Handle, 0, len(e.live))
	for _, h := range e.live {
		out = append(out, h)
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Wait blocks until the live set is empty or ctx is done.
func (e *Executor) Wait(ctx context.Context) error {
	for {
		e.mu.Lock()
		n, ch := len(e.live), e.changed
		e.mu.Unlock()
		if n == 0 {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// CancelAll cancels the context of every unit currently live.
func (e *Executor) CancelAll() int {
	hs := e.Snapshot()
	for _, h := range hs {
		h.cancel()
	}
	return len(hs)
}

// Abandon clears the live set unconditionally and returns what was left in it.
// Goroutines still running keep running; their later removal is a no-op.
func (e *Executor) Abandon() []*Handle {
	e.mu.Lock()
	hs := make([]*Handle, 0, len(e.live))
	for _, h := range e.live {
		hs = append(hs, h)
	}
	e.live = make(map[uint64]*Handle)
	e.notifyLocked()
	e.mu.Unlock()
	sort.Slice(hs, func(i, j int) bool { return hs[i].seq < hs[j].seq })
	return hs
}

// Close makes every later Dispatch fail with ErrClosed.
func (e *Executor) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
}

func (e *Executor) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}
