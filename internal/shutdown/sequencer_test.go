package shutdown

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"studyflow/internal/domain"
	"studyflow/internal/executor"
)

const (
	t1 = 200 * time.Millisecond
	t2 = 100 * time.Millisecond
)

func newSequencer() (*Sequencer, *executor.Executor) {
	sig := executor.NewSignal()
	ex := executor.New(sig, zerolog.Nop())
	seq := New(Config{DrainTimeout: t1, ForceTimeout: t2}, ex, sig, zerolog.Nop())
	return seq, ex
}

type stateRecorder struct {
	mu   sync.Mutex
	seen []State
}

func (r *stateRecorder) watch(s *Sequencer, stop <-chan struct{}) {
	go func() {
		last := State(-1)
		for {
			st := s.State()
			if st != last {
				r.mu.Lock()
				r.seen = append(r.seen, st)
				r.mu.Unlock()
				last = st
			}
			select {
			case <-stop:
				return
			case <-time.After(time.Millisecond):
			}
		}
	}()
}

func TestShutdownWithNoUnitsIsImmediate(t *testing.T) {
	seq, ex := newSequencer()
	start := time.Now()
	rep := seq.Shutdown()

	assert.Less(t, time.Since(start), t1/2)
	assert.True(t, rep.Drained)
	assert.Empty(t, rep.Abandoned)
	assert.Equal(t, Terminated, seq.State())
	assert.True(t, ex.Closed())
}

func TestUnitFinishingWithinDrainNeverForceCancels(t *testing.T) {
	seq, ex := newSequencer()
	cancelled := make(chan struct{}, 1)
	_, err := ex.Dispatch("a", domain.KindUpload, executor.UnitFunc(func(ctx context.Context) {
		select {
		case <-time.After(t1 / 4):
		case <-ctx.Done():
			cancelled <- struct{}{}
		}
	}))
	require.NoError(t, err)

	rec := &stateRecorder{}
	stop := make(chan struct{})
	rec.watch(seq, stop)

	rep := seq.Shutdown()
	close(stop)

	assert.True(t, rep.Drained)
	assert.Zero(t, rep.ForceCancelled)
	assert.Empty(t, rep.Abandoned)
	assert.Empty(t, cancelled)
	rec.mu.Lock()
	assert.NotContains(t, rec.seen, ForceCancelling)
	rec.mu.Unlock()
}

func TestUnitObservingSignalDrainsEarly(t *testing.T) {
	seq, ex := newSequencer()
	result := make(chan error, 1)
	_, err := ex.Dispatch("a", domain.KindWebpage, executor.UnitFunc(func(ctx context.Context) {
		<-executor.SignalFrom(ctx).Done()
		result <- executor.Checkpoint(ctx, "insert")
	}))
	require.NoError(t, err)

	start := time.Now()
	rep := seq.Shutdown()
	assert.True(t, rep.Drained)
	assert.Less(t, time.Since(start), t1)
	assert.ErrorIs(t, <-result, domain.ErrShuttingDown)
}

func TestCancellableUnitIsForceCancelled(t *testing.T) {
	seq, ex := newSequencer()
	_, err := ex.Dispatch("slow", domain.KindQuery, executor.UnitFunc(func(ctx context.Context) {
		<-ctx.Done()
	}))
	require.NoError(t, err)

	start := time.Now()
	rep := seq.Shutdown()

	assert.False(t, rep.Drained)
	assert.Equal(t, 1, rep.ForceCancelled)
	assert.Empty(t, rep.Abandoned)
	assert.Less(t, time.Since(start), t1+t2)
}

func TestBlockedUnitIsAbandonedWithinBothTimeouts(t *testing.T) {
	seq, ex := newSequencer()
	block := make(chan struct{})
	defer close(block)
	_, err := ex.Dispatch("stuck", domain.KindImage, executor.UnitFunc(func(ctx context.Context) {
		<-block
	}))
	require.NoError(t, err)

	start := time.Now()
	rep := seq.Shutdown()
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, t1+t2)
	assert.Less(t, elapsed, t1+t2+150*time.Millisecond)
	assert.Equal(t, []string{"stuck"}, rep.Abandoned)
	assert.Equal(t, 0, ex.Live())
	assert.Equal(t, Terminated, seq.State())
}

func TestShutdownIsIdempotent(t *testing.T) {
	seq, _ := newSequencer()
	calls := 0
	seq.OnTerminate("count", func(ctx context.Context) error {
		calls++
		return nil
	})

	var wg sync.WaitGroup
	reports := make([]Report, 3)
	for i := range reports {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reports[i] = seq.Shutdown()
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, calls)
	assert.Equal(t, reports[0], reports[1])
	assert.Equal(t, reports[0], reports[2])
}

func TestFinalizersRunInOrderAfterTerminated(t *testing.T) {
	seq, _ := newSequencer()
	var order []string
	seq.OnTerminate("bus", func(ctx context.Context) error {
		assert.Equal(t, Terminated, seq.State())
		order = append(order, "bus")
		return nil
	})
	seq.OnTerminate("engine", func(ctx context.Context) error {
		order = append(order, "engine")
		return errors.New("flush failed")
	})
	seq.OnTerminate("db", func(ctx context.Context) error {
		order = append(order, "db")
		return nil
	})

	seq.Shutdown()
	assert.Equal(t, []string{"bus", "engine", "db"}, order)
}

func TestDispatchDuringDrainIsAccepted(t *testing.T) {
	seq, ex := newSequencer()
	release := make(chan struct{})
	_, err := ex.Dispatch("first", domain.KindQuery, executor.UnitFunc(func(ctx context.Context) { <-release }))
	require.NoError(t, err)

	go seq.Shutdown()
	require.Eventually(t, func() bool { return seq.State() == Draining }, time.Second, time.Millisecond)

	_, err = ex.Dispatch("second", domain.KindQuery, executor.UnitFunc(func(ctx context.Context) {}))
	assert.NoError(t, err)
	close(release)

	<-seq.Done()
	_, err = ex.Dispatch("third", domain.KindQuery, executor.UnitFunc(func(ctx context.Context) {}))
	assert.ErrorIs(t, err, executor.ErrClosed)
}

// lateTracker lands one dispatch inside Close, the gap a concurrent Submit
// can hit between the drain check and closing the executor.
type lateTracker struct {
	*executor.Executor
	finished chan struct{}
}

func (l *lateTracker) Close() {
	_, _ = l.Executor.Dispatch("late", domain.KindQuery, executor.UnitFunc(func(ctx context.Context) {
		time.Sleep(20 * time.Millisecond)
		close(l.finished)
	}))
	l.Executor.Close()
}

func TestDispatchRacingCloseGetsDrainBudget(t *testing.T) {
	sig := executor.NewSignal()
	ex := executor.New(sig, zerolog.Nop())
	tr := &lateTracker{Executor: ex, finished: make(chan struct{})}
	seq := New(Config{DrainTimeout: t1, ForceTimeout: t2}, tr, sig, zerolog.Nop())

	rep := seq.Shutdown()

	assert.True(t, rep.Drained)
	assert.Zero(t, rep.ForceCancelled)
	assert.Empty(t, rep.Abandoned)
	select {
	case <-tr.finished:
	default:
		t.Fatal("late unit did not finish before shutdown returned")
	}
	assert.Zero(t, ex.Live())
}

func TestListenTriggersOnContext(t *testing.T) {
	seq, _ := newSequencer()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rep := seq.Listen(ctx)
	assert.True(t, rep.Drained)
	assert.Equal(t, Terminated, seq.State())
}
