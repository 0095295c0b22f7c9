package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"studyflow/internal/executor"
)

type State int32

const (
	Running State = iota
	Draining
	ForceCancelling
	Terminated
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Draining:
		return "draining"
	case ForceCancelling:
		return "force_cancelling"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Tracker is the view of the executor's live set the sequencer needs.
type Tracker interface {
	Live() int
	Wait(ctx context.Context) error
	CancelAll() int
	Abandon() []*executor.Handle
	Close()
}

type Report struct {
	Drained        bool          `json:"drained"`
	ForceCancelled int           `json:"force_cancelled"`
	Abandoned      []string      `json:"abandoned,omitempty"`
	Elapsed        time.Duration `json:"elapsed"`
}

type Finalizer struct {
	Name string
	Fn   func(ctx context.Context) error
}

type Config struct {
	DrainTimeout    time.Duration
	ForceTimeout    time.Duration
	FinalizeTimeout time.Duration
}

type Sequencer struct {
	cfg     Config
	log     zerolog.Logger
	tracker Tracker
	signal  *executor.Signal

	state atomic.Int32

	mu         sync.Mutex
	finalizers []Finalizer

	once   sync.Once
	done   chan struct{}
	report Report
}

func New(cfg Config, tracker Tracker, sig *executor.Signal, logger zerolog.Logger) *Sequencer {
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 5 * time.Second
	}
	if cfg.ForceTimeout <= 0 {
		cfg.ForceTimeout = 2 * time.Second
	}
	if cfg.FinalizeTimeout <= 0 {
		cfg.FinalizeTimeout = 10 * time.Second
	}
	return &Sequencer{
		cfg:     cfg,
		log:     logger.With().Str("component", "shutdown").Logger(),
		tracker: tracker,
		signal:  sig,
		done:    make(chan struct{}),
	}
}

func (s *Sequencer) State() State { return State(s.state.Load()) }

// OnTerminate registers a finalizer run after the live set is cleared.
// Finalizers run in registration order.
func (s *Sequencer) OnTerminate(name string, fn func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalizers = append(s.finalizers, Finalizer{Name: name, Fn: fn})
}

// Done is closed once Shutdown has finished.
func (s *Sequencer) Done() <-chan struct{} { return s.done }

// Shutdown runs the sequence once. Concurrent and later callers block until
// the first run finishes and receive the same report.
func (s *Sequencer) Shutdown() Report {
	s.once.Do(func() {
		s.report = s.run()
		close(s.done)
	})
	<-s.done
	return s.report
}

func (s *Sequencer) run() Report {
	start := time.Now()
	var rep Report

	s.transition(Draining)
	if s.signal != nil {
		s.signal.Raise()
	}
	live := s.tracker.Live()
	s.log.Info().Int("live", live).Dur("timeout", s.cfg.DrainTimeout).Msg("draining background units")

	// Dispatch stays open while draining. A unit accepted right before Close
	// gets what is left of the drain budget.
	deadline := start.Add(s.cfg.DrainTimeout)
	drained := s.waitUntil(deadline)
	s.tracker.Close()
	if drained {
		drained = s.waitUntil(deadline)
	}

	if drained {
		rep.Drained = true
	} else {
		s.transition(ForceCancelling)
		rep.ForceCancelled = s.tracker.CancelAll()
		s.log.Warn().Int("cancelled", rep.ForceCancelled).Dur("timeout", s.cfg.ForceTimeout).Msg("drain timed out, cancelling units")
		s.wait(s.cfg.ForceTimeout)
	}

	for _, h := range s.tracker.Abandon() {
		rep.Abandoned = append(rep.Abandoned, h.TaskID)
		s.log.Warn().Str("task_id", h.TaskID).Str("kind", string(h.Kind)).Msg("abandoning unit; task stays processing")
	}
	s.transition(Terminated)
	rep.Elapsed = time.Since(start)

	s.finalize()
	s.log.Info().
		Bool("drained", rep.Drained).
		Int("abandoned", len(rep.Abandoned)).
		Dur("elapsed", rep.Elapsed).
		Msg("shutdown complete")
	return rep
}

func (s *Sequencer) wait(d time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return s.tracker.Wait(ctx) == nil
}

func (s *Sequencer) waitUntil(deadline time.Time) bool {
	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()
	return s.tracker.Wait(ctx) == nil
}

func (s *Sequencer) transition(to State) {
	from := State(s.state.Swap(int32(to)))
	s.log.Debug().Str("from", from.String()).Str("to", to.String()).Msg("shutdown state")
}

func (s *Sequencer) finalize() {
	s.mu.Lock()
	fs := append([]Finalizer(nil), s.finalizers...)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.FinalizeTimeout)
	defer cancel()
	for _, f := range fs {
		if err := f.Fn(ctx); err != nil {
			s.log.Error().Err(err).Str("finalizer", f.Name).Msg("finalizer failed")
		}
	}
}

// Listen triggers Shutdown on SIGINT or SIGTERM, or when ctx is done.
// It returns the report of the completed shutdown.
func (s *Sequencer) Listen(ctx context.Context, sigs ...os.Signal) Report {
	if len(sigs) == 0 {
		sigs = []os.Signal{os.Interrupt, syscall.SIGTERM}
	}
	c := make(chan os.Signal, 1)
	signal.Notify(c, sigs...)
	defer signal.Stop(c)

	select {
	case sig := <-c:
		s.log.Info().Str("signal", sig.String()).Msg("termination signal received")
	case <-ctx.Done():
	case <-s.done:
	}
	return s.Shutdown()
}
