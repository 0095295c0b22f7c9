package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"studyflow/internal/domain"
)

// ErrDuplicate is returned by Create for a task id that is already tracked.
var ErrDuplicate = errors.New("task already registered")

// ResultStore is the durable side of the registry. LoadResult returns
// domain.ErrNotFound for unknown ids.
type ResultStore interface {
	CreateResult(ctx context.Context, t domain.Task) error
	SaveResult(ctx context.Context, t domain.Task) error
	LoadResult(ctx context.Context, taskID string) (domain.Task, error)
	ReconcileOrphans(ctx context.Context, reason string) (int, error)
}

// Registry is the in-memory task map callers poll. The map is authoritative
// for status while the process lives; the ResultStore after a restart.
type Registry struct {
	log   zerolog.Logger
	store ResultStore
	now   func() time.Time

	mu    sync.Mutex
	tasks map[string]*domain.Task
}

func New(store ResultStore, logger zerolog.Logger) *Registry {
	return &Registry{
		log:   logger.With().Str("component", "registry").Logger(),
		store: store,
		now:   time.Now,
		tasks: make(map[string]*domain.Task),
	}
}

// Create registers taskID as processing. The entry is visible to Get before
// Create returns; the durable row is written afterwards on a best-effort basis.
func (r *Registry) Create(ctx context.Context, taskID string, kind domain.Kind) (domain.Task, error) {
	if taskID == "" {
		return domain.Task{}, fmt.Errorf("%w: empty task id", domain.ErrValidation)
	}
	t := &domain.Task{
		ID:        taskID,
		Kind:      kind,
		Status:    domain.StatusProcessing,
		CreatedAt: r.now().UTC(),
	}

	r.mu.Lock()
	if _, ok := r.tasks[taskID]; ok {
		r.mu.Unlock()
		return domain.Task{}, fmt.Errorf("%w: %s", ErrDuplicate, taskID)
	}
	r.tasks[taskID] = t
	snapshot := *t
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.CreateResult(ctx, snapshot); err != nil {
			r.log.Warn().Err(err).Str("task_id", taskID).Msg("durable create failed")
		}
	}
	return snapshot, nil
}

// SetTerminal moves a processing task to done or failed. It applies at most
// once per task; later calls are logged and ignored. It reports whether the
// transition was applied.
func (r *Registry) SetTerminal(ctx context.Context, taskID string, out domain.Outcome) bool {
	l := r.log.With().Str("task_id", taskID).Str("status", string(out.Status)).Logger()
	if !out.Status.Terminal() {
		l.Error().Msg("set terminal called with non-terminal status")
		return false
	}

	r.mu.Lock()
	t, ok := r.tasks[taskID]
	if !ok {
		r.mu.Unlock()
		l.Warn().Msg("set terminal for unknown task")
		return false
	}
	if t.Status.Terminal() {
		prev := t.Status
		r.mu.Unlock()
		l.Warn().Str("previous", string(prev)).Msg("task already terminal, ignoring transition")
		return false
	}
	t.Status = out.Status
	t.ProcessingTime = out.ProcessingTime
	t.FinishedAt = r.now().UTC()
	if out.Status == domain.StatusDone {
		t.Result = out.Result
	} else {
		t.Error = out.Error
		t.ErrorKind = out.ErrorKind
	}
	snapshot := *t
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.SaveResult(ctx, snapshot); err != nil {
			l.Error().Err(err).Msg("durable result write failed")
		}
	}
	return true
}

// Get returns the in-memory task, falling back to the durable store.
func (r *Registry) Get(ctx context.Context, taskID string) (domain.Task, error) {
	r.mu.Lock()
	t, ok := r.tasks[taskID]
	var snapshot domain.Task
	if ok {
		snapshot = *t
	}
	r.mu.Unlock()
	if ok {
		return snapshot, nil
	}
	if r.store == nil {
		return domain.Task{}, domain.ErrNotFound
	}
	stored, err := r.store.LoadResult(ctx, taskID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Task{}, domain.ErrNotFound
		}
		return domain.Task{}, fmt.Errorf("load result %s: %w", taskID, err)
	}
	return stored, nil
}

// List returns up to limit in-memory tasks, newest first.
func (r *Registry) List(limit int) []domain.Task {
	r.mu.Lock()
	out := make([]domain.Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, *t)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (r *Registry) Counts() map[domain.Status]int {
	counts := map[domain.Status]int{
		domain.StatusProcessing: 0,
		domain.StatusDone:       0,
		domain.StatusFailed:     0,
	}
	r.mu.Lock()
	for _, t := range r.tasks {
		counts[t.Status]++
	}
	r.mu.Unlock()
	return counts
}

// Reconcile marks durable rows left processing by an earlier process as failed.
func (r *Registry) Reconcile(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, nil
	}
	n, err := r.store.ReconcileOrphans(ctx, OrphanReason)
	if err != nil {
		return 0, fmt.Errorf("reconcile orphans: %w", err)
	}
	if n > 0 {
		r.log.Warn().Int("tasks", n).Msg("marked orphaned tasks failed")
	}
	return n, nil
}

// OrphanReason is the error recorded on tasks a previous process left processing.
const OrphanReason = "interrupted by shutdown"
