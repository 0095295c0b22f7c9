package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"studyflow/internal/domain"
	"studyflow/internal/executor"
	"studyflow/internal/notify"
	"studyflow/internal/registry"
	"studyflow/internal/reporting"
)

// ErrUnavailable is returned when the executor no longer accepts work.
var ErrUnavailable = errors.New("service is shutting down")

type Submitter struct {
	Executor *executor.Executor
	Registry *registry.Registry
	Events   notify.Publisher
	Webhook  Poster
	Reporter reporting.Reporter
	// WebhookOnAccept posts a processing payload when a task starts running,
	// ahead of its terminal callback.
	WebhookOnAccept bool
	Logger          zerolog.Logger
}

// Submit registers a task for job and dispatches it. It returns the task id
// once the task is visible to polling.
func (s *Submitter) Submit(ctx context.Context, job Job, callbackURL string) (string, error) {
	if s.Executor.Closed() {
		return "", ErrUnavailable
	}
	taskID := uuid.NewString()
	if _, err := s.Registry.Create(ctx, taskID, job.Kind()); err != nil {
		return "", fmt.Errorf("register task: %w", err)
	}

	u := &unit{
		taskID:       taskID,
		job:          job,
		callbackURL:  callbackURL,
		notifyAccept: s.WebhookOnAccept,
		registry:     s.Registry,
		events:       s.Events,
		webhook:      s.Webhook,
		reporter:     s.Reporter,
		log:          s.Logger.With().Str("task_id", taskID).Str("kind", string(job.Kind())).Logger(),
	}

	if _, err := s.Executor.Dispatch(taskID, job.Kind(), u); err != nil {
		// closed between the check and dispatch; the task will never run
		s.Registry.SetTerminal(context.WithoutCancel(ctx), taskID, domain.Outcome{
			Status:    domain.StatusFailed,
			Error:     "not started: " + err.Error(),
			ErrorKind: domain.ErrorKindShutdown,
		})
		if errors.Is(err, executor.ErrClosed) {
			return "", ErrUnavailable
		}
		return "", err
	}
	return taskID, nil
}
