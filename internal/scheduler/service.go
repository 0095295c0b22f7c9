package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"studyflow/internal/domain"
	"studyflow/internal/jobs"
)

type Repository interface {
	GetDueSchedules(ctx context.Context, now time.Time) ([]domain.Schedule, error)
	UpdateScheduleLastRun(ctx context.Context, id string, lastRun, nextRun time.Time) error
}

type Submitter interface {
	Submit(ctx context.Context, job jobs.Job, callbackURL string) (string, error)
}

// JobFactory builds the ingestion job a schedule runs.
type JobFactory func(schedule domain.Schedule) (jobs.Job, error)

type Service struct {
	repo     Repository
	submit   Submitter
	newJob   JobFactory
	stop     chan struct{}
	once     sync.Once
	done     chan struct{}
	interval time.Duration
}

func NewService(repo Repository, submit Submitter, newJob JobFactory, checkInterval time.Duration) *Service {
	if checkInterval <= 0 {
		checkInterval = 30 * time.Second
	}
	return &Service{
		repo:     repo,
		submit:   submit,
		newJob:   newJob,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		interval: checkInterval,
	}
}

func (s *Service) Start(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", s.interval).Msg("schedule service started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.processDueSchedules(ctx, now)
		}
	}
}

// Stop ends the loop. It is safe to call more than once.
func (s *Service) Stop() {
	s.once.Do(func() { close(s.stop) })
}

// Done is closed when Start returns.
func (s *Service) Done() <-chan struct{} { return s.done }

func (s *Service) processDueSchedules(ctx context.Context, now time.Time) {
	schedules, err := s.repo.GetDueSchedules(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("failed to get due schedules")
		return
	}

	for _, schedule := range schedules {
		if err := s.processSchedule(ctx, schedule, now); err != nil {
			log.Error().Err(err).Str("schedule_id", schedule.ID).Msg("failed to process schedule")
		}
	}
}

func (s *Service) processSchedule(ctx context.Context, schedule domain.Schedule, now time.Time) error {
	cronSchedule, err := cron.ParseStandard(schedule.CronExpr)
	if err != nil {
		log.Error().Err(err).Str("cron_expr", schedule.CronExpr).Msg("invalid cron expression")
		return err
	}

	job, err := s.newJob(schedule)
	if err != nil {
		return fmt.Errorf("build job: %w", err)
	}

	taskID, err := s.submit.Submit(ctx, job, schedule.CallbackURL)
	if err != nil {
		log.Error().Err(err).Str("schedule_id", schedule.ID).Msg("failed to submit scheduled task")
		return err
	}

	nextRun := cronSchedule.Next(now)

	if err := s.repo.UpdateScheduleLastRun(ctx, schedule.ID, now, nextRun); err != nil {
		log.Error().Err(err).Str("schedule_id", schedule.ID).Msg("failed to update schedule run times")
		return err
	}

	log.Info().
		Str("schedule_id", schedule.ID).
		Str("schedule_name", schedule.Name).
		Str("task_id", taskID).
		Time("next_run", nextRun).
		Msg("scheduled task submitted")

	return nil
}

// ValidateCronExpression validates a cron expression
func ValidateCronExpression(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

// NextRunTime calculates the next run time for a cron expression
func NextRunTime(expr string, from time.Time) (time.Time, error) {
	cronSchedule, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, err
	}
	return cronSchedule.Next(from), nil
}
