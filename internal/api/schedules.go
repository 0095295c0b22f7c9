package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"studyflow/internal/domain"
	"studyflow/internal/scheduler"
	"studyflow/internal/transcript"
)

type createScheduleReq struct {
	Name        string      `json:"name" validate:"required"`
	CronExpr    string      `json:"cron_expr" validate:"required"`
	Kind        domain.Kind `json:"kind" validate:"required,oneof=webpage youtube"`
	Target      string      `json:"target" validate:"required,url"`
	Language    string      `json:"language"`
	TopicID     string      `json:"topic_id"`
	CallbackURL string      `json:"callback_url" validate:"omitempty,url"`
	Enabled     *bool       `json:"enabled"`
}

type updateScheduleReq struct {
	Name        string      `json:"name"`
	CronExpr    string      `json:"cron_expr"`
	Kind        domain.Kind `json:"kind" validate:"omitempty,oneof=webpage youtube"`
	Target      string      `json:"target" validate:"omitempty,url"`
	Language    *string     `json:"language"`
	TopicID     *string     `json:"topic_id"`
	CallbackURL *string     `json:"callback_url" validate:"omitempty,url"`
	Enabled     *bool       `json:"enabled"`
}

func checkTarget(kind domain.Kind, target string) error {
	if kind == domain.KindYouTube {
		_, err := transcript.VideoID(target)
		return err
	}
	return nil
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var req createScheduleReq
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}

	// Validate cron expression
	if err := scheduler.ValidateCronExpression(req.CronExpr); err != nil {
		writeError(w, http.StatusBadRequest, "invalid cron expression: "+err.Error())
		return
	}
	if err := checkTarget(req.Kind, req.Target); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.checkTopic(r, req.TopicID); err != nil {
		s.fail(w, r, err)
		return
	}

	nextRun, err := scheduler.NextRunTime(req.CronExpr, time.Now().UTC())
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to calculate next run time: "+err.Error())
		return
	}

	schedule := domain.Schedule{
		Name:        req.Name,
		CronExpr:    req.CronExpr,
		Kind:        req.Kind,
		Target:      req.Target,
		Language:    req.Language,
		TopicID:     req.TopicID,
		CallbackURL: req.CallbackURL,
		Enabled:     req.Enabled == nil || *req.Enabled,
		NextRun:     nextRun,
	}

	created, err := s.Store.CreateSchedule(r.Context(), schedule)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.Store.ListSchedules(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, schedules)
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	schedule, err := s.Store.GetSchedule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, schedule)
}

func (s *Server) updateSchedule(w http.ResponseWriter, r *http.Request) {
	schedule, err := s.Store.GetSchedule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}

	var req updateScheduleReq
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}

	if req.Name != "" {
		schedule.Name = req.Name
	}
	if req.CronExpr != "" {
		nextRun, err := scheduler.NextRunTime(req.CronExpr, time.Now().UTC())
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid cron expression: "+err.Error())
			return
		}
		schedule.CronExpr = req.CronExpr
		schedule.NextRun = nextRun
	}
	if req.Kind != "" {
		schedule.Kind = req.Kind
	}
	if req.Target != "" {
		schedule.Target = req.Target
	}
	if err := checkTarget(schedule.Kind, schedule.Target); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.Language != nil {
		schedule.Language = *req.Language
	}
	if req.TopicID != nil {
		if err := s.checkTopic(r, *req.TopicID); err != nil {
			s.fail(w, r, err)
			return
		}
		schedule.TopicID = *req.TopicID
	}
	if req.CallbackURL != nil {
		schedule.CallbackURL = *req.CallbackURL
	}
	if req.Enabled != nil {
		schedule.Enabled = *req.Enabled
	}

	if err := s.Store.UpdateSchedule(r.Context(), schedule); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, schedule)
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.Store.DeleteSchedule(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, fmt.Errorf("delete schedule: %w", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
