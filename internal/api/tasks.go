package api

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"studyflow/internal/domain"
	"studyflow/internal/jobs"
	"studyflow/internal/rag"
)

type taskView struct {
	TaskID                string           `json:"task_id"`
	Kind                  domain.Kind      `json:"kind,omitempty"`
	Status                domain.Status    `json:"status"`
	Result                json.RawMessage  `json:"result"`
	ProcessingTimeSeconds *float64         `json:"processing_time_seconds"`
	Error                 string           `json:"error,omitempty"`
	ErrorKind             domain.ErrorKind `json:"error_kind,omitempty"`
	CreatedAt             time.Time        `json:"created_at"`
}

func viewOf(t domain.Task) taskView {
	v := taskView{
		TaskID:    t.ID,
		Kind:      t.Kind,
		Status:    t.Status,
		Error:     t.Error,
		ErrorKind: t.ErrorKind,
		CreatedAt: t.CreatedAt,
	}
	if t.Status.Terminal() {
		secs := math.Round(t.ProcessingTime.Seconds()*100) / 100
		v.ProcessingTimeSeconds = &secs
	}
	if t.Status == domain.StatusDone {
		v.Result = t.Result
	}
	return v
}

func (s *Server) taskStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "task_id")
	t, err := s.Registry.Get(r.Context(), id)
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Task ID not found")
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(t))
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	tasks := s.Registry.List(limit)
	views := make([]taskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, viewOf(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{"total_count": len(views), "tasks": views})
}

func (s *Server) mode(raw string) (rag.Mode, error) {
	if raw == "" {
		return s.DefaultMode, nil
	}
	return rag.ParseMode(raw)
}

// query answers synchronously; it does not create a task.
func (s *Server) query(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("query"))
	if q == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}
	mode, err := s.mode(r.URL.Query().Get("mode"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	start := time.Now()
	answer, err := s.Engine.Query(r.Context(), q, mode)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.log.Info().Str("mode", string(mode)).Dur("elapsed", time.Since(start)).Msg("query answered")
	writeJSON(w, http.StatusOK, map[string]string{"result": answer})
}

func (s *Server) queryAsync(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("query"))
	if q == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}
	mode, err := s.mode(r.URL.Query().Get("mode"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	callback := callbackFrom(r)
	if err := s.checkCallback(callback); err != nil {
		s.fail(w, r, err)
		return
	}

	taskID, err := s.Submitter.Submit(r.Context(), &jobs.Query{Query: q, Mode: mode, Engine: s.Engine}, callback)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	accepted(w, taskID, "query accepted", map[string]any{"query": q})
}

// callbackFrom reads callback_url from the query string or a form body.
func callbackFrom(r *http.Request) string {
	if v := r.URL.Query().Get("callback_url"); v != "" {
		return v
	}
	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "application/json") {
		var body struct {
			CallbackURL string `json:"callback_url"`
		}
		if json.NewDecoder(r.Body).Decode(&body) == nil {
			return body.CallbackURL
		}
		return ""
	}
	if strings.HasPrefix(ct, "multipart/form-data") {
		_ = r.ParseMultipartForm(1 << 20)
	}
	return r.FormValue("callback_url")
}
