package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"studyflow/internal/convert"
	"studyflow/internal/domain"
	"studyflow/internal/executor"
	"studyflow/internal/jobs"
	"studyflow/internal/llm"
	"studyflow/internal/notify"
	"studyflow/internal/rag"
	"studyflow/internal/registry"
	"studyflow/internal/transcript"
)

// Store is the relational data the API serves directly.
type Store interface {
	Ping(ctx context.Context) error

	CreateTopic(ctx context.Context, t domain.Topic) (domain.Topic, error)
	GetTopic(ctx context.Context, id string) (domain.Topic, error)
	ListTopics(ctx context.Context) ([]domain.Topic, error)
	UpdateTopic(ctx context.Context, t domain.Topic) (domain.Topic, error)
	DeleteTopic(ctx context.Context, id string) error
	AddContent(ctx context.Context, c domain.ContentItem) (domain.ContentItem, error)
	ListContent(ctx context.Context, topicID string) ([]domain.ContentItem, error)

	CreateSchedule(ctx context.Context, sc domain.Schedule) (domain.Schedule, error)
	GetSchedule(ctx context.Context, id string) (domain.Schedule, error)
	ListSchedules(ctx context.Context) ([]domain.Schedule, error)
	UpdateSchedule(ctx context.Context, sc domain.Schedule) error
	DeleteSchedule(ctx context.Context, id string) error
}

type Submitter interface {
	Submit(ctx context.Context, job jobs.Job, callbackURL string) (string, error)
}

type Deps struct {
	Submitter   Submitter
	Registry    *registry.Registry
	Executor    *executor.Executor
	Hub         *notify.Hub
	Store       Store
	Engine      rag.Engine
	Converter   convert.Converter
	Transcripts transcript.Extractor
	// Interpreter is nil when no LLM provider is configured.
	Interpreter llm.Interpreter

	DataDir        string
	MaxUploadBytes int64
	DefaultMode    rag.Mode
	ImagePrompt    string
	BatchLimit     int
	MaxBatch       int
	WSWriteTimeout time.Duration
	Logger         zerolog.Logger
}

type Server struct {
	Deps
	r        *chi.Mux
	log      zerolog.Logger
	validate *validator.Validate
	started  time.Time
}

func NewServer(d Deps) http.Handler {
	if d.MaxUploadBytes <= 0 {
		d.MaxUploadBytes = 50 << 20
	}
	if d.DefaultMode == "" {
		d.DefaultMode = rag.ModeHybrid
	}
	if d.ImagePrompt == "" {
		d.ImagePrompt = "Describe this image and extract key information"
	}
	if d.BatchLimit <= 0 {
		d.BatchLimit = 4
	}
	if d.MaxBatch <= 0 {
		d.MaxBatch = 20
	}

	r := chi.NewRouter()
	s := &Server{
		Deps:     d,
		r:        r,
		log:      d.Logger.With().Str("component", "api").Logger(),
		validate: validator.New(),
		started:  time.Now(),
	}
	r.Use(middleware.RequestID, middleware.RealIP, s.requestLogger, middleware.Recoverer)

	r.Get("/", s.root)
	r.Get("/health", s.health)
	r.Get("/readyz", s.ready)
	r.Get("/metrics", s.metrics)
	r.Get("/ws", s.websocket)

	r.Get("/task-status/{task_id}", s.taskStatus)
	r.Get("/tasks", s.listTasks)

	r.Post("/documents/upload", s.uploadDocuments)
	r.Post("/webpage/process", s.processWebpage)
	r.Post("/youtube/process", s.processYouTube)
	r.Get("/youtube/transcript", s.youtubeTranscript)
	r.Post("/youtube/batch", s.youtubeBatch)
	r.Post("/image/interpret", s.interpretImage)
	r.Get("/query", s.query)
	r.Post("/query-async", s.queryAsync)
	r.Get("/graph/json", s.graphJSON)
	r.Get("/graph/graphml", s.graphML)

	r.Route("/topics", func(r chi.Router) {
		r.Post("/", s.createTopic)
		r.Get("/", s.listTopics)
		r.Get("/{id}", s.getTopic)
		r.Put("/{id}", s.updateTopic)
		r.Delete("/{id}", s.deleteTopic)
		r.Get("/{id}/content", s.listTopicContent)
	})

	r.Get("/datasources", s.listDatasources)
	r.Get("/datasources/{filename}/info", s.datasourceInfo)
	r.Get("/datasources/{filename}/download", s.downloadDatasource)
	r.Delete("/datasources/{filename}", s.deleteDatasource)

	r.Post("/schedules", s.createSchedule)
	r.Get("/schedules", s.listSchedules)
	r.Get("/schedules/{id}", s.getSchedule)
	r.Put("/schedules/{id}", s.updateSchedule)
	r.Delete("/schedules/{id}", s.deleteSchedule)

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

func (s *Server) root(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "studyflow API is running"})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

// ready fails once the executor stopped accepting work or the database is gone.
func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	if s.Executor != nil && s.Executor.Closed() {
		writeError(w, http.StatusServiceUnavailable, "shutting down")
		return
	}
	if s.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.Store.Ping(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "studyflow_up 1")
	if s.Executor != nil {
		fmt.Fprintf(w, "studyflow_live_units %d\n", s.Executor.Live())
	}
	if s.Registry != nil {
		counts := s.Registry.Counts()
		for _, st := range []domain.Status{domain.StatusProcessing, domain.StatusDone, domain.StatusFailed} {
			fmt.Fprintf(w, "studyflow_tasks{status=%q} %d\n", st, counts[st])
		}
	}
	if s.Hub != nil {
		fmt.Fprintf(w, "studyflow_subscribers %d\n", s.Hub.Len())
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// statusFor maps an error to the response code of a failed request.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, jobs.ErrUnavailable), errors.Is(err, executor.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrCollaboratorRateLimit):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrCollaboratorAuth), errors.Is(err, domain.ErrCollaboratorAPI):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		s.log.Error().Err(err).Str("request_id", middleware.GetReqID(r.Context())).Str("path", r.URL.Path).Msg("request failed")
		msg = "internal server error"
	}
	writeError(w, code, msg)
}

func (s *Server) decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON body: %v", domain.ErrValidation, err)
	}
	if err := s.validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	return nil
}

// accepted answers a request whose work continues in the background.
func accepted(w http.ResponseWriter, taskID, message string, extra map[string]any) {
	body := map[string]any{
		"status":  string(domain.StatusProcessing),
		"task_id": taskID,
		"message": message,
	}
	for k, v := range extra {
		body[k] = v
	}
	writeJSON(w, http.StatusAccepted, body)
}
