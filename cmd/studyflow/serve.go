package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"studyflow/internal/api"
	"studyflow/internal/config"
	"studyflow/internal/convert"
	"studyflow/internal/domain"
	"studyflow/internal/executor"
	"studyflow/internal/jobs"
	"studyflow/internal/llm"
	"studyflow/internal/notify"
	"studyflow/internal/rag"
	"studyflow/internal/registry"
	"studyflow/internal/reporting"
	"studyflow/internal/scheduler"
	"studyflow/internal/shutdown"
	"studyflow/internal/store"
	"studyflow/internal/transcript"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return serve(cmd.Context(), cfg)
	},
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := log.Logger

	reporter, err := reporting.New(reporting.Options{
		DSN:         cfg.Sentry.DSN,
		Environment: cfg.Sentry.Environment,
		Release:     version,
	}, "studyflow")
	if err != nil {
		return fmt.Errorf("init sentry: %w", err)
	}

	db, err := store.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return err
	}
	if err := store.Migrate(db, "up", logger); err != nil {
		db.Close()
		return err
	}
	sqlStore := store.NewSQL(db)

	var results registry.ResultStore = sqlStore
	var badgerStore *store.Badger
	if cfg.Results.Backend == "badger" {
		badgerStore, err = store.OpenBadger(cfg.Results.BadgerPath, cfg.Results.BadgerGCEvery, logger)
		if err != nil {
			db.Close()
			return err
		}
		results = badgerStore
	}

	reg := registry.New(results, logger)
	if _, err := reg.Reconcile(ctx); err != nil {
		logger.Error().Err(err).Msg("startup reconcile failed")
	}

	sig := executor.NewSignal()
	exec := executor.New(sig, logger)
	hub := notify.NewHub(logger)
	bus, err := notify.NewBus(hub, cfg.Notify.EventBuffer, logger)
	if err != nil {
		db.Close()
		return err
	}
	webhook := notify.NewWebhook(cfg.Notify.WebhookTimeout, logger)

	engine := rag.NewClient(cfg.RAG.URL, cfg.RAG.APIKey, cfg.RAG.Timeout, logger)
	converter := convert.Router{
		Web:   convert.NewWeb(cfg.Converter.WebTimeout, cfg.Converter.UserAgent),
		Files: convert.Command{Name: cfg.Converter.Command, Args: cfg.Converter.Args},
	}
	extractor := transcript.NewYTDLP(cfg.Transcript.Binary, cfg.Transcript.Attempts, logger)

	var interpreter llm.Interpreter
	if cfg.LLM.GeminiAPIKey != "" {
		g, err := llm.NewGemini(ctx, llm.Config{
			APIKey:     cfg.LLM.GeminiAPIKey,
			Model:      cfg.LLM.Model,
			MaxRetries: cfg.LLM.MaxRetries,
			BaseDelay:  cfg.LLM.BaseDelay,
		}, logger)
		if err != nil {
			db.Close()
			return fmt.Errorf("init gemini: %w", err)
		}
		interpreter = g
	} else {
		logger.Warn().Msg("no gemini api key configured, image interpretation disabled")
	}

	submitter := &jobs.Submitter{
		Executor:        exec,
		Registry:        reg,
		Events:          bus,
		Webhook:         webhook,
		Reporter:        reporter,
		WebhookOnAccept: cfg.Notify.WebhookOnAccept,
		Logger:          logger,
	}

	sched := scheduler.NewService(sqlStore, submitter, func(sc domain.Schedule) (jobs.Job, error) {
		switch sc.Kind {
		case domain.KindWebpage:
			return &jobs.Webpage{URL: sc.Target, TopicID: sc.TopicID, Converter: converter, Engine: engine, Content: sqlStore}, nil
		case domain.KindYouTube:
			lang := sc.Language
			if lang == "" {
				lang = "en"
			}
			return &jobs.YouTube{URL: sc.Target, Language: lang, TopicID: sc.TopicID, Extractor: extractor, Engine: engine, Content: sqlStore}, nil
		default:
			return nil, fmt.Errorf("%w: schedules cannot run %s tasks", domain.ErrValidation, sc.Kind)
		}
	}, cfg.Scheduler.Interval)

	mode, err := rag.ParseMode(cfg.RAG.DefaultMode)
	if err != nil {
		db.Close()
		return err
	}
	handler := api.NewServer(api.Deps{
		Submitter:      submitter,
		Registry:       reg,
		Executor:       exec,
		Hub:            hub,
		Store:          sqlStore,
		Engine:         engine,
		Converter:      converter,
		Transcripts:    extractor,
		Interpreter:    interpreter,
		DataDir:        cfg.Storage.DataDir,
		MaxUploadBytes: cfg.Storage.MaxUploadMB << 20,
		DefaultMode:    mode,
		ImagePrompt:    cfg.LLM.ImagePrompt,
		BatchLimit:     cfg.Transcript.BatchLimit,
		MaxBatch:       cfg.Transcript.MaxBatch,
		WSWriteTimeout: cfg.Notify.WSWriteTimeout,
		Logger:         logger,
	})

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
	}

	seq := shutdown.New(shutdown.Config{
		DrainTimeout:    cfg.Shutdown.DrainTimeout,
		ForceTimeout:    cfg.Shutdown.ForceTimeout,
		FinalizeTimeout: cfg.Shutdown.FinalizeTimeout,
	}, exec, sig, logger)
	seq.OnTerminate("http server", srv.Shutdown)
	seq.OnTerminate("scheduler", func(ctx context.Context) error {
		sched.Stop()
		if !cfg.Scheduler.Enabled {
			return nil
		}
		select {
		case <-sched.Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	seq.OnTerminate("event bus", func(context.Context) error { return bus.Close() })
	seq.OnTerminate("websockets", func(context.Context) error {
		hub.CloseAll()
		return nil
	})
	seq.OnTerminate("rag engine", engine.Finalize)
	seq.OnTerminate("sentry", func(ctx context.Context) error {
		timeout := 2 * time.Second
		if dl, ok := ctx.Deadline(); ok {
			timeout = time.Until(dl)
		}
		if !reporter.Flush(timeout) {
			return errors.New("sentry flush timed out")
		}
		return nil
	})
	if badgerStore != nil {
		seq.OnTerminate("result store", func(context.Context) error { return badgerStore.Close() })
	}
	seq.OnTerminate("database", func(context.Context) error { return db.Close() })

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if cfg.Scheduler.Enabled {
		g.Go(func() error {
			sched.Start(gctx)
			return nil
		})
	}
	g.Go(func() error {
		report := seq.Listen(gctx, os.Interrupt, syscall.SIGTERM)
		logShutdown(logger, report)
		return nil
	})
	return g.Wait()
}

func logShutdown(logger zerolog.Logger, r shutdown.Report) {
	ev := logger.Info()
	if !r.Drained {
		ev = logger.Warn()
	}
	ev.Bool("drained", r.Drained).
		Int("force_cancelled", r.ForceCancelled).
		Strs("abandoned", r.Abandoned).
		Dur("elapsed", r.Elapsed).
		Msg("shutdown complete")
}
