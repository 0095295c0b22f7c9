package config

import "time"

// Config holds all application configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server" validate:"required"`
	Database   DatabaseConfig   `mapstructure:"database" validate:"required"`
	Results    ResultsConfig    `mapstructure:"results" validate:"required"`
	RAG        RAGConfig        `mapstructure:"rag" validate:"required"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Converter  ConverterConfig  `mapstructure:"converter" validate:"required"`
	Transcript TranscriptConfig `mapstructure:"transcript" validate:"required"`
	Notify     NotifyConfig     `mapstructure:"notify" validate:"required"`
	Shutdown   ShutdownConfig   `mapstructure:"shutdown" validate:"required"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Storage    StorageConfig    `mapstructure:"storage" validate:"required"`
	Sentry     SentryConfig     `mapstructure:"sentry"`
}

type ServerConfig struct {
	Host        string        `mapstructure:"host"`
	Port        int           `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	LogLevel    string        `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
	LogFormat   string        `mapstructure:"log_format" validate:"required,oneof=console json"`
	ReadTimeout time.Duration `mapstructure:"read_timeout" validate:"gte=0"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver" validate:"required,oneof=sqlite postgres"`
	// DSN is a file path for sqlite and a connection URL for postgres.
	DSN string `mapstructure:"dsn" validate:"required"`
}

// ResultsConfig selects where terminal task results are kept.
type ResultsConfig struct {
	Backend       string        `mapstructure:"backend" validate:"required,oneof=sql badger"`
	BadgerPath    string        `mapstructure:"badger_path" validate:"required_if=Backend badger"`
	BadgerGCEvery time.Duration `mapstructure:"badger_gc_every" validate:"gte=0"`
}

type RAGConfig struct {
	URL         string        `mapstructure:"url" validate:"required,url"`
	APIKey      string        `mapstructure:"api_key"`
	Timeout     time.Duration `mapstructure:"timeout" validate:"gt=0"`
	DefaultMode string        `mapstructure:"default_mode" validate:"required,oneof=naive local global hybrid mix"`
}

// LLMConfig configures image interpretation. Without an API key the image
// endpoint reports the feature as unavailable.
type LLMConfig struct {
	GeminiAPIKey string        `mapstructure:"gemini_api_key"`
	Model        string        `mapstructure:"model"`
	MaxRetries   int           `mapstructure:"max_retries" validate:"gte=0,lte=10"`
	BaseDelay    time.Duration `mapstructure:"base_delay" validate:"gte=0"`
	ImagePrompt  string        `mapstructure:"image_prompt" validate:"required"`
}

type ConverterConfig struct {
	Command    string        `mapstructure:"command" validate:"required"`
	Args       []string      `mapstructure:"args"`
	UserAgent  string        `mapstructure:"user_agent"`
	WebTimeout time.Duration `mapstructure:"web_timeout" validate:"gt=0"`
}

type TranscriptConfig struct {
	Binary     string `mapstructure:"binary" validate:"required"`
	Attempts   int    `mapstructure:"attempts" validate:"gte=1,lte=10"`
	BatchLimit int    `mapstructure:"batch_limit" validate:"gte=1,lte=32"`
	MaxBatch   int    `mapstructure:"max_batch" validate:"gte=1"`
}

type NotifyConfig struct {
	WebhookTimeout  time.Duration `mapstructure:"webhook_timeout" validate:"gt=0"`
	WebhookOnAccept bool          `mapstructure:"webhook_on_accept"`
	EventBuffer     int           `mapstructure:"event_buffer" validate:"gt=0"`
	WSWriteTimeout  time.Duration `mapstructure:"ws_write_timeout" validate:"gt=0"`
}

type ShutdownConfig struct {
	DrainTimeout    time.Duration `mapstructure:"drain_timeout" validate:"gt=0"`
	ForceTimeout    time.Duration `mapstructure:"force_timeout" validate:"gt=0"`
	FinalizeTimeout time.Duration `mapstructure:"finalize_timeout" validate:"gt=0"`
}

type SchedulerConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval" validate:"gte=0"`
}

// StorageConfig holds uploaded datasources.
type StorageConfig struct {
	DataDir     string `mapstructure:"data_dir" validate:"required"`
	MaxUploadMB int64  `mapstructure:"max_upload_mb" validate:"gt=0"`
}

type SentryConfig struct {
	DSN         string `mapstructure:"dsn"`
	Environment string `mapstructure:"environment"`
}
