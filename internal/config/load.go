package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const EnvPrefix = "STUDYFLOW"

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.log_format", "console")
	v.SetDefault("server.read_timeout", 30*time.Second)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "studyflow.db")

	v.SetDefault("results.backend", "sql")
	v.SetDefault("results.badger_path", "")
	v.SetDefault("results.badger_gc_every", 10*time.Minute)

	v.SetDefault("rag.url", "http://localhost:9621")
	v.SetDefault("rag.api_key", "")
	v.SetDefault("rag.timeout", 5*time.Minute)
	v.SetDefault("rag.default_mode", "hybrid")

	v.SetDefault("llm.gemini_api_key", "")
	v.SetDefault("llm.model", "gemini-2.0-flash")
	v.SetDefault("llm.max_retries", 3)
	v.SetDefault("llm.base_delay", 2*time.Second)
	v.SetDefault("llm.image_prompt", "Describe the content of this image in detail for a student's study notes.")

	v.SetDefault("converter.command", "markitdown")
	v.SetDefault("converter.args", []string{})
	v.SetDefault("converter.user_agent", "studyflow/1.0")
	v.SetDefault("converter.web_timeout", 30*time.Second)

	v.SetDefault("transcript.binary", "yt-dlp")
	v.SetDefault("transcript.attempts", 3)
	v.SetDefault("transcript.batch_limit", 4)
	v.SetDefault("transcript.max_batch", 20)

	v.SetDefault("notify.webhook_timeout", 10*time.Second)
	v.SetDefault("notify.webhook_on_accept", false)
	v.SetDefault("notify.event_buffer", 256)
	v.SetDefault("notify.ws_write_timeout", 5*time.Second)

	v.SetDefault("shutdown.drain_timeout", 5*time.Second)
	v.SetDefault("shutdown.force_timeout", 2*time.Second)
	v.SetDefault("shutdown.finalize_timeout", 10*time.Second)

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.interval", 30*time.Second)

	v.SetDefault("storage.data_dir", "datasources")
	v.SetDefault("storage.max_upload_mb", 50)

	v.SetDefault("sentry.dsn", "")
	v.SetDefault("sentry.environment", "development")
}

// Load reads defaults, then the optional config file, then STUDYFLOW_*
// environment variables, and validates the result.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", configFile, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cfg against its struct tags and reports every failing field.
func Validate(cfg *Config) error {
	err := validator.New().Struct(cfg)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}
