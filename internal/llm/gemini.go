package llm

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/genai"

	"studyflow/internal/domain"
)

// Interpreter describes images with a multimodal model.
type Interpreter interface {
	InterpretImage(ctx context.Context, prompt, mimeType string, data []byte) (string, error)
}

type Config struct {
	APIKey     string
	Model      string
	MaxRetries int
	BaseDelay  time.Duration
}

type generateFunc func(ctx context.Context, model string, contents []*genai.Content) (*genai.GenerateContentResponse, error)

type Gemini struct {
	cfg      Config
	log      zerolog.Logger
	generate generateFunc
}

func NewGemini(ctx context.Context, cfg Config, logger zerolog.Logger) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini API key cannot be empty")
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.0-flash"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	gen := func(ctx context.Context, model string, contents []*genai.Content) (*genai.GenerateContentResponse, error) {
		return client.Models.GenerateContent(ctx, model, contents, nil)
	}
	return newGemini(cfg, gen, logger), nil
}

func newGemini(cfg Config, gen generateFunc, logger zerolog.Logger) *Gemini {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 2 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Gemini{
		cfg:      cfg,
		log:      logger.With().Str("component", "gemini").Str("model", cfg.Model).Logger(),
		generate: gen,
	}
}

func (g *Gemini) InterpretImage(ctx context.Context, prompt, mimeType string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("%w: empty image", domain.ErrValidation)
	}
	contents := []*genai.Content{{
		Role: "user",
		Parts: []*genai.Part{
			{Text: prompt},
			{InlineData: &genai.Blob{MIMEType: mimeType, Data: data}},
		},
	}}

	for attempt := 0; ; attempt++ {
		start := time.Now()
		resp, err := g.generate(ctx, g.cfg.Model, contents)
		if err == nil {
			text, terr := responseText(resp)
			if terr != nil {
				return "", terr
			}
			g.log.Debug().Int("attempt", attempt+1).Dur("elapsed", time.Since(start)).Msg("image interpreted")
			return text, nil
		}

		mapped := MapError(err)
		if !retryable(err) || attempt >= g.cfg.MaxRetries {
			return "", mapped
		}
		delay := backoff(g.cfg.BaseDelay, attempt)
		g.log.Warn().Err(err).Int("attempt", attempt+1).Dur("retry_in", delay).Msg("gemini call failed, retrying")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", fmt.Errorf("%w: empty response", domain.ErrCollaboratorAPI)
	}
	c := resp.Candidates[0]
	if c.FinishReason == genai.FinishReasonSafety {
		return "", fmt.Errorf("%w: content blocked by safety filters", domain.ErrCollaboratorAPI)
	}
	var b strings.Builder
	for _, p := range c.Content.Parts {
		if p != nil && p.Text != "" {
			b.WriteString(p.Text)
		}
	}
	if b.Len() == 0 {
		return "", fmt.Errorf("%w: response has no text", domain.ErrCollaboratorAPI)
	}
	return b.String(), nil
}

// MapError wraps a provider error with the matching collaborator sentinel.
func MapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%w: %s", domain.ErrCollaboratorAuth, apiErr.Message)
		case http.StatusTooManyRequests:
			return fmt.Errorf("%w: %s", domain.ErrCollaboratorRateLimit, apiErr.Message)
		default:
			return fmt.Errorf("%w: HTTP %d: %s", domain.ErrCollaboratorAPI, apiErr.Code, apiErr.Message)
		}
	}
	return fmt.Errorf("%w: %v", domain.ErrCollaboratorAPI, err)
}

func retryable(err error) bool {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500
	}
	return false
}

func backoff(base time.Duration, attempt int) time.Duration {
	d := base << attempt
	if d > time.Minute {
		d = time.Minute
	}
	jitter := time.Duration(rand.Int64N(int64(d)/4 + 1))
	return d + jitter
}
