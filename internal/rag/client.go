package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"studyflow/internal/domain"
)

type Mode string

const (
	ModeNaive  Mode = "naive"
	ModeLocal  Mode = "local"
	ModeGlobal Mode = "global"
	ModeHybrid Mode = "hybrid"
	ModeMix    Mode = "mix"
)

// ParseMode defaults an empty mode to hybrid.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeHybrid, nil
	case ModeNaive, ModeLocal, ModeGlobal, ModeHybrid, ModeMix:
		return m, nil
	default:
		return "", fmt.Errorf("%w: unknown query mode %q", domain.ErrValidation, s)
	}
}

// Engine is the retrieval engine: it indexes text and answers questions.
type Engine interface {
	Insert(ctx context.Context, text, source string) error
	Query(ctx context.Context, query string, mode Mode) (string, error)
	// Graph returns the knowledge graph the engine has built so far.
	Graph(ctx context.Context) (Graph, error)
	Finalize(ctx context.Context) error
}

// Client talks to a LightRAG compatible HTTP server.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
	log     zerolog.Logger
}

func NewClient(baseURL, apiKey string, timeout time.Duration, logger zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
		log:     logger.With().Str("component", "rag").Logger(),
	}
}

type insertRequest struct {
	Text       string `json:"text"`
	FileSource string `json:"file_source,omitempty"`
}

type queryRequest struct {
	Query string `json:"query"`
	Mode  Mode   `json:"mode"`
}

type queryResponse struct {
	Response string `json:"response"`
}

func (c *Client) Insert(ctx context.Context, text, source string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("%w: nothing to insert from %s", domain.ErrValidation, source)
	}
	start := time.Now()
	if _, err := c.do(ctx, "/documents/text", insertRequest{Text: text, FileSource: source}); err != nil {
		return fmt.Errorf("rag insert: %w", err)
	}
	c.log.Debug().Str("source", source).Int("chars", len(text)).Dur("elapsed", time.Since(start)).Msg("inserted text")
	return nil
}

func (c *Client) Query(ctx context.Context, query string, mode Mode) (string, error) {
	body, err := c.do(ctx, "/query", queryRequest{Query: query, Mode: mode})
	if err != nil {
		return "", fmt.Errorf("rag query: %w", err)
	}
	var qr queryResponse
	if err := json.Unmarshal(body, &qr); err != nil {
		return "", fmt.Errorf("rag query: decode response: %w", err)
	}
	return qr.Response, nil
}

// Finalize releases idle connections; the server owns its storages.
func (c *Client) Finalize(context.Context) error {
	c.client.CloseIdleConnections()
	return nil
}

// Graph fetches every entity and relation under the wildcard label.
func (c *Client) Graph(ctx context.Context) (Graph, error) {
	q := url.Values{}
	q.Set("label", "*")
	q.Set("max_depth", strconv.Itoa(graphMaxDepth))
	q.Set("max_nodes", strconv.Itoa(graphMaxNodes))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/graphs?"+q.Encode(), nil)
	if err != nil {
		return Graph{}, fmt.Errorf("rag graph: create request: %w", err)
	}
	body, err := c.send(req)
	if err != nil {
		return Graph{}, fmt.Errorf("rag graph: %w", err)
	}
	var g Graph
	if err := json.Unmarshal(body, &g); err != nil {
		return Graph{}, fmt.Errorf("rag graph: decode response: %w", err)
	}
	return g, nil
}

func (c *Client) do(ctx context.Context, path string, payload any) ([]byte, error) {
	buf, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.send(req)
}

func (c *Client) send(req *http.Request) ([]byte, error) {
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, statusError(resp.StatusCode, body)
	}
	return body, nil
}

func statusError(code int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 512 {
		msg = msg[:512]
	}
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%w: HTTP %d: %s", domain.ErrCollaboratorAuth, code, msg)
	case code == http.StatusTooManyRequests:
		return fmt.Errorf("%w: HTTP %d: %s", domain.ErrCollaboratorRateLimit, code, msg)
	default:
		return fmt.Errorf("%w: HTTP %d: %s", domain.ErrCollaboratorAPI, code, msg)
	}
}
