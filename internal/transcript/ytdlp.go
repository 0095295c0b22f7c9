package transcript

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"studyflow/internal/domain"
)

// YTDLP extracts captions by running the yt-dlp command line tool.
type YTDLP struct {
	Binary   string
	Attempts int
	Backoff  time.Duration
	log      zerolog.Logger

	// run is swapped in tests.
	run func(ctx context.Context, name string, args ...string) ([]byte, error)
}

func NewYTDLP(binary string, attempts int, logger zerolog.Logger) *YTDLP {
	if binary == "" {
		binary = "yt-dlp"
	}
	if attempts <= 0 {
		attempts = 3
	}
	return &YTDLP{
		Binary:   binary,
		Attempts: attempts,
		Backoff:  time.Second,
		log:      logger.With().Str("component", "yt-dlp").Logger(),
		run:      runCommand,
	}
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s: %v; stderr=%s", name, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

type videoInfo struct {
	Subtitles         map[string]json.RawMessage `json:"subtitles"`
	AutomaticCaptions map[string]json.RawMessage `json:"automatic_captions"`
}

func (y *YTDLP) Extract(ctx context.Context, url, lang string) (Transcript, error) {
	id, err := VideoID(url)
	if err != nil {
		return Transcript{}, err
	}
	l := y.log.With().Str("video_id", id).Logger()
	watchURL := "https://www.youtube.com/watch?v=" + id

	start := time.Now()
	out, err := y.retry(ctx, "--dump-single-json", "--skip-download", "--no-warnings", watchURL)
	if err != nil {
		return Transcript{}, fmt.Errorf("%w: video info %s: %v", domain.ErrCollaboratorAPI, id, err)
	}
	var info videoInfo
	if err := json.Unmarshal(out, &info); err != nil {
		return Transcript{}, fmt.Errorf("%w: decode video info: %v", domain.ErrCollaboratorAPI, err)
	}
	available := languages(info)
	if len(available) == 0 {
		return Transcript{}, fmt.Errorf("%w: no subtitles available for %s", domain.ErrNotFound, id)
	}
	selected := SelectLanguage(lang, available)
	l.Debug().Strs("available", available).Str("selected", selected).Dur("elapsed", time.Since(start)).Msg("video info")

	dir, err := os.MkdirTemp("", "studyflow-subs-")
	if err != nil {
		return Transcript{}, err
	}
	defer os.RemoveAll(dir)

	if _, err := y.retry(ctx,
		"--skip-download", "--write-subs", "--write-auto-subs", "--no-warnings",
		"--sub-langs", selected, "--sub-format", "vtt",
		"-o", filepath.Join(dir, "%(id)s.%(ext)s"),
		watchURL,
	); err != nil {
		return Transcript{}, fmt.Errorf("%w: download subtitles %s: %v", domain.ErrCollaboratorAPI, id, err)
	}

	path, actual, err := findSubtitle(dir, id, selected)
	if err != nil {
		return Transcript{}, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Transcript{}, fmt.Errorf("read subtitles: %w", err)
	}
	text := ParseVTT(string(raw))
	l.Info().Str("language", actual).Int("chars", len(text)).Dur("elapsed", time.Since(start)).Msg("transcript extracted")

	return Transcript{VideoID: id, Language: actual, Text: text, AvailableLanguages: available}, nil
}

func (y *YTDLP) retry(ctx context.Context, args ...string) ([]byte, error) {
	delay := y.Backoff
	var lastErr error
	for attempt := 1; attempt <= y.Attempts; attempt++ {
		out, err := y.run(ctx, y.Binary, args...)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt == y.Attempts {
			break
		}
		y.log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("yt-dlp failed, retrying")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		delay *= 2
	}
	return nil, lastErr
}

func languages(info videoInfo) []string {
	var manual, auto []string
	for l := range info.Subtitles {
		manual = append(manual, l)
	}
	for l := range info.AutomaticCaptions {
		if _, ok := info.Subtitles[l]; !ok {
			auto = append(auto, l)
		}
	}
	sort.Strings(manual)
	sort.Strings(auto)
	return append(manual, auto...)
}

func findSubtitle(dir, id, lang string) (string, string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, id+".*.vtt"))
	if err != nil {
		return "", "", err
	}
	if len(matches) == 0 {
		return "", "", fmt.Errorf("%w: no subtitles downloaded for %s", domain.ErrNotFound, id)
	}
	sort.Strings(matches)
	pick := matches[0]
	for _, m := range matches {
		if strings.HasSuffix(m, "."+lang+".vtt") {
			pick = m
			break
		}
	}
	actual := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(pick), id+"."), ".vtt")
	return pick, actual, nil
}
