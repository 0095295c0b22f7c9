package transcript

import (
	"context"
	"fmt"
	"html"
	"regexp"
	"strings"

	"studyflow/internal/domain"
)

type Transcript struct {
	VideoID            string   `json:"video_id"`
	Language           string   `json:"language"`
	Text               string   `json:"transcript"`
	AvailableLanguages []string `json:"available_languages"`
}

// Extractor fetches the captions of a video as plain text.
type Extractor interface {
	Extract(ctx context.Context, url, lang string) (Transcript, error)
}

var videoIDPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?:youtube\.com/watch\?v=|youtu\.be/)([^&\n?#]+)`),
	regexp.MustCompile(`youtube\.com/embed/([^&\n?#]+)`),
	regexp.MustCompile(`youtube\.com/v/([^&\n?#]+)`),
	regexp.MustCompile(`youtube\.com/shorts/([^&\n?#/]+)`),
}

func VideoID(url string) (string, error) {
	for _, p := range videoIDPatterns {
		if m := p.FindStringSubmatch(url); m != nil {
			return m[1], nil
		}
	}
	return "", fmt.Errorf("%w: invalid YouTube URL %q", domain.ErrValidation, url)
}

// SelectLanguage prefers the requested language, then English, then the
// first available one.
func SelectLanguage(requested string, available []string) string {
	if len(available) == 0 {
		return ""
	}
	for _, l := range available {
		if l == requested {
			return l
		}
	}
	for _, l := range available {
		if l == "en" {
			return l
		}
	}
	return available[0]
}

var tagRe = regexp.MustCompile(`<[^>]+>`)

// ParseVTT returns the cue text of a WebVTT document joined by spaces.
func ParseVTT(vtt string) string {
	lines := strings.Split(strings.ReplaceAll(vtt, "\r\n", "\n"), "\n")
	var out []string
	for i := 0; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])
		if !strings.Contains(line, "-->") {
			continue
		}
		for i+1 < len(lines) {
			next := strings.TrimSpace(lines[i+1])
			if next == "" || strings.Contains(next, "-->") {
				break
			}
			i++
			text := strings.TrimSpace(html.UnescapeString(tagRe.ReplaceAllString(next, "")))
			if text != "" {
				out = append(out, text)
			}
		}
	}
	return strings.Join(out, " ")
}
