package convert

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"studyflow/internal/domain"
)

const (
	blockSelector = "h1,h2,h3,h4,h5,h6,p,li,pre,blockquote,td,th"
	noiseSelector = "script,style,noscript,nav,footer,header,iframe,svg,form"
	maxPageBytes  = 10 << 20
)

// Web fetches a page and reduces it to markdown-ish text.
type Web struct {
	client    *http.Client
	userAgent string
}

func NewWeb(timeout time.Duration, userAgent string) *Web {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if userAgent == "" {
		userAgent = "studyflow/1.0"
	}
	return &Web{client: &http.Client{Timeout: timeout}, userAgent: userAgent}
}

func (w *Web) Convert(ctx context.Context, pageURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	req.Header.Set("User-Agent", w.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := w.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", pageURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("%w: fetch %s: HTTP %d", domain.ErrCollaboratorAPI, pageURL, resp.StatusCode)
	}

	text, err := HTMLToText(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return "", fmt.Errorf("parse %s: %w", pageURL, err)
	}
	if text == "" {
		return "", fmt.Errorf("%w: no readable text at %s", domain.ErrCollaboratorAPI, pageURL)
	}
	return text, nil
}

// HTMLToText keeps the title, headings and block text of an HTML document.
func HTMLToText(r io.Reader) (string, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return "", err
	}
	doc.Find(noiseSelector).Remove()

	var lines []string
	if title := collapse(doc.Find("title").First().Text()); title != "" {
		lines = append(lines, "# "+title)
	}

	doc.Find("body").Find(blockSelector).Each(func(_ int, s *goquery.Selection) {
		// nested blocks are emitted by their outermost ancestor
		if s.ParentsFiltered(blockSelector).Length() > 0 {
			return
		}
		text := collapse(s.Text())
		if text == "" {
			return
		}
		switch tag := goquery.NodeName(s); tag {
		case "h1", "h2", "h3", "h4", "h5", "h6":
			lines = append(lines, strings.Repeat("#", int(tag[1]-'0'))+" "+text)
		case "li":
			lines = append(lines, "- "+text)
		case "blockquote":
			lines = append(lines, "> "+text)
		default:
			lines = append(lines, text)
		}
	})

	if len(lines) <= 1 {
		if body := collapse(doc.Find("body").Text()); body != "" {
			lines = append(lines, body)
		}
	}
	return strings.TrimSpace(strings.Join(lines, "\n\n")), nil
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
