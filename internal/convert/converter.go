package convert

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"studyflow/internal/domain"
)

// Converter turns a local file or a URL into normalized text ready for indexing.
type Converter interface {
	Convert(ctx context.Context, pathOrURL string) (string, error)
}

// Router sends http(s) URLs to Web and everything else to Files.
type Router struct {
	Web   Converter
	Files Converter
}

func (r Router) Convert(ctx context.Context, pathOrURL string) (string, error) {
	if IsURL(pathOrURL) {
		if r.Web == nil {
			return "", fmt.Errorf("%w: no web converter configured", domain.ErrValidation)
		}
		return r.Web.Convert(ctx, pathOrURL)
	}
	if r.Files == nil {
		return "", fmt.Errorf("%w: no file converter configured", domain.ErrValidation)
	}
	return r.Files.Convert(ctx, pathOrURL)
}

func IsURL(s string) bool {
	u, err := url.Parse(strings.TrimSpace(s))
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
