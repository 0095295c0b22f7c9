package transcript

import (
	"context"

	"golang.org/x/sync/errgroup"
)

type BatchResult struct {
	URL                string   `json:"url"`
	VideoID            string   `json:"video_id,omitempty"`
	Success            bool     `json:"success"`
	Transcript         string   `json:"transcript,omitempty"`
	Language           string   `json:"language,omitempty"`
	AvailableLanguages []string `json:"available_languages,omitempty"`
	Error              string   `json:"error,omitempty"`
}

type BatchResponse struct {
	TotalRequested int           `json:"total_requested"`
	Successful     int           `json:"successful"`
	Failed         int           `json:"failed"`
	Results        []BatchResult `json:"results"`
}

// Batch extracts every url with at most limit extractions in flight.
// Results keep the order of urls; one failure does not stop the others.
func Batch(ctx context.Context, ex Extractor, urls []string, lang string, limit int) BatchResponse {
	if limit <= 0 {
		limit = 4
	}
	results := make([]BatchResult, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, u := range urls {
		g.Go(func() error {
			res := BatchResult{URL: u}
			t, err := ex.Extract(gctx, u, lang)
			if err != nil {
				res.Error = err.Error()
			} else {
				res.Success = true
				res.VideoID = t.VideoID
				res.Transcript = t.Text
				res.Language = t.Language
				res.AvailableLanguages = t.AvailableLanguages
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	resp := BatchResponse{TotalRequested: len(urls), Results: results}
	for _, r := range results {
		if r.Success {
			resp.Successful++
		} else {
			resp.Failed++
		}
	}
	return resp
}
