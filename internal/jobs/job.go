package jobs

import (
	"context"
	"encoding/json"

	"studyflow/internal/domain"
)

// Progress reports an intermediate step of a running job.
type Progress func(message string, percent int)

// Job is one kind of background work. Execute returns the JSON result the
// task records on success. Fields are merged into the callback payload.
type Job interface {
	Kind() domain.Kind
	Fields() map[string]any
	Execute(ctx context.Context, progress Progress) (json.RawMessage, error)
}

// ContentRecorder attaches ingested material to a study topic.
type ContentRecorder interface {
	AddContent(ctx context.Context, c domain.ContentItem) (domain.ContentItem, error)
}

func marshal(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}

func recordContent(ctx context.Context, rec ContentRecorder, c domain.ContentItem) error {
	if rec == nil || c.TopicID == "" {
		return nil
	}
	_, err := rec.AddContent(ctx, c)
	return err
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
