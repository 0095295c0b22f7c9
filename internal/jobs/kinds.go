package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"studyflow/internal/convert"
	"studyflow/internal/domain"
	"studyflow/internal/executor"
	"studyflow/internal/llm"
	"studyflow/internal/rag"
	"studyflow/internal/transcript"
)

// phase runs fn after a checkpoint and logs how long it took.
func phase(ctx context.Context, name string, fn func() error) error {
	if err := executor.Checkpoint(ctx, name); err != nil {
		return err
	}
	start := time.Now()
	err := fn()
	zerolog.Ctx(ctx).Info().Str("phase", name).Dur("elapsed", time.Since(start)).Err(err).Msg("phase finished")
	return err
}

type UploadFile struct {
	Name string `json:"filename"`
	Path string `json:"-"`
}

type fileOutcome struct {
	Filename string `json:"filename"`
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
}

// Upload converts each saved file and indexes it. A file that fails does not
// stop the rest; the job fails only when no file was indexed.
type Upload struct {
	Files     []UploadFile
	TopicID   string
	Converter convert.Converter
	Engine    rag.Engine
	Content   ContentRecorder
}

func (j *Upload) Kind() domain.Kind { return domain.KindUpload }

func (j *Upload) Fields() map[string]any {
	names := make([]string, 0, len(j.Files))
	for _, f := range j.Files {
		names = append(names, f.Name)
	}
	return map[string]any{"filenames": names}
}

func (j *Upload) Execute(ctx context.Context, progress Progress) (json.RawMessage, error) {
	if len(j.Files) == 0 {
		return nil, fmt.Errorf("%w: no files to process", domain.ErrValidation)
	}
	outcomes := make([]fileOutcome, 0, len(j.Files))
	var firstErr error
	indexed := 0

	for i, f := range j.Files {
		progress("processing "+f.Name, i*100/len(j.Files))
		err := j.ingest(ctx, f)
		switch {
		case err == nil:
			indexed++
			outcomes = append(outcomes, fileOutcome{Filename: f.Name, Status: "success"})
		case errors.Is(err, domain.ErrShuttingDown), errors.Is(err, context.Canceled):
			return nil, err
		default:
			zerolog.Ctx(ctx).Warn().Err(err).Str("filename", f.Name).Msg("file ingestion failed")
			if firstErr == nil {
				firstErr = err
			}
			outcomes = append(outcomes, fileOutcome{Filename: f.Name, Status: "error", Error: err.Error()})
		}
	}
	if indexed == 0 {
		return nil, firstErr
	}
	return marshal(map[string]any{"files": outcomes, "indexed": indexed})
}

func (j *Upload) ingest(ctx context.Context, f UploadFile) error {
	var text string
	if err := phase(ctx, "convert", func() (err error) {
		text, err = j.Converter.Convert(ctx, f.Path)
		return err
	}); err != nil {
		return err
	}
	if err := phase(ctx, "index", func() error { return j.Engine.Insert(ctx, text, f.Path) }); err != nil {
		return err
	}
	return phase(ctx, "persist", func() error {
		return recordContent(ctx, j.Content, domain.ContentItem{
			TopicID:     j.TopicID,
			ContentType: domain.ContentDocument,
			Title:       f.Name,
			Content:     truncate(text, 2000),
			FilePath:    f.Path,
		})
	})
}

type Webpage struct {
	URL       string
	TopicID   string
	Converter convert.Converter
	Engine    rag.Engine
	Content   ContentRecorder
}

func (j *Webpage) Kind() domain.Kind { return domain.KindWebpage }

func (j *Webpage) Fields() map[string]any { return map[string]any{"url": j.URL} }

func (j *Webpage) Execute(ctx context.Context, progress Progress) (json.RawMessage, error) {
	var text string
	progress("converting webpage", 10)
	if err := phase(ctx, "convert", func() (err error) {
		text, err = j.Converter.Convert(ctx, j.URL)
		return err
	}); err != nil {
		return nil, err
	}
	progress("indexing webpage", 50)
	if err := phase(ctx, "index", func() error { return j.Engine.Insert(ctx, text, j.URL) }); err != nil {
		return nil, err
	}
	if err := phase(ctx, "persist", func() error {
		return recordContent(ctx, j.Content, domain.ContentItem{
			TopicID:     j.TopicID,
			ContentType: domain.ContentWebpage,
			Title:       j.URL,
			Content:     truncate(text, 2000),
			SourceURL:   j.URL,
		})
	}); err != nil {
		return nil, err
	}
	return marshal(map[string]any{"url": j.URL, "characters": len(text)})
}

type YouTube struct {
	URL       string
	Language  string
	TopicID   string
	Extractor transcript.Extractor
	Engine    rag.Engine
	Content   ContentRecorder
}

func (j *YouTube) Kind() domain.Kind { return domain.KindYouTube }

func (j *YouTube) Fields() map[string]any {
	return map[string]any{"url": j.URL, "language": j.Language}
}

func (j *YouTube) Execute(ctx context.Context, progress Progress) (json.RawMessage, error) {
	var tr transcript.Transcript
	progress("extracting transcript", 10)
	if err := phase(ctx, "transcript", func() (err error) {
		tr, err = j.Extractor.Extract(ctx, j.URL, j.Language)
		return err
	}); err != nil {
		return nil, err
	}
	progress("indexing transcript", 50)
	source := "youtube:" + tr.VideoID
	if err := phase(ctx, "index", func() error { return j.Engine.Insert(ctx, tr.Text, source) }); err != nil {
		return nil, err
	}
	if err := phase(ctx, "persist", func() error {
		meta, _ := json.Marshal(map[string]any{"video_id": tr.VideoID, "language": tr.Language})
		return recordContent(ctx, j.Content, domain.ContentItem{
			TopicID:     j.TopicID,
			ContentType: domain.ContentYouTube,
			Title:       "YouTube " + tr.VideoID,
			Content:     truncate(tr.Text, 2000),
			SourceURL:   j.URL,
			Metadata:    string(meta),
		})
	}); err != nil {
		return nil, err
	}
	return marshal(map[string]any{
		"video_id":            tr.VideoID,
		"language":            tr.Language,
		"available_languages": tr.AvailableLanguages,
		"characters":          len(tr.Text),
	})
}

// Image asks the model to describe a saved image and indexes the description.
type Image struct {
	Filename    string
	Path        string
	MIMEType    string
	Prompt      string
	TopicID     string
	Interpreter llm.Interpreter
	Engine      rag.Engine
	Content     ContentRecorder
}

func (j *Image) Kind() domain.Kind { return domain.KindImage }

func (j *Image) Fields() map[string]any { return map[string]any{"filename": j.Filename} }

func (j *Image) Execute(ctx context.Context, progress Progress) (json.RawMessage, error) {
	var data []byte
	if err := phase(ctx, "read", func() (err error) {
		data, err = os.ReadFile(j.Path)
		return err
	}); err != nil {
		return nil, err
	}
	var description string
	progress("interpreting image", 20)
	if err := phase(ctx, "interpret", func() (err error) {
		description, err = j.Interpreter.InterpretImage(ctx, j.Prompt, j.MIMEType, data)
		return err
	}); err != nil {
		return nil, err
	}
	progress("indexing description", 70)
	if err := phase(ctx, "index", func() error { return j.Engine.Insert(ctx, description, j.Filename) }); err != nil {
		return nil, err
	}
	if err := phase(ctx, "persist", func() error {
		return recordContent(ctx, j.Content, domain.ContentItem{
			TopicID:     j.TopicID,
			ContentType: domain.ContentImage,
			Title:       j.Filename,
			Content:     description,
			FilePath:    j.Path,
		})
	}); err != nil {
		return nil, err
	}
	return marshal(map[string]any{"response": description})
}

type Query struct {
	Query  string
	Mode   rag.Mode
	Engine rag.Engine
}

func (j *Query) Kind() domain.Kind { return domain.KindQuery }

func (j *Query) Fields() map[string]any {
	return map[string]any{"query": j.Query, "mode": string(j.Mode)}
}

func (j *Query) Execute(ctx context.Context, progress Progress) (json.RawMessage, error) {
	var answer string
	progress("querying", 10)
	if err := phase(ctx, "query", func() (err error) {
		answer, err = j.Engine.Query(ctx, j.Query, j.Mode)
		return err
	}); err != nil {
		return nil, err
	}
	return marshal(map[string]any{"response": answer, "mode": string(j.Mode)})
}
