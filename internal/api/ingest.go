package api

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"studyflow/internal/domain"
	"studyflow/internal/jobs"
	"studyflow/internal/transcript"
)

var (
	documentExts = map[string]bool{".pdf": true, ".docx": true, ".xls": true, ".xlsx": true}
	imageTypes   = map[string]string{".png": "image/png", ".jpg": "image/jpeg", ".jpeg": "image/jpeg"}
)

// safeName rejects names that would escape the data directory.
func safeName(name string) (string, error) {
	base := filepath.Base(filepath.Clean("/" + name))
	if base == "/" || base == "." || base == ".." || base != name {
		return "", fmt.Errorf("%w: invalid file name %q", domain.ErrValidation, name)
	}
	return base, nil
}

func (s *Server) saveUpload(fh *multipart.FileHeader) (string, error) {
	name, err := safeName(fh.Filename)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(s.DataDir, 0o755); err != nil {
		return "", fmt.Errorf("create data dir: %w", err)
	}
	src, err := fh.Open()
	if err != nil {
		return "", fmt.Errorf("open upload %s: %w", name, err)
	}
	defer src.Close()

	path := filepath.Join(s.DataDir, name)
	dst, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", name, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return "", fmt.Errorf("write %s: %w", name, err)
	}
	return path, dst.Close()
}

func (s *Server) parseMultipart(w http.ResponseWriter, r *http.Request) error {
	r.Body = http.MaxBytesReader(w, r.Body, s.MaxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fmt.Errorf("%w: upload exceeds %d bytes", domain.ErrValidation, s.MaxUploadBytes)
		}
		return fmt.Errorf("%w: invalid multipart form: %v", domain.ErrValidation, err)
	}
	return nil
}

// checkCallback applies the JSON endpoints' callback_url rule to form and
// query string values.
func (s *Server) checkCallback(callbackURL string) error {
	if err := s.validate.Var(callbackURL, "omitempty,url"); err != nil {
		return fmt.Errorf("%w: invalid callback_url %q", domain.ErrValidation, callbackURL)
	}
	return nil
}

// removeSaved deletes uploads whose task was never accepted.
func (s *Server) removeSaved(paths ...string) {
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.log.Warn().Err(err).Str("path", p).Msg("remove rejected upload")
		}
	}
}

// checkTopic verifies an optional topic reference before work is accepted.
func (s *Server) checkTopic(r *http.Request, topicID string) error {
	if topicID == "" || s.Store == nil {
		return nil
	}
	_, err := s.Store.GetTopic(r.Context(), topicID)
	return err
}

func (s *Server) uploadDocuments(w http.ResponseWriter, r *http.Request) {
	if err := s.parseMultipart(w, r); err != nil {
		s.fail(w, r, err)
		return
	}
	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		writeError(w, http.StatusBadRequest, "at least one file is required")
		return
	}
	for _, fh := range headers {
		ext := strings.ToLower(filepath.Ext(fh.Filename))
		if !documentExts[ext] {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("File type %s not supported.", ext))
			return
		}
	}
	callbackURL := r.FormValue("callback_url")
	if err := s.checkCallback(callbackURL); err != nil {
		s.fail(w, r, err)
		return
	}
	topicID := r.FormValue("topic_id")
	if err := s.checkTopic(r, topicID); err != nil {
		s.fail(w, r, err)
		return
	}

	files := make([]jobs.UploadFile, 0, len(headers))
	names := make([]string, 0, len(headers))
	paths := make([]string, 0, len(headers))
	for _, fh := range headers {
		path, err := s.saveUpload(fh)
		if err != nil {
			s.removeSaved(paths...)
			s.fail(w, r, err)
			return
		}
		paths = append(paths, path)
		files = append(files, jobs.UploadFile{Name: filepath.Base(path), Path: path})
		names = append(names, filepath.Base(path))
	}

	taskID, err := s.Submitter.Submit(r.Context(), &jobs.Upload{
		Files:     files,
		TopicID:   topicID,
		Converter: s.Converter,
		Engine:    s.Engine,
		Content:   s.Store,
	}, callbackURL)
	if err != nil {
		s.removeSaved(paths...)
		s.fail(w, r, err)
		return
	}
	accepted(w, taskID, "upload accepted", map[string]any{"files": names})
}

type webpageRequest struct {
	URL         string `json:"url" validate:"required,url"`
	CallbackURL string `json:"callback_url" validate:"omitempty,url"`
	TopicID     string `json:"topic_id"`
}

func (s *Server) processWebpage(w http.ResponseWriter, r *http.Request) {
	var req webpageRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.checkTopic(r, req.TopicID); err != nil {
		s.fail(w, r, err)
		return
	}
	taskID, err := s.Submitter.Submit(r.Context(), &jobs.Webpage{
		URL:       req.URL,
		TopicID:   req.TopicID,
		Converter: s.Converter,
		Engine:    s.Engine,
		Content:   s.Store,
	}, req.CallbackURL)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	accepted(w, taskID, "webpage accepted", map[string]any{"url": req.URL})
}

type youtubeRequest struct {
	URL         string `json:"url" validate:"required"`
	Language    string `json:"language"`
	CallbackURL string `json:"callback_url" validate:"omitempty,url"`
	TopicID     string `json:"topic_id"`
}

func (s *Server) processYouTube(w http.ResponseWriter, r *http.Request) {
	var req youtubeRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	videoID, err := transcript.VideoID(req.URL)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if req.Language == "" {
		req.Language = "en"
	}
	if err := s.checkTopic(r, req.TopicID); err != nil {
		s.fail(w, r, err)
		return
	}
	taskID, err := s.Submitter.Submit(r.Context(), &jobs.YouTube{
		URL:       req.URL,
		Language:  req.Language,
		TopicID:   req.TopicID,
		Extractor: s.Transcripts,
		Engine:    s.Engine,
		Content:   s.Store,
	}, req.CallbackURL)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	accepted(w, taskID, "video accepted", map[string]any{"url": req.URL, "video_id": videoID})
}

func (s *Server) youtubeTranscript(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if url == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	if _, err := transcript.VideoID(url); err != nil {
		s.fail(w, r, err)
		return
	}
	lang := r.URL.Query().Get("lang")
	if lang == "" {
		lang = "en"
	}
	t, err := s.Transcripts.Extract(r.Context(), url, lang)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type batchRequest struct {
	URLs     []string `json:"urls" validate:"required,min=1,dive,required"`
	Language string   `json:"language"`
}

func (s *Server) youtubeBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if len(req.URLs) > s.MaxBatch {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("at most %d urls per batch", s.MaxBatch))
		return
	}
	if req.Language == "" {
		req.Language = "en"
	}
	writeJSON(w, http.StatusOK, transcript.Batch(r.Context(), s.Transcripts, req.URLs, req.Language, s.BatchLimit))
}

func (s *Server) interpretImage(w http.ResponseWriter, r *http.Request) {
	if s.Interpreter == nil {
		writeError(w, http.StatusServiceUnavailable, "image interpretation is not configured")
		return
	}
	if err := s.parseMultipart(w, r); err != nil {
		s.fail(w, r, err)
		return
	}
	headers := r.MultipartForm.File["image"]
	if len(headers) != 1 {
		writeError(w, http.StatusBadRequest, "exactly one image is required")
		return
	}
	fh := headers[0]
	mimeType, ok := imageTypes[strings.ToLower(filepath.Ext(fh.Filename))]
	if !ok {
		writeError(w, http.StatusBadRequest, "Unsupported image type")
		return
	}
	callbackURL := r.FormValue("callback_url")
	if err := s.checkCallback(callbackURL); err != nil {
		s.fail(w, r, err)
		return
	}
	topicID := r.FormValue("topic_id")
	if err := s.checkTopic(r, topicID); err != nil {
		s.fail(w, r, err)
		return
	}
	path, err := s.saveUpload(fh)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	prompt := r.FormValue("prompt")
	if prompt == "" {
		prompt = s.ImagePrompt
	}
	name := filepath.Base(path)

	taskID, err := s.Submitter.Submit(r.Context(), &jobs.Image{
		Filename:    name,
		Path:        path,
		MIMEType:    mimeType,
		Prompt:      prompt,
		TopicID:     topicID,
		Interpreter: s.Interpreter,
		Engine:      s.Engine,
		Content:     s.Store,
	}, callbackURL)
	if err != nil {
		s.removeSaved(path)
		s.fail(w, r, err)
		return
	}
	accepted(w, taskID, "image accepted", map[string]any{"filename": name})
}
