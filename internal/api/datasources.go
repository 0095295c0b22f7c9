package api

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"studyflow/internal/domain"
)

type datasource struct {
	Filename      string    `json:"filename"`
	SizeBytes     int64     `json:"size_bytes"`
	SizeMB        float64   `json:"size_mb"`
	UploadTime    time.Time `json:"upload_time"`
	FileExtension string    `json:"file_extension"`
	Path          string    `json:"path,omitempty"`
}

var mediaTypes = map[string]string{
	".pdf":  "application/pdf",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".doc":  "application/msword",
	".xls":  "application/vnd.ms-excel",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".txt":  "text/plain",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
}

func describe(dir string, info fs.FileInfo) datasource {
	return datasource{
		Filename:      info.Name(),
		SizeBytes:     info.Size(),
		SizeMB:        math.Round(float64(info.Size())/(1<<20)*100) / 100,
		UploadTime:    info.ModTime().UTC(),
		FileExtension: strings.ToLower(filepath.Ext(info.Name())),
		Path:          filepath.Join(dir, info.Name()),
	}
}

func (s *Server) listDatasources(w http.ResponseWriter, r *http.Request) {
	entries, err := os.ReadDir(s.DataDir)
	if errors.Is(err, fs.ErrNotExist) {
		writeJSON(w, http.StatusOK, map[string]any{"total_count": 0, "datasources": []datasource{}})
		return
	}
	if err != nil {
		s.fail(w, r, fmt.Errorf("list datasources: %w", err))
		return
	}
	out := make([]datasource, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, describe(s.DataDir, info))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UploadTime.After(out[j].UploadTime) })
	writeJSON(w, http.StatusOK, map[string]any{"total_count": len(out), "datasources": out})
}

// datasourcePath resolves the {filename} parameter to an existing regular file.
func (s *Server) datasourcePath(r *http.Request) (string, fs.FileInfo, error) {
	name, err := safeName(chi.URLParam(r, "filename"))
	if err != nil {
		return "", nil, err
	}
	path := filepath.Join(s.DataDir, name)
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return "", nil, fmt.Errorf("%w: datasource %s", domain.ErrNotFound, name)
	}
	return path, info, nil
}

func (s *Server) datasourceInfo(w http.ResponseWriter, r *http.Request) {
	path, info, err := s.datasourcePath(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	abs, _ := filepath.Abs(path)
	d := describe(s.DataDir, info)
	d.Path = abs
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) downloadDatasource(w http.ResponseWriter, r *http.Request) {
	path, info, err := s.datasourcePath(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	f, err := os.Open(path)
	if err != nil {
		s.fail(w, r, fmt.Errorf("open datasource: %w", err))
		return
	}
	defer f.Close()

	mediaType, ok := mediaTypes[strings.ToLower(filepath.Ext(info.Name()))]
	if !ok {
		mediaType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", mediaType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", info.Name()))
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

func (s *Server) deleteDatasource(w http.ResponseWriter, r *http.Request) {
	path, info, err := s.datasourcePath(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := os.Remove(path); err != nil {
		s.fail(w, r, fmt.Errorf("delete datasource: %w", err))
		return
	}
	s.log.Info().Str("filename", info.Name()).Msg("deleted datasource")
	writeJSON(w, http.StatusOK, map[string]string{
		"message":  fmt.Sprintf("Datasource '%s' has been successfully deleted.", info.Name()),
		"filename": info.Name(),
		"status":   "deleted",
	})
}
