package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"studyflow/internal/domain"
	"studyflow/internal/executor"
	"studyflow/internal/jobs"
	"studyflow/internal/notify"
	"studyflow/internal/rag"
	"studyflow/internal/registry"
	"studyflow/internal/store"
	"studyflow/internal/transcript"
)

type stubEngine struct {
	mu      sync.Mutex
	sources []string
	graph   rag.Graph
}

func (e *stubEngine) Insert(_ context.Context, _, source string) error {
	e.mu.Lock()
	e.sources = append(e.sources, source)
	e.mu.Unlock()
	return nil
}

func (e *stubEngine) Query(_ context.Context, q string, mode rag.Mode) (string, error) {
	if q == "forbidden" {
		return "", fmt.Errorf("%w: bad key", domain.ErrCollaboratorAuth)
	}
	return "answer to " + q + " (" + string(mode) + ")", nil
}

func (e *stubEngine) Graph(context.Context) (rag.Graph, error) { return e.graph, nil }

func (e *stubEngine) Finalize(context.Context) error { return nil }

type stubConverter struct{}

func (stubConverter) Convert(_ context.Context, p string) (string, error) { return "text of " + p, nil }

type stubExtractor struct{}

func (stubExtractor) Extract(_ context.Context, url, lang string) (transcript.Transcript, error) {
	id, err := transcript.VideoID(url)
	if err != nil {
		return transcript.Transcript{}, err
	}
	return transcript.Transcript{VideoID: id, Language: lang, Text: "lecture", AvailableLanguages: []string{lang}}, nil
}

type testEnv struct {
	srv     *httptest.Server
	exec    *executor.Executor
	reg     *registry.Registry
	hub     *notify.Hub
	store   *store.SQL
	engine  *stubEngine
	dataDir string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := store.Open(store.DriverSQLite, filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	require.NoError(t, store.Migrate(db, "up", zerolog.Nop()))
	sqlStore := store.NewSQL(db)

	hub := notify.NewHub(zerolog.Nop())
	bus, err := notify.NewBus(hub, 64, zerolog.Nop())
	require.NoError(t, err)

	exec := executor.New(nil, zerolog.Nop())
	reg := registry.New(sqlStore, zerolog.Nop())
	engine := &stubEngine{}
	sub := &jobs.Submitter{Executor: exec, Registry: reg, Events: bus, Logger: zerolog.Nop()}
	dataDir := filepath.Join(t.TempDir(), "datasources")

	h := NewServer(Deps{
		Submitter:   sub,
		Registry:    reg,
		Executor:    exec,
		Hub:         hub,
		Store:       sqlStore,
		Engine:      engine,
		Converter:   stubConverter{},
		Transcripts: stubExtractor{},
		DataDir:     dataDir,
		Logger:      zerolog.Nop(),
	})
	srv := httptest.NewServer(h)
	env := &testEnv{srv: srv, exec: exec, reg: reg, hub: hub, store: sqlStore, engine: engine, dataDir: dataDir}
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = exec.Wait(ctx)
		_ = bus.Close()
		hub.CloseAll()
		_ = sqlStore.Close()
	})
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body io.Reader, contentType string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, body)
	require.NoError(t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]any
	_ = json.Unmarshal(raw, &out)
	return resp, out
}

func (e *testEnv) doJSON(t *testing.T, method, path string, v any) (*http.Response, map[string]any) {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return e.do(t, method, path, bytes.NewReader(b), "application/json")
}

func (e *testEnv) waitIdle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.exec.Wait(ctx))
}

func multipartBody(t *testing.T, field string, files map[string][]byte, fields map[string]string) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for name, data := range files {
		fw, err := mw.CreateFormFile(field, name)
		require.NoError(t, err)
		_, err = fw.Write(data)
		require.NoError(t, err)
	}
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestTaskStatusUnknown(t *testing.T) {
	env := newTestEnv(t)
	resp, body := env.do(t, http.MethodGet, "/task-status/nope", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "Task ID not found", body["error"])
}

func TestQueryAsyncLifecycle(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodPost, "/query-async?query=what+is+ATP&mode=local", nil, "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "processing", body["status"])
	taskID, _ := body["task_id"].(string)
	require.NotEmpty(t, taskID)

	env.waitIdle(t)

	resp, body = env.do(t, http.MethodGet, "/task-status/"+taskID, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "done", body["status"])
	result := body["result"].(map[string]any)
	assert.Equal(t, "answer to what is ATP (local)", result["response"])
	assert.NotNil(t, body["processing_time_seconds"])

	resp, body = env.do(t, http.MethodGet, "/tasks?limit=5", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["total_count"])
}

func TestQueryAsyncFailureIsRecorded(t *testing.T) {
	env := newTestEnv(t)
	_, body := env.do(t, http.MethodPost, "/query-async?query=forbidden", nil, "")
	taskID := body["task_id"].(string)
	env.waitIdle(t)

	_, body = env.do(t, http.MethodGet, "/task-status/"+taskID, nil, "")
	assert.Equal(t, "failed", body["status"])
	assert.Equal(t, "collaborator_auth", body["error_kind"])
	assert.Nil(t, body["result"])
}

func TestQueryValidation(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := env.do(t, http.MethodGet, "/query", nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.do(t, http.MethodGet, "/query?query=x&mode=fuzzy", nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := env.do(t, http.MethodGet, "/query?query=x", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "answer to x (hybrid)", body["result"])

	resp, _ = env.do(t, http.MethodGet, "/query?query=forbidden", nil, "")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestSubmitAfterCloseIsUnavailable(t *testing.T) {
	env := newTestEnv(t)
	env.exec.Close()

	resp, body := env.do(t, http.MethodPost, "/query-async?query=x", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.NotEmpty(t, body["error"])

	resp, _ = env.do(t, http.MethodGet, "/readyz", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestWebpageProcess(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := env.doJSON(t, http.MethodPost, "/webpage/process", map[string]string{"url": "not a url"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.doJSON(t, http.MethodPost, "/webpage/process", map[string]string{"url": "https://example.com", "topic_id": "missing"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body := env.doJSON(t, http.MethodPost, "/webpage/process", map[string]string{"url": "https://example.com"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "https://example.com", body["url"])
	env.waitIdle(t)

	_, body = env.do(t, http.MethodGet, "/task-status/"+body["task_id"].(string), nil, "")
	assert.Equal(t, "done", body["status"])
}

func TestYouTubeEndpoints(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := env.doJSON(t, http.MethodPost, "/youtube/process", map[string]string{"url": "https://example.com/video"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := env.doJSON(t, http.MethodPost, "/youtube/process", map[string]string{"url": "https://youtu.be/dQw4w9WgXcQ"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "dQw4w9WgXcQ", body["video_id"])

	resp, body = env.do(t, http.MethodGet, "/youtube/transcript?url=https://youtu.be/dQw4w9WgXcQ&lang=pt", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pt", body["language"])
	assert.Equal(t, "lecture", body["transcript"])

	resp, body = env.doJSON(t, http.MethodPost, "/youtube/batch", map[string]any{
		"urls": []string{"https://youtu.be/dQw4w9WgXcQ", "https://example.com/nope"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 2, body["total_requested"])
	assert.EqualValues(t, 1, body["successful"])
	assert.EqualValues(t, 1, body["failed"])

	resp, _ = env.doJSON(t, http.MethodPost, "/youtube/batch", map[string]any{"urls": []string{}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	env.waitIdle(t)
}

func TestUploadAndDatasources(t *testing.T) {
	env := newTestEnv(t)

	body, ct := multipartBody(t, "files", map[string][]byte{"notes.exe": []byte("x")}, nil)
	resp, out := env.do(t, http.MethodPost, "/documents/upload", body, ct)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, out["error"], ".exe")

	body, ct = multipartBody(t, "files", map[string][]byte{"notes.pdf": []byte("%PDF-1.4 test")}, nil)
	resp, out = env.do(t, http.MethodPost, "/documents/upload", body, ct)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, []any{"notes.pdf"}, out["files"])
	env.waitIdle(t)

	_, out = env.do(t, http.MethodGet, "/task-status/"+out["task_id"].(string), nil, "")
	assert.Equal(t, "done", out["status"])

	resp, out = env.do(t, http.MethodGet, "/datasources", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, out["total_count"])

	resp, out = env.do(t, http.MethodGet, "/datasources/notes.pdf/info", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, ".pdf", out["file_extension"])
	assert.EqualValues(t, 13, out["size_bytes"])

	dl, err := http.Get(env.srv.URL + "/datasources/notes.pdf/download")
	require.NoError(t, err)
	data, _ := io.ReadAll(dl.Body)
	dl.Body.Close()
	assert.Equal(t, "application/pdf", dl.Header.Get("Content-Type"))
	assert.Equal(t, "%PDF-1.4 test", string(data))

	resp, _ = env.do(t, http.MethodDelete, "/datasources/notes.pdf", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_, err = os.Stat(filepath.Join(env.dataDir, "notes.pdf"))
	assert.True(t, os.IsNotExist(err))

	resp, _ = env.do(t, http.MethodGet, "/datasources/notes.pdf/info", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = env.do(t, http.MethodDelete, "/datasources/..", nil, "")
	assert.NotEqual(t, http.StatusOK, resp.StatusCode)
}

func TestCallbackURLIsValidatedOnFormEndpoints(t *testing.T) {
	env := newTestEnv(t)

	resp, out := env.do(t, http.MethodPost, "/query-async?query=x&callback_url=not-a-url", nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, out["error"], "callback_url")

	body, ct := multipartBody(t, "files", map[string][]byte{"notes.pdf": []byte("%PDF")}, map[string]string{"callback_url": "ftp//broken"})
	resp, _ = env.do(t, http.MethodPost, "/documents/upload", body, ct)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_, err := os.Stat(filepath.Join(env.dataDir, "notes.pdf"))
	assert.True(t, os.IsNotExist(err))

	assert.Empty(t, env.reg.List(10))
}

func TestRejectedUploadLeavesNoFiles(t *testing.T) {
	env := newTestEnv(t)
	env.exec.Close()

	body, ct := multipartBody(t, "files", map[string][]byte{"a.pdf": []byte("%PDF"), "b.docx": []byte("PK")}, nil)
	resp, _ := env.do(t, http.MethodPost, "/documents/upload", body, ct)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	entries, err := os.ReadDir(env.dataDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestGraphEndpoints(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := env.do(t, http.MethodGet, "/graph/json", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	env.engine.graph = rag.Graph{
		Nodes: []rag.Node{
			{ID: "ATP", Properties: map[string]any{"entity_type": "molecule"}},
			{ID: "Mitochondria", Properties: map[string]any{"entity_type": "organelle"}},
		},
		Edges: []rag.Edge{{Source: "Mitochondria", Target: "ATP", Properties: map[string]any{"description": "produces"}}},
	}

	resp, out := env.do(t, http.MethodGet, "/graph/json", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	nodes := out["nodes"].([]any)
	require.Len(t, nodes, 2)
	assert.Equal(t, map[string]any{"id": "ATP", "entity_type": "molecule"}, nodes[0])
	edges := out["edges"].([]any)
	require.Len(t, edges, 1)
	assert.Equal(t, map[string]any{"source": "Mitochondria", "target": "ATP", "description": "produces"}, edges[0])

	gm, err := http.Get(env.srv.URL + "/graph/graphml")
	require.NoError(t, err)
	data, _ := io.ReadAll(gm.Body)
	gm.Body.Close()
	require.Equal(t, http.StatusOK, gm.StatusCode)
	assert.Equal(t, "application/xml", gm.Header.Get("Content-Type"))
	assert.Contains(t, string(data), `<node id="Mitochondria">`)
	assert.Contains(t, string(data), `<edge source="Mitochondria" target="ATP">`)
}

func TestImageWithoutInterpreter(t *testing.T) {
	env := newTestEnv(t)
	body, ct := multipartBody(t, "image", map[string][]byte{"a.png": {1}}, nil)
	resp, _ := env.do(t, http.MethodPost, "/image/interpret", body, ct)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestTopicsCRUD(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := env.doJSON(t, http.MethodPost, "/topics", map[string]string{"description": "no name"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, topic := env.doJSON(t, http.MethodPost, "/topics", map[string]any{"name": "Chemistry", "use_knowledge_graph": false})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := topic["topic_id"].(string)
	assert.Equal(t, false, topic["use_knowledge_graph"])

	resp, out := env.doJSON(t, http.MethodPut, "/topics/"+id, map[string]string{"name": "Organic chemistry"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Organic chemistry", out["name"])

	resp, _ = env.doJSON(t, http.MethodPost, "/webpage/process", map[string]string{"url": "https://example.com/alkanes", "topic_id": id})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	env.waitIdle(t)

	resp, out = env.do(t, http.MethodGet, "/topics/"+id+"/content", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, out["total_count"])

	resp, out = env.do(t, http.MethodGet, "/topics", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, out["total_count"])

	resp, _ = env.do(t, http.MethodDelete, "/topics/"+id, nil, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = env.do(t, http.MethodGet, "/topics/"+id, nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = env.do(t, http.MethodGet, "/topics/"+id+"/content", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSchedulesCRUD(t *testing.T) {
	env := newTestEnv(t)

	resp, out := env.doJSON(t, http.MethodPost, "/schedules", map[string]any{
		"name": "bad", "cron_expr": "every day", "kind": "webpage", "target": "https://example.com",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, out["error"], "invalid cron expression")

	resp, _ = env.doJSON(t, http.MethodPost, "/schedules", map[string]any{
		"name": "bad kind", "cron_expr": "0 * * * *", "kind": "query", "target": "https://example.com",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, created := env.doJSON(t, http.MethodPost, "/schedules", map[string]any{
		"name": "lectures", "cron_expr": "0 6 * * *", "kind": "youtube", "target": "https://youtu.be/dQw4w9WgXcQ",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := created["id"].(string)
	assert.True(t, strings.HasPrefix(id, "sch_"))
	assert.Equal(t, true, created["enabled"])

	resp, out = env.doJSON(t, http.MethodPut, "/schedules/"+id, map[string]any{"enabled": false, "cron_expr": "30 6 * * *"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, out["enabled"])
	assert.Equal(t, "30 6 * * *", out["cron_expr"])

	resp, out = env.do(t, http.MethodGet, "/schedules/"+id, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, out["enabled"])

	resp, _ = env.do(t, http.MethodDelete, "/schedules/"+id, nil, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = env.do(t, http.MethodDelete, "/schedules/"+id, nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t)

	resp, out := env.do(t, http.MethodGet, "/health", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", out["status"])

	resp, out = env.do(t, http.MethodGet, "/readyz", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ready", out["status"])

	m, err := http.Get(env.srv.URL + "/metrics")
	require.NoError(t, err)
	text, _ := io.ReadAll(m.Body)
	m.Body.Close()
	assert.Contains(t, string(text), "studyflow_live_units 0")
	assert.Contains(t, string(text), `studyflow_tasks{status="done"} 0`)
	assert.Contains(t, string(text), "studyflow_subscribers 0")
}

func TestWebsocketPushAndEcho(t *testing.T) {
	env := newTestEnv(t)

	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return env.hub.Len() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ping")))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "ping", string(msg))

	resp, body := env.do(t, http.MethodPost, "/query-async?query=osmosis", nil, "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	taskID := body["task_id"].(string)

	var last notify.Event
	for {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var ev notify.Event
		require.NoError(t, conn.ReadJSON(&ev))
		if ev.TaskID != taskID {
			continue
		}
		last = ev
		if ev.Status.Terminal() {
			break
		}
	}
	assert.Equal(t, domain.StatusDone, last.Status)
	assert.Equal(t, 100, last.Progress)
}
