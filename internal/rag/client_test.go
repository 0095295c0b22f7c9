package rag

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"studyflow/internal/domain"
)

func TestParseMode(t *testing.T) {
	m, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeHybrid, m)

	m, err = ParseMode(" Local ")
	require.NoError(t, err)
	assert.Equal(t, ModeLocal, m)

	_, err = ParseMode("deep")
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestClientQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/query", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("X-API-Key"))
		var req queryRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, ModeMix, req.Mode)
		_ = json.NewEncoder(w).Encode(queryResponse{Response: "answer to " + req.Query})
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", "secret", time.Second, zerolog.Nop())
	got, err := c.Query(context.Background(), "why", ModeMix)
	require.NoError(t, err)
	assert.Equal(t, "answer to why", got)
}

func TestClientInsert(t *testing.T) {
	reqs := make(chan insertRequest, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/documents/text", r.URL.Path)
		var got insertRequest
		_ = json.NewDecoder(r.Body).Decode(&got)
		reqs <- got
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"success"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", time.Second, zerolog.Nop())
	require.NoError(t, c.Insert(context.Background(), "some notes", "notes.pdf"))
	assert.Equal(t, "notes.pdf", (<-reqs).FileSource)

	assert.ErrorIs(t, c.Insert(context.Background(), "   ", "empty.pdf"), domain.ErrValidation)
}

func TestClientMapsStatusCodes(t *testing.T) {
	cases := map[int]error{
		http.StatusUnauthorized:        domain.ErrCollaboratorAuth,
		http.StatusForbidden:           domain.ErrCollaboratorAuth,
		http.StatusTooManyRequests:     domain.ErrCollaboratorRateLimit,
		http.StatusInternalServerError: domain.ErrCollaboratorAPI,
	}
	for code, want := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", code)
		}))
		c := NewClient(srv.URL, "", time.Second, zerolog.Nop())
		_, err := c.Query(context.Background(), "q", ModeNaive)
		assert.ErrorIs(t, err, want, "status %d", code)
		srv.Close()
	}
}

func TestClientGraph(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/graphs", r.URL.Path)
		assert.Equal(t, "*", r.URL.Query().Get("label"))
		assert.Equal(t, "secret", r.Header.Get("X-API-Key"))
		_, _ = w.Write([]byte(`{
			"nodes": [
				{"id": "ATP", "labels": ["ATP"], "properties": {"entity_type": "molecule", "weight": 2}},
				{"id": "Mitochondria", "labels": ["Mitochondria"], "properties": {"entity_type": "organelle"}}
			],
			"edges": [
				{"id": "e1", "source": "Mitochondria", "target": "ATP", "properties": {"description": "produces"}}
			],
			"is_truncated": false
		}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret", time.Second, zerolog.Nop())
	g, err := c.Graph(context.Background())
	require.NoError(t, err)
	require.Len(t, g.Nodes, 2)
	require.Len(t, g.Edges, 1)
	assert.Equal(t, "molecule", g.Nodes[0].Properties["entity_type"])
	assert.Equal(t, "produces", g.Edges[0].Properties["description"])
	assert.False(t, g.Empty())
}

func TestClientGraphMapsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "", time.Second, zerolog.Nop()).Graph(context.Background())
	assert.ErrorIs(t, err, domain.ErrCollaboratorAuth)
}

func TestWriteGraphML(t *testing.T) {
	g := Graph{
		Nodes: []Node{
			{ID: "ATP", Properties: map[string]any{"entity_type": "molecule", "weight": 2}},
			{ID: "Mitochondria & cells", Properties: map[string]any{"entity_type": "organelle"}},
		},
		Edges: []Edge{{Source: "Mitochondria & cells", Target: "ATP", Properties: map[string]any{"description": "produces"}}},
	}
	var buf strings.Builder
	require.NoError(t, WriteGraphML(&buf, g))
	out := buf.String()

	assert.True(t, strings.HasPrefix(out, "<?xml"))
	assert.Contains(t, out, `<graphml xmlns="http://graphml.graphdrawing.org/xmlns">`)
	assert.Contains(t, out, `<key id="d0" for="node" attr.name="entity_type" attr.type="string"></key>`)
	assert.Contains(t, out, `<key id="d1" for="node" attr.name="weight" attr.type="string"></key>`)
	assert.Contains(t, out, `<key id="d2" for="edge" attr.name="description" attr.type="string"></key>`)
	assert.Contains(t, out, `<node id="Mitochondria &amp; cells">`)
	assert.Contains(t, out, `<data key="d1">2</data>`)
	assert.Contains(t, out, `<edge source="Mitochondria &amp; cells" target="ATP">`)
	assert.Contains(t, out, `<data key="d2">produces</data>`)

	var doc struct {
		Nodes []struct {
			ID string `xml:"id,attr"`
		} `xml:"graph>node"`
	}
	require.NoError(t, xml.Unmarshal([]byte(out), &doc))
	assert.Len(t, doc.Nodes, 2)
}
