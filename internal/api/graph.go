package api

import (
	"bytes"
	"net/http"

	"studyflow/internal/rag"
)

// graph loads the engine's knowledge graph; an empty graph is reported as 404.
func (s *Server) graph(w http.ResponseWriter, r *http.Request) (rag.Graph, bool) {
	g, err := s.Engine.Graph(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return rag.Graph{}, false
	}
	if g.Empty() {
		writeError(w, http.StatusNotFound, "Knowledge graph not found.")
		return rag.Graph{}, false
	}
	return g, true
}

// graphJSON flattens node and edge properties next to their identifiers.
func (s *Server) graphJSON(w http.ResponseWriter, r *http.Request) {
	g, ok := s.graph(w, r)
	if !ok {
		return
	}
	nodes := make([]map[string]any, 0, len(g.Nodes))
	for _, n := range g.Nodes {
		m := make(map[string]any, len(n.Properties)+1)
		for k, v := range n.Properties {
			m[k] = v
		}
		m["id"] = n.ID
		nodes = append(nodes, m)
	}
	edges := make([]map[string]any, 0, len(g.Edges))
	for _, e := range g.Edges {
		m := make(map[string]any, len(e.Properties)+2)
		for k, v := range e.Properties {
			m[k] = v
		}
		m["source"] = e.Source
		m["target"] = e.Target
		edges = append(edges, m)
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": nodes, "edges": edges, "is_truncated": g.IsTruncated})
}

func (s *Server) graphML(w http.ResponseWriter, r *http.Request) {
	g, ok := s.graph(w, r)
	if !ok {
		return
	}
	var buf bytes.Buffer
	if err := rag.WriteGraphML(&buf, g); err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.Header().Set("Content-Disposition", `attachment; filename="knowledge_graph.graphml"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}
