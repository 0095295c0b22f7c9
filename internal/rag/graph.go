package rag

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"sort"
)

const (
	graphMaxDepth = 3
	graphMaxNodes = 1000
)

type Node struct {
	ID         string         `json:"id"`
	Labels     []string       `json:"labels,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
}

type Edge struct {
	ID         string         `json:"id,omitempty"`
	Type       string         `json:"type,omitempty"`
	Source     string         `json:"source"`
	Target     string         `json:"target"`
	Properties map[string]any `json:"properties,omitempty"`
}

type Graph struct {
	Nodes       []Node `json:"nodes"`
	Edges       []Edge `json:"edges"`
	IsTruncated bool   `json:"is_truncated,omitempty"`
}

func (g Graph) Empty() bool { return len(g.Nodes) == 0 }

type graphmlKey struct {
	ID   string `xml:"id,attr"`
	For  string `xml:"for,attr"`
	Name string `xml:"attr.name,attr"`
	Type string `xml:"attr.type,attr"`
}

type graphmlData struct {
	Key   string `xml:"key,attr"`
	Value string `xml:",chardata"`
}

type graphmlNode struct {
	ID   string        `xml:"id,attr"`
	Data []graphmlData `xml:"data"`
}

type graphmlEdge struct {
	Source string        `xml:"source,attr"`
	Target string        `xml:"target,attr"`
	Data   []graphmlData `xml:"data"`
}

type graphmlDoc struct {
	XMLName xml.Name     `xml:"graphml"`
	XMLNS   string       `xml:"xmlns,attr"`
	Keys    []graphmlKey `xml:"key"`
	Graph   struct {
		EdgeDefault string        `xml:"edgedefault,attr"`
		Nodes       []graphmlNode `xml:"node"`
		Edges       []graphmlEdge `xml:"edge"`
	} `xml:"graph"`
}

// WriteGraphML encodes g as an undirected GraphML document. Every property
// becomes a string-typed data key.
func WriteGraphML(w io.Writer, g Graph) error {
	doc := graphmlDoc{XMLNS: "http://graphml.graphdrawing.org/xmlns"}
	doc.Graph.EdgeDefault = "undirected"

	nodeKeys := keyset(len(g.Nodes), func(i int) map[string]any { return g.Nodes[i].Properties })
	edgeKeys := keyset(len(g.Edges), func(i int) map[string]any { return g.Edges[i].Properties })
	for i, name := range nodeKeys {
		doc.Keys = append(doc.Keys, graphmlKey{ID: fmt.Sprintf("d%d", i), For: "node", Name: name, Type: "string"})
	}
	for i, name := range edgeKeys {
		doc.Keys = append(doc.Keys, graphmlKey{ID: fmt.Sprintf("d%d", len(nodeKeys)+i), For: "edge", Name: name, Type: "string"})
	}

	for _, n := range g.Nodes {
		doc.Graph.Nodes = append(doc.Graph.Nodes, graphmlNode{ID: n.ID, Data: data(nodeKeys, 0, n.Properties)})
	}
	for _, e := range g.Edges {
		doc.Graph.Edges = append(doc.Graph.Edges, graphmlEdge{
			Source: e.Source,
			Target: e.Target,
			Data:   data(edgeKeys, len(nodeKeys), e.Properties),
		})
	}

	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode graphml: %w", err)
	}
	return enc.Flush()
}

func keyset(n int, props func(int) map[string]any) []string {
	seen := make(map[string]bool)
	var keys []string
	for i := 0; i < n; i++ {
		for k := range props(i) {
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}
	sort.Strings(keys)
	return keys
}

func data(keys []string, offset int, props map[string]any) []graphmlData {
	var out []graphmlData
	for i, k := range keys {
		v, ok := props[k]
		if !ok {
			continue
		}
		out = append(out, graphmlData{Key: fmt.Sprintf("d%d", offset+i), Value: stringify(v)})
	}
	return out
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}
