package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"studyflow/internal/domain"
)

type topicRequest struct {
	Name              string `json:"name" validate:"required,max=200"`
	Description       string `json:"description" validate:"max=2000"`
	UseKnowledgeGraph *bool  `json:"use_knowledge_graph"`
}

func (s *Server) createTopic(w http.ResponseWriter, r *http.Request) {
	var req topicRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	t := domain.Topic{Name: req.Name, Description: req.Description, UseKnowledgeGraph: true}
	if req.UseKnowledgeGraph != nil {
		t.UseKnowledgeGraph = *req.UseKnowledgeGraph
	}
	created, err := s.Store.CreateTopic(r.Context(), t)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) listTopics(w http.ResponseWriter, r *http.Request) {
	topics, err := s.Store.ListTopics(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"total_count": len(topics), "topics": topics})
}

func (s *Server) getTopic(w http.ResponseWriter, r *http.Request) {
	t, err := s.Store.GetTopic(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) updateTopic(w http.ResponseWriter, r *http.Request) {
	t, err := s.Store.GetTopic(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req topicRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	t.Name = req.Name
	t.Description = req.Description
	if req.UseKnowledgeGraph != nil {
		t.UseKnowledgeGraph = *req.UseKnowledgeGraph
	}
	updated, err := s.Store.UpdateTopic(r.Context(), t)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) deleteTopic(w http.ResponseWriter, r *http.Request) {
	if err := s.Store.DeleteTopic(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listTopicContent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.Store.GetTopic(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	items, err := s.Store.ListContent(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"topic_id": id, "total_count": len(items), "content": items})
}
