package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/nugget/atrium/internal/apperr"
	"github.com/nugget/atrium/internal/composer"
	"github.com/nugget/atrium/internal/conversation"
)

type createConversationRequest struct {
	ID           string                   `json:"id,omitempty"`
	FirstMessage string                   `json:"firstMessage,omitempty"`
	Context      *composer.RequestContext `json:"context,omitempty"`
	Source       string                   `json:"source,omitempty"`
}

type renameConversationRequest struct {
	Title string `json:"title"`
}

// storeError maps conversation store errors onto the taxonomy.
func storeError(err error) error {
	if errors.Is(err, conversation.ErrNotFound) {
		return apperr.NotFound("conversation")
	}
	return apperr.Internal(err)
}

// handleConversationCreate creates a conversation ahead of the first
// exchange. Repeating it with the same id is harmless: 201 on creation,
// 200 when the caller already owns it.
func (s *Server) handleConversationCreate(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, apperr.Validation("request body is not valid JSON", nil))
		return
	}
	switch req.Source {
	case "", conversation.SourcePage, conversation.SourceWidget:
	default:
		s.writeError(w, r, apperr.Validation("invalid request", map[string]string{
			"source": "must be page or widget",
		}))
		return
	}

	c, created, err := s.conversations.Create(r.Context(), principal(r), conversation.Draft{
		ID:           req.ID,
		FirstMessage: req.FirstMessage,
		Context:      req.Context,
		Source:       req.Source,
	})
	if err != nil {
		s.writeError(w, r, storeError(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if created {
		w.WriteHeader(http.StatusCreated)
	}
	writeJSON(w, c, s.logger)
}

func (s *Server) handleConversationList(w http.ResponseWriter, r *http.Request) {
	archived := r.URL.Query().Get("archived") == "true"
	limit := parseIntParam(r, "limit", 50)

	list, err := s.conversations.List(r.Context(), principal(r), archived, limit)
	if err != nil {
		s.writeError(w, r, storeError(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"conversations": list,
		"count":         len(list),
	}, s.logger)
}

func (s *Server) handleConversationGet(w http.ResponseWriter, r *http.Request) {
	c, err := s.conversations.Get(r.Context(), principal(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, storeError(err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, c, s.logger)
}

func (s *Server) handleConversationRename(w http.ResponseWriter, r *http.Request) {
	var req renameConversationRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, apperr.Validation("request body is not valid JSON", nil))
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		s.writeError(w, r, apperr.Validation("invalid request", map[string]string{
			"title": "must not be empty",
		}))
		return
	}

	p, id := principal(r), chi.URLParam(r, "id")
	if err := s.conversations.Rename(r.Context(), p, id, req.Title); err != nil {
		s.writeError(w, r, storeError(err))
		return
	}
	c, err := s.conversations.Get(r.Context(), p, id)
	if err != nil {
		s.writeError(w, r, storeError(err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, c, s.logger)
}

func (s *Server) handleConversationArchive(w http.ResponseWriter, r *http.Request) {
	if err := s.conversations.Archive(r.Context(), principal(r), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, storeError(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
