package api

import (
	"net/http"
	"strings"

	"github.com/imTariful/LLM-evaluation/internal/trace"
)

type knowledgeRequest struct {
	Source  string `json:"source"`
	Content string `json:"content"`
}

type knowledgeResponse struct {
	Items []*trace.KnowledgeDocument `json:"items"`
}

// KnowledgeHandler lists and adds reference documents for grounding checks.
// onChange runs after every successful write.
func KnowledgeHandler(store KnowledgeStore, onChange func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet, http.MethodPost) {
			return
		}
		if store == nil {
			writeError(w, http.StatusServiceUnavailable, "knowledge store is not configured")
			return
		}

		if r.Method == http.MethodGet {
			docs, err := store.ListKnowledgeDocuments(r.Context())
			if err != nil {
				writeServiceError(w, err, "failed to list knowledge documents")
				return
			}
			if docs == nil {
				docs = []*trace.KnowledgeDocument{}
			}
			writeJSON(w, http.StatusOK, knowledgeResponse{Items: docs})
			return
		}

		var req knowledgeRequest
		if err := decodeJSONBody(w, r, &req); err != nil {
			writeDecodeError(w, err)
			return
		}
		if strings.TrimSpace(req.Content) == "" {
			writeError(w, http.StatusBadRequest, "content is required")
			return
		}

		doc := &trace.KnowledgeDocument{Source: strings.TrimSpace(req.Source), Content: req.Content}
		if err := store.WriteKnowledgeDocument(r.Context(), doc); err != nil {
			writeServiceError(w, err, "failed to store knowledge document")
			return
		}
		if onChange != nil {
			onChange()
		}
		writeJSON(w, http.StatusCreated, doc)
	})
}
