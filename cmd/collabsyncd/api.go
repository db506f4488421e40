package main

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"collabsync/annotation"
)

// api exposes the annotation persistence boundary over HTTP. Each handler
// is a single request/response; the underlying store calls are idempotent,
// so retried requests deduplicate server-side.
type api struct {
	store annotation.Store
}

func (a *api) routes(r *mux.Router) {
	r.HandleFunc("/api/docs/{doc}/comments", a.listComments).Methods(http.MethodGet)
	r.HandleFunc("/api/docs/{doc}/comments", a.createComment).Methods(http.MethodPost)
	r.HandleFunc("/api/comments/{id}/replies", a.addReply).Methods(http.MethodPost)
	r.HandleFunc("/api/comments/{id}/reactions", a.addReaction).Methods(http.MethodPost)
	r.HandleFunc("/api/comments/{id}/resolved", a.setResolved).Methods(http.MethodPut)
	r.HandleFunc("/api/comments/{id}", a.deleteComment).Methods(http.MethodDelete)

	r.HandleFunc("/api/docs/{doc}/suggestions", a.listSuggestions).Methods(http.MethodGet)
	r.HandleFunc("/api/docs/{doc}/suggestions", a.createSuggestion).Methods(http.MethodPost)
	r.HandleFunc("/api/suggestions/{id}/status", a.setSuggestionStatus).Methods(http.MethodPut)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			log.Printf("api: encode response: %v", err)
		}
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, annotation.ErrUnknownRecord) {
		status = http.StatusNotFound
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (a *api) listComments(w http.ResponseWriter, r *http.Request) {
	docID := mux.Vars(r)["doc"]
	comments, err := a.store.Comments(r.Context(), docID)
	if err != nil {
		writeError(w, err)
		return
	}
	if comments == nil {
		comments = []annotation.Comment{}
	}
	writeJSON(w, http.StatusOK, comments)
}

func (a *api) createComment(w http.ResponseWriter, r *http.Request) {
	var c annotation.Comment
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	c.DocID = mux.Vars(r)["doc"]
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if err := a.store.SaveComment(r.Context(), c); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": c.ID})
}

func (a *api) addReply(w http.ResponseWriter, r *http.Request) {
	var reply annotation.Reply
	if err := json.NewDecoder(r.Body).Decode(&reply); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if reply.ID == "" {
		reply.ID = uuid.NewString()
	}
	if err := a.store.SaveReply(r.Context(), mux.Vars(r)["id"], reply); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": reply.ID})
}

func (a *api) addReaction(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Emoji  string `json:"emoji"`
		Author string `json:"author"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := a.store.SaveReaction(r.Context(), mux.Vars(r)["id"], body.Emoji, body.Author); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (a *api) setResolved(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Resolved bool `json:"resolved"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := a.store.SetResolved(r.Context(), mux.Vars(r)["id"], body.Resolved); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (a *api) deleteComment(w http.ResponseWriter, r *http.Request) {
	if err := a.store.DeleteComment(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (a *api) listSuggestions(w http.ResponseWriter, r *http.Request) {
	docID := mux.Vars(r)["doc"]
	suggestions, err := a.store.Suggestions(r.Context(), docID)
	if err != nil {
		writeError(w, err)
		return
	}
	if suggestions == nil {
		suggestions = []annotation.Suggestion{}
	}
	writeJSON(w, http.StatusOK, suggestions)
}

func (a *api) createSuggestion(w http.ResponseWriter, r *http.Request) {
	var s annotation.Suggestion
	if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	s.DocID = mux.Vars(r)["doc"]
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.Status == "" {
		s.Status = annotation.StatusPending
	}
	if err := a.store.SaveSuggestion(r.Context(), s); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": s.ID})
}

func (a *api) setSuggestionStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status annotation.SuggestionStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if body.Status != annotation.StatusAccepted && body.Status != annotation.StatusRejected {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "status must be accepted or rejected"})
		return
	}
	if err := a.store.SetSuggestionStatus(r.Context(), mux.Vars(r)["id"], body.Status); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}
