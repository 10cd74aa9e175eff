package server

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/roach88/postpulse/internal/broadcast"
	"github.com/roach88/postpulse/internal/post"
	"github.com/roach88/postpulse/internal/store"
)

// postInput is the writable part of a post.
type postInput struct {
	Status       string   `json:"status"`
	Text         string   `json:"text"`
	PostDate     string   `json:"postDate"`
	ImageURL     string   `json:"imageUrl"`
	LinkURL      string   `json:"linkUrl"`
	CallToAction string   `json:"callToAction"`
	PostType     string   `json:"postType"`
	Tags         []string `json:"tags"`
	NotionPageID string   `json:"notionPageId"`
}

func (in postInput) post(ownerID, id int64) post.Post {
	return post.Post{
		ID:           id,
		UserID:       ownerID,
		Status:       in.Status,
		Text:         in.Text,
		PostDate:     in.PostDate,
		ImageURL:     in.ImageURL,
		LinkURL:      in.LinkURL,
		CallToAction: in.CallToAction,
		PostType:     in.PostType,
		Tags:         in.Tags,
		NotionPageID: in.NotionPageID,
	}
}

func (s *Server) handleListPosts(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	q := r.URL.Query()

	page := store.Page{Status: q.Get("status")}
	var ok bool
	if page.Number, ok = optionalInt(q.Get("page")); !ok {
		writeError(w, http.StatusBadRequest, codeBadRequest, "Invalid page")
		return
	}
	if page.Limit, ok = optionalInt(q.Get("limit")); !ok {
		writeError(w, http.StatusBadRequest, codeBadRequest, "Invalid limit")
		return
	}
	if page.Status != "" && !post.IsValidStatus(page.Status) {
		writeError(w, http.StatusBadRequest, codeBadRequest, "Invalid status")
		return
	}

	result, err := s.store.ListPostsByOwner(r.Context(), user.ID, page)
	if err != nil {
		s.writeInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCreatePost(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())

	var in postInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "Invalid request body")
		return
	}

	created, err := s.store.CreatePost(r.Context(), in.post(user.ID, 0))
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetPost(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	id, ok := postID(r)
	if !ok {
		writeError(w, http.StatusNotFound, codeNotFound, "Post not found")
		return
	}

	p, err := s.store.ReadOwnedPost(r.Context(), user.ID, id)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleUpdatePost(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	id, ok := postID(r)
	if !ok {
		writeError(w, http.StatusNotFound, codeNotFound, "Post not found")
		return
	}

	var in postInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "Invalid request body")
		return
	}

	updated, err := s.store.UpdatePost(r.Context(), user.ID, in.post(user.ID, id))
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeletePost(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	id, ok := postID(r)
	if !ok {
		writeError(w, http.StatusNotFound, codeNotFound, "Post not found")
		return
	}

	if err := s.store.DeletePost(r.Context(), user.ID, id); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// statusWebhook is the workflow engine's publish callback.
type statusWebhook struct {
	PostID  int64  `json:"postId"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

type statusWebhookResponse struct {
	Post      post.Post `json:"post"`
	Delivered int       `json:"delivered"`
}

// handlePostStatusWebhook records a publish result and notifies the owner.
// The status change itself reaches dashboards through the store's hook.
func (s *Server) handlePostStatusWebhook(w http.ResponseWriter, r *http.Request) {
	got := r.Header.Get("X-Webhook-Secret")
	if s.webhookSecret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(s.webhookSecret)) != 1 {
		writeError(w, http.StatusUnauthorized, codeUnauthorized, "Authentication required")
		return
	}

	var req statusWebhook
	if err := decodeJSON(w, r, &req); err != nil || req.PostID <= 0 {
		writeError(w, http.StatusBadRequest, codeBadRequest, "Invalid request body")
		return
	}

	owner, err := s.store.PostOwner(r.Context(), req.PostID)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}

	updated, err := s.store.SetPostStatus(r.Context(), owner, req.PostID, req.Status)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}

	message := req.Message
	if message == "" {
		message = "Post status changed to " + updated.Status
	}
	delivered := s.broadcaster.Notify(r.Context(), owner, broadcast.Notification{
		Kind:    "post_status",
		Message: message,
		PostID:  updated.ID,
		Status:  updated.Status,
	})

	s.logger.Info("post status webhook",
		"post_id", updated.ID,
		"status", updated.Status,
		"delivered", delivered,
	)
	writeJSON(w, http.StatusOK, statusWebhookResponse{Post: updated, Delivered: delivered})
}

// writeStoreError maps store errors to safe responses.
func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, codeNotFound, "Post not found")
	case errors.Is(err, store.ErrInvalidPost):
		writeError(w, http.StatusBadRequest, codeBadRequest, "Invalid post")
	default:
		s.writeInternal(w, r, err)
	}
}

func postID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// optionalInt parses a query value; empty means zero.
func optionalInt(s string) (int, bool) {
	if s == "" {
		return 0, true
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
