package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/pavelanni/ieltsprep/internal/markup"
	"github.com/pavelanni/ieltsprep/internal/model"
	"github.com/pavelanni/ieltsprep/internal/store"
)

const maxThreadPage = 100

func (h *Handler) handleListThreads(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, offset := 50, 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxThreadPage {
			writeError(w, r, http.StatusBadRequest, "limit must be between 1 and 100")
			return
		}
		limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, r, http.StatusBadRequest, "invalid offset")
			return
		}
		offset = n
	}

	threads, err := h.store.ListThreads(limit, offset)
	if err != nil {
		writeStoreError(w, r, err, "threads")
		return
	}
	if threads == nil {
		threads = []model.Thread{}
	}
	writeOK(w, r, http.StatusOK, threads)
}

type threadRequest struct {
	Title string `json:"title" validate:"required,notblank,max=200"`
	Body  string `json:"body" validate:"required,notblank,max=20000"`
}

type postRequest struct {
	Body string `json:"body" validate:"required,notblank,max=20000"`
}

type threadDetail struct {
	Thread model.Thread `json:"thread"`
	Posts  []model.Post `json:"posts"`
}

// newPost renders body into a post authored by the caller.
func newPost(w http.ResponseWriter, r *http.Request, threadID int64, body string) (model.Post, bool) {
	html, err := markup.RenderPost(body)
	if err != nil {
		slog.Error("render post", "error", err)
		writeError(w, r, http.StatusInternalServerError, "")
		return model.Post{}, false
	}
	return model.Post{
		ThreadID: threadID,
		AuthorID: model.UserFromContext(r.Context()).ID,
		Body:     body,
		HTML:     html,
	}, true
}

func (h *Handler) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	var req threadRequest
	if !h.decode(w, r, &req) {
		return
	}
	post, ok := newPost(w, r, 0, req.Body)
	if !ok {
		return
	}
	threadID, _, err := h.store.CreateThread(req.Title, post)
	if err != nil {
		writeStoreError(w, r, err, "thread")
		return
	}
	h.writeThread(w, r, threadID, http.StatusCreated)
}

func (h *Handler) writeThread(w http.ResponseWriter, r *http.Request, id int64, status int) {
	t, err := h.store.GetThread(id)
	if err != nil {
		writeStoreError(w, r, err, "thread")
		return
	}
	posts, err := h.store.ListPosts(id, isModerator(model.UserFromContext(r.Context())))
	if err != nil {
		writeStoreError(w, r, err, "posts")
		return
	}
	if posts == nil {
		posts = []model.Post{}
	}
	writeOK(w, r, status, threadDetail{Thread: t, Posts: posts})
}

func (h *Handler) handleGetThread(w http.ResponseWriter, r *http.Request) {
	ids, ok := pathIDs(w, r, "threadID")
	if !ok {
		return
	}
	h.writeThread(w, r, ids[0], http.StatusOK)
}

func (h *Handler) handleReply(w http.ResponseWriter, r *http.Request) {
	ids, ok := pathIDs(w, r, "threadID")
	if !ok {
		return
	}
	var req postRequest
	if !h.decode(w, r, &req) {
		return
	}
	post, ok := newPost(w, r, ids[0], req.Body)
	if !ok {
		return
	}
	id, err := h.store.AddPost(post)
	if err != nil {
		if errors.Is(err, store.ErrThreadLocked) {
			writeError(w, r, http.StatusConflict, "thread is locked")
			return
		}
		writeStoreError(w, r, err, "thread")
		return
	}
	created, err := h.store.GetPost(id)
	if err != nil {
		writeStoreError(w, r, err, "post")
		return
	}
	writeOK(w, r, http.StatusCreated, created)
}

type flagRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

func (h *Handler) handleFlagPost(w http.ResponseWriter, r *http.Request) {
	ids, ok := pathIDs(w, r, "postID")
	if !ok {
		return
	}
	var req flagRequest
	if !h.decode(w, r, &req) {
		return
	}
	user := model.UserFromContext(r.Context())
	if err := h.store.FlagPost(ids[0], user.ID, req.Reason); err != nil {
		writeStoreError(w, r, err, "post")
		return
	}
	slog.Info("post flagged", "post", ids[0], "user", user.Username)
	writeOK(w, r, http.StatusOK, map[string]int64{"post_id": ids[0]})
}

func (h *Handler) handleListFlagged(w http.ResponseWriter, r *http.Request) {
	posts, err := h.store.ListFlaggedPosts()
	if err != nil {
		writeStoreError(w, r, err, "posts")
		return
	}
	if posts == nil {
		posts = []model.Post{}
	}
	writeOK(w, r, http.StatusOK, posts)
}

type hiddenRequest struct {
	Hidden bool `json:"hidden"`
}

type lockedRequest struct {
	Locked bool `json:"locked"`
}

type pinnedRequest struct {
	Pinned bool `json:"pinned"`
}

func (h *Handler) handleSetPostHidden(w http.ResponseWriter, r *http.Request) {
	ids, ok := pathIDs(w, r, "postID")
	if !ok {
		return
	}
	var req hiddenRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.store.SetPostHidden(ids[0], req.Hidden); err != nil {
		writeStoreError(w, r, err, "post")
		return
	}
	slog.Info("moderation", "post", ids[0], "hidden", req.Hidden,
		"by", model.UserFromContext(r.Context()).Username)
	p, err := h.store.GetPost(ids[0])
	if err != nil {
		writeStoreError(w, r, err, "post")
		return
	}
	writeOK(w, r, http.StatusOK, p)
}

func (h *Handler) handleSetThreadLocked(w http.ResponseWriter, r *http.Request) {
	ids, ok := pathIDs(w, r, "threadID")
	if !ok {
		return
	}
	var req lockedRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.store.SetThreadLocked(ids[0], req.Locked); err != nil {
		writeStoreError(w, r, err, "thread")
		return
	}
	slog.Info("moderation", "thread", ids[0], "locked", req.Locked,
		"by", model.UserFromContext(r.Context()).Username)
	h.writeThread(w, r, ids[0], http.StatusOK)
}

func (h *Handler) handleSetThreadPinned(w http.ResponseWriter, r *http.Request) {
	ids, ok := pathIDs(w, r, "threadID")
	if !ok {
		return
	}
	var req pinnedRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.store.SetThreadPinned(ids[0], req.Pinned); err != nil {
		writeStoreError(w, r, err, "thread")
		return
	}
	h.writeThread(w, r, ids[0], http.StatusOK)
}
