package handler

import (
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/pavelanni/ieltsprep/internal/grading"
	"github.com/pavelanni/ieltsprep/internal/markup"
	"github.com/pavelanni/ieltsprep/internal/model"
)

// ownAttempt loads an attempt that belongs to the caller. Authors may read
// any attempt; writes are limited to the owner by the handlers.
func (h *Handler) ownAttempt(w http.ResponseWriter, r *http.Request, id int64, write bool) (*model.Attempt, bool) {
	a, err := h.store.GetAttempt(id)
	if err != nil {
		writeStoreError(w, r, err, "attempt")
		return nil, false
	}
	user := model.UserFromContext(r.Context())
	if a.UserID != user.ID && (write || !isAuthor(user)) {
		writeError(w, r, http.StatusNotFound, "attempt not found")
		return nil, false
	}
	return &a, true
}

func (h *Handler) handleStartAttempt(w http.ResponseWriter, r *http.Request) {
	ids, ok := pathIDs(w, r, "examID")
	if !ok {
		return
	}
	view, ok := h.visibleExam(w, r, ids[0])
	if !ok {
		return
	}
	user := model.UserFromContext(r.Context())
	id, err := h.store.CreateAttempt(view.Exam.ID, user.ID)
	if err != nil {
		writeStoreError(w, r, err, "attempt")
		return
	}
	a, err := h.store.GetAttempt(id)
	if err != nil {
		writeStoreError(w, r, err, "attempt")
		return
	}
	slog.Info("started attempt", "id", id, "exam", view.Exam.ID, "user", user.Username)
	writeOK(w, r, http.StatusCreated, a)
}

func (h *Handler) handleListAttempts(w http.ResponseWriter, r *http.Request) {
	user := model.UserFromContext(r.Context())
	attempts, err := h.store.ListAttempts(0, user.ID)
	if err != nil {
		writeStoreError(w, r, err, "attempts")
		return
	}
	if attempts == nil {
		attempts = []model.Attempt{}
	}
	writeOK(w, r, http.StatusOK, attempts)
}

type attemptDetail struct {
	Attempt     model.Attempt         `json:"attempt"`
	Results     []model.SectionResult `json:"results"`
	Submissions []model.Submission    `json:"submissions"`
}

func (h *Handler) handleGetAttempt(w http.ResponseWriter, r *http.Request) {
	ids, ok := pathIDs(w, r, "attemptID")
	if !ok {
		return
	}
	a, ok := h.ownAttempt(w, r, ids[0], false)
	if !ok {
		return
	}
	results, err := h.store.ListSectionResults(a.ID)
	if err != nil {
		writeStoreError(w, r, err, "results")
		return
	}
	subs, err := h.store.ListSubmissions(a.ID)
	if err != nil {
		writeStoreError(w, r, err, "submissions")
		return
	}
	if results == nil {
		results = []model.SectionResult{}
	}
	if subs == nil {
		subs = []model.Submission{}
	}
	writeOK(w, r, http.StatusOK, attemptDetail{Attempt: *a, Results: results, Submissions: subs})
}

// attemptSection loads the attempt and one section of its exam, checking
// that the attempt is still open when write is set.
func (h *Handler) attemptSection(w http.ResponseWriter, r *http.Request, write bool) (*model.Attempt, *model.Section, bool) {
	ids, ok := pathIDs(w, r, "attemptID", "sectionID")
	if !ok {
		return nil, nil, false
	}
	a, ok := h.ownAttempt(w, r, ids[0], write)
	if !ok {
		return nil, nil, false
	}
	if write && a.Status != model.AttemptInProgress {
		writeError(w, r, http.StatusConflict, "attempt already submitted")
		return nil, nil, false
	}
	sec, err := h.store.GetSection(a.ExamID, ids[1])
	if err != nil {
		writeStoreError(w, r, err, "section")
		return nil, nil, false
	}
	return a, &sec, true
}

type answersRequest struct {
	Responses map[string][]string `json:"responses" validate:"required"`
}

type answersResponse struct {
	Score    int                    `json:"score"`
	MaxScore int                    `json:"max_score"`
	Percent  float64                `json:"percent"`
	Answered int                    `json:"answered"`
	Elements []markup.ElementResult `json:"elements"`
}

func (h *Handler) handleSubmitAnswers(w http.ResponseWriter, r *http.Request) {
	a, sec, ok := h.attemptSection(w, r, true)
	if !ok {
		return
	}
	if !sec.Skill.Objective() {
		writeError(w, r, http.StatusBadRequest, "this section is graded from a written or spoken submission")
		return
	}
	var req answersRequest
	if !h.decode(w, r, &req) {
		return
	}

	existing, err := h.store.GetSectionResult(a.ID, sec.ID)
	if err != nil {
		writeStoreError(w, r, err, "result")
		return
	}
	if existing != nil {
		writeError(w, r, http.StatusConflict, "answers for this section were already submitted")
		return
	}

	responses := markup.ParseResponses(req.Responses)
	res := parseSection(*sec).Grade(responses)
	details, err := json.Marshal(res)
	if err != nil {
		slog.Error("encode grading details", "error", err)
		writeError(w, r, http.StatusInternalServerError, "")
		return
	}

	if err := h.store.SaveSectionResult(model.SectionResult{
		AttemptID: a.ID,
		SectionID: sec.ID,
		Responses: responses.Values(),
		Score:     res.Score,
		MaxScore:  res.MaxScore,
		Details:   details,
	}); err != nil {
		writeStoreError(w, r, err, "result")
		return
	}
	slog.Info("graded section", "attempt", a.ID, "section", sec.ID, "score", res.Score, "max", res.MaxScore)

	writeOK(w, r, http.StatusOK, answersResponse{
		Score: res.Score, MaxScore: res.MaxScore, Percent: res.Percent(),
		Answered: res.Answered, Elements: res.Elements,
	})
}

type reviewResponse struct {
	SectionID int64   `json:"section_id"`
	Title     string  `json:"title"`
	HTML      string  `json:"html"`
	Score     int     `json:"score"`
	MaxScore  int     `json:"max_score"`
	Percent   float64 `json:"percent"`
}

func (h *Handler) handleReviewSection(w http.ResponseWriter, r *http.Request) {
	a, sec, ok := h.attemptSection(w, r, false)
	if !ok {
		return
	}
	result, err := h.store.GetSectionResult(a.ID, sec.ID)
	if err != nil {
		writeStoreError(w, r, err, "result")
		return
	}
	if result == nil {
		writeError(w, r, http.StatusNotFound, "section has not been submitted")
		return
	}

	doc := parseSection(*sec)
	responses := markup.ParseResponses(result.Responses)
	html, err := doc.Render(markup.RenderOptions{
		Mode:      markup.ModeReview,
		Responses: responses,
		Labels:    labels(r.Context()),
	})
	if err != nil {
		slog.Error("render review", "section", sec.ID, "error", err)
		writeError(w, r, http.StatusInternalServerError, "")
		return
	}
	// Score against the current key so a corrected key is reflected.
	res := doc.Grade(responses)
	writeOK(w, r, http.StatusOK, reviewResponse{
		SectionID: sec.ID, Title: sec.Title, HTML: html,
		Score: res.Score, MaxScore: res.MaxScore, Percent: res.Percent(),
	})
}

type submissionRequest struct {
	Text string `json:"text" validate:"required,notblank,max=20000"`
}

func (h *Handler) handleCreateSubmission(w http.ResponseWriter, r *http.Request) {
	a, sec, ok := h.attemptSection(w, r, true)
	if !ok {
		return
	}
	if sec.Skill.Objective() {
		writeError(w, r, http.StatusBadRequest, "this section is graded from its answers")
		return
	}
	var req submissionRequest
	if !h.decode(w, r, &req) {
		return
	}

	task := strings.TrimSpace(sec.Content)
	if sec.Title != "" {
		task = sec.Title + "\n\n" + task
	}
	sub := model.Submission{
		ID:        uuid.NewString(),
		AttemptID: a.ID,
		SectionID: sec.ID,
		UserID:    a.UserID,
		Skill:     sec.Skill,
		Task:      task,
		Text:      req.Text,
	}
	if err := h.store.CreateSubmission(sub); err != nil {
		writeStoreError(w, r, err, "submission")
		return
	}
	if err := h.queue.Enqueue(sub.ID); err != nil {
		if errors.Is(err, grading.ErrQueueFull) {
			slog.Warn("grading queue full, submission left for the restart sweep", "id", sub.ID)
		} else {
			slog.Error("enqueue submission", "id", sub.ID, "error", err)
		}
	}

	stored, err := h.store.GetSubmission(sub.ID)
	if err != nil {
		writeStoreError(w, r, err, "submission")
		return
	}
	if stored == nil {
		writeError(w, r, http.StatusNotFound, "submission not found")
		return
	}
	w.Header().Set("Location", "/api/submissions/"+sub.ID)
	writeOK(w, r, http.StatusAccepted, stored)
}

func (h *Handler) handleGetSubmission(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "submissionID")
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid submission ID")
		return
	}
	sub, err := h.store.GetSubmission(id)
	if err != nil {
		writeStoreError(w, r, err, "submission")
		return
	}
	user := model.UserFromContext(r.Context())
	if sub == nil || (sub.UserID != user.ID && !isAuthor(user)) {
		writeError(w, r, http.StatusNotFound, "submission not found")
		return
	}
	writeOK(w, r, http.StatusOK, sub)
}

func (h *Handler) handleFinishAttempt(w http.ResponseWriter, r *http.Request) {
	ids, ok := pathIDs(w, r, "attemptID")
	if !ok {
		return
	}
	a, ok := h.ownAttempt(w, r, ids[0], true)
	if !ok {
		return
	}
	if err := h.store.SubmitAttempt(a.ID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, r, http.StatusConflict, "attempt already submitted")
			return
		}
		writeStoreError(w, r, err, "attempt")
		return
	}
	updated, err := h.store.GetAttempt(a.ID)
	if err != nil {
		writeStoreError(w, r, err, "attempt")
		return
	}
	writeOK(w, r, http.StatusOK, updated)
}
