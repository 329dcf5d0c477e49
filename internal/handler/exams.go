package handler

import (
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/pavelanni/ieltsprep/internal/examfile"
	"github.com/pavelanni/ieltsprep/internal/handler/views"
	"github.com/pavelanni/ieltsprep/internal/i18n"
	"github.com/pavelanni/ieltsprep/internal/markup"
	"github.com/pavelanni/ieltsprep/internal/model"
)

type examRequest struct {
	Title       string           `json:"title" validate:"required,notblank,max=200"`
	Module      model.ExamModule `json:"module" validate:"omitempty,oneof=academic general"`
	Description string           `json:"description" validate:"max=5000"`
	Published   bool             `json:"published"`
}

type sectionRequest struct {
	Position    int              `json:"position" validate:"min=0"`
	Skill       model.Skill      `json:"skill" validate:"required,oneof=listening reading writing speaking"`
	Title       string           `json:"title" validate:"max=200"`
	Content     string           `json:"content" validate:"max=200000"`
	AnswerKey   map[int][]string `json:"answer_key"`
	MediaURL    string           `json:"media_url" validate:"omitempty,url"`
	StartNumber int              `json:"start_number" validate:"min=0"`
	TimeLimit   int              `json:"time_limit" validate:"min=0"`
}

func (s sectionRequest) section(examID int64) model.Section {
	return model.Section{
		ExamID:      examID,
		Position:    s.Position,
		Skill:       s.Skill,
		Title:       s.Title,
		Content:     s.Content,
		AnswerKey:   s.AnswerKey,
		MediaURL:    s.MediaURL,
		StartNumber: s.StartNumber,
		TimeLimit:   s.TimeLimit,
	}
}

type publishRequest struct {
	Published bool `json:"published"`
}

// visibleExam loads an exam the caller may see. Unpublished exams are
// reported as missing to everyone but authors.
func (h *Handler) visibleExam(w http.ResponseWriter, r *http.Request, examID int64) (*model.ExamView, bool) {
	view, err := h.store.GetExamView(examID)
	if err != nil {
		writeStoreError(w, r, err, "exam")
		return nil, false
	}
	if !view.Exam.Published && !isAuthor(model.UserFromContext(r.Context())) {
		writeError(w, r, http.StatusNotFound, "exam not found")
		return nil, false
	}
	return view, true
}

func (h *Handler) handleListExams(w http.ResponseWriter, r *http.Request) {
	exams, err := h.store.ListExams(!isAuthor(model.UserFromContext(r.Context())))
	if err != nil {
		writeStoreError(w, r, err, "exams")
		return
	}
	if exams == nil {
		exams = []model.Exam{}
	}
	writeOK(w, r, http.StatusOK, exams)
}

// sectionSummary is a section as shown to candidates, without answers.
type sectionSummary struct {
	ID        int64       `json:"id"`
	Position  int         `json:"position"`
	Skill     model.Skill `json:"skill"`
	Title     string      `json:"title"`
	MediaURL  string      `json:"media_url,omitempty"`
	TimeLimit int         `json:"time_limit"`
	Questions []int       `json:"questions,omitempty"`
	MaxScore  int         `json:"max_score,omitempty"`
}

func (h *Handler) handleGetExam(w http.ResponseWriter, r *http.Request) {
	ids, ok := pathIDs(w, r, "examID")
	if !ok {
		return
	}
	view, ok := h.visibleExam(w, r, ids[0])
	if !ok {
		return
	}
	if isAuthor(model.UserFromContext(r.Context())) {
		writeOK(w, r, http.StatusOK, view)
		return
	}

	sections := make([]sectionSummary, 0, len(view.Sections))
	for _, sec := range view.Sections {
		s := sectionSummary{
			ID: sec.ID, Position: sec.Position, Skill: sec.Skill, Title: sec.Title,
			MediaURL: sec.MediaURL, TimeLimit: sec.TimeLimit,
		}
		if sec.Skill.Objective() {
			doc := parseSection(sec)
			s.Questions = doc.Numbers()
			s.MaxScore = doc.MaxScore()
		}
		sections = append(sections, s)
	}
	writeOK(w, r, http.StatusOK, map[string]any{"exam": view.Exam, "sections": sections})
}

type renderResponse struct {
	SectionID int64       `json:"section_id"`
	Skill     model.Skill `json:"skill"`
	Title     string      `json:"title"`
	MediaURL  string      `json:"media_url,omitempty"`
	Mode      string      `json:"mode"`
	HTML      string      `json:"html"`
	Questions []int       `json:"questions"`
	MaxScore  int         `json:"max_score"`
}

func (h *Handler) handleRenderSection(w http.ResponseWriter, r *http.Request) {
	ids, ok := pathIDs(w, r, "examID", "sectionID")
	if !ok {
		return
	}
	modeName := r.URL.Query().Get("mode")
	mode, valid := markup.ParseMode(modeName)
	if !valid || mode == markup.ModeReview {
		writeError(w, r, http.StatusBadRequest, "mode must be take or key")
		return
	}
	if mode == markup.ModeKey && !isAuthor(model.UserFromContext(r.Context())) {
		writeError(w, r, http.StatusForbidden, "answer keys are available to authors only")
		return
	}

	if _, ok := h.visibleExam(w, r, ids[0]); !ok {
		return
	}
	sec, err := h.store.GetSection(ids[0], ids[1])
	if err != nil {
		writeStoreError(w, r, err, "section")
		return
	}

	doc := parseSection(sec)
	html, err := doc.Render(markup.RenderOptions{Mode: mode, Labels: labels(r.Context())})
	if err != nil {
		slog.Error("render section", "id", sec.ID, "error", err)
		writeError(w, r, http.StatusInternalServerError, "")
		return
	}
	if modeName == "" {
		modeName = "take"
	}
	writeOK(w, r, http.StatusOK, renderResponse{
		SectionID: sec.ID, Skill: sec.Skill, Title: sec.Title, MediaURL: sec.MediaURL,
		Mode: modeName, HTML: html, Questions: doc.Numbers(), MaxScore: doc.MaxScore(),
	})
}

func (h *Handler) handlePreviewPage(w http.ResponseWriter, r *http.Request) {
	ids, ok := pathIDs(w, r, "examID", "sectionID")
	if !ok {
		return
	}
	mode, valid := markup.ParseMode(r.URL.Query().Get("mode"))
	if !valid || mode == markup.ModeReview {
		writeError(w, r, http.StatusBadRequest, "mode must be take or key")
		return
	}
	exam, err := h.store.GetExam(ids[0])
	if err != nil {
		writeStoreError(w, r, err, "exam")
		return
	}
	sec, err := h.store.GetSection(ids[0], ids[1])
	if err != nil {
		writeStoreError(w, r, err, "section")
		return
	}

	ctx := r.Context()
	body, err := parseSection(sec).Render(markup.RenderOptions{Mode: mode, Labels: labels(ctx)})
	if err != nil {
		slog.Error("render section", "id", sec.ID, "error", err)
		writeError(w, r, http.StatusInternalServerError, "")
		return
	}

	page := views.SectionPage{
		Lang:       i18n.Match(r.Header.Get("Accept-Language")),
		ExamTitle:  exam.Title,
		Section:    sec,
		Body:       body,
		Heading:    i18n.T(ctx, "Preview"),
		ListenText: i18n.T(ctx, "Listen"),
	}
	if mode == markup.ModeKey {
		page.Heading = i18n.T(ctx, "AnswerKey")
	}
	if sec.TimeLimit > 0 {
		page.TimeText = i18n.Tp(ctx, "TimeLimit", sec.TimeLimit)
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := page.Component().Render(ctx, w); err != nil {
		slog.Error("render error", "error", err)
	}
}

type markupPreviewRequest struct {
	Content     string              `json:"content" validate:"max=200000"`
	Mode        string              `json:"mode" validate:"omitempty,oneof=take review key"`
	AnswerKey   map[int][]string    `json:"answer_key"`
	StartNumber int                 `json:"start_number" validate:"min=0"`
	Responses   map[string][]string `json:"responses"`
}

func (h *Handler) handleMarkupPreview(w http.ResponseWriter, r *http.Request) {
	var req markupPreviewRequest
	if !h.decode(w, r, &req) {
		return
	}
	mode, _ := markup.ParseMode(req.Mode)
	doc := markup.Parse(req.Content, markup.WithStartNumber(req.StartNumber), markup.WithAnswerKey(req.AnswerKey))
	resp := markup.ParseResponses(req.Responses)
	html, err := doc.Render(markup.RenderOptions{Mode: mode, Responses: resp, Labels: labels(r.Context())})
	if err != nil {
		slog.Error("render preview", "error", err)
		writeError(w, r, http.StatusInternalServerError, "")
		return
	}
	out := map[string]any{
		"html":      html,
		"questions": doc.Numbers(),
		"max_score": doc.MaxScore(),
	}
	if mode == markup.ModeReview {
		out["result"] = doc.Grade(resp)
	}
	writeOK(w, r, http.StatusOK, out)
}

func (h *Handler) handleCreateExam(w http.ResponseWriter, r *http.Request) {
	var req examRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Module == "" {
		req.Module = model.ModuleAcademic
	}
	user := model.UserFromContext(r.Context())
	id, err := h.store.CreateExam(model.Exam{
		Title: strings.TrimSpace(req.Title), Module: req.Module, Description: req.Description,
		Published: req.Published, CreatedBy: user.ID,
	})
	if err != nil {
		writeStoreError(w, r, err, "exam")
		return
	}
	exam, err := h.store.GetExam(id)
	if err != nil {
		writeStoreError(w, r, err, "exam")
		return
	}
	slog.Info("created exam", "id", id, "by", user.Username)
	writeOK(w, r, http.StatusCreated, exam)
}

func (h *Handler) handleUpdateExam(w http.ResponseWriter, r *http.Request) {
	ids, ok := pathIDs(w, r, "examID")
	if !ok {
		return
	}
	var req examRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Module == "" {
		req.Module = model.ModuleAcademic
	}
	if err := h.store.UpdateExam(model.Exam{
		ID: ids[0], Title: strings.TrimSpace(req.Title), Module: req.Module, Description: req.Description,
	}); err != nil {
		writeStoreError(w, r, err, "exam")
		return
	}
	exam, err := h.store.GetExam(ids[0])
	if err != nil {
		writeStoreError(w, r, err, "exam")
		return
	}
	writeOK(w, r, http.StatusOK, exam)
}

func (h *Handler) handleSetPublished(w http.ResponseWriter, r *http.Request) {
	ids, ok := pathIDs(w, r, "examID")
	if !ok {
		return
	}
	var req publishRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.store.SetExamPublished(ids[0], req.Published); err != nil {
		writeStoreError(w, r, err, "exam")
		return
	}
	writeOK(w, r, http.StatusOK, map[string]any{"id": ids[0], "published": req.Published})
}

func (h *Handler) handleDeleteExam(w http.ResponseWriter, r *http.Request) {
	ids, ok := pathIDs(w, r, "examID")
	if !ok {
		return
	}
	if err := h.store.DeleteExam(ids[0]); err != nil {
		writeStoreError(w, r, err, "exam")
		return
	}
	slog.Info("deleted exam", "id", ids[0], "by", model.UserFromContext(r.Context()).Username)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleCreateSection(w http.ResponseWriter, r *http.Request) {
	ids, ok := pathIDs(w, r, "examID")
	if !ok {
		return
	}
	var req sectionRequest
	if !h.decode(w, r, &req) {
		return
	}
	if _, err := h.store.GetExam(ids[0]); err != nil {
		writeStoreError(w, r, err, "exam")
		return
	}
	id, err := h.store.CreateSection(req.section(ids[0]))
	if err != nil {
		writeStoreError(w, r, err, "section")
		return
	}
	sec, err := h.store.GetSection(ids[0], id)
	if err != nil {
		writeStoreError(w, r, err, "section")
		return
	}
	writeOK(w, r, http.StatusCreated, sec)
}

func (h *Handler) handleUpdateSection(w http.ResponseWriter, r *http.Request) {
	ids, ok := pathIDs(w, r, "examID", "sectionID")
	if !ok {
		return
	}
	var req sectionRequest
	if !h.decode(w, r, &req) {
		return
	}
	sec := req.section(ids[0])
	sec.ID = ids[1]
	if sec.Position == 0 {
		cur, err := h.store.GetSection(ids[0], ids[1])
		if err != nil {
			writeStoreError(w, r, err, "section")
			return
		}
		sec.Position = cur.Position
	}
	if err := h.store.UpdateSection(sec); err != nil {
		writeStoreError(w, r, err, "section")
		return
	}
	sec, err := h.store.GetSection(ids[0], ids[1])
	if err != nil {
		writeStoreError(w, r, err, "section")
		return
	}
	writeOK(w, r, http.StatusOK, sec)
}

func (h *Handler) handleDeleteSection(w http.ResponseWriter, r *http.Request) {
	ids, ok := pathIDs(w, r, "examID", "sectionID")
	if !ok {
		return
	}
	if err := h.store.DeleteSection(ids[0], ids[1]); err != nil {
		writeStoreError(w, r, err, "section")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleImportExam(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 10<<20))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "failed to read body: "+err.Error())
		return
	}
	if len(data) == 0 {
		writeError(w, r, http.StatusBadRequest, "request body is empty")
		return
	}

	name := strings.TrimSpace(r.URL.Query().Get("name"))
	if name == "" {
		name = "upload-" + examfile.Hash(data)[:12]
	}
	user := model.UserFromContext(r.Context())

	if _, err := examfile.Parse(data); err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, err.Error())
		return
	}
	res, err := examfile.Import(h.store, "api:"+name, data, user.ID)
	if err != nil {
		writeStoreError(w, r, err, "exam")
		return
	}
	status := http.StatusCreated
	if res.Skipped {
		status = http.StatusOK
	}
	writeOK(w, r, status, res)
}
