// Package handler serves the JSON API and the section preview pages.
package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/pavelanni/ieltsprep/internal/auth"
	"github.com/pavelanni/ieltsprep/internal/i18n"
	"github.com/pavelanni/ieltsprep/internal/markup"
	"github.com/pavelanni/ieltsprep/internal/model"
	"github.com/pavelanni/ieltsprep/internal/store"
)

// Enqueuer schedules writing and speaking submissions for grading.
type Enqueuer interface {
	Enqueue(id string) error
}

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	store    *store.Store
	queue    Enqueuer
	tokens   *auth.Issuer
	validate *validator.Validate
}

// New creates a new Handler.
func New(s *store.Store, q Enqueuer, tokens *auth.Issuer) *Handler {
	return &Handler{store: s, queue: q, tokens: tokens, validate: newValidator()}
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Use(h.requireAuth)

		r.Get("/me", h.handleMe)

		r.Get("/exams", h.handleListExams)
		r.Get("/exams/{examID}", h.handleGetExam)
		r.Get("/exams/{examID}/sections/{sectionID}/render", h.handleRenderSection)
		r.Post("/exams/{examID}/attempts", h.handleStartAttempt)

		r.Get("/attempts", h.handleListAttempts)
		r.Get("/attempts/{attemptID}", h.handleGetAttempt)
		r.Post("/attempts/{attemptID}/sections/{sectionID}/answers", h.handleSubmitAnswers)
		r.Get("/attempts/{attemptID}/sections/{sectionID}/review", h.handleReviewSection)
		r.Post("/attempts/{attemptID}/sections/{sectionID}/submissions", h.handleCreateSubmission)
		r.Post("/attempts/{attemptID}/finish", h.handleFinishAttempt)
		r.Get("/submissions/{submissionID}", h.handleGetSubmission)

		r.Get("/threads", h.handleListThreads)
		r.Post("/threads", h.handleCreateThread)
		r.Get("/threads/{threadID}", h.handleGetThread)
		r.Post("/threads/{threadID}/posts", h.handleReply)
		r.Post("/posts/{postID}/flag", h.handleFlagPost)

		r.Group(func(r chi.Router) {
			r.Use(requireRole(model.UserRoleTeacher, model.UserRoleAdmin))
			r.Post("/exams", h.handleCreateExam)
			r.Post("/exams/import", h.handleImportExam)
			r.Put("/exams/{examID}", h.handleUpdateExam)
			r.Put("/exams/{examID}/published", h.handleSetPublished)
			r.Delete("/exams/{examID}", h.handleDeleteExam)
			r.Post("/exams/{examID}/sections", h.handleCreateSection)
			r.Put("/exams/{examID}/sections/{sectionID}", h.handleUpdateSection)
			r.Delete("/exams/{examID}/sections/{sectionID}", h.handleDeleteSection)
			r.Get("/exams/{examID}/sections/{sectionID}/preview", h.handlePreviewPage)
			r.Post("/markup/preview", h.handleMarkupPreview)
		})

		r.Group(func(r chi.Router) {
			r.Use(requireRole(model.UserRoleModerator, model.UserRoleAdmin))
			r.Get("/moderation/flags", h.handleListFlagged)
			r.Put("/posts/{postID}/hidden", h.handleSetPostHidden)
			r.Put("/threads/{threadID}/locked", h.handleSetThreadLocked)
			r.Put("/threads/{threadID}/pinned", h.handleSetThreadPinned)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(requireRole(model.UserRoleAdmin))
			r.Get("/users", h.handleListUsers)
			r.Post("/users", h.handleCreateUser)
			r.Put("/users/{userID}/role", h.handleSetUserRole)
			r.Post("/users/{userID}/toggle-active", h.handleToggleUserActive)
			r.Post("/users/{userID}/token", h.handleIssueToken)
			r.Get("/export", h.handleExport)
		})
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeOK(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	writeOK(w, r, http.StatusOK, model.UserFromContext(r.Context()))
}

// labels returns the markup UI strings in the request's language.
func labels(ctx context.Context) markup.Labels {
	return markup.Labels{
		Choose:        i18n.T(ctx, "Choose"),
		CorrectAnswer: i18n.T(ctx, "CorrectAnswer"),
	}
}

func isAuthor(u *model.User) bool {
	return u != nil && (u.Role == model.UserRoleTeacher || u.Role == model.UserRoleAdmin)
}

func isModerator(u *model.User) bool {
	return u != nil && (u.Role == model.UserRoleModerator || u.Role == model.UserRoleAdmin)
}

func parseSection(sec model.Section) *markup.Document {
	return markup.Parse(sec.Content, markup.WithStartNumber(sec.StartNumber), markup.WithAnswerKey(sec.AnswerKey))
}
