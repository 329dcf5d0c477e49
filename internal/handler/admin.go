package handler

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pavelanni/ieltsprep/internal/model"
	"github.com/pavelanni/ieltsprep/internal/report"
)

func (h *Handler) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.store.ListUsers()
	if err != nil {
		writeStoreError(w, r, err, "users")
		return
	}
	if users == nil {
		users = []model.User{}
	}
	writeOK(w, r, http.StatusOK, users)
}

type createUserRequest struct {
	Username    string `json:"username" validate:"required,min=3,max=64"`
	DisplayName string `json:"display_name" validate:"max=128"`
	Email       string `json:"email" validate:"omitempty,email"`
	Role        string `json:"role" validate:"required,oneof=student teacher moderator admin"`
}

func (h *Handler) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if !h.decode(w, r, &req) {
		return
	}
	if strings.ContainsAny(req.Username, " \t\r\n") {
		writeError(w, r, http.StatusBadRequest, "username cannot contain whitespace")
		return
	}
	if req.DisplayName == "" {
		req.DisplayName = req.Username
	}

	existing, err := h.store.GetUserByUsername(req.Username)
	if err != nil {
		writeStoreError(w, r, err, "user")
		return
	}
	if existing != nil {
		writeError(w, r, http.StatusConflict, "username already taken")
		return
	}

	id, err := h.store.CreateUser(model.User{
		Username:    req.Username,
		DisplayName: req.DisplayName,
		Email:       req.Email,
		Role:        model.UserRole(req.Role),
		Active:      true,
	})
	if err != nil {
		writeStoreError(w, r, err, "user")
		return
	}
	u, err := h.store.GetUserByID(id)
	if err != nil {
		writeStoreError(w, r, err, "user")
		return
	}
	writeOK(w, r, http.StatusCreated, u)
}

type roleRequest struct {
	Role string `json:"role" validate:"required,oneof=student teacher moderator admin"`
}

// userByParam loads the user named by the userID path parameter.
func (h *Handler) userByParam(w http.ResponseWriter, r *http.Request) (*model.User, bool) {
	ids, ok := pathIDs(w, r, "userID")
	if !ok {
		return nil, false
	}
	u, err := h.store.GetUserByID(ids[0])
	if err != nil {
		writeStoreError(w, r, err, "user")
		return nil, false
	}
	if u == nil {
		writeError(w, r, http.StatusNotFound, "user not found")
		return nil, false
	}
	return u, true
}

func (h *Handler) handleSetUserRole(w http.ResponseWriter, r *http.Request) {
	u, ok := h.userByParam(w, r)
	if !ok {
		return
	}
	var req roleRequest
	if !h.decode(w, r, &req) {
		return
	}
	if u.ID == model.UserFromContext(r.Context()).ID && model.UserRole(req.Role) != model.UserRoleAdmin {
		writeError(w, r, http.StatusConflict, "cannot remove your own admin role")
		return
	}
	if err := h.store.SetUserRole(u.ID, model.UserRole(req.Role)); err != nil {
		writeStoreError(w, r, err, "user")
		return
	}
	u.Role = model.UserRole(req.Role)
	writeOK(w, r, http.StatusOK, u)
}

func (h *Handler) handleToggleUserActive(w http.ResponseWriter, r *http.Request) {
	u, ok := h.userByParam(w, r)
	if !ok {
		return
	}
	if u.ID == model.UserFromContext(r.Context()).ID {
		writeError(w, r, http.StatusConflict, "cannot deactivate yourself")
		return
	}
	if err := h.store.ToggleUserActive(u.ID); err != nil {
		slog.Error("failed to toggle user active", "id", u.ID, "error", err)
		writeStoreError(w, r, err, "user")
		return
	}
	u.Active = !u.Active
	writeOK(w, r, http.StatusOK, u)
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (h *Handler) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	u, ok := h.userByParam(w, r)
	if !ok {
		return
	}
	if !u.Active {
		writeError(w, r, http.StatusConflict, "account is disabled")
		return
	}
	token, exp, err := h.tokens.Issue(*u)
	if err != nil {
		slog.Error("issue token", "user", u.Username, "error", err)
		writeError(w, r, http.StatusInternalServerError, "")
		return
	}
	slog.Info("issued token", "user", u.Username, "by", model.UserFromContext(r.Context()).Username, "expires", exp)
	writeOK(w, r, http.StatusCreated, tokenResponse{Token: token, ExpiresAt: exp})
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	name := q.Get("format")
	if name == "" {
		name = string(report.FormatJSON)
	}
	format, err := report.ParseFormat(name)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var examID int64
	if v := q.Get("exam"); v != "" {
		examID, err = strconv.ParseInt(v, 10, 64)
		if err != nil || examID <= 0 {
			writeError(w, r, http.StatusBadRequest, "invalid exam ID")
			return
		}
	}

	results, err := h.store.ExportResults(examID)
	if err != nil {
		writeStoreError(w, r, err, "results")
		return
	}

	name = "results"
	if examID != 0 {
		name = fmt.Sprintf("results-exam-%d", examID)
	}
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.%s"`, name, format))
	if err := report.Write(w, format, results); err != nil {
		slog.Error("write export", "format", format, "error", err)
	}
}
