package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/pavelanni/ieltsprep/internal/auth"
	"github.com/pavelanni/ieltsprep/internal/model"
)

// requireAuth is middleware that checks for a valid bearer token and loads
// the caller into the request context.
func (h *Handler) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		scheme, token, ok := strings.Cut(header, " ")
		if !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(token) == "" {
			w.Header().Set("WWW-Authenticate", `Bearer realm="ieltsprep"`)
			writeError(w, r, http.StatusUnauthorized, "bearer token required")
			return
		}

		claims, err := h.tokens.Verify(strings.TrimSpace(token))
		if err != nil {
			if !errors.Is(err, auth.ErrInvalidToken) {
				slog.Error("token verification failed", "error", err)
			}
			writeError(w, r, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		id, err := claims.UserID()
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, "invalid or expired token")
			return
		}

		user, err := h.store.GetUserByID(id)
		if err != nil {
			slog.Error("failed to get user", "id", id, "error", err)
			writeError(w, r, http.StatusInternalServerError, "")
			return
		}
		if user == nil || !user.Active {
			writeError(w, r, http.StatusUnauthorized, "account is disabled")
			return
		}

		ctx := model.ContextWithUser(r.Context(), user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireRole returns middleware that checks the user has one of the allowed roles.
func requireRole(allowed ...model.UserRole) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := model.UserFromContext(r.Context())
			if user == nil {
				writeError(w, r, http.StatusUnauthorized, "")
				return
			}
			for _, role := range allowed {
				if user.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeError(w, r, http.StatusForbidden, "")
		})
	}
}
