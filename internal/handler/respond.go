package handler

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
)

const maxBodyBytes = 1 << 20

// ErrorPayload describes a failed request.
type ErrorPayload struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// Meta carries request metadata.
type Meta struct {
	RequestID string `json:"request_id,omitempty"`
}

// Envelope wraps every JSON response.
type Envelope struct {
	OK    bool          `json:"ok"`
	Data  any           `json:"data,omitempty"`
	Error *ErrorPayload `json:"error,omitempty"`
	Meta  Meta          `json:"meta"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

func writeOK(w http.ResponseWriter, r *http.Request, status int, data any) {
	writeJSON(w, status, Envelope{
		OK:   true,
		Data: data,
		Meta: Meta{RequestID: middleware.GetReqID(r.Context())},
	})
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeErrorPayload(w, r, status, &ErrorPayload{Code: codeFromStatus(status), Message: msg})
}

func writeErrorPayload(w http.ResponseWriter, r *http.Request, status int, p *ErrorPayload) {
	if p.Message == "" {
		p.Message = http.StatusText(status)
	}
	writeJSON(w, status, Envelope{
		Error: p,
		Meta:  Meta{RequestID: middleware.GetReqID(r.Context())},
	})
}

// writeStoreError maps sql.ErrNoRows to 404 and everything else to 500.
func writeStoreError(w http.ResponseWriter, r *http.Request, err error, what string) {
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, r, http.StatusNotFound, what+" not found")
		return
	}
	slog.Error("store error", "what", what, "error", err)
	writeError(w, r, http.StatusInternalServerError, "")
}

func codeFromStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "unprocessable_entity"
	case http.StatusServiceUnavailable:
		return "unavailable"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		if status >= 200 && status < 300 {
			return ""
		}
		return "error"
	}
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
		s, ok := fl.Field().Interface().(string)
		return ok && strings.TrimSpace(s) != ""
	})
	return v
}

// decode reads a JSON body into dst and validates it. On failure it writes
// the error response and returns false.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			writeError(w, r, http.StatusBadRequest, "request body is empty")
			return false
		}
		writeError(w, r, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return false
	}

	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return false
		}
		fields := make(map[string]string, len(verrs))
		for _, fe := range verrs {
			fields[fe.Field()] = validationMessage(fe)
		}
		writeErrorPayload(w, r, http.StatusUnprocessableEntity, &ErrorPayload{
			Code:    codeFromStatus(http.StatusUnprocessableEntity),
			Message: "validation failed",
			Fields:  fields,
		})
		return false
	}
	return true
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "notblank":
		return "cannot be blank"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "min":
		return "must be at least " + fe.Param()
	case "oneof":
		return "must be one of: " + fe.Param()
	case "email":
		return "must be a valid email address"
	case "url":
		return "must be a valid URL"
	}
	return fmt.Sprintf("failed %q validation", fe.Tag())
}

func idParam(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s", name)
	}
	return id, nil
}

// pathIDs parses the named URL parameters, writing a 400 response on the
// first invalid one.
func pathIDs(w http.ResponseWriter, r *http.Request, names ...string) ([]int64, bool) {
	ids := make([]int64, len(names))
	for i, n := range names {
		id, err := idParam(r, n)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return nil, false
		}
		ids[i] = id
	}
	return ids, true
}
