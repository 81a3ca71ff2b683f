package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/wmag777/story-book/internal/imagegen"
	"github.com/wmag777/story-book/internal/imagegen/gemini"
	"github.com/wmag777/story-book/internal/prompt"
	"github.com/wmag777/story-book/internal/queue"
	"github.com/wmag777/story-book/internal/settings"
	"github.com/wmag777/story-book/internal/storage"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func jsonOK(w http.ResponseWriter, message string, extra map[string]any) {
	body := map[string]any{"status": "ok"}
	if message != "" {
		body["message"] = message
	}
	for k, v := range extra {
		body[k] = v
	}
	writeJSON(w, http.StatusOK, body)
}

func jsonError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"status": "error", "message": message})
}

// wantsJSON reports whether the client is an AJAX caller rather than a form
// submission expecting a redirect.
func wantsJSON(r *http.Request) bool {
	if strings.EqualFold(r.Header.Get("X-Requested-With"), "XMLHttpRequest") {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}

func pathID(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, name), 10, 64)
}

// validationError marks a caller mistake so it maps to a 400 instead of a
// server error.
type validationError struct {
	msg string
}

func (e *validationError) Error() string {
	return e.msg
}

func badRequest(format string, args ...any) error {
	return &validationError{msg: fmt.Sprintf(format, args...)}
}

// httpStatusFor maps domain errors onto HTTP statuses. Backend failures are
// upstream trouble, everything the caller can correct is a 400.
func httpStatusFor(err error) int {
	var be *gemini.BackendError
	if errors.As(err, &be) {
		return http.StatusBadGateway
	}
	var ve *validationError
	if errors.As(err, &ve) {
		return http.StatusBadRequest
	}
	var mv *prompt.MissingVariableError
	if errors.As(err, &mv) {
		return http.StatusBadRequest
	}
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, queue.ErrStatusNotFound):
		return http.StatusNotFound
	case errors.Is(err, imagegen.ErrMissingAPIKey),
		errors.Is(err, imagegen.ErrEmptyName),
		errors.Is(err, imagegen.ErrEmptyDescription),
		errors.Is(err, settings.ErrNegativeCost):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// publicError hides internals for server-side failures but passes through
// actionable messages.
func publicError(err error) string {
	if httpStatusFor(err) == http.StatusInternalServerError {
		return "internal error"
	}
	return err.Error()
}
