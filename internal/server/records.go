package server

import (
	"encoding/json"
	stderrors "errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/dash-sync/internal/errors"
	"github.com/alexjbarnes/dash-sync/internal/models"
)

var errorStatusMap = map[error]int{
	errors.ErrMalformedSnapshot: http.StatusBadRequest,
	errors.ErrUnauthorized:      http.StatusUnauthorized,
	errors.ErrForbidden:         http.StatusForbidden,
	errors.ErrRecordNotFound:    http.StatusNotFound,
	errors.ErrUnavailable:       http.StatusServiceUnavailable,
}

func statusFromError(err error) int {
	var tooLarge *http.MaxBytesError
	if stderrors.As(err, &tooLarge) {
		return http.StatusRequestEntityTooLarge
	}

	for target, status := range errorStatusMap {
		if stderrors.Is(err, target) {
			return status
		}
	}

	return http.StatusInternalServerError
}

// writeError answers with the status for err. Client errors echo the
// message; server errors do not.
func (h *handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFromError(err)

	msg := err.Error()
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)

		msg = http.StatusText(status)
	}

	http.Error(w, msg, status)
}

func (h *handler) putRecord(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	rec, err := h.store.Put(r.Context(), pathUserID(r), r.Header.Get(models.DeviceHeader), body)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.logger.Info("record updated",
		slog.String("user_id", rec.UserID),
		slog.String("device_id", r.Header.Get(models.DeviceHeader)),
		slog.Time("updated_at", rec.UpdatedAt),
	)

	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) getRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := h.store.Get(r.Context(), pathUserID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")

	if err := json.NewEncoder(w).Encode(rec); err != nil {
		h.logger.Debug("writing record response", slog.String("error", err.Error()))
	}
}
