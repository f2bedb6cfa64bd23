package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/BrandonDHaskell/gatelog/internal/gatelog/errs"
	"github.com/BrandonDHaskell/gatelog/internal/gatelog/service"
	"github.com/BrandonDHaskell/gatelog/internal/gatelog/types"
)

// maxRequestBody caps JSON request bodies. An entry with a full party of
// companions is a few KiB.
const maxRequestBody = 64 << 10

// readJSON decodes a single JSON object from the request body into v,
// rejecting unknown fields.
func readJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, types.ErrorResponse{Error: code, Message: msg})
}

// writeServiceError maps an error category onto a status code. Unknown
// errors are logged and reported without detail.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, service.ErrBackupWrongKey):
		writeError(w, http.StatusUnprocessableEntity, "backup_wrong_key", "backup could not be decrypted with this installation's backup key")
		return
	case errors.Is(err, service.ErrBackupUnsupported):
		writeError(w, http.StatusBadRequest, "backup_unsupported", "backup was written by a newer version")
		return
	case errors.Is(err, service.ErrBackupCorrupt):
		writeError(w, http.StatusBadRequest, "backup_corrupt", "backup file is corrupt")
		return
	}

	switch errs.KindOf(err) {
	case errs.ErrState:
		writeError(w, http.StatusConflict, "not_ready", "no operator session; log in first")
	case errs.ErrValidation:
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errs.ErrNotFound:
		writeError(w, http.StatusNotFound, "not_found", "not found")
	case errs.ErrUnauthorized:
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid credentials")
	case errs.ErrDecryption, errs.ErrIntegrity:
		writeError(w, http.StatusUnprocessableEntity, "undecryptable", "stored data could not be decrypted")
	default:
		s.logger.ErrorContext(r.Context(), "request failed",
			"method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "unexpected server error")
	}
}
