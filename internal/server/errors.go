package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"sharedrop/internal/auth"
	"sharedrop/internal/files"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// statusFor maps an error kind to an HTTP status. Anonymous callers that
// are refused access get 401 so clients know to sign in.
func statusFor(r *http.Request, err error) int {
	switch files.KindOf(err) {
	case files.KindValidation:
		return http.StatusBadRequest
	case files.KindUnauthenticated:
		return http.StatusUnauthorized
	case files.KindUnauthorized:
		if !auth.PrincipalFrom(r.Context()).Authenticated() {
			return http.StatusUnauthorized
		}
		return http.StatusForbidden
	case files.KindNotFound:
		return http.StatusNotFound
	case files.KindConflict:
		return http.StatusConflict
	case files.KindExternalService:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// publicMessage hides internal causes from clients.
func publicMessage(err error) string {
	var e *files.Error
	if errors.As(err, &e) && e.Kind != files.KindInternal {
		if e.Msg != "" {
			return e.Msg
		}
		return e.Kind.String()
	}
	return "internal error"
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(r, err)
	logEvent := zerolog.Ctx(r.Context()).Debug()
	if status >= http.StatusInternalServerError {
		logEvent = zerolog.Ctx(r.Context()).Error()
	}
	logEvent.Err(err).Int("status", status).Msg("request failed")

	writeJSON(w, status, errorBody{Error: errorDetail{
		Code:    files.KindOf(err).String(),
		Message: publicMessage(err),
	}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON reads a bounded JSON body into v and rejects unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return files.Wrap(files.KindValidation, "decode", err, "invalid JSON body")
	}
	return nil
}
