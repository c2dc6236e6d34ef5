package server

import (
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"sharedrop/internal/auth"
	"sharedrop/internal/files"
)

// reserveResp is returned when an upload slot has been reserved.
type reserveResp struct {
	FileID          string       `json:"file_id"`
	PresignedPutURL string       `json:"presigned_put_url"`
	ExpiresAt       time.Time    `json:"expires_at"`
	Locator         string       `json:"locator"`
	Status          files.Status `json:"status"`
}

// handleReserve handles POST /api/v1/files.
//
// Request body: {filename, mime_type, size_bytes, directory_id?}
// Response: 201 with file_id, presigned_put_url, expires_at, locator.
// The client PUTs the bytes straight to presigned_put_url with the same
// Content-Type, then reports the upload via PUT /files/{id}/status.
func (s *Server) handleReserve(w http.ResponseWriter, r *http.Request) {
	var req files.ReserveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	res, err := s.coord.ReserveUpload(r.Context(), auth.PrincipalFrom(r.Context()), req)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, reserveResp{
		FileID:          res.FileID,
		PresignedPutURL: res.PutURL,
		ExpiresAt:       res.ExpiresAt,
		Locator:         res.Record.Locator,
		Status:          res.Record.Status,
	})
}

type statusReq struct {
	Status string `json:"status"`
}

// completeFailure carries the failed record next to the error so clients
// can show the final state.
type completeFailure struct {
	Error errorDetail       `json:"error"`
	File  *files.FileRecord `json:"file"`
}

// handleComplete handles PUT /api/v1/files/{id}/status.
//
// The claimed status is checked against the object store before the
// record moves. If the object cannot be verified the record is failed and
// the response is 502 with both the error and the record.
func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req statusReq
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	id := chi.URLParam(r, "id")
	rec, err := s.coord.CompleteUpload(r.Context(), auth.PrincipalFrom(r.Context()), id, req.Status)
	if err != nil {
		if rec != nil {
			zerolog.Ctx(r.Context()).Warn().Err(err).Str("file_id", id).Msg("upload verification failed")
			writeJSON(w, statusFor(r, err), completeFailure{
				Error: errorDetail{Code: files.KindOf(err).String(), Message: publicMessage(err)},
				File:  rec,
			})
			return
		}
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type downloadResp struct {
	PresignedGetURL string    `json:"presigned_get_url"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// handleDownload handles GET /api/v1/files/{id}/download. Credentials are
// optional; public files are served to anyone.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	dl, err := s.gate.AuthorizeDownload(r.Context(), auth.PrincipalFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, downloadResp{PresignedGetURL: dl.URL, ExpiresAt: dl.ExpiresAt})
}

// handleShareLink handles GET /d/{id}, the link users paste around. Allowed
// callers are redirected to a fresh presigned URL; anonymous callers hitting
// a private file are sent to the login page and come back afterwards.
func (s *Server) handleShareLink(w http.ResponseWriter, r *http.Request) {
	p := auth.PrincipalFrom(r.Context())
	dl, err := s.gate.AuthorizeDownload(r.Context(), p, chi.URLParam(r, "id"))
	if err != nil {
		if files.KindOf(err) == files.KindUnauthorized && !p.Authenticated() {
			http.Redirect(w, r, "/login?next="+url.QueryEscape(r.URL.RequestURI()), http.StatusFound)
			return
		}
		writeError(w, r, err)
		return
	}
	http.Redirect(w, r, dl.URL, http.StatusFound)
}

type permissionsReq struct {
	Permissions files.Permission `json:"permissions"`
}

// handlePermissions handles PUT /api/v1/files/{id}/permissions. Owner only.
func (s *Server) handlePermissions(w http.ResponseWriter, r *http.Request) {
	var req permissionsReq
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	rec, err := s.coord.SetPermissions(r.Context(), auth.PrincipalFrom(r.Context()), chi.URLParam(r, "id"), req.Permissions)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type listResp struct {
	Files  []*files.FileRecord `json:"files"`
	Limit  int                 `json:"limit"`
	Offset int                 `json:"offset"`
}

// handleList handles GET /api/v1/files?limit=&offset=.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	opts, err := listOptions(r.URL.Query())
	if err != nil {
		writeError(w, r, err)
		return
	}
	recs, err := s.coord.ListFiles(r.Context(), auth.PrincipalFrom(r.Context()), opts)
	if err != nil {
		writeError(w, r, err)
		return
	}
	opts = opts.Normalize()
	writeJSON(w, http.StatusOK, listResp{Files: recs, Limit: opts.Limit, Offset: opts.Offset})
}

func listOptions(q url.Values) (files.ListOptions, error) {
	var opts files.ListOptions
	for key, dst := range map[string]*int{"limit": &opts.Limit, "offset": &opts.Offset} {
		v := q.Get(key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return opts, files.E(files.KindValidation, "list_files", "%s must be a non-negative integer", key)
		}
		*dst = n
	}
	return opts, nil
}

// handleUsage handles GET /api/v1/users/me/usage.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	u, err := s.coord.Usage(r.Context(), auth.PrincipalFrom(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}
