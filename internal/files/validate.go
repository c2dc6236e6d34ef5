package files

import (
	"mime"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"
)

const maxNameLen = 255

// blockedExtensions are executable formats that are never accepted for sharing.
var blockedExtensions = map[string]bool{
	".exe": true,
	".bat": true,
	".cmd": true,
	".com": true,
	".pif": true,
	".scr": true,
	".vbs": true,
	".msi": true,
	".dll": true,
}

// SanitizeFilename strips path separators, control characters and leading
// or trailing dots and spaces, then caps the length while keeping the
// extension. It returns "" when nothing usable is left.
func SanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)
	name = strings.Trim(name, " .")

	if len(name) > maxNameLen {
		ext := filepath.Ext(name)
		if len(ext) >= maxNameLen {
			ext = ""
		}
		n := maxNameLen - len(ext)
		for n > 0 && !utf8.RuneStart(name[n]) {
			n--
		}
		name = name[:n] + ext
	}
	return name
}

// NormalizeMimeType returns the canonical form of a media type such as
// "text/plain; charset=utf-8".
func NormalizeMimeType(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", E(KindValidation, "mime_type", "required")
	}
	mt, params, err := mime.ParseMediaType(raw)
	if err != nil {
		return "", Wrap(KindValidation, "mime_type", err, "malformed media type")
	}
	if !strings.Contains(mt, "/") {
		return "", E(KindValidation, "mime_type", "missing subtype")
	}
	return mime.FormatMediaType(mt, params), nil
}

// ReserveRequest is the client input of ReserveUpload.
type ReserveRequest struct {
	Filename    string `json:"filename"`
	MimeType    string `json:"mime_type"`
	SizeBytes   int64  `json:"size_bytes"`
	DirectoryID string `json:"directory_id,omitempty"`
}

// normalize validates the request in place.
func (r *ReserveRequest) normalize() error {
	orig := strings.TrimSpace(r.Filename)
	if orig == "" {
		return E(KindValidation, "filename", "required")
	}
	r.Filename = SanitizeFilename(orig)
	if r.Filename == "" {
		return E(KindValidation, "filename", "no usable characters in %q", orig)
	}
	if blockedExtensions[strings.ToLower(filepath.Ext(r.Filename))] {
		return E(KindValidation, "filename", "file type %s not allowed", filepath.Ext(r.Filename))
	}

	mt, err := NormalizeMimeType(r.MimeType)
	if err != nil {
		return err
	}
	r.MimeType = mt

	if r.SizeBytes <= 0 {
		return E(KindValidation, "size_bytes", "must be a positive integer")
	}

	r.DirectoryID = strings.TrimSpace(r.DirectoryID)
	if len(r.DirectoryID) > maxNameLen || strings.ContainsFunc(r.DirectoryID, unicode.IsControl) {
		return E(KindValidation, "directory_id", "invalid")
	}
	return nil
}
