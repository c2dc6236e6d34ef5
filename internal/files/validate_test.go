package files

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"a.txt", "a.txt"},
		{"../../etc/passwd", "_.._etc_passwd"},
		{`C:\Users\me\doc.pdf`, "C:_Users_me_doc.pdf"},
		{"bad\x00name\n.txt", "badname.txt"},
		{"  .hidden.  ", "hidden"},
		{"...", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeFilename(tt.in), "input %q", tt.in)
	}

	long := strings.Repeat("x", 300) + ".csv"
	got := SanitizeFilename(long)
	assert.Len(t, got, maxNameLen)
	assert.True(t, strings.HasSuffix(got, ".csv"))
}

func TestSanitizeFilename_TruncatesOnRuneBoundary(t *testing.T) {
	got := SanitizeFilename(strings.Repeat("é", 200) + ".txt")

	assert.True(t, utf8.ValidString(got), "got %q", got)
	assert.LessOrEqual(t, len(got), maxNameLen)
	assert.Equal(t, strings.Repeat("é", 125)+".txt", got)

	mixed := SanitizeFilename("a" + strings.Repeat("日本", 100) + ".md")
	assert.True(t, utf8.ValidString(mixed))
	assert.True(t, strings.HasSuffix(mixed, ".md"))
}

func TestNormalizeMimeType(t *testing.T) {
	got, err := NormalizeMimeType(" Text/Plain; Charset=UTF-8 ")
	require.NoError(t, err)
	assert.Equal(t, "text/plain; charset=UTF-8", got)

	for _, bad := range []string{"", "text", "text/plain; =x", "/"} {
		_, err := NormalizeMimeType(bad)
		assert.ErrorIs(t, err, ErrValidation, "input %q", bad)
	}
}

func TestReserveRequestNormalize(t *testing.T) {
	valid := ReserveRequest{Filename: "a.txt", MimeType: "text/plain", SizeBytes: 10}

	tests := []struct {
		name   string
		mutate func(r *ReserveRequest)
		ok     bool
	}{
		{"valid", func(*ReserveRequest) {}, true},
		{"missing filename", func(r *ReserveRequest) { r.Filename = "  " }, false},
		{"unusable filename", func(r *ReserveRequest) { r.Filename = ".." }, false},
		{"blocked extension", func(r *ReserveRequest) { r.Filename = "setup.EXE" }, false},
		{"missing mime", func(r *ReserveRequest) { r.MimeType = "" }, false},
		{"malformed mime", func(r *ReserveRequest) { r.MimeType = "text" }, false},
		{"zero size", func(r *ReserveRequest) { r.SizeBytes = 0 }, false},
		{"negative size", func(r *ReserveRequest) { r.SizeBytes = -1 }, false},
		{"directory", func(r *ReserveRequest) { r.DirectoryID = "projects" }, true},
		{"directory control char", func(r *ReserveRequest) { r.DirectoryID = "a\nb" }, false},
		{"directory too long", func(r *ReserveRequest) { r.DirectoryID = strings.Repeat("d", 256) }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := valid
			tt.mutate(&r)
			err := r.normalize()
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
}
