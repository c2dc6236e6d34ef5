package files

import (
	"context"
	"strings"
)

// Usage categories.
const (
	CategoryImages    = "images"
	CategoryVideos    = "videos"
	CategoryAudios    = "audios"
	CategoryDocuments = "documents"
	CategoryDatasets  = "datasets"
	CategoryModels    = "models"
	CategoryOther     = "other"
)

var categories = []string{
	CategoryImages, CategoryVideos, CategoryAudios, CategoryDocuments,
	CategoryDatasets, CategoryModels, CategoryOther,
}

// mimeCategories lists media types whose top-level type does not say
// enough on its own.
var mimeCategories = map[string][]string{
	CategoryDocuments: {
		"application/pdf",
		"application/msword",
		"application/rtf",
		"application/vnd.ms-excel",
		"application/vnd.ms-powerpoint",
		"application/vnd.oasis.opendocument.text",
		"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		"application/vnd.openxmlformats-officedocument.presentationml.presentation",
	},
	CategoryDatasets: {
		"text/csv",
		"text/tab-separated-values",
		"application/json",
		"application/x-ndjson",
		"application/vnd.apache.parquet",
		"application/x-parquet",
		"application/x-hdf5",
		"application/x-sqlite3",
	},
	CategoryModels: {
		"application/x-onnx",
		"application/x-safetensors",
		"application/x-pytorch",
		"application/x-tflite",
		"application/x-keras",
	},
}

var categoryByMime = func() map[string]string {
	m := make(map[string]string)
	for cat, types := range mimeCategories {
		for _, t := range types {
			m[t] = cat
		}
	}
	return m
}()

// Category maps a media type to a usage category.
func Category(mimeType string) string {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	if c, ok := categoryByMime[mt]; ok {
		return c
	}
	switch {
	case strings.HasPrefix(mt, "image/"):
		return CategoryImages
	case strings.HasPrefix(mt, "video/"):
		return CategoryVideos
	case strings.HasPrefix(mt, "audio/"):
		return CategoryAudios
	case strings.HasPrefix(mt, "text/"):
		return CategoryDocuments
	}
	return CategoryOther
}

// Usage is a per-owner summary of stored files. Only uploaded and
// validated records count; reservations and failures hold no bytes.
type Usage struct {
	FileCounts map[string]int64 `json:"file_counts"`
	ByteCounts map[string]int64 `json:"byte_counts"`
}

func newUsage() *Usage {
	u := &Usage{
		FileCounts: map[string]int64{"total": 0},
		ByteCounts: map[string]int64{"total": 0},
	}
	for _, c := range categories {
		u.FileCounts[c] = 0
		u.ByteCounts[c] = 0
	}
	return u
}

func (u *Usage) add(t MimeTotal) {
	c := Category(t.MimeType)
	u.FileCounts[c] += t.Count
	u.ByteCounts[c] += t.Bytes
	u.FileCounts["total"] += t.Count
	u.ByteCounts["total"] += t.Bytes
}

// Usage summarises the principal's stored files by category.
func (c *Coordinator) Usage(ctx context.Context, p Principal) (*Usage, error) {
	const op = "usage"

	p = orAnonymous(p)
	if !p.Authenticated() {
		return nil, E(KindUnauthenticated, op, "no principal")
	}
	totals, err := c.records.TotalsByMimeType(ctx, p.ID(), []Status{StatusUploaded, StatusValidated})
	if err != nil {
		return nil, asDomain(op, err)
	}
	u := newUsage()
	for _, t := range totals {
		u.add(t)
	}
	return u, nil
}
