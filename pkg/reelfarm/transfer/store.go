// Package transfer uploads rendered outputs to object storage: content
// addressed keys for deduplication, tiered multipart uploads with per-part
// retries, and a single-put fallback.
package transfer

import (
	"context"
	"sort"
)

// Part is a committed part of a multipart upload.
type Part struct {
	Number int
	ETag   string
}

// ObjectStore is the object storage boundary. AbortMultipart and Exists
// must be idempotent.
type ObjectStore interface {
	Exists(ctx context.Context, key string) (bool, error)
	PutObject(ctx context.Context, key string, data []byte) error
	InitMultipart(ctx context.Context, key string) (uploadID string, err error)
	UploadPart(ctx context.Context, key, uploadID string, number int, data []byte) (Part, error)
	CompleteMultipart(ctx context.Context, key, uploadID string, parts []Part) error
	AbortMultipart(ctx context.Context, key, uploadID string) error
	URL(key string) string
}

func sortParts(parts []Part) {
	sort.Slice(parts, func(i, j int) bool { return parts[i].Number < parts[j].Number })
}
