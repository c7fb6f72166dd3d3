// Package storage archives fetched pages to a pipeline.BlobStore so a run can
// be audited or re-extracted later. Backends live in the local, gcs and
// memory subpackages.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/JakeFAU/harvest/internal/fingerprint"
	"github.com/JakeFAU/harvest/internal/pipeline"
)

// DefaultPrefix is used when no archive prefix is configured.
const DefaultPrefix = "raw"

// Archiver writes raw pages under prefix/target/yyyy/mm/dd/<sha256>.html.
// Identical bodies fetched on the same day share a key.
type Archiver struct {
	store  pipeline.BlobStore
	prefix string
	hasher *fingerprint.Hasher
}

// NewArchiver wraps store. A nil store yields a NoOp archive.
func NewArchiver(store pipeline.BlobStore, prefix string) *Archiver {
	if store == nil {
		store = NoOp{}
	}
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Archiver{store: store, prefix: prefix, hasher: fingerprint.NewHasher()}
}

// Key computes the object key for page.
func (a *Archiver) Key(page pipeline.RawPage) string {
	fetched := page.FetchedAt
	if fetched.IsZero() {
		fetched = time.Now()
	}
	fetched = fetched.UTC()
	return path.Join(
		a.prefix,
		safeSegment(page.TargetID),
		fetched.Format("2006"),
		fetched.Format("01"),
		fetched.Format("02"),
		a.hasher.Hash(page.Body)+".html",
	)
}

// Archive stores the page body and returns the backend URI.
func (a *Archiver) Archive(ctx context.Context, page pipeline.RawPage) (string, error) {
	if len(page.Body) == 0 {
		return "", errors.New("archive: empty page body")
	}
	contentType := page.Headers.Get("Content-Type")
	if contentType == "" {
		contentType = "text/html; charset=utf-8"
	}
	key := a.Key(page)
	uri, err := a.store.PutObject(ctx, key, contentType, bytes.NewReader(page.Body))
	if err != nil {
		return "", fmt.Errorf("archive %s: %w", key, err)
	}
	return uri, nil
}

func safeSegment(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', '.':
			return '_'
		}
		return r
	}, id)
}

// NoOp discards everything. It backs runs with archiving disabled.
type NoOp struct{}

// PutObject drains data and returns an empty URI.
func (NoOp) PutObject(_ context.Context, _ string, _ string, data io.Reader) (string, error) {
	if _, err := io.Copy(io.Discard, data); err != nil {
		return "", fmt.Errorf("discard object: %w", err)
	}
	return "", nil
}
