// Package blobstore is the local-disk home for uploaded document and image
// blobs. No object storage SDK appears in this stack's dependency set (the
// original stored blobs in Supabase Storage, not any provider this corpus
// has a client library for), so blobs live on the filesystem under a
// configured directory instead, addressed by the relative path stored on
// the Document row's BlobPath column.
package blobstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Store saves and serves blobs under a root directory, one subdirectory per
// owner, named the way the original's storage_path scheme does:
// "<owner_id>/<timestamp>_<filename>".
type Store struct {
	dir string
}

func New(dir string) *Store {
	return &Store{dir: dir}
}

// Save copies r into a new file under ownerID's subdirectory and returns the
// path to store on the Document row, relative to the store's root.
func (s *Store) Save(ctx context.Context, ownerID, filename string, r io.Reader) (relPath string, size int64, err error) {
	ownerDir := filepath.Join(s.dir, sanitize(ownerID))
	if err := os.MkdirAll(ownerDir, 0o755); err != nil {
		return "", 0, fmt.Errorf("blobstore: create owner dir: %w", err)
	}

	name := fmt.Sprintf("%d_%s", time.Now().UTC().UnixNano(), sanitize(filename))
	full := filepath.Join(ownerDir, name)

	f, err := os.Create(full)
	if err != nil {
		return "", 0, fmt.Errorf("blobstore: create blob: %w", err)
	}
	defer f.Close()

	n, err := io.Copy(f, r)
	if err != nil {
		return "", 0, fmt.Errorf("blobstore: write blob: %w", err)
	}

	return filepath.Join(sanitize(ownerID), name), n, nil
}

// ReadAll loads a blob's entire content by its relative path.
func (s *Store) ReadAll(relPath string) ([]byte, error) {
	return os.ReadFile(s.AbsPath(relPath))
}

// AbsPath resolves a relative blob path (as stored on Document.BlobPath) to
// an absolute filesystem path, for callers (the PDF extractor) that need a
// real path rather than a reader.
func (s *Store) AbsPath(relPath string) string {
	return filepath.Join(s.dir, relPath)
}

// Delete removes a blob. A missing file is not an error: the caller may be
// cleaning up after a partially failed upload.
func (s *Store) Delete(relPath string) error {
	if err := os.Remove(s.AbsPath(relPath)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("blobstore: delete blob: %w", err)
	}
	return nil
}

// sanitize strips path separators so a crafted filename or owner id can
// never escape the store's root directory.
func sanitize(s string) string {
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, "\\", "_")
	s = strings.ReplaceAll(s, "..", "_")
	return s
}
