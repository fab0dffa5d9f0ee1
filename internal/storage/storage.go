// Package storage persists generated audio and uploaded photos behind a
// small file-oriented interface so the server can run against local disk or
// an S3-compatible bucket.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/loqalabs/soilsong/internal/config"
)

// FileStore is a minimal interface for file-oriented storage.
//
// Names are forward-slash separated and relative to the store root.
// Implementations must be safe for concurrent use.
type FileStore interface {
	// Read opens the named file. Missing files yield an error wrapping os.ErrNotExist.
	Read(ctx context.Context, name string) (io.ReadCloser, error)
	// Write truncates or creates the named file. Close flushes it.
	Write(ctx context.Context, name string) (io.WriteCloser, error)
	// Delete removes the named file and is a no-op when it is already gone.
	Delete(ctx context.Context, name string) error
	Exists(ctx context.Context, name string) (bool, error)
}

// Stores groups the two namespaces the service writes to.
type Stores struct {
	Audio   FileStore
	Uploads FileStore
}

func Open(ctx context.Context, cfg config.StorageConfig) (Stores, error) {
	switch cfg.Backend {
	case "", "local":
		audio, err := NewLocal(cfg.AudioDir)
		if err != nil {
			return Stores{}, fmt.Errorf("open audio dir: %w", err)
		}
		uploads, err := NewLocal(cfg.UploadDir)
		if err != nil {
			return Stores{}, fmt.Errorf("open upload dir: %w", err)
		}
		return Stores{Audio: audio, Uploads: uploads}, nil
	case "s3":
		client := NewS3Client(cfg.S3)
		prefix := strings.Trim(cfg.S3.Prefix, "/")
		return Stores{
			Audio:   NewS3(client, cfg.S3.Bucket, joinPrefix(prefix, "audio")),
			Uploads: NewS3(client, cfg.S3.Bucket, joinPrefix(prefix, "uploads")),
		}, nil
	default:
		return Stores{}, fmt.Errorf("unsupported storage backend %q", cfg.Backend)
	}
}

// WriteFile stores data under name, removing the partial file if the write fails.
func WriteFile(ctx context.Context, store FileStore, name string, src io.Reader) (int64, error) {
	w, err := store.Write(ctx, name)
	if err != nil {
		return 0, err
	}
	n, copyErr := io.Copy(w, src)
	closeErr := w.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		_ = store.Delete(context.WithoutCancel(ctx), name)
		return n, err
	}
	return n, nil
}

// CleanName rejects names that would escape the store root.
func CleanName(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `\`) {
		return "", fmt.Errorf("invalid file name %q", name)
	}
	cleaned := path.Clean("/" + name)[1:]
	if cleaned == "" || cleaned != name || strings.HasPrefix(cleaned, "..") {
		return "", fmt.Errorf("invalid file name %q", name)
	}
	return cleaned, nil
}

func joinPrefix(prefix, leaf string) string {
	if prefix == "" {
		return leaf
	}
	return prefix + "/" + leaf
}
