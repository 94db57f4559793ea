package remote

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Blobs stores photo objects.
type Blobs interface {
	Put(ctx context.Context, path string, data []byte, contentType string) (string, error)
	Delete(ctx context.Context, path string) error
}

// FileBlobs is a Blobs on the local file system, laid out as
// <root>/<bucket>/<path>, served at <baseURL>/<bucket>/<path>.
type FileBlobs struct {
	root    string
	baseURL string
}

// NewFileBlobs creates the bucket directory under root.
func NewFileBlobs(root, baseURL string) (*FileBlobs, error) {
	if err := os.MkdirAll(filepath.Join(root, Bucket), 0o755); err != nil {
		return nil, fmt.Errorf("create bucket: %w", err)
	}
	return &FileBlobs{root: root, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// Put writes data atomically (temp file + rename) and returns its URL.
// Writing an existing path replaces it.
func (b *FileBlobs) Put(ctx context.Context, path string, data []byte, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if contentType != PhotoContentType {
		return "", fmt.Errorf("unsupported content type %q", contentType)
	}
	full, err := b.resolve(path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("create object dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("create temp object: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write object: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("sync object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close object: %w", err)
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		return "", fmt.Errorf("publish object: %w", err)
	}

	return b.baseURL + "/" + Bucket + "/" + path, nil
}

// Delete removes an object. Deleting a missing object is not an error.
func (b *FileBlobs) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	full, err := b.resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

func (b *FileBlobs) resolve(path string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(path))
	if clean == "." || filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("invalid object path %q", path)
	}
	return filepath.Join(b.root, Bucket, clean), nil
}
