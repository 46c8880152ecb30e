package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/ruteri/enrollment-gateway/interfaces"
)

// FileBackend implements a storage backend using the local file system.
// Each namespace is a subdirectory holding one file per record.
type FileBackend struct {
	baseDir     string
	log         *slog.Logger
	locationURI string
}

// NewFileBackend creates a new file storage backend using the specified base directory.
// It creates subdirectories for every namespace if they don't exist.
func NewFileBackend(baseDir string, log *slog.Logger) (*FileBackend, error) {
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	for _, ns := range interfaces.Namespaces {
		if err := os.MkdirAll(filepath.Join(baseDir, ns.String()), 0700); err != nil {
			return nil, fmt.Errorf("failed to create %s directory: %w", ns, err)
		}
	}

	return &FileBackend{
		baseDir:     baseDir,
		log:         log,
		locationURI: fmt.Sprintf("file://%s", baseDir),
	}, nil
}

// Fetch reads the record file. Returns ErrContentNotFound if the file doesn't exist.
func (b *FileBackend) Fetch(ctx context.Context, ns interfaces.Namespace, key string) ([]byte, error) {
	filePath := b.getFilePath(ns, key)

	data, err := os.ReadFile(filePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, interfaces.ErrContentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	b.log.Debug("Fetched record from file",
		slog.String("path", filePath),
		slog.Int("size", len(data)))

	return data, nil
}

// Store writes the record through a temporary file so readers never observe
// a partially written record.
func (b *FileBackend) Store(ctx context.Context, ns interfaces.Namespace, key string, data []byte) error {
	filePath := b.getFilePath(ns, key)

	tmp, err := os.CreateTemp(filepath.Dir(filePath), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Rename(tmp.Name(), filePath); err != nil {
		return fmt.Errorf("failed to move file into place: %w", err)
	}

	b.log.Debug("Stored record in file",
		slog.String("path", filePath),
		slog.String("namespace", ns.String()))

	return nil
}

func (b *FileBackend) Delete(ctx context.Context, ns interfaces.Namespace, key string) error {
	err := os.Remove(b.getFilePath(ns, key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove file: %w", err)
	}
	return nil
}

func (b *FileBackend) List(ctx context.Context, ns interfaces.Namespace) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(b.baseDir, ns.String()))
	if err != nil {
		return nil, fmt.Errorf("failed to list directory: %w", err)
	}

	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || entry.Name()[0] == '.' {
			continue
		}
		key, err := decodeKey(entry.Name())
		if err != nil {
			b.log.Warn("Skipping foreign file in storage directory", "err", err)
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// Available checks if the file backend is accessible by verifying the base directory exists.
func (b *FileBackend) Available(ctx context.Context) bool {
	_, err := os.Stat(b.baseDir)
	if err != nil {
		b.log.Debug("File backend unavailable", "err", err)
		return false
	}
	return true
}

// Name returns a unique identifier for this storage backend.
func (b *FileBackend) Name() string {
	return fmt.Sprintf("file-%s", filepath.Base(b.baseDir))
}

// LocationURI returns the URI that identifies this storage backend.
func (b *FileBackend) LocationURI() string {
	return b.locationURI
}

func (b *FileBackend) getFilePath(ns interfaces.Namespace, key string) string {
	return filepath.Join(b.baseDir, ns.String(), encodeKey(key))
}
