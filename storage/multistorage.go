package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/ruteri/enrollment-gateway/interfaces"
)

// MultiStorageBackend implements interfaces.StorageBackend using multiple backends with fallback.
// Writes go to every available backend, reads come from the first backend holding the record.
type MultiStorageBackend struct {
	backends []interfaces.StorageBackend
	log      *slog.Logger
}

// NewMultiStorageBackend creates a new multi-storage backend with fallback
func NewMultiStorageBackend(backends []interfaces.StorageBackend, logger *slog.Logger) *MultiStorageBackend {
	if logger == nil {
		logger = slog.Default()
	}

	return &MultiStorageBackend{
		backends: backends,
		log:      logger,
	}
}

// Fetch returns ErrContentNotFound only when every available backend reported
// the record missing; any other failure takes precedence.
func (m *MultiStorageBackend) Fetch(ctx context.Context, ns interfaces.Namespace, key string) ([]byte, error) {
	start := time.Now()
	var errs []error
	available := 0

	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			m.log.Debug("Backend unavailable", slog.String("backend_name", backend.Name()))
			continue
		}
		available++

		data, err := backend.Fetch(ctx, ns, key)
		if err == nil {
			m.log.Debug("Fetched record",
				slog.String("backend_name", backend.Name()),
				slog.String("namespace", ns.String()),
				slog.Duration("duration", time.Since(start)))
			return data, nil
		}
		if errors.Is(err, interfaces.ErrContentNotFound) {
			continue
		}

		errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
		m.log.Debug("Failed to fetch from backend",
			slog.String("backend_name", backend.Name()),
			"err", err)
	}

	if available == 0 {
		return nil, fmt.Errorf("%w: no backend available", interfaces.ErrBackendUnavailable)
	}
	if len(errs) > 0 {
		m.log.Error("Backends failed to fetch record",
			slog.String("namespace", ns.String()),
			slog.Int("failed_backends", len(errs)),
			slog.Duration("duration", time.Since(start)))
		return nil, errors.Join(errs...)
	}
	return nil, interfaces.ErrContentNotFound
}

// Store saves the record to all available backends and succeeds if at least one did.
func (m *MultiStorageBackend) Store(ctx context.Context, ns interfaces.Namespace, key string, data []byte) error {
	start := time.Now()
	var success bool
	var errs []error

	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			m.log.Debug("Backend unavailable", slog.String("backend_name", backend.Name()))
			continue
		}

		if err := backend.Store(ctx, ns, key, data); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
			m.log.Warn("Failed to store to backend",
				slog.String("backend_name", backend.Name()),
				"err", err)
			continue
		}
		success = true
	}

	if !success {
		m.log.Error("All backends failed to store record",
			slog.Int("failed_backends", len(errs)),
			slog.Duration("duration", time.Since(start)))
		if len(errs) == 0 {
			return fmt.Errorf("%w: no backend available", interfaces.ErrBackendUnavailable)
		}
		return errors.Join(errs...)
	}

	return nil
}

// Delete removes the record from every available backend.
func (m *MultiStorageBackend) Delete(ctx context.Context, ns interfaces.Namespace, key string) error {
	var errs []error
	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			continue
		}
		if err := backend.Delete(ctx, ns, key); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// List returns the union of keys across available backends.
func (m *MultiStorageBackend) List(ctx context.Context, ns interfaces.Namespace) ([]string, error) {
	seen := make(map[string]struct{})
	var errs []error
	listed := false

	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			continue
		}
		keys, err := backend.List(ctx, ns)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
			continue
		}
		listed = true
		for _, key := range keys {
			seen[key] = struct{}{}
		}
	}

	if !listed {
		if len(errs) == 0 {
			return nil, fmt.Errorf("%w: no backend available", interfaces.ErrBackendUnavailable)
		}
		return nil, errors.Join(errs...)
	}

	keys := make([]string, 0, len(seen))
	for key := range seen {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// Available checks if any backend is available
func (m *MultiStorageBackend) Available(ctx context.Context) bool {
	for _, backend := range m.backends {
		if backend.Available(ctx) {
			return true
		}
	}
	return false
}

// Name returns the name of this backend
func (m *MultiStorageBackend) Name() string {
	return "multi-storage"
}

// LocationURI returns the URI of this backend
func (m *MultiStorageBackend) LocationURI() string {
	var locations []string
	for _, backend := range m.backends {
		locations = append(locations, backend.LocationURI())
	}

	return "multi:[" + strings.Join(locations, ",") + "]"
}
