package storage

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"github.com/ruteri/enrollment-gateway/interfaces"
)

// StorageBackendFactory creates storage backends from URI strings and manages
// multi-backend configurations for redundant storage.
type StorageBackendFactory struct {
	log *slog.Logger
}

func NewStorageBackendFactory(logger *slog.Logger) *StorageBackendFactory {
	return &StorageBackendFactory{log: logger}
}

// StorageBackendFor creates a storage backend from a location URI.
// The URI format should be [scheme]://[auth@]host[:port][/path][?params]
//
// Supported schemes:
//   - memory:// - Process memory
//   - file:// - Local filesystem storage
//   - s3:// - Amazon S3 or compatible object storage
//   - vault:// - HashiCorp Vault KV v2
//   - redis:// - Redis hashes
//   - sqlite:// - SQLite database file
//
// Returns an error if the URI is invalid or the scheme is unsupported.
func (sf *StorageBackendFactory) StorageBackendFor(locationURI interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	if err := locationURI.Validate(); err != nil {
		return nil, err
	}
	u, err := url.Parse(string(locationURI))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrInvalidLocationURI, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "memory":
		return NewMemoryBackend(), nil
	case "file":
		return sf.createFileBackend(u)
	case "s3":
		return sf.createS3Backend(u)
	case "vault":
		return sf.createVaultBackend(u)
	case "redis":
		sf.log.Debug("Creating Redis backend", slog.String("host", u.Host))
		return NewRedisBackend(u.String(), sf.log)
	case "sqlite":
		return sf.createSQLiteBackend(u)
	default:
		return nil, fmt.Errorf("unsupported backend scheme: %s", u.Scheme)
	}
}

// CreateMultiBackend creates a multi-storage backend from a list of location URIs.
// A single URI yields its backend directly. Returns an error if any URI is invalid:
// gateway state must not silently lose a configured replica.
func (sf *StorageBackendFactory) CreateMultiBackend(locationURIs []interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	backends := make([]interfaces.StorageBackend, 0, len(locationURIs))

	for _, uri := range locationURIs {
		backend, err := sf.StorageBackendFor(uri)
		if err != nil {
			return nil, fmt.Errorf("storage backend %s: %w", redactURI(string(uri)), err)
		}
		backends = append(backends, backend)
	}

	switch len(backends) {
	case 0:
		return nil, fmt.Errorf("no storage backends configured")
	case 1:
		return backends[0], nil
	default:
		return NewMultiStorageBackend(backends, sf.log), nil
	}
}

// createS3Backend creates an S3 or S3-compatible storage backend.
// URI format: s3://[ACCESS_KEY:SECRET_KEY@]bucket-name/path/?region=us-west-2&endpoint=custom.s3.com
func (sf *StorageBackendFactory) createS3Backend(u *url.URL) (interfaces.StorageBackend, error) {
	sf.log.Debug("Creating S3 backend", slog.String("bucket", u.Host))

	query := u.Query()
	region := query.Get("region")
	if region == "" {
		region = "us-east-1"
	}

	var accessKey, secretKey string
	if u.User != nil {
		accessKey = u.User.Username()
		secretKey, _ = u.User.Password()
	}

	return NewS3Backend(u.Host, strings.TrimPrefix(u.Path, "/"), region, query.Get("endpoint"), accessKey, secretKey, sf.log)
}

// createVaultBackend creates a Vault KV v2 backend.
// URI format: vault://host:port/mount/path?token=...&tls=false
// The token falls back to VAULT_TOKEN when absent.
func (sf *StorageBackendFactory) createVaultBackend(u *url.URL) (interfaces.StorageBackend, error) {
	sf.log.Debug("Creating Vault backend", slog.String("host", u.Host))

	parts := strings.SplitN(strings.Trim(u.Path, "/"), "/", 2)
	if parts[0] == "" {
		return nil, fmt.Errorf("%w: vault URI needs a mount path", interfaces.ErrInvalidLocationURI)
	}
	mount := parts[0]
	dataPath := ""
	if len(parts) == 2 {
		dataPath = parts[1]
	}

	scheme := "https"
	if u.Query().Get("tls") == "false" {
		scheme = "http"
	}

	token := u.Query().Get("token")
	if token == "" {
		token = os.Getenv("VAULT_TOKEN")
	}

	return NewVaultBackend(fmt.Sprintf("%s://%s", scheme, u.Host), mount, dataPath, token, sf.log)
}

// createFileBackend creates a file system storage backend.
// URI format: file:///absolute/path/ or file://./relative/path/
func (sf *StorageBackendFactory) createFileBackend(u *url.URL) (interfaces.StorageBackend, error) {
	path := hostAndPath(u)
	if path == "" {
		return nil, fmt.Errorf("empty path in file URI: %s", u.String())
	}
	sf.log.Debug("Creating file backend", slog.String("path", path))
	return NewFileBackend(path, sf.log)
}

// createSQLiteBackend opens a SQLite database file.
// URI format: sqlite:///absolute/path.db or sqlite://./relative.db
func (sf *StorageBackendFactory) createSQLiteBackend(u *url.URL) (interfaces.StorageBackend, error) {
	path := hostAndPath(u)
	if path == "" {
		return nil, fmt.Errorf("empty path in sqlite URI: %s", u.String())
	}
	sf.log.Debug("Creating SQLite backend", slog.String("path", path))
	return NewSQLiteBackend(path, sf.log)
}

// hostAndPath joins host and path so file://./data and file:///data both work.
func hostAndPath(u *url.URL) string {
	if u.Host == "" {
		return u.Path
	}
	return u.Host + "/" + strings.TrimPrefix(u.Path, "/")
}

func redactURI(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<unparseable>"
	}
	return u.Redacted()
}
