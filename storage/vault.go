package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/ruteri/enrollment-gateway/interfaces"
)

// VaultBackend implements a storage backend on a HashiCorp Vault KV v2 mount.
// Each record is a secret holding a single "content" field.
type VaultBackend struct {
	client      *api.Client
	mountPath   string
	dataPath    string
	log         *slog.Logger
	locationURI string
}

// NewVaultBackend creates a Vault backend authenticated with token. An empty
// token keeps whatever the client picked up from VAULT_TOKEN.
//
// Parameters:
//   - address: Vault server address (e.g. https://vault.example.com:8200)
//   - mountPath: KV v2 mount (e.g. "secret")
//   - dataPath: Path within the mount (e.g. "enrollment")
func NewVaultBackend(address, mountPath, dataPath, token string, log *slog.Logger) (*VaultBackend, error) {
	config := api.DefaultConfig()
	config.Address = address
	config.Timeout = 30 * time.Second

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if token != "" {
		client.SetToken(token)
	}

	mountPath = strings.Trim(mountPath, "/")
	dataPath = strings.Trim(dataPath, "/")

	return &VaultBackend{
		client:      client,
		mountPath:   mountPath,
		dataPath:    dataPath,
		log:         log,
		locationURI: fmt.Sprintf("vault://%s/%s/%s", strings.TrimPrefix(strings.TrimPrefix(address, "https://"), "http://"), mountPath, dataPath),
	}, nil
}

func (b *VaultBackend) Fetch(ctx context.Context, ns interfaces.Namespace, key string) ([]byte, error) {
	start := time.Now()
	path := b.secretPath("data", ns, key)

	secret, err := b.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		b.log.Error("Failed to read from Vault",
			slog.String("path", path),
			"err", err)
		return nil, fmt.Errorf("%w: %w", interfaces.ErrBackendUnavailable, err)
	}

	if secret == nil || secret.Data == nil {
		b.log.Debug("Record not found in Vault", slog.String("path", path))
		return nil, interfaces.ErrContentNotFound
	}

	// KV v2 nests the payload under "data"; a deleted version has a nil payload.
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok || data == nil {
		return nil, interfaces.ErrContentNotFound
	}

	content, ok := data["content"].(string)
	if !ok {
		b.log.Error("Invalid content format in Vault data", slog.String("path", path))
		return nil, fmt.Errorf("invalid content format in Vault data at %s", path)
	}

	b.log.Debug("Fetched record from Vault",
		slog.String("path", path),
		slog.Duration("duration", time.Since(start)))

	return []byte(content), nil
}

func (b *VaultBackend) Store(ctx context.Context, ns interfaces.Namespace, key string, data []byte) error {
	path := b.secretPath("data", ns, key)

	_, err := b.client.Logical().WriteWithContext(ctx, path, map[string]interface{}{
		"data": map[string]interface{}{
			"content": string(data),
		},
	})
	if err != nil {
		b.log.Error("Failed to write to Vault",
			slog.String("path", path),
			"err", err)
		return fmt.Errorf("%w: %w", interfaces.ErrBackendUnavailable, err)
	}

	b.log.Debug("Stored record in Vault", slog.String("path", path))
	return nil
}

// Delete removes every version of the record through the metadata endpoint.
func (b *VaultBackend) Delete(ctx context.Context, ns interfaces.Namespace, key string) error {
	path := b.secretPath("metadata", ns, key)
	if _, err := b.client.Logical().DeleteWithContext(ctx, path); err != nil {
		return fmt.Errorf("%w: %w", interfaces.ErrBackendUnavailable, err)
	}
	return nil
}

func (b *VaultBackend) List(ctx context.Context, ns interfaces.Namespace) ([]string, error) {
	secret, err := b.client.Logical().ListWithContext(ctx, b.secretPath("metadata", ns, ""))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", interfaces.ErrBackendUnavailable, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, nil
	}

	raw, _ := secret.Data["keys"].([]interface{})
	keys := make([]string, 0, len(raw))
	for _, item := range raw {
		name, ok := item.(string)
		if !ok || strings.HasSuffix(name, "/") {
			continue
		}
		key, err := decodeKey(name)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// Available checks if the Vault backend is accessible.
// It uses the health endpoint to verify that Vault is initialized and unsealed.
func (b *VaultBackend) Available(ctx context.Context) bool {
	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	health, err := b.client.Sys().HealthWithContext(healthCtx)
	if err != nil {
		b.log.Debug("Vault health check failed", "err", err)
		return false
	}

	if !health.Initialized || health.Sealed {
		b.log.Debug("Vault is not available",
			slog.Bool("initialized", health.Initialized),
			slog.Bool("sealed", health.Sealed))
		return false
	}

	return true
}

// Name returns a unique identifier for this storage backend.
func (b *VaultBackend) Name() string {
	return fmt.Sprintf("vault-%s-%s", b.mountPath, b.dataPath)
}

// LocationURI returns the URI that identifies this storage backend.
func (b *VaultBackend) LocationURI() string {
	return b.locationURI
}

// secretPath builds <mount>/<data|metadata>/<dataPath>/<namespace>/<encoded key>.
func (b *VaultBackend) secretPath(kind string, ns interfaces.Namespace, key string) string {
	parts := []string{b.mountPath, kind}
	if b.dataPath != "" {
		parts = append(parts, b.dataPath)
	}
	parts = append(parts, ns.String())
	if key != "" {
		parts = append(parts, encodeKey(key))
	}
	return strings.Join(parts, "/")
}
