package storage

import (
	"encoding/base64"
	"errors"
	"fmt"
	"syscall"

	"github.com/ruteri/enrollment-gateway/interfaces"
)

// UpstreamError converts a storage failure into the protocol error surfaced to
// API callers. ErrContentNotFound and nil pass through unchanged.
func UpstreamError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, interfaces.ErrContentNotFound):
		return err
	case errors.Is(err, syscall.ECONNREFUSED):
		return fmt.Errorf("%w: %v", interfaces.ErrConnectionRefused, err)
	default:
		return fmt.Errorf("%w: %v", interfaces.ErrOffline, err)
	}
}

func encodeKey(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

func decodeKey(encoded string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("undecodable storage key %q: %w", encoded, err)
	}
	return string(raw), nil
}
