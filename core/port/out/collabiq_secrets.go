package out

import "context"

// SecretStore defines the outbound port for credentials. Lookups fall back
// from environment to the local secret file; resolved values are cached
// with a short TTL. A missing required secret classifies CRITICAL.
type SecretStore interface {
	// Get resolves a secret, returning apperr.MissingKey when absent.
	Get(ctx context.Context, key string) (string, error)

	// Invalidate drops a cached value, forcing re-resolution on next Get.
	Invalidate(key string)
}
