// Package secrets resolves credentials for the adapters. Lookup order is
// process environment, then the local .env file loaded at startup. Resolved
// values sit in a TTL cache so rotation is picked up within minutes without
// a restart.
package secrets

import (
	"context"
	"os"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"collabiq/core/port/out"
	"collabiq/pkg/apperr"
)

const (
	cacheSize = 128
	cacheTTL  = 5 * time.Minute
)

// EnvSecretStore implements the secret port over environment variables and
// an optional .env file.
type EnvSecretStore struct {
	cache   *expirable.LRU[string, string]
	envFile map[string]string
	log     zerolog.Logger
}

var _ out.SecretStore = (*EnvSecretStore)(nil)

// NewEnvSecretStore loads envPath once; a missing file is not an error,
// the store then serves the process environment only.
func NewEnvSecretStore(envPath string, log zerolog.Logger) *EnvSecretStore {
	fileVars := map[string]string{}
	if envPath != "" {
		if vars, err := godotenv.Read(envPath); err == nil {
			fileVars = vars
		} else if !os.IsNotExist(err) {
			log.Warn().
				Str("component", "secrets").
				Str("operation", "load_env_file").
				Err(err).
				Msg("failed to read env file, continuing with process env only")
		}
	}

	return &EnvSecretStore{
		cache:   expirable.NewLRU[string, string](cacheSize, nil, cacheTTL),
		envFile: fileVars,
		log:     log,
	}
}

func (s *EnvSecretStore) Get(ctx context.Context, key string) (string, error) {
	if v, ok := s.cache.Get(key); ok {
		return v, nil
	}

	v := os.Getenv(key)
	if v == "" {
		v = s.envFile[key]
	}
	if v == "" {
		return "", apperr.MissingKey(key)
	}

	s.cache.Add(key, v)
	return v, nil
}

func (s *EnvSecretStore) Invalidate(key string) {
	s.cache.Remove(key)
}
