package secrets

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"collabiq/pkg/apperr"
)

func writeEnvFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	return path
}

// TestGetFromEnvFile tests the .env fallback.
func TestGetFromEnvFile(t *testing.T) {
	path := writeEnvFile(t, "COLLABIQ_TEST_FILE_KEY=from-file\n")
	store := NewEnvSecretStore(path, zerolog.Nop())

	got, err := store.Get(context.Background(), "COLLABIQ_TEST_FILE_KEY")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got != "from-file" {
		t.Errorf("value = %q, want from-file", got)
	}
}

// TestEnvOverridesFile tests that process env wins over the file.
func TestEnvOverridesFile(t *testing.T) {
	path := writeEnvFile(t, "COLLABIQ_TEST_PRIO=from-file\n")
	t.Setenv("COLLABIQ_TEST_PRIO", "from-env")

	store := NewEnvSecretStore(path, zerolog.Nop())
	got, err := store.Get(context.Background(), "COLLABIQ_TEST_PRIO")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got != "from-env" {
		t.Errorf("value = %q, want from-env (env wins)", got)
	}
}

// TestMissingKeyIsCritical tests the error classification for absent keys.
func TestMissingKeyIsCritical(t *testing.T) {
	store := NewEnvSecretStore("", zerolog.Nop())

	_, err := store.Get(context.Background(), "COLLABIQ_TEST_ABSENT")
	if err == nil {
		t.Fatalf("Get(missing) error = nil, want MissingKey")
	}
	if !apperr.IsCritical(err) {
		t.Errorf("missing key should classify CRITICAL, got %v", apperr.CategoryOf(err))
	}

	var appErr *apperr.AppError
	if !errors.As(err, &appErr) || appErr.Code != apperr.CodeMissingKey {
		t.Errorf("code = %v, want MISSING_KEY", err)
	}
}

// TestCacheAndInvalidate tests that values are cached until invalidated.
func TestCacheAndInvalidate(t *testing.T) {
	t.Setenv("COLLABIQ_TEST_ROTATE", "v1")
	store := NewEnvSecretStore("", zerolog.Nop())
	ctx := context.Background()

	if got, _ := store.Get(ctx, "COLLABIQ_TEST_ROTATE"); got != "v1" {
		t.Fatalf("value = %q, want v1", got)
	}

	// 캐시가 유효한 동안은 회전된 값이 보이지 않음
	t.Setenv("COLLABIQ_TEST_ROTATE", "v2")
	if got, _ := store.Get(ctx, "COLLABIQ_TEST_ROTATE"); got != "v1" {
		t.Errorf("cached value = %q, want v1", got)
	}

	store.Invalidate("COLLABIQ_TEST_ROTATE")
	if got, _ := store.Get(ctx, "COLLABIQ_TEST_ROTATE"); got != "v2" {
		t.Errorf("value after invalidate = %q, want v2", got)
	}
}

// TestMissingEnvFileIsTolerated tests startup without a .env file.
func TestMissingEnvFileIsTolerated(t *testing.T) {
	t.Setenv("COLLABIQ_TEST_ONLY_ENV", "present")
	store := NewEnvSecretStore(filepath.Join(t.TempDir(), "nope.env"), zerolog.Nop())

	got, err := store.Get(context.Background(), "COLLABIQ_TEST_ONLY_ENV")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got != "present" {
		t.Errorf("value = %q, want present", got)
	}
}
