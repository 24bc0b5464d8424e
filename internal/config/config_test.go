package config

import (
	"os"
	"strings"
	"testing"
)

func setupTestEnv(t *testing.T) func() {
	keys := []string{
		"DB_HOST", "DB_PORT", "DB_NAME", "DB_USER", "DB_PASSWORD", "DB_SSLMODE",
		"REDIS_ADDR", "REDIS_PASSWORD", "GO_ENV", "LOG_LEVEL", "DEVELOPMENT_MODE",
		"ALLOWED_ORIGINS", "KEEP_REDIS_CACHE",
	}
	orig := make(map[string]string, len(keys))
	for _, k := range keys {
		orig[k] = os.Getenv(k)
		os.Unsetenv(k)
	}
	return func() {
		for _, k := range keys {
			if orig[k] != "" {
				os.Setenv(k, orig[k])
			} else {
				os.Unsetenv(k)
			}
		}
	}
}

func TestValidateEnv_ValidConfiguration(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	os.Setenv("DB_NAME", "greenlight")
	os.Setenv("DB_USER", "gl")

	cfg, err := ValidateEnv()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if cfg.DBHost != "localhost" {
		t.Errorf("expected DB_HOST to default to 'localhost', got %q", cfg.DBHost)
	}
	if cfg.DBPort != "5432" {
		t.Errorf("expected DB_PORT to default to '5432', got %q", cfg.DBPort)
	}
	if cfg.GoEnv != "production" {
		t.Errorf("expected GO_ENV to default to 'production', got %q", cfg.GoEnv)
	}
	if cfg.KeepRedisCache != 31536000 {
		t.Errorf("expected KEEP_REDIS_CACHE to default to 31536000, got %d", cfg.KeepRedisCache)
	}
}

func TestValidateEnv_MissingDBName(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	os.Setenv("DB_USER", "gl")

	_, err := ValidateEnv()
	if err == nil {
		t.Fatal("expected error for missing DB_NAME, got nil")
	}
	if !strings.Contains(err.Error(), "DB_NAME is required") {
		t.Errorf("expected error about DB_NAME, got: %v", err)
	}
}

func TestValidateEnv_MissingDBUser(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	os.Setenv("DB_NAME", "greenlight")

	_, err := ValidateEnv()
	if err == nil {
		t.Fatal("expected error for missing DB_USER, got nil")
	}
	if !strings.Contains(err.Error(), "DB_USER is required") {
		t.Errorf("expected error about DB_USER, got: %v", err)
	}
}

func TestValidateEnv_InvalidDBPort(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	os.Setenv("DB_NAME", "greenlight")
	os.Setenv("DB_USER", "gl")
	os.Setenv("DB_PORT", "99999")

	_, err := ValidateEnv()
	if err == nil {
		t.Fatal("expected error for invalid DB_PORT, got nil")
	}
	if !strings.Contains(err.Error(), "DB_PORT must be a valid port number") {
		t.Errorf("expected error about DB_PORT, got: %v", err)
	}
}

func TestValidateEnv_InvalidRedisAddr(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	os.Setenv("DB_NAME", "greenlight")
	os.Setenv("DB_USER", "gl")
	os.Setenv("REDIS_ADDR", "invalid-format")

	_, err := ValidateEnv()
	if err == nil {
		t.Fatal("expected error for invalid REDIS_ADDR, got nil")
	}
	if !strings.Contains(err.Error(), "REDIS_ADDR must be in format 'host:port'") {
		t.Errorf("expected error about REDIS_ADDR, got: %v", err)
	}
}

func TestValidateEnv_InvalidKeepRedisCache(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	os.Setenv("DB_NAME", "greenlight")
	os.Setenv("DB_USER", "gl")
	os.Setenv("KEEP_REDIS_CACHE", "-1")

	_, err := ValidateEnv()
	if err == nil {
		t.Fatal("expected error for negative KEEP_REDIS_CACHE, got nil")
	}
	if !strings.Contains(err.Error(), "KEEP_REDIS_CACHE must be a non-negative integer") {
		t.Errorf("expected error about KEEP_REDIS_CACHE, got: %v", err)
	}
}

func TestIsValidHostPort(t *testing.T) {
	tests := []struct {
		name     string
		addr     string
		expected bool
	}{
		{"valid localhost", "localhost:6379", true},
		{"valid ip", "127.0.0.1:6379", true},
		{"missing port", "localhost", false},
		{"missing host", ":6379", false},
		{"invalid port", "localhost:99999", false},
		{"non-numeric port", "localhost:abc", false},
		{"empty string", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isValidHostPort(tt.addr); got != tt.expected {
				t.Errorf("isValidHostPort(%q) = %v, expected %v", tt.addr, got, tt.expected)
			}
		})
	}
}
