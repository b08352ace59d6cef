package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadFromDefaults(t *testing.T) {
	cfg, err := LoadFrom(map[string]string{
		"LUMEN_DB_PATH":  "/tmp/lumen-test.db",
		"LUMEN_LOG_FILE": "/tmp/lumen-test.log",
	})
	require.NoError(t, err)

	assert.Equal(t, "/tmp/lumen-test.db", cfg.DBPath)
	assert.Equal(t, "gemini-2.5-pro-exp-03-25", cfg.Model)
	assert.Equal(t, "https://generativelanguage.googleapis.com/v1beta/openai/", cfg.BaseURL)
	assert.Equal(t, "GOOGLE_API_KEY", cfg.KeyVar)
	assert.Equal(t, ".env", cfg.EnvFile)
	assert.Equal(t, 0.1, cfg.Temperature)
	assert.Equal(t, 5*time.Minute, cfg.RequestTimeout)
}

func TestLoadFromOverrides(t *testing.T) {
	cfg, err := LoadFrom(map[string]string{
		"LUMEN_MODEL":           "gpt-4o-mini",
		"LUMEN_REQUEST_TIMEOUT": "30s",
		"LUMEN_KEY_VAR":         "OPENAI_API_KEY",
	})
	require.NoError(t, err)

	assert.Equal(t, "gpt-4o-mini", cfg.Model)
	assert.Equal(t, 30*time.Second, cfg.RequestTimeout)
	assert.Equal(t, "OPENAI_API_KEY", cfg.KeyVar)
	assert.NotEmpty(t, cfg.DBPath)
	assert.NotEmpty(t, cfg.LogFile)
}

func TestLoadFromRejectsBadDuration(t *testing.T) {
	_, err := LoadFrom(map[string]string{"LUMEN_REQUEST_TIMEOUT": "soon"})
	require.Error(t, err)
}

func TestLoadWithEnvFileLeavesProcessEnvAlone(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("LUMEN_MODEL=from-file\nLUMEN_TEST_KEY_E=sk-file\n"), 0o600))
	t.Setenv("LUMEN_REQUEST_TIMEOUT", "45s")

	cfg, err := LoadWithEnvFile(path)
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.Model)
	assert.Equal(t, 45*time.Second, cfg.RequestTimeout)

	_, set := os.LookupEnv("LUMEN_TEST_KEY_E")
	assert.False(t, set)
}

func TestLoadWithEnvFileProcessWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("LUMEN_MODEL=from-file\n"), 0o600))
	t.Setenv("LUMEN_MODEL", "from-process")

	cfg, err := LoadWithEnvFile(path)
	require.NoError(t, err)
	assert.Equal(t, "from-process", cfg.Model)
}

func TestLoadWithEnvFileMissingFile(t *testing.T) {
	cfg, err := LoadWithEnvFile(filepath.Join(t.TempDir(), "absent.env"))
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.Model)
}

func TestCredentialsCreateSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")

	creds, err := NewCredentials(path, "LUMEN_TEST_KEY_A", zap.NewNop())
	require.NoError(t, err)
	_, err = os.Stat(path)
	require.NoError(t, err, "env file should be created")

	key, err := creds.Load()
	require.NoError(t, err)
	assert.Empty(t, key)

	require.NoError(t, creds.Save("sk-first"))
	key, err = creds.Load()
	require.NoError(t, err)
	assert.Equal(t, "sk-first", key)
}

func TestCredentialsSaveKeepsOtherVariables(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("OTHER=value\n"), 0o600))

	creds, err := NewCredentials(path, "LUMEN_TEST_KEY_B", zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, creds.Save("sk-second"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "OTHER")
	assert.Contains(t, string(data), "sk-second")
}

func TestCredentialsFallsBackToProcessEnv(t *testing.T) {
	t.Setenv("LUMEN_TEST_KEY_C", "sk-from-env")
	creds, err := NewCredentials(filepath.Join(t.TempDir(), ".env"), "LUMEN_TEST_KEY_C", zap.NewNop())
	require.NoError(t, err)

	key, err := creds.Load()
	require.NoError(t, err)
	assert.Equal(t, "sk-from-env", key)
}

func TestCredentialsWatchReportsExternalChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	creds, err := NewCredentials(path, "LUMEN_TEST_KEY_D", zap.NewNop())
	require.NoError(t, err)
	_, err = creds.Load()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan string, 4)
	require.NoError(t, creds.Watch(ctx, func(key string) { changed <- key }))

	require.NoError(t, os.WriteFile(path, []byte("LUMEN_TEST_KEY_D=sk-rotated\n"), 0o600))

	select {
	case key := <-changed:
		assert.Equal(t, "sk-rotated", key)
	case <-time.After(3 * time.Second):
		t.Fatal("watcher did not report the new key")
	}
}

func TestCredentialsKeyRemovedFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("LUMEN_TEST_KEY_F=old-key\nOTHER=x\n"), 0o600))

	_, err := LoadWithEnvFile(path)
	require.NoError(t, err)
	creds, err := NewCredentials(path, "LUMEN_TEST_KEY_F", zap.NewNop())
	require.NoError(t, err)

	key, err := creds.Load()
	require.NoError(t, err)
	assert.Equal(t, "old-key", key)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changed := make(chan string, 4)
	require.NoError(t, creds.Watch(ctx, func(key string) { changed <- key }))

	require.NoError(t, os.WriteFile(path, []byte("OTHER=x\n"), 0o600))

	select {
	case key := <-changed:
		assert.Empty(t, key)
	case <-time.After(3 * time.Second):
		t.Fatal("watcher did not report the removed key")
	}
	key, err = creds.Load()
	require.NoError(t, err)
	assert.Empty(t, key)
}
