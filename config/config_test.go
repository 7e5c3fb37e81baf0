package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsAndEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("RESULT_STORE", "Memory")
	t.Setenv("WORKERS", "4")
	t.Setenv("QUEUE_SIZE_THRESHOLD_MB", "50")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.ResultStore)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, 4, cfg.MatchWorkers)
	assert.Equal(t, 8, cfg.DownloadWorkers)
	assert.Equal(t, int64(50)<<20, cfg.QueueThreshold())
	assert.Equal(t, 300*time.Second, cfg.FileTimeout())
	assert.Equal(t, 2*time.Hour, cfg.LockTTL())
	assert.Equal(t, "rus+eng", cfg.OCRLang)
	assert.NotEmpty(t, cfg.WorkerID)
}

func TestLoadYAMLAndDotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	yaml := "work_dir: /data/tenders\nresult_store: redis\nredis_addr: cache:6379\nworkers: 3\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("WORKER_ID=box-1\n"), 0o644))
	t.Setenv("WORKERS", "6")
	t.Cleanup(func() { os.Unsetenv("WORKER_ID") })

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "/data/tenders", cfg.WorkDir)
	assert.Equal(t, "redis", cfg.ResultStore)
	assert.Equal(t, "cache:6379", cfg.RedisAddr)
	assert.Equal(t, 6, cfg.Workers, "environment wins over config.yaml")
	assert.Equal(t, "box-1", cfg.WorkerID)
}

func TestValidate(t *testing.T) {
	c := &Config{WorkDir: "x", Workers: 1, ResultStore: "postgres"}
	err := c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "POSTGRES_DSN")

	c = &Config{Workers: 0, ResultStore: "sqlite"}
	err = c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WORK_DIR")
	assert.Contains(t, err.Error(), "WORKERS")
	assert.Contains(t, err.Error(), "sqlite")
}

func TestDefaultWorkerID(t *testing.T) {
	id := DefaultWorkerID()
	i := strings.LastIndex(id, "-")
	require.Greater(t, i, 0)
	assert.Len(t, id[i+1:], 8)
	assert.NotEqual(t, id, DefaultWorkerID())
}

func TestWorkerIDMatchesLoad(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("RESULT_STORE", "memory")
	t.Setenv("WORKER_ID", "")

	id := WorkerID()
	require.NotEmpty(t, id)
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, id, cfg.WorkerID, "startup logging and lock ownership use one id")

	t.Setenv("WORKER_ID", "box-2")
	assert.Equal(t, "box-2", WorkerID())
}
