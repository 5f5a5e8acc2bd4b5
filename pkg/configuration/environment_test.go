package configuration

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadEnv_FallsBackToGoModRoot(t *testing.T) {
	tmp := t.TempDir()

	requireWriteFile(t, filepath.Join(tmp, "go.mod"), "module example.com/test\n\ngo 1.22\n")
	requireWriteFile(t, filepath.Join(tmp, ".env.local"), "CORPCMS_TEST_ENV_LOAD=ok\n")

	sub := filepath.Join(tmp, "modules", "wiki")
	require.NoError(t, os.MkdirAll(sub, 0o755))

	origWd, err := os.Getwd()
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.Chdir(origWd) })
	require.NoError(t, os.Chdir(sub))

	_ = os.Unsetenv("CORPCMS_TEST_ENV_LOAD")
	t.Cleanup(func() { _ = os.Unsetenv("CORPCMS_TEST_ENV_LOAD") })

	n, err := LoadEnv([]string{".env", ".env.local"})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, "ok", os.Getenv("CORPCMS_TEST_ENV_LOAD"))
}

func TestValidateReconcile(t *testing.T) {
	valid := func() *Configuration {
		return &Configuration{Reconcile: ReconcileOptions{
			WikiInterval:         1,
			AnnouncementInterval: 1,
			BatchSize:            10,
			Concurrency:          10,
			LockBackend:          " Redis ",
			Notifier:             "",
		}}
	}

	t.Run("normalizes", func(t *testing.T) {
		c := valid()
		require.NoError(t, c.validateReconcile())
		require.Equal(t, LockBackendRedis, c.Reconcile.LockBackend)
		require.Equal(t, NotifierLog, c.Reconcile.Notifier)
	})

	t.Run("unknown backend", func(t *testing.T) {
		c := valid()
		c.Reconcile.LockBackend = "etcd"
		require.ErrorContains(t, c.validateReconcile(), "RECONCILE_LOCK_BACKEND")
	})

	t.Run("unknown notifier", func(t *testing.T) {
		c := valid()
		c.Reconcile.Notifier = "email"
		require.ErrorContains(t, c.validateReconcile(), "RECONCILE_NOTIFIER")
	})

	t.Run("zero batch", func(t *testing.T) {
		c := valid()
		c.Reconcile.BatchSize = 0
		require.Error(t, c.validateReconcile())
	})
}

func requireWriteFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}
