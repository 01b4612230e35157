package bootstrap

import (
	"os"
	"path/filepath"
	"testing"

	"gizchat/internal/config"
	"gizchat/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fixtures = `
users:
  - username: ann
  - username: bob
conversations:
  - between: [ann, bob]
    messages:
      - from: ann
        text: hi
`

func runtimeConfig(t *testing.T, env string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fixtures.yml")
	require.NoError(t, os.WriteFile(path, []byte(fixtures), 0o600))
	mr := miniredis.RunT(t)
	return &config.Config{
		Env:          env,
		DBDriver:     "sqlite",
		DBPath:       filepath.Join(dir, "gizchat.db"),
		DBSchemaMode: "auto",
		RedisURL:     mr.Addr(),
		DevFixtures:  path,
	}
}

func TestInitRuntime_LoadsFixturesInDevelopment(t *testing.T) {
	cfg := runtimeConfig(t, "development")

	db, rdb, err := InitRuntime(t.Context(), cfg, Options{})
	require.NoError(t, err)
	require.NotNil(t, rdb)
	t.Cleanup(func() {
		_ = rdb.Close()
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	var n int64
	require.NoError(t, db.Model(&models.Message{}).Count(&n).Error)
	assert.EqualValues(t, 1, n)
}

func TestInitRuntime_IgnoresFixturesOutsideDevelopment(t *testing.T) {
	cfg := runtimeConfig(t, "test")

	db, rdb, err := InitRuntime(t.Context(), cfg, Options{})
	require.NoError(t, err)
	t.Cleanup(func() {
		if rdb != nil {
			_ = rdb.Close()
		}
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	var n int64
	require.NoError(t, db.Model(&models.User{}).Count(&n).Error)
	assert.Zero(t, n)
}

func TestInitRuntime_SkipFixtures(t *testing.T) {
	cfg := runtimeConfig(t, "development")

	db, rdb, err := InitRuntime(t.Context(), cfg, Options{SkipFixtures: true})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = rdb.Close()
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	var n int64
	require.NoError(t, db.Model(&models.User{}).Count(&n).Error)
	assert.Zero(t, n)
}
