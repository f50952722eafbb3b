package config

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/go-go-golems/branchchat/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteThroughSurvivesReload(t *testing.T) {
	ctx := context.Background()
	dsn, err := store.SQLiteDSNForFile(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	s, err := store.NewSQLiteStore(dsn)
	require.NoError(t, err)
	defer func() {
		_ = s.Close()
	}()

	c, err := Load(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, "gpt-3.5-turbo", c.Get(KeyModel))

	require.NoError(t, c.Set(ctx, KeyModel, "gpt-4"))
	require.NoError(t, c.Set(ctx, "ui.font_size", "14"))
	assert.Equal(t, "gpt-4", c.Get(KeyModel))

	reloaded, err := Load(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, "gpt-4", reloaded.Get(KeyModel))
	assert.Equal(t, 14, reloaded.GetInt("ui.font_size"))

	require.NoError(t, reloaded.Delete(ctx, KeyModel))
	assert.Equal(t, "gpt-3.5-turbo", reloaded.Get(KeyModel))
}

func TestFailedWriteLeavesMirrorUntouched(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	c, err := Load(ctx, s)
	require.NoError(t, err)
	require.NoError(t, c.Set(ctx, KeyTheme, "light"))

	require.NoError(t, s.Close())
	assert.Error(t, c.Set(ctx, KeyTheme, "solarized"))
	assert.Equal(t, "light", c.Get(KeyTheme))

	assert.Error(t, c.Set(ctx, "", "x"))
}

func TestTypedGettersFallBackToDefaults(t *testing.T) {
	ctx := context.Background()
	c, err := Load(ctx, store.NewMemoryStore())
	require.NoError(t, err)

	assert.Equal(t, 0.05, c.GetFloat64(KeyMaxCostPerMessage))
	require.NoError(t, c.Set(ctx, KeyMonthlyBudget, "12.5"))
	assert.Equal(t, 12.5, c.GetFloat64(KeyMonthlyBudget))

	require.NoError(t, c.Set(ctx, KeyMaxCostPerMessage, "lots"))
	assert.Equal(t, 0.05, c.GetFloat64(KeyMaxCostPerMessage))

	assert.False(t, c.GetBool(KeyAutosave))
	require.NoError(t, c.Set(ctx, KeyAutosave, "true"))
	assert.True(t, c.GetBool(KeyAutosave))
}

func TestOverridesAndSnapshot(t *testing.T) {
	ctx := context.Background()
	c, err := Load(ctx, store.NewMemoryStore())
	require.NoError(t, err)

	require.NoError(t, c.Set(ctx, KeyAPIKey, "stored"))
	c.Override(KeyAPIKey, "from-env")
	assert.Equal(t, "from-env", c.Get(KeyAPIKey))

	snap := c.Snapshot()
	assert.Equal(t, "from-env", snap[KeyAPIKey])
	assert.Equal(t, "dark", snap[KeyTheme])

	snap[KeyTheme] = "mutated"
	assert.Equal(t, "dark", c.Get(KeyTheme))
	_, ok := Default(KeyTheme)
	assert.True(t, ok)
	assert.Contains(t, c.Keys(), KeyAPIKey)
	assert.True(t, IsSecret(KeyAPIKey))

	_, ok = c.Lookup("nope")
	assert.False(t, ok)
}
