package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadWith(t *testing.T, args ...string) (*Config, error) {
	t.Helper()
	fs := NewFlagSet("test")
	require.NoError(t, fs.Parse(args))
	return Load(fs)
}

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	c, err := loadWith(t, "--data-dir", dir)
	require.NoError(t, err)

	want := Defaults()
	want.DataDir = dir
	assert.Equal(t, &want, c)
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	settings := "daily_new: 5\ndaily_review: 50\nsuggest_fast: 2s\nlog_level: info\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, SettingsFile), []byte(settings), 0o644))

	t.Setenv("KNOLDECK_DATA_DIR", dir)
	t.Setenv("KNOLDECK_DAILY_REVIEW", "75")
	t.Setenv("KNOLDECK_HISTORY", "false")

	c, err := loadWith(t, "--daily-new", "7")
	require.NoError(t, err)

	assert.Equal(t, dir, c.DataDir)
	assert.Equal(t, 7, c.DailyNew, "flag beats file")
	assert.Equal(t, 75, c.DailyReview, "env beats file")
	assert.Equal(t, 2*time.Second, c.SuggestFast, "file beats default")
	assert.Equal(t, "info", c.LogLevel)
	assert.False(t, c.History)
	assert.Equal(t, 10, c.AutosaveEvery, "default fills the rest")
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name     string
		settings string
		field    string
	}{
		{"negative daily_new", "daily_new: -1\n", "daily_new"},
		{"autosave zero", "autosave_every: 0\n", "autosave_every"},
		{"bad log level", "log_level: loud\n", "log_level"},
		{"slow not after fast", "suggest_fast: 5s\nsuggest_slow: 4s\n", "suggest_slow"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			require.NoError(t, os.WriteFile(filepath.Join(dir, SettingsFile), []byte(tt.settings), 0o644))

			_, err := loadWith(t, "--data-dir", dir)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestSetSavesAndReloads(t *testing.T) {
	dir := t.TempDir()
	c, err := loadWith(t, "--data-dir", dir)
	require.NoError(t, err)

	require.NoError(t, c.Set("daily-new", "12"))
	require.NoError(t, c.Set("suggest_slow", "10s"))
	require.NoError(t, c.Set("break_stale_locks", "true"))
	assert.Equal(t, 12, c.DailyNew)

	err = c.Set("autosave_every", "0")
	require.Error(t, err)
	assert.Equal(t, 10, c.AutosaveEvery, "rejected value leaves config unchanged")

	assert.ErrorIs(t, c.Set("colour", "blue"), ErrUnknownKey)
	assert.ErrorIs(t, c.Set("data_dir", "/tmp"), ErrUnknownKey)

	reloaded, err := loadWith(t, "--data-dir", dir)
	require.NoError(t, err)
	assert.Equal(t, 12, reloaded.DailyNew)
	assert.Equal(t, 10*time.Second, reloaded.SuggestSlow)
	assert.True(t, reloaded.BreakStaleLocks)
}

func TestKeysAndValues(t *testing.T) {
	keys := Keys()
	assert.NotContains(t, keys, DataDirKey)
	assert.Contains(t, keys, "daily_new")

	defaults := Defaults()
	values := defaults.Values()
	for _, k := range keys {
		assert.Contains(t, values, k)
	}
	assert.Equal(t, "3s", values["suggest_fast"])
}
