package config

import (
	"fmt"
	"os"

	"github.com/knadh/koanf/parsers/yaml"

	"github.com/conorfennell/knoldeck/internal/storage"
)

// Save writes every setting except the data directory to settings.yaml.
func (c *Config) Save() error {
	out, err := yaml.Parser().Marshal(map[string]interface{}{
		"daily_new":         c.DailyNew,
		"daily_review":      c.DailyReview,
		"lenient_threshold": c.LenientThreshold,
		"autosave_every":    c.AutosaveEvery,
		"suggest_fast":      c.SuggestFast.String(),
		"suggest_slow":      c.SuggestSlow.String(),
		"log_level":         c.LogLevel,
		"history":           c.History,
		"break_stale_locks": c.BreakStaleLocks,
	})
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}
	if err := os.MkdirAll(c.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	return storage.WriteFileAtomic(c.Path(), out, 0o644)
}
