// Package config loads settings from flags, the environment and
// settings.yaml in the data directory, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

const (
	EnvPrefix    = "KNOLDECK_"
	SettingsFile = "settings.yaml"
	DataDirKey   = "data_dir"
)

// ErrUnknownKey is returned by Set for keys that are not settings.
var ErrUnknownKey = errors.New("unknown setting")

// Config holds every setting.
type Config struct {
	DataDir          string        `koanf:"data_dir" validate:"required"`
	DailyNew         int           `koanf:"daily_new" validate:"gte=0"`
	DailyReview      int           `koanf:"daily_review" validate:"gte=0"`
	LenientThreshold int           `koanf:"lenient_threshold" validate:"gte=0,lte=10"`
	AutosaveEvery    int           `koanf:"autosave_every" validate:"gte=1"`
	SuggestFast      time.Duration `koanf:"suggest_fast" validate:"gt=0"`
	SuggestSlow      time.Duration `koanf:"suggest_slow" validate:"gtfield=SuggestFast"`
	LogLevel         string        `koanf:"log_level" validate:"oneof=debug info warn error"`
	History          bool          `koanf:"history"`
	BreakStaleLocks  bool          `koanf:"break_stale_locks"`
}

// Defaults returns the built-in settings.
func Defaults() Config {
	return Config{
		DataDir:          defaultDataDir(),
		DailyNew:         20,
		DailyReview:      200,
		LenientThreshold: 2,
		AutosaveEvery:    10,
		SuggestFast:      3 * time.Second,
		SuggestSlow:      8 * time.Second,
		LogLevel:         "warn",
		History:          true,
		BreakStaleLocks:  false,
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".knoldeck"
	}
	return filepath.Join(home, ".knoldeck")
}

// NewFlagSet declares a flag for every setting, defaulting to Defaults.
func NewFlagSet(name string) *pflag.FlagSet {
	d := Defaults()
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.String("data-dir", d.DataDir, "directory holding decks and settings")
	fs.Int("daily-new", d.DailyNew, "new cards introduced per day")
	fs.Int("daily-review", d.DailyReview, "reviews per day")
	fs.Int("lenient-threshold", d.LenientThreshold, "typos tolerated in an answer")
	fs.Int("autosave-every", d.AutosaveEvery, "answers between saves during a review")
	fs.Duration("suggest-fast", d.SuggestFast, "answers faster than this suggest Easy")
	fs.Duration("suggest-slow", d.SuggestSlow, "answers at least this slow suggest Hard")
	fs.String("log-level", d.LogLevel, "debug, info, warn or error")
	fs.Bool("history", d.History, "snapshot the data directory with git")
	fs.Bool("break-stale-locks", d.BreakStaleLocks, "remove deck locks left by crashed processes")
	return fs
}

// Load resolves the settings. Flags that were set win over KNOLDECK_*
// variables (a .env file in the working directory is read first), which
// win over settings.yaml, which wins over the flag defaults.
func Load(fs *pflag.FlagSet) (*Config, error) {
	// A missing .env is normal.
	_ = godotenv.Load()

	flagKey := func(f *pflag.Flag) (string, interface{}) {
		return strings.ReplaceAll(f.Name, "-", "_"), posflag.FlagVal(fs, f)
	}
	envKey := func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	}

	// The data directory decides where settings.yaml lives, so it is
	// resolved from flags and environment alone.
	boot := koanf.New(".")
	if err := boot.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}
	if err := boot.Load(posflag.ProviderWithFlag(fs, ".", boot, flagKey), nil); err != nil {
		return nil, fmt.Errorf("failed to read flags: %w", err)
	}
	dataDir := boot.String(DataDirKey)

	k := koanf.New(".")
	path := filepath.Join(dataDir, SettingsFile)
	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}
	// Flags the user set always apply; defaults only fill missing keys.
	if err := k.Load(posflag.ProviderWithFlag(fs, ".", k, flagKey), nil); err != nil {
		return nil, fmt.Errorf("failed to read flags: %w", err)
	}
	if err := k.Set(DataDirKey, dataDir); err != nil {
		return nil, err
	}

	return decode(k)
}

func decode(k *koanf.Koanf) (*Config, error) {
	var c Config
	if err := k.Unmarshal("", &c); err != nil {
		return nil, fmt.Errorf("failed to decode settings: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		return f.Tag.Get("koanf")
	})
	return v
}

// Validate checks every setting against its constraints.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: fails %q (got %v)", fe.Field(), fe.Tag()+paramSuffix(fe.Param()), fe.Value()))
	}
	return fmt.Errorf("invalid settings: %s", strings.Join(msgs, "; "))
}

func paramSuffix(p string) string {
	if p == "" {
		return ""
	}
	return "=" + p
}

// Path returns the settings.yaml this config is saved to.
func (c *Config) Path() string {
	return filepath.Join(c.DataDir, SettingsFile)
}

// Keys lists the settings that can be changed with Set, sorted.
func Keys() []string {
	var keys []string
	t := reflect.TypeOf(Config{})
	for i := 0; i < t.NumField(); i++ {
		if key := t.Field(i).Tag.Get("koanf"); key != "" && key != DataDirKey {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// Values renders every setting as text, keyed like settings.yaml.
func (c *Config) Values() map[string]string {
	return map[string]string{
		DataDirKey:          c.DataDir,
		"daily_new":         fmt.Sprint(c.DailyNew),
		"daily_review":      fmt.Sprint(c.DailyReview),
		"lenient_threshold": fmt.Sprint(c.LenientThreshold),
		"autosave_every":    fmt.Sprint(c.AutosaveEvery),
		"suggest_fast":      c.SuggestFast.String(),
		"suggest_slow":      c.SuggestSlow.String(),
		"log_level":         c.LogLevel,
		"history":           fmt.Sprint(c.History),
		"break_stale_locks": fmt.Sprint(c.BreakStaleLocks),
	}
}

// Set changes one setting, validates the result and saves settings.yaml.
// On error c is unchanged.
func (c *Config) Set(key, value string) error {
	key = strings.ReplaceAll(strings.ToLower(strings.TrimSpace(key)), "-", "_")
	known := false
	for _, k := range Keys() {
		if k == key {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}

	k := koanf.New(".")
	for name, v := range c.Values() {
		if err := k.Set(name, v); err != nil {
			return err
		}
	}
	if err := k.Set(key, strings.TrimSpace(value)); err != nil {
		return err
	}

	next, err := decode(k)
	if err != nil {
		return err
	}
	if err := next.Save(); err != nil {
		return err
	}
	*c = *next
	return nil
}
