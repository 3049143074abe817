// Package config loads the knots configuration: sync policy and budgets,
// the fetch args used by the replication service, the hot/warm tiering
// window, and the default workflow profile.
//
// Precedence, lowest to highest: built-in defaults, global user config
// (~/.config/knots/config.json or $XDG_CONFIG_HOME/knots/config.json),
// project config (.knots.json at the repository root, or an explicit
// path), CLI overrides. Files are JSONC (via hujson), so comments and
// trailing commas are tolerated.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tailscale/hujson"
)

// SyncPolicy governs when the replication service is allowed to run an
// auto-sync on the read path.
type SyncPolicy string

const (
	SyncAuto   SyncPolicy = "auto"
	SyncAlways SyncPolicy = "always"
	SyncNever  SyncPolicy = "never"
)

// Config holds every knots configuration key from §6.4.
type Config struct {
	SyncPolicy     SyncPolicy `json:"sync_policy,omitempty"`
	AutoBudgetMs   int        `json:"sync_auto_budget_ms,omitempty"`
	TryLockMs      int        `json:"sync_try_lock_ms,omitempty"`
	FetchArgs      []string   `json:"sync_fetch_args,omitempty"`
	HotWindowDays  int        `json:"hot_window_days,omitempty"`
	DefaultProfile string     `json:"default_profile,omitempty"`
}

// Sources records which config files, if any, contributed to a loaded
// Config - surfaced by status commands, not used for merging itself.
type Sources struct {
	Global  string
	Project string
}

// ConfigFileName is the default project config file name, looked up at
// the repository root.
const ConfigFileName = ".knots.json"

var (
	errConfigFileNotFound = errors.New("config: file not found")
	errConfigFileRead     = errors.New("config: cannot read file")
	errConfigInvalid      = errors.New("config: invalid file")
	errSyncPolicyInvalid  = errors.New("config: sync_policy must be one of auto, always, never")
	errHotWindowNegative  = errors.New("config: hot_window_days must be >= 0")
)

// Default returns the built-in defaults, before any file or override is
// applied.
func Default() Config {
	return Config{
		SyncPolicy:    SyncAuto,
		AutoBudgetMs:  750,
		TryLockMs:     0,
		FetchArgs:     []string{"--no-tags", "--prune"},
		HotWindowDays: 7,
	}
}

// Load loads configuration with the precedence documented on the package:
// defaults, global config, project config (or the file at explicitPath,
// if non-empty, which must then exist), then overrides applied by the
// caller via the returned Config - callers apply CLI overrides themselves
// field by field, since which flags were actually set is a CLI concern
// this package does not own.
func Load(workDir, explicitPath string, env []string) (Config, Sources, error) {
	cfg := Default()

	var sources Sources

	globalCfg, globalPath, err := loadGlobalConfig(env)
	if err != nil {
		return Config{}, Sources{}, err
	}

	sources.Global = globalPath
	cfg = merge(cfg, globalCfg)

	projectCfg, projectPath, err := loadProjectConfig(workDir, explicitPath)
	if err != nil {
		return Config{}, Sources{}, err
	}

	sources.Project = projectPath
	cfg = merge(cfg, projectCfg)

	err = validate(cfg)
	if err != nil {
		return Config{}, Sources{}, err
	}

	return cfg, sources, nil
}

// globalConfigPath returns $XDG_CONFIG_HOME/knots/config.json if set in
// env or the real environment, else ~/.config/knots/config.json, else ""
// if no home directory can be determined.
func globalConfigPath(env []string) string {
	for _, e := range env {
		if after, ok := strings.CutPrefix(e, "XDG_CONFIG_HOME="); ok {
			return filepath.Join(after, "knots", "config.json")
		}
	}

	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "knots", "config.json")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".config", "knots", "config.json")
}

func loadGlobalConfig(env []string) (Config, string, error) {
	path := globalConfigPath(env)
	if path == "" {
		return Config{}, "", nil
	}

	cfg, loaded, err := loadConfigFile(path, false)
	if err != nil {
		return Config{}, "", err
	}

	if !loaded {
		return Config{}, "", nil
	}

	return cfg, path, nil
}

func loadProjectConfig(workDir, explicitPath string) (Config, string, error) {
	var (
		path      string
		mustExist bool
	)

	if explicitPath != "" {
		path = explicitPath
		if !filepath.IsAbs(path) {
			path = filepath.Join(workDir, path)
		}

		mustExist = true

		if _, err := os.Stat(path); err != nil {
			return Config{}, "", fmt.Errorf("%w: %s", errConfigFileNotFound, explicitPath)
		}
	} else {
		path = filepath.Join(workDir, ConfigFileName)
	}

	cfg, loaded, err := loadConfigFile(path, mustExist)
	if err != nil {
		return Config{}, "", err
	}

	if !loaded {
		return Config{}, "", nil
	}

	return cfg, path, nil
}

func loadConfigFile(path string, mustExist bool) (Config, bool, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is intentionally user-controlled
	if err != nil {
		if os.IsNotExist(err) && !mustExist {
			return Config{}, false, nil
		}

		return Config{}, false, fmt.Errorf("%w: %s", errConfigFileRead, path)
	}

	cfg, err := parseConfig(data)
	if err != nil {
		return Config{}, false, fmt.Errorf("%w %s: %w", errConfigInvalid, path, err)
	}

	return cfg, true, nil
}

func parseConfig(data []byte) (Config, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("invalid JSONC: %w", err)
	}

	var cfg Config

	err = json.Unmarshal(standardized, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("invalid JSON: %w", err)
	}

	return cfg, nil
}

// merge overlays non-zero fields of overlay onto base. A nil FetchArgs in
// overlay leaves base's untouched; an explicit empty slice in a config
// file is not distinguishable from absence here, matching how the other
// scalar fields treat their zero values.
func merge(base, overlay Config) Config {
	if overlay.SyncPolicy != "" {
		base.SyncPolicy = overlay.SyncPolicy
	}

	if overlay.AutoBudgetMs != 0 {
		base.AutoBudgetMs = overlay.AutoBudgetMs
	}

	if overlay.TryLockMs != 0 {
		base.TryLockMs = overlay.TryLockMs
	}

	if len(overlay.FetchArgs) > 0 {
		base.FetchArgs = overlay.FetchArgs
	}

	if overlay.HotWindowDays != 0 {
		base.HotWindowDays = overlay.HotWindowDays
	}

	if overlay.DefaultProfile != "" {
		base.DefaultProfile = overlay.DefaultProfile
	}

	return base
}

func validate(cfg Config) error {
	switch cfg.SyncPolicy {
	case SyncAuto, SyncAlways, SyncNever:
	default:
		return errSyncPolicyInvalid
	}

	if cfg.HotWindowDays < 0 {
		return errHotWindowNegative
	}

	return nil
}

// Format renders cfg as indented JSON, for status/diagnostic output.
func Format(cfg Config) (string, error) {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", fmt.Errorf("format config: %w", err)
	}

	return string(data), nil
}
