package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()

	err := os.MkdirAll(filepath.Dir(path), 0o750)
	if err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	err = os.WriteFile(path, []byte(content), 0o600)
	if err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func TestLoad_DefaultsWhenNoFilesPresent(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	cfg, sources, err := Load(dir, "", nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if !reflect.DeepEqual(cfg, Default()) {
		t.Fatalf("cfg = %+v, want defaults %+v", cfg, Default())
	}

	if sources.Global != "" || sources.Project != "" {
		t.Fatalf("sources = %+v, want both empty", sources)
	}
}

func TestLoad_ProjectConfigOverridesDefaults(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, ConfigFileName), `{
		// hot items stay hot for a month on this project
		"hot_window_days": 30,
		"default_profile": "eng-default",
	}`)

	cfg, sources, err := Load(dir, "", nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.HotWindowDays != 30 || cfg.DefaultProfile != "eng-default" {
		t.Fatalf("cfg = %+v, want overridden hot_window_days/default_profile", cfg)
	}

	if cfg.SyncPolicy != SyncAuto {
		t.Fatalf("cfg.SyncPolicy = %q, want untouched default %q", cfg.SyncPolicy, SyncAuto)
	}

	if sources.Project == "" {
		t.Fatalf("sources.Project empty, want the project config path")
	}
}

func TestLoad_GlobalThenProjectPrecedence(t *testing.T) {
	t.Parallel()

	home := t.TempDir()
	writeFile(t, filepath.Join(home, ".config", "knots", "config.json"), `{"sync_policy": "always"}`)

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, ConfigFileName), `{"sync_policy": "never"}`)

	env := []string{"HOME=" + home, "XDG_CONFIG_HOME=" + filepath.Join(home, ".config")}

	cfg, _, err := Load(dir, "", env)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.SyncPolicy != SyncNever {
		t.Fatalf("cfg.SyncPolicy = %q, want project config (%q) to win over global (%q)", cfg.SyncPolicy, SyncNever, SyncAlways)
	}
}

func TestLoad_ExplicitPathMustExist(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	_, _, err := Load(dir, "missing.json", nil)
	if err == nil {
		t.Fatalf("expected an error for a missing explicit config path")
	}
}

func TestLoad_RejectsInvalidSyncPolicy(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, ConfigFileName), `{"sync_policy": "sometimes"}`)

	_, _, err := Load(dir, "", nil)
	if err == nil {
		t.Fatalf("expected an error for an invalid sync_policy")
	}
}

func TestLoad_RejectsNegativeHotWindow(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, ConfigFileName), `{"hot_window_days": -1}`)

	_, _, err := Load(dir, "", nil)
	if err == nil {
		t.Fatalf("expected an error for a negative hot_window_days")
	}
}

func TestFormat_RoundTripsThroughJSON(t *testing.T) {
	t.Parallel()

	out, err := Format(Default())
	if err != nil {
		t.Fatalf("Format: %v", err)
	}

	if out == "" {
		t.Fatalf("Format returned empty output")
	}
}
