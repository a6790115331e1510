package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"genesis/internal/config"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.World.ID != config.DefaultWorldID {
		t.Fatalf("world id = %q", cfg.World.ID)
	}
	if len(cfg.World.Citizens) != 5 || cfg.World.SurvivalCost != 5 {
		t.Fatalf("unexpected defaults: %+v", cfg.World)
	}
	if len(cfg.Needs.Catalog) != 3 {
		t.Fatalf("%d catalog entries", len(cfg.Needs.Catalog))
	}
	intel, ok := cfg.Need("daily_intel")
	if !ok || !intel.External || intel.Reward != 10 {
		t.Fatalf("daily_intel = %+v", intel)
	}
}

func TestGenerateDefaultRoundTrips(t *testing.T) {
	dir := t.TempDir()
	if err := config.GenerateDefault(dir); err != nil {
		t.Fatalf("generate: %v", err)
	}
	cfg, err := config.Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Economy.TreasurySeed != 500 || cfg.Economy.IncomeTaxPercent != 30 {
		t.Fatalf("economy = %+v", cfg.Economy)
	}
}

func TestLoadOptionalMissingFile(t *testing.T) {
	cfg, err := config.LoadOptional(t.TempDir())
	if err != nil {
		t.Fatalf("load optional: %v", err)
	}
	if cfg != nil {
		t.Fatal("expected nil config for empty workspace")
	}
}

func TestLoadMissingFileNamesThePath(t *testing.T) {
	dir := t.TempDir()
	_, err := config.Load(dir)
	if err == nil || !strings.Contains(err.Error(), filepath.Join(dir, "genesis.yml")) {
		t.Fatalf("err = %v", err)
	}
}

func TestFromYAMLRejections(t *testing.T) {
	base := `world:
  id: test
  citizens: [A, B]
  rounds_per_day: 2
  survival_cost: 5
  initial_balance: 10
economy:
  treasury_seed: 100
  min_reserve: 10
  income_tax_percent: 30
agents:
  workers: 1
  decide_timeout_seconds: 60
`
	cases := []struct {
		name    string
		mangle  func(string) string
		wantErr string
	}{
		{"missing world id", func(s string) string {
			return strings.Replace(s, "id: test", "id: \"\"", 1)
		}, "world.id"},
		{"zero survival cost", func(s string) string {
			return strings.Replace(s, "survival_cost: 5", "survival_cost: 0", 1)
		}, "survival_cost"},
		{"tax percent at 100", func(s string) string {
			return strings.Replace(s, "income_tax_percent: 30", "income_tax_percent: 100", 1)
		}, "income_tax_percent"},
		{"duplicate citizens", func(s string) string {
			return strings.Replace(s, "[A, B]", "[A, A]", 1)
		}, "duplicated"},
		{"zero workers", func(s string) string {
			return strings.Replace(s, "workers: 1", "workers: 0", 1)
		}, "workers"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := config.FromYAML([]byte(tc.mangle(base)))
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("err = %v, want mention of %s", err, tc.wantErr)
			}
		})
	}
	if _, err := config.FromYAML([]byte(base)); err != nil {
		t.Fatalf("base yaml should be valid: %v", err)
	}
}

func TestFromYAMLDuplicateCatalogID(t *testing.T) {
	data := `world:
  id: test
  citizens: [A]
  rounds_per_day: 1
  survival_cost: 1
  initial_balance: 0
economy:
  treasury_seed: 0
  min_reserve: 0
  income_tax_percent: 0
needs:
  catalog:
    - {id: x, title: X, reward: 1}
    - {id: x, title: Y, reward: 2}
agents:
  workers: 1
  decide_timeout_seconds: 1
`
	if _, err := config.FromYAML([]byte(data)); err == nil || !strings.Contains(err.Error(), "duplicated") {
		t.Fatalf("err = %v", err)
	}
}

func TestOutputDirFallsBackToWorkspace(t *testing.T) {
	cfg := config.Default()
	if got := cfg.OutputDir("/srv/world"); got != "/srv/world" {
		t.Fatalf("unset output dir = %q, want the workspace", got)
	}
	if got := cfg.OutputDir(""); got != "." {
		t.Fatalf("empty workspace = %q, want .", got)
	}
	cfg.Publish.OutputDir = "/var/blog"
	if got := cfg.OutputDir("/srv/world"); got != "/var/blog" {
		t.Fatalf("configured output dir = %q", got)
	}
}

func TestFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.yml")
	if err := config.GenerateDefault(dir); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(config.Path(dir))
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.FromFile(path)
	if err != nil {
		t.Fatalf("from file: %v", err)
	}
	if cfg.World.RoundsPerDay != 3 {
		t.Fatalf("rounds = %d", cfg.World.RoundsPerDay)
	}
}
