package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models genesis.yml.
type Config struct {
	World struct {
		ID             string   `yaml:"id"`
		Citizens       []string `yaml:"citizens"`
		RoundsPerDay   int      `yaml:"rounds_per_day"`
		SurvivalCost   int      `yaml:"survival_cost"`
		InitialBalance int      `yaml:"initial_balance"`
	} `yaml:"world"`
	Economy struct {
		TreasurySeed     int `yaml:"treasury_seed"`
		MinReserve       int `yaml:"min_reserve"`
		IncomeTaxPercent int `yaml:"income_tax_percent"`
	} `yaml:"economy"`
	Needs struct {
		Catalog []NeedTemplate `yaml:"catalog"`
	} `yaml:"needs"`
	Agents struct {
		Command        []string `yaml:"command"`
		Workers        int      `yaml:"workers"`
		DecideTimeout  int      `yaml:"decide_timeout_seconds"`
		SessionPrefix  string   `yaml:"session_prefix"`
		PlazaRecent    int      `yaml:"plaza_recent"`
		YesterdayLimit int      `yaml:"yesterday_limit"`
	} `yaml:"agents"`
	Publish struct {
		OutputDir string `yaml:"output_dir"`
	} `yaml:"publish"`
}

// NeedTemplate is one catalog entry instantiated fresh each day.
type NeedTemplate struct {
	ID          string `yaml:"id"`
	Title       string `yaml:"title"`
	Description string `yaml:"description"`
	Reward      int    `yaml:"reward"`
	External    bool   `yaml:"external"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with gn world config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.World.ID == "" {
		return fmt.Errorf("config.world.id is required")
	}
	if c.World.RoundsPerDay < 1 {
		return fmt.Errorf("config.world.rounds_per_day must be at least 1")
	}
	if c.World.SurvivalCost <= 0 {
		return fmt.Errorf("config.world.survival_cost must be positive")
	}
	if c.World.InitialBalance < 0 {
		return fmt.Errorf("config.world.initial_balance must not be negative")
	}
	if c.Economy.TreasurySeed < 0 {
		return fmt.Errorf("config.economy.treasury_seed must not be negative")
	}
	if c.Economy.MinReserve < 0 {
		return fmt.Errorf("config.economy.min_reserve must not be negative")
	}
	if c.Economy.IncomeTaxPercent < 0 || c.Economy.IncomeTaxPercent >= 100 {
		return fmt.Errorf("config.economy.income_tax_percent must be in [0,100)")
	}
	seen := map[string]bool{}
	for _, n := range c.Needs.Catalog {
		if n.ID == "" {
			return fmt.Errorf("needs catalog contains an entry without id")
		}
		if seen[n.ID] {
			return fmt.Errorf("needs catalog id %s duplicated", n.ID)
		}
		seen[n.ID] = true
		if n.Title == "" {
			return fmt.Errorf("need %s is missing a title", n.ID)
		}
		if n.Reward <= 0 {
			return fmt.Errorf("need %s reward must be positive", n.ID)
		}
	}
	seenCitizens := map[string]bool{}
	for _, id := range c.World.Citizens {
		if id == "" {
			return fmt.Errorf("config.world.citizens contains an empty id")
		}
		if seenCitizens[id] {
			return fmt.Errorf("citizen id %s duplicated", id)
		}
		seenCitizens[id] = true
	}
	if c.Agents.Workers < 1 {
		return fmt.Errorf("config.agents.workers must be at least 1")
	}
	if c.Agents.DecideTimeout < 1 {
		return fmt.Errorf("config.agents.decide_timeout_seconds must be at least 1")
	}
	return nil
}

// OutputDir returns the publish directory, falling back to the workspace
// when none is configured so pages never land in the process cwd.
func (c *Config) OutputDir(workspace string) string {
	if c.Publish.OutputDir != "" {
		return c.Publish.OutputDir
	}
	if workspace == "" {
		workspace = "."
	}
	return workspace
}

// Need returns the catalog template for id, if any.
func (c *Config) Need(id string) (NeedTemplate, bool) {
	for _, n := range c.Needs.Catalog {
		if n.ID == id {
			return n, true
		}
	}
	return NeedTemplate{}, false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "genesis.yml")
}

// DefaultWorldID names a world that was never configured explicitly.
const DefaultWorldID = "genesis"

// GenerateDefault writes the default genesis.yml into the workspace.
func GenerateDefault(workspace string) error {
	return os.WriteFile(Path(workspace), []byte(fmt.Sprintf(defaultTemplate, DefaultWorldID)), 0o644)
}

// Default returns the built-in default configuration.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, DefaultWorldID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `world:
  id: %s
  citizens: [C1, C2, C3, C4, C5]
  rounds_per_day: 3
  survival_cost: 5
  initial_balance: 50

economy:
  treasury_seed: 500
  min_reserve: 50
  income_tax_percent: 30

needs:
  catalog:
    - id: daily_intel
      title: "Daily intel"
      description: "Search, curate and summarize today's notable AI/tech developments"
      reward: 10
      external: true
    - id: chronicle
      title: "Chronicle"
      description: "Record what happened in the world today: who did what, economic changes, notable exchanges"
      reward: 8
    - id: open_research
      title: "Open research"
      description: "Write an in-depth piece on a topic of your choosing"
      reward: 6
      external: true

agents:
  command: []
  workers: 2
  decide_timeout_seconds: 120
  session_prefix: genesis
  plaza_recent: 10
  yesterday_limit: 10

publish:
  output_dir: ""
`
