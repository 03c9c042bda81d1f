package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"clauseline/internal/evaluator"
)

// Config models clauseline.yml.
type Config struct {
	Server struct {
		Addr              string   `yaml:"addr"`
		BasePath          string   `yaml:"base_path"`
		ReadHeaderTimeout Duration `yaml:"read_header_timeout"`
		WriteTimeout      Duration `yaml:"write_timeout"`
		RateLimit         struct {
			RPS   float64 `yaml:"rps"`
			Burst int     `yaml:"burst"`
		} `yaml:"rate_limit"`
		MaxUploadBytes int64 `yaml:"max_upload_bytes"`
	} `yaml:"server"`
	Auth struct {
		DevLogin               bool `yaml:"dev_login"`
		AllowLegacyActorHeader bool `yaml:"allow_legacy_actor_header"`
	} `yaml:"auth"`
	Invites struct {
		TTL Duration `yaml:"ttl"`
	} `yaml:"invites"`
	Receipts struct {
		Dir string `yaml:"dir"`
	} `yaml:"receipts"`
	Evaluators struct {
		FineName         string  `yaml:"fine_name"`
		MaxPercentage    float64 `yaml:"max_percentage"`
		ImposeFine       *bool   `yaml:"impose_fine"`
		CreditName       string  `yaml:"credit_name"`
		CreditPercentage float64 `yaml:"credit_percentage"`
	} `yaml:"evaluators"`
	Webhooks []Webhook `yaml:"webhooks"`
}

type Webhook struct {
	ID             string   `yaml:"id"`
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Contract       string   `yaml:"contract"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

func (w Webhook) IsEnabled() bool { return w.Enabled == nil || *w.Enabled }

// Duration reads Go duration strings ("72h", "15s") from YAML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	if strings.TrimSpace(raw) == "" {
		d.Duration = 0
		return nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; write one with cl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if c.Server.RateLimit.RPS < 0 || c.Server.RateLimit.Burst < 0 {
		return fmt.Errorf("config.server.rate_limit must not be negative")
	}
	if c.Server.RateLimit.RPS > 0 && c.Server.RateLimit.Burst == 0 {
		return fmt.Errorf("config.server.rate_limit.burst is required when rps is set")
	}
	if c.Server.MaxUploadBytes < 0 {
		return fmt.Errorf("config.server.max_upload_bytes must not be negative")
	}
	if c.Invites.TTL.Duration < 0 {
		return fmt.Errorf("config.invites.ttl must not be negative")
	}
	if c.Evaluators.MaxPercentage < 0 || c.Evaluators.MaxPercentage > 100 {
		return fmt.Errorf("config.evaluators.max_percentage must be within 0..100")
	}
	if c.Evaluators.CreditPercentage < 0 {
		return fmt.Errorf("config.evaluators.credit_percentage must not be negative")
	}
	seen := map[string]bool{}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if !strings.HasPrefix(hook.URL, "http://") && !strings.HasPrefix(hook.URL, "https://") {
			return fmt.Errorf("config.webhooks[%d].url must be http or https", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
		if hook.ID != "" {
			if seen[hook.ID] {
				return fmt.Errorf("config.webhooks has duplicate id %s", hook.ID)
			}
			seen[hook.ID] = true
		}
		for _, evt := range hook.Events {
			if strings.TrimSpace(evt) == "" {
				return fmt.Errorf("config.webhooks[%d] has empty event type", i)
			}
		}
	}
	return nil
}

// EvaluatorDefaults layers configured parameter defaults over the built-ins.
func (c *Config) EvaluatorDefaults() evaluator.Defaults {
	d := evaluator.DefaultDefaults()
	if c == nil {
		return d
	}
	if c.Evaluators.FineName != "" {
		d.FineName = c.Evaluators.FineName
	}
	if c.Evaluators.MaxPercentage > 0 {
		d.MaxPercentage = c.Evaluators.MaxPercentage
	}
	if c.Evaluators.ImposeFine != nil {
		d.ImposeFine = *c.Evaluators.ImposeFine
	}
	if c.Evaluators.CreditName != "" {
		d.CreditName = c.Evaluators.CreditName
	}
	if c.Evaluators.CreditPercentage > 0 {
		d.CreditPercentage = c.Evaluators.CreditPercentage
	}
	return d
}

// InviteTTL falls back to seven days.
func (c *Config) InviteTTL() time.Duration {
	if c == nil || c.Invites.TTL.Duration <= 0 {
		return 7 * 24 * time.Hour
	}
	return c.Invites.TTL.Duration
}

// ReceiptsDir resolves the receipt directory relative to the workspace.
func (c *Config) ReceiptsDir(workspace string) string {
	dir := ".clauseline/receipts"
	if c != nil && c.Receipts.Dir != "" {
		dir = c.Receipts.Dir
	}
	if filepath.IsAbs(dir) {
		return dir
	}
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, dir)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "clauseline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys the file
// omits keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v0
  read_header_timeout: 10s
  write_timeout: 30s
  rate_limit:
    rps: 20
    burst: 40
  max_upload_bytes: 10485760

auth:
  dev_login: false
  allow_legacy_actor_header: false

invites:
  ttl: 168h

receipts:
  dir: .clauseline/receipts

evaluators:
  fine_name: calculateFine
  max_percentage: 10
  impose_fine: true
  credit_name: defaultCredit
  credit_percentage: 10

webhooks: []
`
