package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Rule types understood by the gate. Unknown types are tolerated at
// evaluation time but rejected here so typos surface early in local config.
const (
	RulePathAutoApprove = "path_auto_approve"
	RuleTimeGate        = "time_gate"
	RuleRepoOverride    = "repo_override"
)

var knownSeverities = map[string]bool{
	"low": true, "medium": true, "high": true, "critical": true,
}

var knownClassifications = map[string]bool{
	"safe": true, "controlled": true, "dangerous": true,
}

// Config models warden.yml.
type Config struct {
	Gate struct {
		Rules []Rule `yaml:"rules"`
	} `yaml:"gate"`
	Remediation struct {
		AutoApproveSeverities []string `yaml:"auto_approve_severities"`
		HistoryLimit          int      `yaml:"history_limit"`
	} `yaml:"remediation"`
	Classifier struct {
		Kinds map[string]string `yaml:"kinds"`
	} `yaml:"classifier"`
}

// Rule is one entry of the ordered gate rule list. Fields beyond Type are
// interpreted per rule type.
type Rule struct {
	Type        string      `yaml:"type"`
	Paths       []string    `yaml:"paths,omitempty"`
	DenyOutside *HourWindow `yaml:"deny_outside,omitempty"`
	Timezone    string      `yaml:"timezone,omitempty"`
	Repo        string      `yaml:"repo,omitempty"`
	Verdict     string      `yaml:"verdict,omitempty"`
}

type HourWindow struct {
	StartHour int `yaml:"start_hour"`
	EndHour   int `yaml:"end_hour"`
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate with warden config init", path)
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
	for i, rule := range c.Gate.Rules {
		switch rule.Type {
		case RulePathAutoApprove:
			if len(rule.Paths) == 0 {
				return fmt.Errorf("gate.rules[%d]: path_auto_approve requires paths", i)
			}
			for _, p := range rule.Paths {
				if p == "" {
					return fmt.Errorf("gate.rules[%d]: empty path pattern", i)
				}
			}
		case RuleTimeGate:
			if rule.DenyOutside == nil {
				return fmt.Errorf("gate.rules[%d]: time_gate requires deny_outside", i)
			}
			if err := rule.DenyOutside.validate(); err != nil {
				return fmt.Errorf("gate.rules[%d]: %w", i, err)
			}
		case RuleRepoOverride:
			if rule.Repo == "" {
				return fmt.Errorf("gate.rules[%d]: repo_override requires repo", i)
			}
			if rule.Verdict != "allow" && rule.Verdict != "deny" {
				return fmt.Errorf("gate.rules[%d]: repo_override verdict must be allow or deny", i)
			}
		case "":
			return fmt.Errorf("gate.rules[%d]: rule type is required", i)
		default:
			return fmt.Errorf("gate.rules[%d]: unknown rule type %s", i, rule.Type)
		}
	}
	for _, sev := range c.Remediation.AutoApproveSeverities {
		if !knownSeverities[sev] {
			return fmt.Errorf("remediation.auto_approve_severities: unknown severity %s", sev)
		}
	}
	if c.Remediation.HistoryLimit < 0 {
		return fmt.Errorf("remediation.history_limit must not be negative")
	}
	for kind, class := range c.Classifier.Kinds {
		if kind == "" {
			return fmt.Errorf("classifier.kinds contains empty kind")
		}
		if !knownClassifications[class] {
			return fmt.Errorf("classifier.kinds[%s]: unknown classification %s", kind, class)
		}
	}
	return nil
}

func (w *HourWindow) validate() error {
	if w.StartHour < 0 || w.StartHour > 23 || w.EndHour < 0 || w.EndHour > 23 {
		return fmt.Errorf("deny_outside hours must be within 0-23")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "warden.yml")
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
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

const defaultTemplate = `gate:
  rules:
    - type: path_auto_approve
      paths:
        - "README.md"
        - "docs/"
        - "*.md"

    - type: time_gate
      deny_outside:
        start_hour: 6
        end_hour: 22
      timezone: UTC

remediation:
  auto_approve_severities: [critical]
  history_limit: 512

classifier:
  kinds:
    action: controlled
    inquiry: safe
    maintenance: safe
    task: controlled
    health_detect: safe
    health_remediate: controlled
`
