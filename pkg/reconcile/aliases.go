package reconcile

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/substrate-ai/relay/pkg/agent"
)

const logPrefix = "reconcile:aliases"

// AliasFileEnv names the environment variable consulted for an alias file.
const AliasFileEnv = "UI_FIELD_ALIASES_FILE"

// CriticalFields are always flagged critical regardless of the alias file.
var CriticalFields = []string{"model", "api_endpoint"}

// FieldAlias maps one logical config field to candidate UI element ids,
// tried in order.
type FieldAlias struct {
	Field      string   `yaml:"field" json:"field"`
	Candidates []string `yaml:"candidates" json:"candidates"`
	Critical   bool     `yaml:"critical,omitempty" json:"critical,omitempty"`
}

// AliasConfig is the on-disk alias document. YAML or JSON.
type AliasConfig struct {
	Name    string       `yaml:"name" json:"name"`
	Version string       `yaml:"version" json:"version"`
	Fields  []FieldAlias `yaml:"fields" json:"fields"`
}

// LoadAliasConfig loads the alias document. Explicit paths are tried first,
// then UI_FIELD_ALIASES_FILE, then the conventional locations. An override
// file is merged over the built-in defaults; with no file the defaults are used.
func LoadAliasConfig(paths ...string) (*AliasConfig, error) {
	all := make([]string, 0, len(paths)+3)
	for _, p := range paths {
		if p != "" {
			all = append(all, p)
		}
	}
	if envPath := os.Getenv(AliasFileEnv); envPath != "" {
		all = append(all, envPath)
	}
	all = append(all, "config/ui-aliases.yaml", "ui-aliases.yaml")

	for _, p := range all {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}

		var cfg AliasConfig
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			slog.Warn(fmt.Sprintf("%s - Failed to parse alias file %s: %v", logPrefix, p, err))
			continue
		}

		slog.Info(fmt.Sprintf("%s - Loaded %d field aliases from %s", logPrefix, len(cfg.Fields), p))
		return MergeAliasConfigs(DefaultAliasConfig(), &cfg), nil
	}

	slog.Info(fmt.Sprintf("%s - Using default field aliases", logPrefix))
	return DefaultAliasConfig(), nil
}

// DefaultAliasConfig returns the built-in aliases covering every config field.
func DefaultAliasConfig() *AliasConfig {
	fields := []FieldAlias{
		{Field: "model", Candidates: []string{"model-input", "model", "modelInput", "model-select"}, Critical: true},
		{Field: "api_endpoint", Candidates: []string{"api-endpoint-input", "api-endpoint", "apiEndpoint", "endpoint-input"}, Critical: true},
		{Field: "system_prompt", Candidates: []string{"system-prompt", "systemPrompt", "system-prompt-input"}},
		{Field: "screenshot_prompt", Candidates: []string{"screenshot-prompt", "screenshotPrompt", "screenshot-prompt-input"}},
	}
	for _, f := range agent.Features {
		kebab := strings.ReplaceAll(f, "_", "-")
		camel := camelCase(f)
		fields = append(fields,
			FieldAlias{Field: "autonomy." + f + ".enabled", Candidates: []string{"autonomy-" + kebab + "-enabled", camel + "Enabled", kebab + "-enabled"}},
			FieldAlias{Field: "autonomy." + f + ".min_interval", Candidates: []string{"autonomy-" + kebab + "-min", camel + "MinInterval", kebab + "-min-interval"}},
			FieldAlias{Field: "autonomy." + f + ".max_interval", Candidates: []string{"autonomy-" + kebab + "-max", camel + "MaxInterval", kebab + "-max-interval"}},
			FieldAlias{Field: "autonomy." + f + ".prompt", Candidates: []string{"autonomy-" + kebab + "-prompt", camel + "Prompt", kebab + "-prompt"}},
		)
	}
	return &AliasConfig{Name: "substrate-ui-aliases", Version: "1.0.0", Fields: fields}
}

func camelCase(s string) string {
	parts := strings.Split(s, "_")
	for i := 1; i < len(parts); i++ {
		if parts[i] != "" {
			parts[i] = strings.ToUpper(parts[i][:1]) + parts[i][1:]
		}
	}
	return strings.Join(parts, "")
}

// MergeAliasConfigs merges override into base. Fields present in both take
// the override's candidates in place; new fields are appended in override order.
func MergeAliasConfigs(base, override *AliasConfig) *AliasConfig {
	merged := &AliasConfig{Name: base.Name, Version: base.Version}
	if override.Name != "" {
		merged.Name = override.Name
	}
	if override.Version != "" {
		merged.Version = override.Version
	}

	overrides := make(map[string]FieldAlias, len(override.Fields))
	for _, f := range override.Fields {
		overrides[f.Field] = f
	}
	seen := make(map[string]bool, len(base.Fields))
	for _, f := range base.Fields {
		if o, ok := overrides[f.Field]; ok {
			f.Candidates = append([]string(nil), o.Candidates...)
			f.Critical = f.Critical || o.Critical
		}
		merged.Fields = append(merged.Fields, f)
		seen[f.Field] = true
	}
	for _, f := range override.Fields {
		if !seen[f.Field] {
			merged.Fields = append(merged.Fields, f)
			seen[f.Field] = true
		}
	}
	return merged
}

// AliasTable is the ordered, read-only lookup built from an AliasConfig.
type AliasTable struct {
	fields []FieldAlias
	index  map[string]int
}

// NewAliasTable builds a table. Fields without candidates are dropped and
// CriticalFields are forced critical.
func NewAliasTable(cfg *AliasConfig) *AliasTable {
	critical := make(map[string]bool, len(CriticalFields))
	for _, f := range CriticalFields {
		critical[f] = true
	}
	t := &AliasTable{index: make(map[string]int)}
	for _, f := range cfg.Fields {
		if f.Field == "" || len(f.Candidates) == 0 {
			continue
		}
		if _, dup := t.index[f.Field]; dup {
			continue
		}
		f.Candidates = append([]string(nil), f.Candidates...)
		f.Critical = f.Critical || critical[f.Field]
		t.index[f.Field] = len(t.fields)
		t.fields = append(t.fields, f)
	}
	return t
}

// Fields returns the aliases in lookup order.
func (t *AliasTable) Fields() []FieldAlias {
	out := make([]FieldAlias, len(t.fields))
	copy(out, t.fields)
	return out
}

// Get returns the alias for a logical field.
func (t *AliasTable) Get(field string) (FieldAlias, bool) {
	i, ok := t.index[field]
	if !ok {
		return FieldAlias{}, false
	}
	return t.fields[i], true
}
