// Package agent implements the command surface the relay delivers into:
// configuration, profiles, capture state and notifications. It never calls a
// model or records audio; those belong to the agent runtime behind it.
package agent

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Autonomy feature keys.
const (
	FeatureNotes           = "notes"
	FeatureScreenshot      = "screenshot"
	FeatureMessages        = "messages"
	FeatureImageGeneration = "image_generation"
)

// Features lists every autonomy feature in display order.
var Features = []string{FeatureNotes, FeatureScreenshot, FeatureMessages, FeatureImageGeneration}

// Snapshot is the agent's configuration as mirrored to callers.
type Snapshot struct {
	Model            string                     `json:"model" yaml:"model"`
	APIEndpoint      string                     `json:"api_endpoint" yaml:"api_endpoint"`
	SystemPrompt     string                     `json:"system_prompt" yaml:"system_prompt"`
	ScreenshotPrompt string                     `json:"screenshot_prompt" yaml:"screenshot_prompt"`
	Autonomy         map[string]AutonomyFeature `json:"autonomy" yaml:"autonomy"`
	Revision         int                        `json:"revision" yaml:"revision"`
	Modified         time.Time                  `json:"modified" yaml:"modified"`
}

// AutonomyFeature configures one self-initiated agent behaviour. Intervals are seconds.
type AutonomyFeature struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	MinInterval int    `json:"min_interval" yaml:"min_interval"`
	MaxInterval int    `json:"max_interval" yaml:"max_interval"`
	Prompt      string `json:"prompt,omitempty" yaml:"prompt,omitempty"`
}

// DefaultSnapshot returns the configuration used when nothing is stored yet.
func DefaultSnapshot() *Snapshot {
	return &Snapshot{
		Model:            "llama3.2:3b",
		APIEndpoint:      "http://127.0.0.1:11434",
		SystemPrompt:     "You are Substrate, a helpful desktop companion.",
		ScreenshotPrompt: "Describe what is on the screen in one short paragraph.",
		Autonomy: map[string]AutonomyFeature{
			FeatureNotes:           {Enabled: false, MinInterval: 300, MaxInterval: 900, Prompt: "Write a short note about recent activity."},
			FeatureScreenshot:      {Enabled: false, MinInterval: 120, MaxInterval: 600},
			FeatureMessages:        {Enabled: false, MinInterval: 600, MaxInterval: 1800, Prompt: "Send a brief check-in message."},
			FeatureImageGeneration: {Enabled: false, MinInterval: 1800, MaxInterval: 3600, Prompt: "Draw something inspired by the conversation."},
		},
	}
}

// Clone returns a deep copy.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	out := *s
	out.Autonomy = make(map[string]AutonomyFeature, len(s.Autonomy))
	for k, v := range s.Autonomy {
		out.Autonomy[k] = v
	}
	return &out
}

// Validate checks the invariants of a snapshot.
func (s *Snapshot) Validate() error {
	if strings.TrimSpace(s.Model) == "" {
		return &ValidationError{Field: "model", Message: "must not be empty"}
	}
	for name, f := range s.Autonomy {
		if !isFeature(name) {
			return &ValidationError{Field: "autonomy." + name, Message: "unknown autonomy feature"}
		}
		if f.MinInterval < 0 || f.MaxInterval < 0 {
			return &ValidationError{Field: "autonomy." + name, Message: "intervals must not be negative"}
		}
		if f.MaxInterval > 0 && f.MinInterval > f.MaxInterval {
			return &ValidationError{Field: "autonomy." + name, Message: "min_interval must not exceed max_interval"}
		}
	}
	return nil
}

// Fields flattens the snapshot into logical field names, e.g.
// "model" or "autonomy.notes.enabled".
func (s *Snapshot) Fields() map[string]interface{} {
	out := map[string]interface{}{
		"model":             s.Model,
		"api_endpoint":      s.APIEndpoint,
		"system_prompt":     s.SystemPrompt,
		"screenshot_prompt": s.ScreenshotPrompt,
	}
	for name, f := range s.Autonomy {
		prefix := "autonomy." + name + "."
		out[prefix+"enabled"] = f.Enabled
		out[prefix+"min_interval"] = f.MinInterval
		out[prefix+"max_interval"] = f.MaxInterval
		out[prefix+"prompt"] = f.Prompt
	}
	return out
}

// Patch is a partial update decoded from an update-config payload.
type Patch struct {
	fields   map[string]json.RawMessage
	autonomy map[string]map[string]json.RawMessage
}

var topLevelFields = map[string]bool{
	"model": true, "api_endpoint": true, "system_prompt": true, "screenshot_prompt": true, "autonomy": true,
}

var featureFields = map[string]bool{
	"enabled": true, "min_interval": true, "max_interval": true, "prompt": true,
}

// ParsePatch decodes a partial config document. Unknown keys are rejected;
// revision and modified are ignored since only the agent assigns them.
func ParsePatch(data []byte) (*Patch, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &ValidationError{Field: "", Message: fmt.Sprintf("config patch must be a JSON object: %v", err)}
	}
	p := &Patch{fields: make(map[string]json.RawMessage), autonomy: make(map[string]map[string]json.RawMessage)}
	for k, v := range raw {
		if k == "revision" || k == "modified" {
			continue
		}
		if !topLevelFields[k] {
			return nil, &ValidationError{Field: k, Message: "unknown config field"}
		}
		if k != "autonomy" {
			p.fields[k] = v
			continue
		}
		var features map[string]map[string]json.RawMessage
		if err := json.Unmarshal(v, &features); err != nil {
			return nil, &ValidationError{Field: "autonomy", Message: "must be an object of features"}
		}
		for name, ff := range features {
			if !isFeature(name) {
				return nil, &ValidationError{Field: "autonomy." + name, Message: "unknown autonomy feature"}
			}
			for fk := range ff {
				if !featureFields[fk] {
					return nil, &ValidationError{Field: "autonomy." + name + "." + fk, Message: "unknown autonomy field"}
				}
			}
			p.autonomy[name] = ff
		}
	}
	return p, nil
}

// Empty reports whether the patch changes nothing.
func (p *Patch) Empty() bool {
	return len(p.fields) == 0 && len(p.autonomy) == 0
}

// ChangedFields lists the logical fields named by the patch, sorted.
func (p *Patch) ChangedFields() []string {
	var out []string
	for k := range p.fields {
		out = append(out, k)
	}
	for name, ff := range p.autonomy {
		for fk := range ff {
			out = append(out, "autonomy."+name+"."+fk)
		}
	}
	sort.Strings(out)
	return out
}

// ApplyTo returns a copy of base with the patch merged in.
func (p *Patch) ApplyTo(base *Snapshot) (*Snapshot, error) {
	out := base.Clone()
	targets := map[string]*string{
		"model":             &out.Model,
		"api_endpoint":      &out.APIEndpoint,
		"system_prompt":     &out.SystemPrompt,
		"screenshot_prompt": &out.ScreenshotPrompt,
	}
	for k, v := range p.fields {
		if err := json.Unmarshal(v, targets[k]); err != nil {
			return nil, &ValidationError{Field: k, Message: "must be a string"}
		}
	}
	for name, ff := range p.autonomy {
		f := out.Autonomy[name]
		for fk, v := range ff {
			var err error
			switch fk {
			case "enabled":
				err = json.Unmarshal(v, &f.Enabled)
			case "min_interval":
				err = json.Unmarshal(v, &f.MinInterval)
			case "max_interval":
				err = json.Unmarshal(v, &f.MaxInterval)
			case "prompt":
				err = json.Unmarshal(v, &f.Prompt)
			}
			if err != nil {
				return nil, &ValidationError{Field: "autonomy." + name + "." + fk, Message: fmt.Sprintf("invalid value: %v", err)}
			}
		}
		out.Autonomy[name] = f
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

func isFeature(name string) bool {
	for _, f := range Features {
		if f == name {
			return true
		}
	}
	return false
}

// ValidationError reports an invalid config document or command payload.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}
