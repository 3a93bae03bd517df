package agent

import (
	"errors"
	"reflect"
	"testing"
)

const snapshotTestPrefix = "agent:snapshot_test"

func TestDefaultSnapshot_Valid(t *testing.T) {
	if err := DefaultSnapshot().Validate(); err != nil {
		t.Fatalf("%s - default snapshot invalid: %v", snapshotTestPrefix, err)
	}
	if got := len(DefaultSnapshot().Autonomy); got != len(Features) {
		t.Errorf("%s - default autonomy has %d features, want %d", snapshotTestPrefix, got, len(Features))
	}
}

func TestClone_IsDeep(t *testing.T) {
	a := DefaultSnapshot()
	b := a.Clone()
	f := b.Autonomy[FeatureNotes]
	f.Enabled = true
	b.Autonomy[FeatureNotes] = f
	b.Model = "other"

	if a.Autonomy[FeatureNotes].Enabled || a.Model == "other" {
		t.Errorf("%s - mutation of clone leaked into original", snapshotTestPrefix)
	}
}

func TestParsePatch(t *testing.T) {
	tests := []struct {
		name      string
		patch     string
		wantErr   bool
		wantField string
		changed   []string
	}{
		{name: "model only", patch: `{"model":"mistral"}`, changed: []string{"model"}},
		{name: "nested autonomy", patch: `{"autonomy":{"notes":{"enabled":true}}}`, changed: []string{"autonomy.notes.enabled"}},
		{name: "revision ignored", patch: `{"revision":99}`, changed: nil},
		{name: "unknown top-level", patch: `{"shell":"rm"}`, wantErr: true, wantField: "shell"},
		{name: "unknown feature", patch: `{"autonomy":{"mining":{"enabled":true}}}`, wantErr: true, wantField: "autonomy.mining"},
		{name: "unknown feature field", patch: `{"autonomy":{"notes":{"color":"red"}}}`, wantErr: true, wantField: "autonomy.notes.color"},
		{name: "not an object", patch: `[1,2]`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := ParsePatch([]byte(tt.patch))
			if tt.wantErr {
				var verr *ValidationError
				if !errors.As(err, &verr) {
					t.Fatalf("%s - expected ValidationError, got %v", snapshotTestPrefix, err)
				}
				if tt.wantField != "" && verr.Field != tt.wantField {
					t.Errorf("%s - field = %q, want %q", snapshotTestPrefix, verr.Field, tt.wantField)
				}
				return
			}
			if err != nil {
				t.Fatalf("%s - unexpected error: %v", snapshotTestPrefix, err)
			}
			if !reflect.DeepEqual(p.ChangedFields(), tt.changed) {
				t.Errorf("%s - changed = %v, want %v", snapshotTestPrefix, p.ChangedFields(), tt.changed)
			}
		})
	}
}

func TestPatchApplyTo_DeepMerge(t *testing.T) {
	base := DefaultSnapshot()
	p, err := ParsePatch([]byte(`{"api_endpoint":"http://10.0.0.2:11434","autonomy":{"notes":{"enabled":true,"min_interval":60}}}`))
	if err != nil {
		t.Fatalf("%s - ParsePatch: %v", snapshotTestPrefix, err)
	}
	out, err := p.ApplyTo(base)
	if err != nil {
		t.Fatalf("%s - ApplyTo: %v", snapshotTestPrefix, err)
	}

	notes := out.Autonomy[FeatureNotes]
	if !notes.Enabled || notes.MinInterval != 60 || notes.MaxInterval != base.Autonomy[FeatureNotes].MaxInterval {
		t.Errorf("%s - notes not merged: %+v", snapshotTestPrefix, notes)
	}
	if notes.Prompt != base.Autonomy[FeatureNotes].Prompt {
		t.Errorf("%s - untouched prompt changed", snapshotTestPrefix)
	}
	if out.Model != base.Model || out.APIEndpoint != "http://10.0.0.2:11434" {
		t.Errorf("%s - top-level merge wrong: model=%q endpoint=%q", snapshotTestPrefix, out.Model, out.APIEndpoint)
	}
	if base.Autonomy[FeatureNotes].Enabled {
		t.Errorf("%s - base snapshot mutated", snapshotTestPrefix)
	}
}

func TestPatchApplyTo_RejectsInvalid(t *testing.T) {
	tests := []struct {
		name  string
		patch string
	}{
		{"min above max", `{"autonomy":{"screenshot":{"min_interval":700,"max_interval":600}}}`},
		{"empty model", `{"model":"  "}`},
		{"wrong type", `{"model":42}`},
		{"negative interval", `{"autonomy":{"messages":{"min_interval":-1}}}`},
		{"bool as string", `{"autonomy":{"notes":{"enabled":"yes"}}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := ParsePatch([]byte(tt.patch))
			if err != nil {
				t.Fatalf("%s - ParsePatch: %v", snapshotTestPrefix, err)
			}
			if _, err := p.ApplyTo(DefaultSnapshot()); err == nil {
				t.Errorf("%s - expected validation error", snapshotTestPrefix)
			}
		})
	}
}

func TestFields_FlattensAutonomy(t *testing.T) {
	fields := DefaultSnapshot().Fields()
	if fields["model"] != "llama3.2:3b" {
		t.Errorf("%s - model field = %v", snapshotTestPrefix, fields["model"])
	}
	if v, ok := fields["autonomy.notes.enabled"].(bool); !ok || v {
		t.Errorf("%s - autonomy.notes.enabled = %v", snapshotTestPrefix, fields["autonomy.notes.enabled"])
	}
	if fields["autonomy.image_generation.max_interval"] != 3600 {
		t.Errorf("%s - image_generation max = %v", snapshotTestPrefix, fields["autonomy.image_generation.max_interval"])
	}
}
