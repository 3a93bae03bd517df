package reconcile

import (
	"reflect"
	"testing"

	"github.com/substrate-ai/relay/pkg/agent"
)

const reconcileTestPrefix = "reconcile:reconcile_test"

func modelOnlyTable() *AliasTable {
	return NewAliasTable(&AliasConfig{Fields: []FieldAlias{
		{Field: "model", Candidates: []string{"model-input", "model", "modelInput"}},
	}})
}

func TestApply_FirstPresentCandidateWins(t *testing.T) {
	tests := []struct {
		name        string
		present     []string
		wantElement string
		wantSkipped []string
	}{
		{"only third candidate", []string{"modelInput"}, "modelInput", []string{}},
		{"first and third", []string{"modelInput", "model-input"}, "model-input", []string{}},
		{"second and third", []string{"model", "modelInput"}, "model", []string{}},
		{"none present", []string{"unrelated"}, "", []string{"model"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			surface := NewSurface()
			var els []Element
			for _, id := range tt.present {
				els = append(els, Element{ID: id, Kind: KindValue})
			}
			surface.Announce(els, "1.0.0")

			res := Apply(map[string]interface{}{"model": "X"}, modelOnlyTable(), surface)

			if !reflect.DeepEqual(res.Skipped, tt.wantSkipped) {
				t.Errorf("%s - skipped = %v, want %v", reconcileTestPrefix, res.Skipped, tt.wantSkipped)
			}
			if tt.wantElement == "" {
				if len(res.Applied) != 0 || !res.Partial() {
					t.Errorf("%s - expected partial result with no writes, got %+v", reconcileTestPrefix, res)
				}
				return
			}
			if len(res.Applied) != 1 || res.Applied[0].ElementID != tt.wantElement || res.Applied[0].Value != "X" {
				t.Fatalf("%s - applied = %+v, want X on %s", reconcileTestPrefix, res.Applied, tt.wantElement)
			}
			if e, _ := surface.Lookup(tt.wantElement); e.Value != "X" {
				t.Errorf("%s - mirror not updated: %+v", reconcileTestPrefix, e)
			}
		})
	}
}

func TestApply_CriticalNotifiesOnlyOnChange(t *testing.T) {
	table := modelOnlyTable()
	if a, _ := table.Get("model"); !a.Critical {
		t.Fatalf("%s - model must be forced critical", reconcileTestPrefix)
	}
	surface := NewSurface()
	surface.Announce([]Element{{ID: "modelInput", Kind: KindValue, Value: "X"}}, "")

	same := Apply(map[string]interface{}{"model": "X"}, table, surface)
	if len(same.Notifications()) != 0 {
		t.Errorf("%s - unchanged critical field notified: %+v", reconcileTestPrefix, same.Applied)
	}

	changed := Apply(map[string]interface{}{"model": "Y"}, table, surface)
	if got := changed.Notifications(); len(got) != 1 || got[0] != "model" {
		t.Errorf("%s - notifications = %v, want [model]", reconcileTestPrefix, got)
	}

	again := Apply(map[string]interface{}{"model": "Y"}, table, surface)
	if len(again.Notifications()) != 0 {
		t.Errorf("%s - repeated value notified again", reconcileTestPrefix)
	}
}

func TestApply_NonCriticalNeverNotifies(t *testing.T) {
	table := NewAliasTable(&AliasConfig{Fields: []FieldAlias{{Field: "system_prompt", Candidates: []string{"system-prompt"}}}})
	surface := NewSurface()
	surface.Announce([]Element{{ID: "system-prompt", Value: "old"}}, "")

	res := Apply(map[string]interface{}{"system_prompt": "new"}, table, surface)
	if len(res.Applied) != 1 || res.Applied[0].Notify {
		t.Errorf("%s - non-critical write = %+v", reconcileTestPrefix, res.Applied)
	}
}

func TestApply_CheckboxesAndNumbers(t *testing.T) {
	table := NewAliasTable(DefaultAliasConfig())
	surface := NewSurface()
	surface.Announce([]Element{
		{ID: "notesEnabled", Kind: KindCheckbox},
		{ID: "autonomy-notes-min", Kind: KindValue},
		{ID: "model-select", Kind: KindValue},
	}, "2.1.0")

	snap := agent.DefaultSnapshot()
	snap.Autonomy[agent.FeatureNotes] = agent.AutonomyFeature{Enabled: true, MinInterval: 42, MaxInterval: 900}
	res := Apply(snap.Fields(), table, surface)

	byField := map[string]Write{}
	for _, w := range res.Applied {
		byField[w.Field] = w
	}
	if w := byField["autonomy.notes.enabled"]; w.ElementID != "notesEnabled" || !w.Checked || w.Kind != KindCheckbox {
		t.Errorf("%s - checkbox write = %+v", reconcileTestPrefix, w)
	}
	if w := byField["autonomy.notes.min_interval"]; w.Value != "42" {
		t.Errorf("%s - numeric write = %+v", reconcileTestPrefix, w)
	}
	if w := byField["model"]; w.ElementID != "model-select" || !w.Notify {
		t.Errorf("%s - model write = %+v", reconcileTestPrefix, w)
	}
	if !res.Partial() {
		t.Errorf("%s - surface lacks most fields, result should be partial", reconcileTestPrefix)
	}
	for _, f := range res.Skipped {
		if f == "model" {
			t.Errorf("%s - model reported skipped although applied", reconcileTestPrefix)
		}
	}
}

func TestApply_FieldsAbsentFromValuesAreIgnored(t *testing.T) {
	res := Apply(map[string]interface{}{}, modelOnlyTable(), NewSurface())
	if res.Partial() || len(res.Applied) != 0 {
		t.Errorf("%s - empty values should produce an empty result, got %+v", reconcileTestPrefix, res)
	}
}

func TestSurface_UpdateLastWriteWins(t *testing.T) {
	s := NewSurface()
	s.Announce([]Element{{ID: "model", Value: "a"}, {ID: "flag", Kind: KindCheckbox}, {ID: ""}}, "1")
	if s.Len() != 2 {
		t.Fatalf("%s - Len = %d, want 2 (empty id dropped)", reconcileTestPrefix, s.Len())
	}
	s.Update("model", "b", false)
	s.Update("model", "c", false)
	s.Update("flag", "", true)
	s.Update("fresh", "v", false)

	if e, _ := s.Lookup("model"); e.Value != "c" {
		t.Errorf("%s - model = %q, want c", reconcileTestPrefix, e.Value)
	}
	if e, _ := s.Lookup("flag"); !e.Checked {
		t.Errorf("%s - flag not checked", reconcileTestPrefix)
	}
	if e, ok := s.Lookup("fresh"); !ok || e.Kind != KindValue {
		t.Errorf("%s - fresh element = %+v %v", reconcileTestPrefix, e, ok)
	}
	if s.Version() != "1" {
		t.Errorf("%s - version = %q", reconcileTestPrefix, s.Version())
	}
}

func TestTruthyAndFormat(t *testing.T) {
	if !truthy("on") || truthy("off") || !truthy(1) || truthy(0.0) || truthy(nil) {
		t.Errorf("%s - truthy conversions wrong", reconcileTestPrefix)
	}
	if formatValue(1.5) != "1.5" || formatValue(true) != "true" || formatValue(nil) != "" {
		t.Errorf("%s - formatValue conversions wrong", reconcileTestPrefix)
	}
}
