package reconcile

import (
	"fmt"
	"strconv"
	"strings"
)

// Write is one value applied to a surface element.
type Write struct {
	Field     string      `json:"field"`
	ElementID string      `json:"elementId"`
	Kind      ElementKind `json:"kind"`
	Value     string      `json:"value,omitempty"`
	Checked   bool        `json:"checked,omitempty"`
	// Notify is set for critical fields whose value actually changed.
	Notify bool `json:"notify,omitempty"`
}

// Result is the outcome of one reconciliation pass.
type Result struct {
	Applied []Write  `json:"applied"`
	Skipped []string `json:"skipped"`
}

// Partial reports whether some fields had no element to land on.
func (r *Result) Partial() bool {
	return len(r.Skipped) > 0
}

// Notifications returns the critical fields that changed.
func (r *Result) Notifications() []string {
	var out []string
	for _, w := range r.Applied {
		if w.Notify {
			out = append(out, w.Field)
		}
	}
	return out
}

// Apply maps values (logical field -> value) onto surface through table.
// Fields are visited in table order; each lands on its first candidate
// present on the surface, or is reported skipped. The mirror is updated
// with every applied write.
func Apply(values map[string]interface{}, table *AliasTable, surface *Surface) *Result {
	res := &Result{Applied: []Write{}, Skipped: []string{}}
	for _, alias := range table.fields {
		v, ok := values[alias.Field]
		if !ok {
			continue
		}

		var target Element
		found := false
		for _, id := range alias.Candidates {
			if e, ok := surface.Lookup(id); ok {
				target, found = e, true
				break
			}
		}
		if !found {
			res.Skipped = append(res.Skipped, alias.Field)
			continue
		}

		w := Write{Field: alias.Field, ElementID: target.ID, Kind: target.Kind}
		next := target
		if target.Kind == KindCheckbox {
			w.Checked = truthy(v)
			next.Checked = w.Checked
			w.Notify = alias.Critical && target.Checked != w.Checked
		} else {
			w.Value = formatValue(v)
			next.Value = w.Value
			w.Notify = alias.Critical && target.Value != w.Value
		}
		surface.set(next)
		res.Applied = append(res.Applied, w)
	}
	return res
}

func formatValue(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}

func truthy(v interface{}) bool {
	switch x := v.(type) {
	case bool:
		return x
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "true", "1", "on", "yes":
			return true
		}
		return false
	case int:
		return x != 0
	case int64:
		return x != 0
	case float64:
		return x != 0
	default:
		return false
	}
}
