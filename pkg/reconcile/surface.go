// Package reconcile keeps a mirror of the renderer's UI surface and maps
// config snapshots onto it through ordered field aliases.
package reconcile

import "sync"

// ElementKind tells how a value is written to an element.
type ElementKind string

const (
	KindCheckbox ElementKind = "checkbox"
	KindValue    ElementKind = "value"
)

// Element is one addressable control on the renderer's surface.
type Element struct {
	ID      string      `json:"id"`
	Kind    ElementKind `json:"kind"`
	Value   string      `json:"value,omitempty"`
	Checked bool        `json:"checked,omitempty"`
}

// Surface mirrors the renderer's elements. Updates are last-write-wins.
type Surface struct {
	mu       sync.RWMutex
	elements map[string]Element
	version  string
}

// NewSurface creates an empty Surface.
func NewSurface() *Surface {
	return &Surface{elements: make(map[string]Element)}
}

// Announce replaces the mirror with the renderer's manifest. Elements with
// an unknown kind are treated as value elements.
func (s *Surface) Announce(elements []Element, version string) {
	m := make(map[string]Element, len(elements))
	for _, e := range elements {
		if e.ID == "" {
			continue
		}
		if e.Kind != KindCheckbox {
			e.Kind = KindValue
		}
		m[e.ID] = e
	}
	s.mu.Lock()
	s.elements = m
	s.version = version
	s.mu.Unlock()
}

// Version returns the UI version announced with the manifest.
func (s *Surface) Version() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Lookup returns the element with id.
func (s *Surface) Lookup(id string) (Element, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.elements[id]
	return e, ok
}

// Update records a renderer-side change. Unknown ids are added as value
// elements unless checked is set.
func (s *Surface) Update(id, value string, checked bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.elements[id]
	if !ok {
		e = Element{ID: id, Kind: KindValue}
		if checked {
			e.Kind = KindCheckbox
		}
	}
	if e.Kind == KindCheckbox {
		e.Checked = checked
	} else {
		e.Value = value
	}
	s.elements[id] = e
}

// Len returns the number of mirrored elements.
func (s *Surface) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.elements)
}

func (s *Surface) set(e Element) {
	s.mu.Lock()
	s.elements[e.ID] = e
	s.mu.Unlock()
}
