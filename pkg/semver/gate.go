package semver

import (
	"fmt"

	masterminds "github.com/Masterminds/semver/v3"
)

const gateLogPrefix = "semver:gate"

// MismatchError reports a version that is unparsable or outside the gate's
// constraint.
type MismatchError struct {
	Version    string
	Constraint string
	Invalid    bool
}

func (e *MismatchError) Error() string {
	if e.Invalid {
		return fmt.Sprintf("invalid version %q", e.Version)
	}
	return fmt.Sprintf("version %s does not satisfy %s", e.Version, e.Constraint)
}

// Gate admits versions that satisfy one constraint. A nil Gate admits
// everything.
type Gate struct {
	raw        string
	constraint *masterminds.Constraints
}

// NewGate compiles constraint. An empty constraint yields a nil Gate.
func NewGate(constraint string) (*Gate, error) {
	expr, err := NormalizeConstraint(constraint)
	if err != nil {
		return nil, err
	}
	if expr == "" {
		return nil, nil
	}
	c, err := masterminds.NewConstraint(expr)
	if err != nil {
		return nil, fmt.Errorf("%s - invalid constraint %q: %w", gateLogPrefix, constraint, err)
	}
	return &Gate{raw: constraint, constraint: c}, nil
}

// Check returns a *MismatchError unless version satisfies the constraint.
// Prerelease versions only match constraints that name a prerelease.
func (g *Gate) Check(version string) error {
	if g == nil {
		return nil
	}
	v, err := masterminds.NewVersion(version)
	if err != nil {
		return &MismatchError{Version: version, Constraint: g.raw, Invalid: true}
	}
	if !g.constraint.Check(v) {
		return &MismatchError{Version: v.String(), Constraint: g.raw}
	}
	return nil
}

// String returns the constraint as configured.
func (g *Gate) String() string {
	if g == nil {
		return ""
	}
	return g.raw
}
