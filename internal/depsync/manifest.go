// Package depsync derives a fully pinned lock artifact from the dependency
// manifest of the source tree.
//
// The manifest uses the requirements.txt syntax the deployed application is
// packaged with: one requirement per line, a name followed by optional
// comma-separated version constraints.
package depsync

import (
	"fmt"
	"regexp"
	"strings"
)

// Constraint restricts the versions that satisfy a requirement.
type Constraint struct {
	Op      string
	Version Version
}

func (c *Constraint) String() string {
	return c.Op + c.Version.String()
}

// Requirement is one (name, versionConstraint) pair of the manifest.
type Requirement struct {
	Name        string
	Constraints []Constraint
}

func (r *Requirement) String() string {
	if len(r.Constraints) == 0 {
		return r.Name
	}

	parts := make([]string, 0, len(r.Constraints))
	for i := range r.Constraints {
		parts = append(parts, r.Constraints[i].String())
	}

	return r.Name + strings.Join(parts, ",")
}

// Manifest is the ordered set of requirements declared by the source tree.
type Manifest struct {
	Requirements []Requirement
}

var requirementRe = regexp.MustCompile(`^([A-Za-z0-9][A-Za-z0-9._-]*)\s*(.*)$`)

var constraintOps = []string{"==", "!=", ">=", "<=", ">", "<"}

// ParseManifest parses manifest data, preserving the declaration order.
// Comment and empty lines are skipped.
func ParseManifest(data []byte) (*Manifest, error) {
	var result Manifest

	for lineNr, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// inline comments
		if idx := strings.Index(line, " #"); idx != -1 {
			line = strings.TrimSpace(line[:idx])
		}

		m := requirementRe.FindStringSubmatch(line)
		if m == nil {
			return nil, fmt.Errorf("manifest line %d: can not parse requirement: %q", lineNr+1, line)
		}

		req := Requirement{Name: m[1]}

		constraints := strings.TrimSpace(m[2])
		if constraints != "" {
			for _, part := range strings.Split(constraints, ",") {
				constraint, err := parseConstraint(strings.TrimSpace(part))
				if err != nil {
					return nil, fmt.Errorf("manifest line %d: %w", lineNr+1, err)
				}

				req.Constraints = append(req.Constraints, *constraint)
			}
		}

		result.Requirements = append(result.Requirements, req)
	}

	return &result, nil
}

func parseConstraint(s string) (*Constraint, error) {
	for _, op := range constraintOps {
		if !strings.HasPrefix(s, op) {
			continue
		}

		version, err := ParseVersion(strings.TrimSpace(strings.TrimPrefix(s, op)))
		if err != nil {
			return nil, err
		}

		return &Constraint{Op: op, Version: *version}, nil
	}

	return nil, fmt.Errorf("unsupported version constraint: %q", s)
}

// satisfiedBy returns true if v fulfills the constraint.
func (c *Constraint) satisfiedBy(v *Version) bool {
	cmp := v.Compare(&c.Version)

	switch c.Op {
	case "==":
		return cmp == 0
	case "!=":
		return cmp != 0
	case ">=":
		return cmp >= 0
	case "<=":
		return cmp <= 0
	case ">":
		return cmp > 0
	case "<":
		return cmp < 0
	default:
		return false
	}
}
