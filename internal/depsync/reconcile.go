package depsync

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/simplesurance/forksyncd/internal/logfields"
)

const loggerName = "depsync"

// LockArtifact is the fully pinned derivation of a manifest.
// Identical manifest and index state always produce byte-identical data.
type LockArtifact []byte

// Sum returns the hex encoded sha256 checksum of the lock artifact.
func (l LockArtifact) Sum() string {
	sum := sha256.Sum256(l)
	return hex.EncodeToString(sum[:])
}

// UnresolvableDependencyError is returned when no published version
// satisfies the constraints of a requirement. It is fatal for the pipeline
// run, no partial lock artifact is ever produced.
type UnresolvableDependencyError struct {
	Requirement string
	Err         error
}

func (e *UnresolvableDependencyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("unresolvable dependency %q: %s", e.Requirement, e.Err)
	}

	return fmt.Sprintf("unresolvable dependency %q: no satisfying version published", e.Requirement)
}

func (e *UnresolvableDependencyError) Unwrap() error {
	return e.Err
}

// Reconciler pins every requirement of a manifest to the newest satisfying
// version known to the package index.
type Reconciler struct {
	index  PackageIndex
	logger *zap.Logger
}

func NewReconciler(index PackageIndex) *Reconciler {
	return &Reconciler{
		index:  index,
		logger: zap.L().Named(loggerName),
	}
}

// Reconcile derives the lock artifact for the manifest.
// The result is a pure function of the manifest and the current index
// state: requirements keep their manifest order, every line pins exactly
// one version, no timestamps or other varying data are included.
func (r *Reconciler) Reconcile(ctx context.Context, manifest *Manifest) (LockArtifact, error) {
	var buf bytes.Buffer

	for i := range manifest.Requirements {
		req := &manifest.Requirements[i]

		versions, err := r.index.Versions(ctx, req.Name)
		if err != nil {
			return nil, &UnresolvableDependencyError{
				Requirement: req.String(),
				Err:         err,
			}
		}

		pinned := newestSatisfying(versions, req.Constraints)
		if pinned == nil {
			return nil, &UnresolvableDependencyError{Requirement: req.String()}
		}

		r.logger.Debug(
			"requirement pinned",
			logfields.Event("requirement_pinned"),
			zap.String("requirement", req.String()),
			zap.String("version", pinned.String()),
		)

		fmt.Fprintf(&buf, "%s==%s\n", req.Name, pinned)
	}

	return LockArtifact(buf.Bytes()), nil
}

// newestSatisfying returns the highest version satisfying all constraints.
// Versions are ordered deterministically, equal versions with different
// spellings (e.g. "1.2" and "1.2.0") are tie-broken by their string form.
func newestSatisfying(versions []Version, constraints []Constraint) *Version {
	candidates := make([]*Version, 0, len(versions))

versionLoop:
	for i := range versions {
		for j := range constraints {
			if !constraints[j].satisfiedBy(&versions[i]) {
				continue versionLoop
			}
		}

		candidates = append(candidates, &versions[i])
	}

	if len(candidates) == 0 {
		return nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		if cmp := candidates[i].Compare(candidates[j]); cmp != 0 {
			return cmp > 0
		}

		return candidates[i].raw < candidates[j].raw
	})

	return candidates[0]
}
