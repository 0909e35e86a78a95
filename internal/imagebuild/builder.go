// Package imagebuild produces container images from a synchronized
// repository checkout.
//
// Image tags are derived from the content that goes into the build: the
// git tree hash of the synchronized revision and the checksum of the
// pinned dependency set. Building the same content twice yields the
// same tag, which lets a builder skip builds for artifacts that already
// exist.
package imagebuild

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/simplesurance/forksyncd/internal/logfields"
)

// tagHexLen is the number of hex digits of the content digest that are
// used in the immutable tag.
const tagHexLen = 16

// mutableTag is additionally applied and pushed on every successful
// build, it always points to the newest artifact.
const mutableTag = "latest"

// Artifact describes a built image.
type Artifact struct {
	// ImmutableTag is derived from the build inputs and never reused
	// for different content.
	ImmutableTag string
	// MutableTag is the floating tag that was also applied, empty if
	// none was.
	MutableTag string
	CreatedAt  time.Time
}

// BuildFailureError is returned when the build tool failed.
// Log contains the captured build output.
type BuildFailureError struct {
	Log string
	Err error
}

func (e *BuildFailureError) Error() string {
	return fmt.Sprintf("image build failed: %s", e.Err)
}

func (e *BuildFailureError) Unwrap() error {
	return e.Err
}

// Builder builds and publishes container images.
type Builder struct {
	backend  Backend
	image    string
	registry string
	logger   *zap.Logger
}

// NewBuilder returns a Builder that tags images as image:<tag> and, if
// registry is not empty, pushes them to registry/image:<tag>.
func NewBuilder(backend Backend, image, registry string) *Builder {
	return &Builder{
		backend:  backend,
		image:    image,
		registry: registry,
		logger:   zap.L().Named("imagebuild"),
	}
}

// ImmutableTag returns the tag for an image built from the revision
// with the given git tree hash and the given pinned dependency
// artifact.
func ImmutableTag(treeHash string, lock []byte) string {
	h := sha256.New()
	h.Write([]byte(treeHash))
	h.Write([]byte{0})
	h.Write(lock)

	return "build-" + hex.EncodeToString(h.Sum(nil))[:tagHexLen]
}

func (b *Builder) taggedName(tag string) string {
	name := b.image + ":" + tag
	if b.registry != "" {
		name = b.registry + "/" + name
	}

	return name
}

// Build builds the image for the given content and returns the
// resulting artifact.
// If an image with the same immutable tag already exists and force is
// false, the build is skipped and the existing artifact is returned.
// On build failure a *BuildFailureError containing the build log is
// returned.
func (b *Builder) Build(ctx context.Context, contextDir, treeHash string, lock []byte, force bool) (*Artifact, error) {
	tag := ImmutableTag(treeHash, lock)
	immutable := b.taggedName(tag)
	mutable := b.taggedName(mutableTag)

	if !force {
		exists, err := b.backend.ImageExists(ctx, immutable)
		if err != nil {
			return nil, fmt.Errorf("checking for existing image: %w", err)
		}

		if exists {
			// a later build may have moved the floating tag to other
			// content, repoint it to the artifact that is promoted
			if err := b.backend.Tag(ctx, immutable, mutable); err != nil {
				return nil, fmt.Errorf("retagging %s to %s: %w", mutable, immutable, err)
			}

			b.logger.Info(
				"image exists, skipping build",
				logfields.Event("image_build_skipped"),
				logfields.ImageTag(immutable),
			)

			return &Artifact{
				ImmutableTag: immutable,
				MutableTag:   mutable,
				CreatedAt:    time.Now(),
			}, nil
		}
	}

	buildLog, err := b.backend.Build(ctx, contextDir, []string{immutable, mutable})
	if err != nil {
		return nil, &BuildFailureError{Log: buildLog, Err: err}
	}

	b.logger.Info(
		"image built",
		logfields.Event("image_built"),
		logfields.ImageTag(immutable),
	)

	return &Artifact{
		ImmutableTag: immutable,
		MutableTag:   mutable,
		CreatedAt:    time.Now(),
	}, nil
}

// Push uploads the artifact's tags to the registry.
// It is a no-op when the Builder was created without a registry.
func (b *Builder) Push(ctx context.Context, artifact *Artifact) error {
	if b.registry == "" {
		return nil
	}

	for _, tag := range []string{artifact.ImmutableTag, artifact.MutableTag} {
		if tag == "" {
			continue
		}

		if err := b.backend.Push(ctx, tag); err != nil {
			return fmt.Errorf("pushing %s: %w", tag, err)
		}

		b.logger.Info(
			"image pushed",
			logfields.Event("image_pushed"),
			logfields.ImageTag(tag),
		)
	}

	return nil
}

// Login authenticates the backend against the registry when registry
// credentials are configured.
func (b *Builder) Login(ctx context.Context, user, password string) error {
	if b.registry == "" || user == "" {
		return nil
	}

	return b.backend.Login(ctx, b.registry, user, password)
}
