package imagebuild

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/simplesurance/forksyncd/internal/logfields"
)

// Backend abstracts the container build tool.
type Backend interface {
	// Build builds the image from contextDir and applies all tags.
	// The build log is returned also when the build failed.
	Build(ctx context.Context, contextDir string, tags []string) (log string, err error)
	// Push uploads a tag to the registry.
	Push(ctx context.Context, tag string) error
	// Tag applies an additional tag to an existing image.
	Tag(ctx context.Context, src, dst string) error
	// ImageExists returns true if an image with the tag exists locally.
	ImageExists(ctx context.Context, tag string) (bool, error)
	// Login authenticates against a registry.
	Login(ctx context.Context, registry, user, password string) error
}

// DockerCLI implements Backend via the docker command.
type DockerCLI struct {
	logger *zap.Logger
}

func NewDockerCLI() *DockerCLI {
	return &DockerCLI{
		logger: zap.L().Named("docker_build"),
	}
}

func (d *DockerCLI) run(ctx context.Context, stdin string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "docker", args...)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}

	d.logger.Debug(
		"running docker command",
		logfields.Event("docker_command_running"),
		zap.String("docker_args", strings.Join(args, " ")),
	)

	if err := cmd.Run(); err != nil {
		return out.String(), fmt.Errorf("docker %s: %w: %s",
			args[0], err, strings.TrimSpace(out.String()))
	}

	return out.String(), nil
}

func (d *DockerCLI) Build(ctx context.Context, contextDir string, tags []string) (string, error) {
	args := []string{"build"}
	for _, tag := range tags {
		args = append(args, "-t", tag)
	}
	args = append(args, contextDir)

	return d.run(ctx, "", args...)
}

func (d *DockerCLI) Push(ctx context.Context, tag string) error {
	_, err := d.run(ctx, "", "push", tag)
	return err
}

func (d *DockerCLI) Tag(ctx context.Context, src, dst string) error {
	_, err := d.run(ctx, "", "tag", src, dst)
	return err
}

func (d *DockerCLI) ImageExists(ctx context.Context, tag string) (bool, error) {
	out, err := d.run(ctx, "", "image", "ls", "--quiet", tag)
	if err != nil {
		return false, err
	}

	return strings.TrimSpace(out) != "", nil
}

// Login authenticates against the registry, the password is passed via
// stdin and never appears in the argument list.
func (d *DockerCLI) Login(ctx context.Context, registry, user, password string) error {
	_, err := d.run(ctx, password, "login", "--username", user, "--password-stdin", registry)
	return err
}
