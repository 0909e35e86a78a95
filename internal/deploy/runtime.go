package deploy

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/simplesurance/forksyncd/internal/logfields"
)

// Instance is a running container started by a Runtime.
type Instance struct {
	// ID identifies the instance at the runtime, for docker it is the
	// container name.
	ID string
}

// Runtime abstracts the container runtime that deployments run on.
type Runtime interface {
	// Start creates and starts a container with the given name from
	// image.
	Start(ctx context.Context, name, image string) (*Instance, error)
	// Stop stops and removes an instance.
	Stop(ctx context.Context, instance *Instance) error
	// SwitchTraffic atomically moves the service address from the old
	// instance to the new one. from can be nil on the first
	// deployment.
	SwitchTraffic(ctx context.Context, from, to *Instance) error
}

// DockerRuntime implements Runtime via the docker command.
// Traffic switching is done by moving a network alias between
// containers on a user-defined network, clients resolve the alias via
// the network's DNS.
type DockerRuntime struct {
	network      string
	alias        string
	volumeHost   string
	volumeMount  string
	publishPorts []string
	logger       *zap.Logger
}

// NewDockerRuntime returns a DockerRuntime that attaches instances to
// network and routes traffic via the DNS alias.
func NewDockerRuntime(network, alias, volumeHost, volumeMount string, publishPorts []string) *DockerRuntime {
	return &DockerRuntime{
		network:      network,
		alias:        alias,
		volumeHost:   volumeHost,
		volumeMount:  volumeMount,
		publishPorts: publishPorts,
		logger:       zap.L().Named("docker_runtime"),
	}
}

func (d *DockerRuntime) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "docker", args...)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

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

func (d *DockerRuntime) Start(ctx context.Context, name, image string) (*Instance, error) {
	args := []string{"run", "--detach", "--name", name}

	if d.network != "" {
		args = append(args, "--network", d.network)
	}

	if d.volumeHost != "" {
		args = append(args, "--volume", d.volumeHost+":"+d.volumeMount)
	}

	for _, p := range d.publishPorts {
		args = append(args, "--publish", p)
	}

	args = append(args, image)

	if _, err := d.run(ctx, args...); err != nil {
		return nil, err
	}

	return &Instance{ID: name}, nil
}

func (d *DockerRuntime) Stop(ctx context.Context, instance *Instance) error {
	if _, err := d.run(ctx, "stop", instance.ID); err != nil {
		return err
	}

	_, err := d.run(ctx, "rm", instance.ID)
	return err
}

func (d *DockerRuntime) SwitchTraffic(ctx context.Context, from, to *Instance) error {
	if d.network == "" {
		return nil
	}

	// The new instance is reattached with the service alias before the
	// old one is detached. It receives no traffic until the alias
	// resolves to it, detaching it first is safe. During the overlap
	// both instances resolve, no lookup fails.
	if _, err := d.run(ctx, "network", "disconnect", d.network, to.ID); err != nil {
		if !strings.Contains(err.Error(), "is not connected") {
			return err
		}
	}

	_, err := d.run(ctx,
		"network", "connect", "--alias", d.alias, d.network, to.ID)
	if err != nil {
		return err
	}

	if from == nil {
		return nil
	}

	_, err = d.run(ctx, "network", "disconnect", d.network, from.ID)
	return err
}
