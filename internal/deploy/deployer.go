// Package deploy promotes built images to running instances.
//
// A promotion starts the candidate instance alongside the current one,
// waits for the candidate to pass the health gate, then switches
// traffic and stops the replaced instance. The current instance keeps
// serving until the candidate is healthy, a failed candidate is torn
// down without affecting it.
package deploy

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/simplesurance/forksyncd/internal/logfields"
)

// DeployFailureError is returned when a candidate instance could not be
// promoted. The previously current instance is still serving.
type DeployFailureError struct {
	ArtifactTag string
	Err         error
}

func (e *DeployFailureError) Error() string {
	return fmt.Sprintf("deploying %s failed: %s", e.ArtifactTag, e.Err)
}

func (e *DeployFailureError) Unwrap() error {
	return e.Err
}

// Deployer runs promotions on a Runtime and records them in a
// RecordLog.
type Deployer struct {
	runtime       Runtime
	records       *RecordLog
	gate          *HealthGate
	containerName string
	logger        *zap.Logger
}

func NewDeployer(runtime Runtime, records *RecordLog, gate *HealthGate, containerName string) *Deployer {
	return &Deployer{
		runtime:       runtime,
		records:       records,
		gate:          gate,
		containerName: containerName,
		logger:        zap.L().Named("deployer"),
	}
}

// instanceName derives the candidate container name from the artifact
// tag. The tag's repository and registry parts are stripped, ":" is not
// valid in container names.
func (d *Deployer) instanceName(artifactTag string) string {
	tag := artifactTag
	if idx := strings.LastIndex(tag, ":"); idx != -1 {
		tag = tag[idx+1:]
	}

	return d.containerName + "-" + tag
}

// Promote deploys the image artifactTag and makes it the current
// deployment.
// The running current instance is only stopped after the new one
// passed the health gate and traffic was switched. On failure a
// *DeployFailureError is returned and the current deployment is
// unchanged.
func (d *Deployer) Promote(ctx context.Context, artifactTag string) error {
	current := d.records.Current()
	if current != nil && current.ArtifactTag == artifactTag {
		d.logger.Info(
			"artifact is already the current deployment",
			logfields.Event("deploy_skipped"),
			logfields.ImageTag(artifactTag),
		)

		return nil
	}

	name := d.instanceName(artifactTag)

	rec, err := d.records.Append(artifactTag, name)
	if err != nil {
		return fmt.Errorf("recording deployment: %w", err)
	}

	d.logger.Info(
		"starting candidate instance",
		logfields.Event("deploy_candidate_starting"),
		logfields.ImageTag(artifactTag),
		zap.String("instance", name),
	)

	candidate, err := d.runtime.Start(ctx, name, artifactTag)
	if err != nil {
		if markErr := d.records.MarkFailed(rec); markErr != nil {
			d.logger.Error(
				"recording failed deployment failed",
				logfields.Event("deploy_record_update_failed"),
				zap.Error(markErr),
			)
		}

		return &DeployFailureError{ArtifactTag: artifactTag, Err: err}
	}

	if err := d.gate.Wait(ctx); err != nil {
		d.teardown(ctx, candidate)

		if markErr := d.records.MarkFailed(rec); markErr != nil {
			d.logger.Error(
				"recording failed deployment failed",
				logfields.Event("deploy_record_update_failed"),
				zap.Error(markErr),
			)
		}

		return &DeployFailureError{ArtifactTag: artifactTag, Err: err}
	}

	var oldInstance *Instance
	if current != nil {
		oldInstance = &Instance{ID: current.InstanceName}
	}

	if err := d.runtime.SwitchTraffic(ctx, oldInstance, candidate); err != nil {
		d.teardown(ctx, candidate)

		if markErr := d.records.MarkFailed(rec); markErr != nil {
			d.logger.Error(
				"recording failed deployment failed",
				logfields.Event("deploy_record_update_failed"),
				zap.Error(markErr),
			)
		}

		return &DeployFailureError{ArtifactTag: artifactTag, Err: err}
	}

	if err := d.records.FlipCurrent(rec); err != nil {
		return fmt.Errorf("recording deployment switch: %w", err)
	}

	if oldInstance != nil {
		d.teardown(ctx, oldInstance)
	}

	d.logger.Info(
		"deployment is live",
		logfields.Event("deploy_succeeded"),
		logfields.ImageTag(artifactTag),
		zap.String("instance", name),
	)

	return nil
}

// Rollback promotes a previously deployed artifact again.
// It is the same operation as Promote, the image for artifactTag must
// still exist.
func (d *Deployer) Rollback(ctx context.Context, artifactTag string) error {
	if d.records.ByTag(artifactTag) == nil {
		return fmt.Errorf("artifact %s was never deployed", artifactTag)
	}

	return d.Promote(ctx, artifactTag)
}

func (d *Deployer) teardown(ctx context.Context, instance *Instance) {
	// the instance must be stopped also when the promotion context was
	// cancelled already
	ctx = context.WithoutCancel(ctx)

	if err := d.runtime.Stop(ctx, instance); err != nil {
		d.logger.Warn(
			"stopping instance failed",
			logfields.Event("deploy_instance_stop_failed"),
			zap.String("instance", instance.ID),
			zap.Error(err),
		)
	}
}
