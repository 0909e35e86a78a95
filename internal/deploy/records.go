package deploy

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// HealthStatus is the recorded outcome of a deployment's health gate.
type HealthStatus string

const (
	HealthPending HealthStatus = "pending"
	HealthHealthy HealthStatus = "healthy"
	HealthFailed  HealthStatus = "failed"
)

// DeploymentRecord describes one deployment attempt.
type DeploymentRecord struct {
	ArtifactTag  string       `json:"artifact_tag"`
	InstanceName string       `json:"instance_name"`
	StartedAt    time.Time    `json:"started_at"`
	HealthStatus HealthStatus `json:"health_status"`
	// IsCurrent marks the deployment that serves traffic.
	// At most one record has it set.
	IsCurrent bool `json:"is_current"`
}

const recordsFilename = "deployments.json"

// RecordLog is the append-only, file-backed history of deployment
// attempts.
type RecordLog struct {
	mu       sync.Mutex
	filepath string
	records  []*DeploymentRecord
}

// NewRecordLog loads the deployment history from dir, a missing file
// yields an empty log.
func NewRecordLog(dir string) (*RecordLog, error) {
	l := &RecordLog{filepath: filepath.Join(dir, recordsFilename)}

	data, err := os.ReadFile(l.filepath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return l, nil
		}

		return nil, err
	}

	if err := json.Unmarshal(data, &l.records); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", l.filepath, err)
	}

	return l, nil
}

// persist must be called with mu held.
func (l *RecordLog) persist() error {
	data, err := json.MarshalIndent(l.records, "", "  ")
	if err != nil {
		return err
	}

	tmp := l.filepath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}

	return os.Rename(tmp, l.filepath)
}

// Append adds a new pending record and persists the log.
func (l *RecordLog) Append(artifactTag, instanceName string) (*DeploymentRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := &DeploymentRecord{
		ArtifactTag:  artifactTag,
		InstanceName: instanceName,
		StartedAt:    time.Now(),
		HealthStatus: HealthPending,
	}

	l.records = append(l.records, rec)

	if err := l.persist(); err != nil {
		l.records = l.records[:len(l.records)-1]
		return nil, err
	}

	return rec, nil
}

// FlipCurrent marks rec as healthy and current and clears the current
// flag on all other records in a single persisted update.
func (l *RecordLog) FlipCurrent(rec *DeploymentRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, r := range l.records {
		r.IsCurrent = r == rec
	}

	rec.HealthStatus = HealthHealthy

	return l.persist()
}

// MarkFailed records that rec did not pass the health gate.
func (l *RecordLog) MarkFailed(rec *DeploymentRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec.HealthStatus = HealthFailed

	return l.persist()
}

// Current returns the record that serves traffic or nil.
func (l *RecordLog) Current() *DeploymentRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, r := range l.records {
		if r.IsCurrent {
			return r
		}
	}

	return nil
}

// Records returns a copy of the history, oldest first.
func (l *RecordLog) Records() []DeploymentRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	result := make([]DeploymentRecord, 0, len(l.records))
	for _, r := range l.records {
		result = append(result, *r)
	}

	return result
}

// ByTag returns the newest record for an artifact tag or nil.
func (l *RecordLog) ByTag(tag string) *DeploymentRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := len(l.records) - 1; i >= 0; i-- {
		if l.records[i].ArtifactTag == tag {
			return l.records[i]
		}
	}

	return nil
}
