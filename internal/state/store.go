// Package state persists the synchronization state of the pipeline.
//
// The state is kept in a single JSON file that is replaced atomically on
// every transition. A missing or unreadable file is treated as "nothing
// synced, nothing deployed".
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/simplesurance/forksyncd/internal/logfields"
)

const loggerName = "state"

type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseMerging     Phase = "merging"
	PhaseReconciling Phase = "reconciling"
	PhaseBuilding    Phase = "building"
	PhaseDeploying   Phase = "deploying"
	PhaseBlocked     Phase = "blocked"
)

var (
	// ErrPhaseMismatch is returned by Transition when the stored phase is
	// not the expected one.
	ErrPhaseMismatch = errors.New("unexpected pipeline phase")
	// ErrLeaseHeld is returned by AcquireLease while a run is in progress.
	ErrLeaseHeld = errors.New("pipeline lease is already held")
)

// SyncState is the single durable record of the pipeline.
// Phase and the refs belonging to it are always written together.
type SyncState struct {
	LastSyncedUpstreamRef string    `json:"last_synced_upstream_ref"`
	LastLocalRef          string    `json:"last_local_ref"`
	LastLock              string    `json:"last_lock,omitempty"`
	Phase                 Phase     `json:"phase"`
	LastError             string    `json:"last_error,omitempty"`
	ConflictingPaths      []string  `json:"conflicting_paths,omitempty"`
	ConsecutiveFailures   int       `json:"consecutive_failures,omitempty"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// Store provides compare-and-set access to the persisted SyncState.
// It is only written by the orchestrator.
type Store struct {
	path   string
	logger *zap.Logger

	mu     sync.Mutex
	cur    SyncState
	leased bool
}

func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating state directory failed: %w", err)
	}

	s := Store{
		path:   filepath.Join(dir, "syncstate.json"),
		logger: zap.L().Named(loggerName),
		cur:    SyncState{Phase: PhaseIdle},
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading state file failed: %w", err)
		}

		return &s, nil
	}

	if err := json.Unmarshal(data, &s.cur); err != nil {
		// treat a corrupt state file as nothing synced, the next run
		// starts from scratch
		s.logger.Warn(
			"state file is corrupt, assuming nothing was synced",
			logfields.Event("state_file_corrupt"),
			zap.String("state_file", s.path),
			zap.Error(err),
		)

		s.cur = SyncState{Phase: PhaseIdle}
	}

	return &s, nil
}

// Get returns a copy of the current state.
func (s *Store) Get() SyncState {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.cur
}

// Transition applies mutate to the state and persists the result, if the
// current phase equals expected.
// If it does not, ErrPhaseMismatch is returned and nothing is changed.
func (s *Store) Transition(expected Phase, mutate func(*SyncState)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cur.Phase != expected {
		return fmt.Errorf("%w: have %q, want %q", ErrPhaseMismatch, s.cur.Phase, expected)
	}

	next := s.cur
	mutate(&next)
	next.UpdatedAt = time.Now().UTC()

	if err := s.persist(&next); err != nil {
		return err
	}

	s.logger.Debug(
		"state transition persisted",
		logfields.Event("state_transition"),
		logfields.Phase(string(next.Phase)),
		logfields.UpstreamRef(next.LastSyncedUpstreamRef),
		logfields.LocalRef(next.LastLocalRef),
	)

	s.cur = next
	return nil
}

// Set unconditionally replaces the state.
// It is only meant for transitions out of failure handling where the
// previous phase is irrelevant.
func (s *Store) Set(mutate func(*SyncState)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.cur
	mutate(&next)
	next.UpdatedAt = time.Now().UTC()

	if err := s.persist(&next); err != nil {
		return err
	}

	s.cur = next
	return nil
}

// AcquireLease marks a pipeline run as in progress.
// Only a single holder can exist, a second caller gets ErrLeaseHeld and must
// treat its trigger as coalesced into the running one.
func (s *Store) AcquireLease() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.leased {
		return ErrLeaseHeld
	}

	s.leased = true
	return nil
}

func (s *Store) ReleaseLease() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.leased = false
}

func (s *Store) persist(state *SyncState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling state failed: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing state file failed: %w", err)
	}

	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replacing state file failed: %w", err)
	}

	return nil
}
