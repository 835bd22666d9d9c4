// Package state persists the host's registration identity across restarts.
// The state file is searched across an ordered list of candidate locations
// and written atomically so a reader never observes a partial file.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/operion/sentinel-agent/internal/models"
	"github.com/operion/sentinel-agent/internal/session"
)

// stateFileName is the JSON file holding the registration record.
const stateFileName = "resource-state.json"

// ResourceState is the durable identity record created once per successful
// registration and read at every process startup before telemetry begins.
type ResourceState struct {
	ResourceID       string                  `json:"resource_id"`
	RegisteredAt     string                  `json:"registered_at"`
	AgentVersion     string                  `json:"agent_version"`
	InstanceMetadata models.InstanceIdentity `json:"instance_metadata"`
	Session          session.Fingerprint     `json:"session"`
}

// New creates a ResourceState stamped with the current time.
func New(resourceID, agentVersion string, identity models.InstanceIdentity, fp session.Fingerprint) *ResourceState {
	return &ResourceState{
		ResourceID:       resourceID,
		RegisteredAt:     time.Now().UTC().Format(time.RFC3339),
		AgentVersion:     agentVersion,
		InstanceMetadata: identity,
		Session:          fp,
	}
}

// Store reads and writes the resource state file across an ordered list of
// candidate paths. Load returns the first parseable file; Save tries each
// path in order until one write succeeds.
type Store struct {
	paths  []string
	logger *zap.Logger
}

// NewStore creates a Store over the given candidate paths, tried in order.
func NewStore(paths []string, logger *zap.Logger) *Store {
	return &Store{paths: paths, logger: logger}
}

// DefaultSearchPaths returns the standard candidate locations: the
// service-managed state directory, the legacy system-wide directory, then
// the per-user config directory.
func DefaultSearchPaths() []string {
	paths := []string{
		filepath.Join("/var/lib/operion", stateFileName),
		filepath.Join("/etc/operion", stateFileName),
	}
	if configDir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(configDir, "operion", stateFileName))
	}
	return paths
}

// Load returns the first successfully parsed state file, or nil when no
// candidate path has one. A read or parse error on an existing file is
// surfaced rather than skipped — a corrupt state file needs attention, a
// missing one does not.
func (s *Store) Load() (*ResourceState, error) {
	for _, path := range s.paths {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("reading state file %s: %w", path, err)
		}

		var state ResourceState
		if err := json.Unmarshal(data, &state); err != nil {
			return nil, fmt.Errorf("parsing state file %s: %w", path, err)
		}

		s.logger.Debug("Loaded resource state", zap.String("path", path))
		return &state, nil
	}
	return nil, nil
}

// Save writes the state to the first candidate path that accepts it.
// Each attempt is atomic: temp file, sync, rename into place, then restrict
// permissions to owner-only. Save fails only when every candidate fails,
// carrying the last error.
func (s *Store) Save(state *ResourceState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("serializing state: %w", err)
	}

	var lastErr error
	for _, path := range s.paths {
		if err := writeFileAtomic(path, data); err != nil {
			s.logger.Debug("State write candidate failed",
				zap.String("path", path),
				zap.Error(err))
			lastErr = err
			continue
		}
		s.logger.Info("Resource state saved", zap.String("path", path))
		return nil
	}

	if lastErr == nil {
		lastErr = errors.New("no candidate state paths configured")
	}
	return fmt.Errorf("saving resource state: %w", lastErr)
}

// writeFileAtomic writes data to path via a temp file in the same
// directory, an fsync, and a rename, then sets owner-only permissions.
// A failed write can never corrupt a previously valid file.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("creating temp file in %s: %w", dir, err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing %s: %w", tmpPath, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("syncing %s: %w", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing %s: %w", tmpPath, err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming into %s: %w", path, err)
	}

	if err := os.Chmod(path, 0600); err != nil {
		return fmt.Errorf("restricting permissions on %s: %w", path, err)
	}
	return nil
}
