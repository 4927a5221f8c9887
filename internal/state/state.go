// Package state holds the authoritative in-memory trading state and
// its durable snapshot.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	apperrors "ibis-agent/internal/errors"
	"ibis-agent/internal/models"
	"ibis-agent/pkg/utils"
)

// SchemaVersion identifies the durable state layout.
const SchemaVersion = 1

// Snapshot is the full trading state at one instant. Mutations go
// through the Store; readers hold an immutable copy.
type Snapshot struct {
	SchemaVersion int                          `json:"schema_version"`
	Version       uint64                       `json:"version"`
	Positions     map[string]models.Position   `json:"positions"`
	PendingBuys   map[string]models.PendingBuy `json:"pending_buys"`
	Capital       models.CapitalAwareness      `json:"capital_awareness"`
	Daily         models.DailyCounters         `json:"daily_counters"`
	LastRegime    models.Regime                `json:"last_regime"`
	AgentMode     models.AgentMode             `json:"agent_mode"`
	Quarantined   map[string]string            `json:"quarantined,omitempty"` // symbol -> day
	UpdatedAt     time.Time                    `json:"updated_at"`
}

func emptySnapshot() Snapshot {
	return Snapshot{
		SchemaVersion: SchemaVersion,
		Positions:     make(map[string]models.Position),
		PendingBuys:   make(map[string]models.PendingBuy),
		Quarantined:   make(map[string]string),
		AgentMode:     models.AgentModeTrading,
	}
}

// clone deep-copies the snapshot.
func (s Snapshot) clone() Snapshot {
	out := s
	out.Positions = make(map[string]models.Position, len(s.Positions))
	for k, v := range s.Positions {
		out.Positions[k] = v
	}
	out.PendingBuys = make(map[string]models.PendingBuy, len(s.PendingBuys))
	for k, v := range s.PendingBuys {
		out.PendingBuys[k] = v
	}
	out.Quarantined = make(map[string]string, len(s.Quarantined))
	for k, v := range s.Quarantined {
		out.Quarantined[k] = v
	}
	return out
}

// Store owns the trading state. A single writer mutates it; any phase
// may take a consistent snapshot.
type Store struct {
	path   string
	logger zerolog.Logger

	mu    sync.Mutex
	cur   Snapshot
	dirty bool

	lockFile *os.File
}

// Open loads the durable state file, restoring from the previous
// snapshot when the primary is corrupt. A missing file starts blank.
func Open(path string, logger zerolog.Logger) (*Store, error) {
	s := &Store{path: path, logger: logger, cur: emptySnapshot()}

	if err := s.acquireLock(); err != nil {
		return nil, err
	}

	snap, err := load(path)
	if err == nil {
		s.cur = snap
		logger.Info().
			Uint64("version", snap.Version).
			Int("positions", len(snap.Positions)).
			Msg("state loaded")
		return s, nil
	}
	if os.IsNotExist(err) {
		logger.Info().Msg("no state file, starting blank")
		return s, nil
	}

	// Primary unreadable: try the previous atomic snapshot.
	bak, bakErr := load(path + ".bak")
	if bakErr == nil {
		s.cur = bak
		s.dirty = true
		logger.Warn().Err(err).Uint64("version", bak.Version).Msg("state corrupt, restored from backup")
		return s, nil
	}

	logger.Error().Err(err).Msg("state and backup unreadable, reinitializing blank")
	s.cur = emptySnapshot()
	s.dirty = true
	return s, apperrors.Wrap(apperrors.ErrCorruptState, "state reinitialized, reconciliation required")
}

func load(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, apperrors.Wrap(apperrors.ErrCorruptState, err.Error())
	}
	if snap.SchemaVersion != SchemaVersion {
		return Snapshot{}, apperrors.Wrap(apperrors.ErrCorruptState,
			fmt.Sprintf("schema version %d, want %d", snap.SchemaVersion, SchemaVersion))
	}
	if snap.Positions == nil {
		snap.Positions = make(map[string]models.Position)
	}
	if snap.PendingBuys == nil {
		snap.PendingBuys = make(map[string]models.PendingBuy)
	}
	if snap.Quarantined == nil {
		snap.Quarantined = make(map[string]string)
	}
	return snap, nil
}

// acquireLock takes the cross-process lock file.
func (s *Store) acquireLock() error {
	lockPath := s.path + ".lock"
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("state file locked by another process (%s)", lockPath)
		}
		if os.IsNotExist(err) {
			// Parent directory absent on first run.
			if mkErr := os.MkdirAll(dirOf(lockPath), 0755); mkErr == nil {
				f, err = os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
			}
		}
		if err != nil {
			return fmt.Errorf("acquiring state lock: %w", err)
		}
	}
	fmt.Fprintf(f, "%d\n", os.Getpid())
	s.lockFile = f
	return nil
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}

// Close releases the lock file.
func (s *Store) Close() error {
	if s.lockFile != nil {
		name := s.lockFile.Name()
		s.lockFile.Close()
		os.Remove(name)
		s.lockFile = nil
	}
	return nil
}

// Snapshot returns a consistent deep copy of the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur.clone()
}

// Mutate applies fn to the state under the writer lock and marks the
// store dirty. fn must not perform IO.
func (s *Store) Mutate(fn func(*Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.cur)
	s.dirty = true
}

// Persist writes the state durably if dirty: previous file is kept as
// .bak, the new snapshot replaces the primary via write-then-rename,
// and the monotonic version advances.
func (s *Store) Persist() error {
	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return nil
	}
	s.cur.Version++
	s.cur.UpdatedAt = time.Now().UTC()
	snap := s.cur.clone()
	s.mu.Unlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}

	if _, err := os.Stat(s.path); err == nil {
		if err := utils.CopyFile(s.path, s.path+".bak"); err != nil {
			s.logger.Warn().Err(err).Msg("state backup failed")
		}
	}

	if err := utils.WriteFileAtomic(s.path, data, 0644); err != nil {
		return fmt.Errorf("persisting state: %w", err)
	}

	s.mu.Lock()
	s.dirty = false
	s.mu.Unlock()

	s.logger.Debug().Uint64("version", snap.Version).Msg("state persisted")
	return nil
}

// Version returns the current monotonic version.
func (s *Store) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur.Version
}
