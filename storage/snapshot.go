package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"notepool/pool"
)

var (
	// ErrStaleSnapshot is returned when a save would move the persisted
	// valuation backwards in time.
	ErrStaleSnapshot = errors.New("storage: snapshot older than persisted state")
	// ErrSnapshotNotFound is returned when no snapshot has been persisted
	// for the pool yet.
	ErrSnapshotNotFound = errors.New("storage: snapshot not found")
)

// VersionedSnapshot wraps a pool snapshot with a monotonically increasing
// version so readers can detect torn or replayed writes.
type VersionedSnapshot struct {
	Version  uint64        `json:"version"`
	Snapshot pool.Snapshot `json:"snapshot"`
}

// SnapshotStore persists the latest valuation snapshot per pool on any
// Database backend.
type SnapshotStore struct {
	db Database
}

func NewSnapshotStore(db Database) *SnapshotStore {
	return &SnapshotStore{db: db}
}

const snapshotPrefix = "snapshot/"

func snapshotKey(poolID string) []byte {
	return []byte(snapshotPrefix + poolID)
}

// Pools lists the identifiers with a persisted snapshot.
func (s *SnapshotStore) Pools() ([]string, error) {
	keys, err := s.db.Keys([]byte(snapshotPrefix))
	if err != nil {
		return nil, fmt.Errorf("storage: list snapshots: %w", err)
	}
	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		ids = append(ids, strings.TrimPrefix(key, snapshotPrefix))
	}
	return ids, nil
}

// Save persists the snapshot, bumping the version. A snapshot timestamped
// before the persisted one is refused; callers re-read and retry.
func (s *SnapshotStore) Save(poolID string, snapshot pool.Snapshot) (uint64, error) {
	current, err := s.Load(poolID)
	switch {
	case errors.Is(err, ErrSnapshotNotFound):
		current = VersionedSnapshot{}
	case err != nil:
		return 0, err
	default:
		if snapshot.Timestamp.Before(current.Snapshot.Timestamp) {
			return 0, fmt.Errorf("%w: %s behind %s", ErrStaleSnapshot,
				snapshot.Timestamp.Format("2006-01-02T15:04:05Z07:00"),
				current.Snapshot.Timestamp.Format("2006-01-02T15:04:05Z07:00"))
		}
	}
	next := VersionedSnapshot{Version: current.Version + 1, Snapshot: snapshot}
	encoded, err := json.Marshal(next)
	if err != nil {
		return 0, fmt.Errorf("storage: encode snapshot: %w", err)
	}
	if err := s.db.Put(snapshotKey(poolID), encoded); err != nil {
		return 0, fmt.Errorf("storage: persist snapshot: %w", err)
	}
	return next.Version, nil
}

// Load returns the latest persisted snapshot for the pool.
func (s *SnapshotStore) Load(poolID string) (VersionedSnapshot, error) {
	raw, err := s.db.Get(snapshotKey(poolID))
	if errors.Is(err, ErrKeyNotFound) {
		return VersionedSnapshot{}, fmt.Errorf("%w: %s", ErrSnapshotNotFound, poolID)
	}
	if err != nil {
		return VersionedSnapshot{}, fmt.Errorf("storage: read snapshot: %w", err)
	}
	var snapshot VersionedSnapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return VersionedSnapshot{}, fmt.Errorf("storage: decode snapshot: %w", err)
	}
	return snapshot, nil
}
