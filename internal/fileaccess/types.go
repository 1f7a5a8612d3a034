package fileaccess

import (
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
)

// LockMode distinguishes exclusive writers from shared readers
type LockMode string

const (
	LockExclusive LockMode = "exclusive"
	LockShared    LockMode = "shared"
)

// Lock represents one granted lock acquisition
type Lock struct {
	Path       string    `json:"path"`
	ID         string    `json:"lock_id"`
	Mode       LockMode  `json:"mode"`
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// LockState summarizes the lock situation on a path for metadata snapshots
type LockState struct {
	Locked  bool     `json:"locked"`
	Mode    LockMode `json:"mode,omitempty"`
	Holders []string `json:"holders,omitempty"`
}

// FileMetadata is the optimistic-concurrency snapshot callers compare against.
// Checksum always reflects the last committed content.
type FileMetadata struct {
	Path       string    `json:"path"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modified_at"`
	Checksum   string    `json:"checksum"`
	LockState  LockState `json:"lock_state"`
}

// ConflictRecord compares a caller's last-known metadata against current state
type ConflictRecord struct {
	Path        string        `json:"path"`
	HasConflict bool          `json:"has_conflict"`
	Current     *FileMetadata `json:"current,omitempty"`
	LastKnown   *FileMetadata `json:"last_known,omitempty"`
}

// Strategy selects how a detected conflict is resolved
type Strategy string

const (
	// StrategyUserChoice writes the caller-supplied final content
	StrategyUserChoice Strategy = "user-choice"
	// StrategyMerge performs a best-effort textual merge
	StrategyMerge Strategy = "merge"
	// StrategyOverwrite discards the current content
	StrategyOverwrite Strategy = "overwrite"
)

// Resolution reports the outcome of ResolveConflict
type Resolution struct {
	Path     string        `json:"path"`
	Strategy Strategy      `json:"strategy"`
	Metadata *FileMetadata `json:"metadata"`
}

// Action classifies a committed mutation
type Action string

const (
	ActionCreate Action = "create"
	ActionModify Action = "modify"
	ActionDelete Action = "delete"
)

// Change is the internal record emitted after every committed mutation.
// The change watcher consumes these so programmatic writes are observable
// the same way external edits are.
type Change struct {
	Path      string    `json:"path"`
	Action    Action    `json:"action"`
	Timestamp time.Time `json:"timestamp"`
}

// Checksum returns the content hash shared by the conflict-check and
// metadata-refresh paths. xxhash64 is cheap enough to recompute on every write.
func Checksum(data []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(data))
}
