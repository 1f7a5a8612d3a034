package fileaccess

import (
	"context"
	"fmt"
	"strings"

	"github.com/codefionn/syncspace/internal/syncerr"
)

// CheckConflicts compares the caller's last-known metadata against the
// current state. A conflict exists iff checksum or modification time
// diverged, which is the lost-update signal between read and write.
func (s *Store) CheckConflicts(ctx context.Context, path string, lastKnown *FileMetadata) (*ConflictRecord, error) {
	p, err := s.resolvePath(path)
	if err != nil {
		return nil, err
	}

	current, err := s.Metadata(ctx, p)
	if err != nil {
		return nil, err
	}

	record := &ConflictRecord{
		Path:      p,
		Current:   current,
		LastKnown: lastKnown,
	}
	if lastKnown == nil {
		return record, nil
	}

	if current.Checksum != lastKnown.Checksum || !current.ModifiedAt.Equal(lastKnown.ModifiedAt) {
		record.HasConflict = true
	}
	return record, nil
}

// ResolveConflict applies the chosen strategy and returns it together with
// the resulting metadata. Locks are not released so the caller can chain
// further operations under the same lock.
func (s *Store) ResolveConflict(ctx context.Context, path string, content []byte, strategy Strategy, holder, lockID string) (*Resolution, error) {
	p, err := s.resolvePath(path)
	if err != nil {
		return nil, err
	}

	var final []byte
	switch strategy {
	case StrategyOverwrite, StrategyUserChoice:
		// Both write the caller-supplied content; user-choice signals that a
		// human picked it, overwrite that the current state is discarded.
		final = content
	case StrategyMerge:
		current, _, err := s.Read(ctx, p)
		if err != nil {
			return nil, err
		}
		final = []byte(mergeLines(string(current), string(content)))
	default:
		return nil, fmt.Errorf("unknown resolution strategy %q: %w", strategy, syncerr.ErrConflict)
	}

	md, err := s.Update(ctx, p, final, holder, lockID)
	if err != nil {
		return nil, err
	}

	s.log.Info("resolved conflict on %s using %s", p, strategy)
	return &Resolution{Path: p, Strategy: strategy, Metadata: md}, nil
}

// mergeLines performs a best-effort two-way line merge: the longest common
// prefix and suffix are kept once, and the divergent middles are
// concatenated current-first with duplicate lines elided. Deterministic and
// lossless, but makes no attempt at a semantic three-way merge.
func mergeLines(current, incoming string) string {
	if current == incoming {
		return current
	}

	curLines := strings.Split(current, "\n")
	incLines := strings.Split(incoming, "\n")

	prefix := 0
	for prefix < len(curLines) && prefix < len(incLines) && curLines[prefix] == incLines[prefix] {
		prefix++
	}

	suffix := 0
	for suffix < len(curLines)-prefix && suffix < len(incLines)-prefix &&
		curLines[len(curLines)-1-suffix] == incLines[len(incLines)-1-suffix] {
		suffix++
	}

	midCur := curLines[prefix : len(curLines)-suffix]
	midInc := incLines[prefix : len(incLines)-suffix]

	seen := make(map[string]bool, len(midCur))
	merged := make([]string, 0, len(curLines)+len(midInc))
	merged = append(merged, curLines[:prefix]...)
	for _, line := range midCur {
		merged = append(merged, line)
		seen[line] = true
	}
	for _, line := range midInc {
		if !seen[line] {
			merged = append(merged, line)
		}
	}
	merged = append(merged, curLines[len(curLines)-suffix:]...)

	return strings.Join(merged, "\n")
}
