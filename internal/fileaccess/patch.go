package fileaccess

import (
	"context"
	"fmt"
	"strings"

	"github.com/sourcegraph/go-diff/diff"
)

// UpdateWithPatch applies a unified diff to an existing file instead of
// replacing its whole content. Useful for clients that ship edits as diffs
// to keep payloads small. The same locking rules as Update apply.
func (s *Store) UpdateWithPatch(ctx context.Context, path, diffText, holder, lockID string) (*FileMetadata, error) {
	p, err := s.resolvePath(path)
	if err != nil {
		return nil, err
	}

	current, _, err := s.Read(ctx, p)
	if err != nil {
		return nil, err
	}

	patched, err := applyUnifiedDiff(string(current), diffText)
	if err != nil {
		return nil, fmt.Errorf("apply patch to %s: %w", p, err)
	}

	return s.Update(ctx, p, []byte(patched), holder, lockID)
}

// applyUnifiedDiff applies a unified diff to content using github.com/sourcegraph/go-diff
func applyUnifiedDiff(original, diffText string) (string, error) {
	// Tolerate diffs without file headers
	if !strings.HasPrefix(diffText, "---") && !strings.HasPrefix(diffText, "diff ") {
		diffText = "--- a/file\n+++ b/file\n" + diffText
	}

	fileDiff, err := diff.ParseFileDiff([]byte(diffText))
	if err != nil {
		return "", fmt.Errorf("failed to parse unified diff: %w", err)
	}

	originalLines := strings.Split(original, "\n")

	result := make([]string, 0, len(originalLines))
	currentOrigLine := 0

	for _, hunk := range fileDiff.Hunks {
		hunkStartLine := int(hunk.OrigStartLine) - 1
		for currentOrigLine < hunkStartLine && currentOrigLine < len(originalLines) {
			result = append(result, originalLines[currentOrigLine])
			currentOrigLine++
		}

		hunkLines := strings.Split(string(hunk.Body), "\n")
		for _, line := range hunkLines {
			if len(line) == 0 {
				continue
			}

			switch line[0] {
			case ' ': // context line, copy from original
				if currentOrigLine < len(originalLines) {
					result = append(result, originalLines[currentOrigLine])
					currentOrigLine++
				}
			case '-': // deleted line, skip in original
				if currentOrigLine < len(originalLines) {
					currentOrigLine++
				}
			case '+': // added line
				result = append(result, line[1:])
			}
		}
	}

	for currentOrigLine < len(originalLines) {
		result = append(result, originalLines[currentOrigLine])
		currentOrigLine++
	}

	return strings.Join(result, "\n"), nil
}
