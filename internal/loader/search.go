package loader

import (
	"context"
	"fmt"

	"github.com/codefionn/syncspace/internal/consts"
	"github.com/codefionn/syncspace/internal/stringsearch"
	"github.com/codefionn/syncspace/internal/syncerr"
)

// SearchOptions controls a single Search call
type SearchOptions struct {
	CaseSensitive bool
	MaxResults    int // 0 means consts.DefaultMaxSearchResults
	ResumeFrom    int // line index to resume a truncated search from
}

// SearchMatch is one pattern hit
type SearchMatch struct {
	Line   int
	Column int
	Text   string // the matched line
}

// SearchResult carries matches plus a cursor for resuming truncated searches
type SearchResult struct {
	Matches    []SearchMatch
	Truncated  bool
	ResumeFrom int // meaningful only when Truncated
}

// Search scans path chunk by chunk for literal occurrences of pattern. The
// scan stops once MaxResults matches are collected; the result then carries
// the line index to resume from, so a follow-up call with
// opts.ResumeFrom = result.ResumeFrom continues where this one stopped.
func (l *Loader) Search(ctx context.Context, path, pattern string, opts SearchOptions) (*SearchResult, error) {
	if pattern == "" {
		return nil, fmt.Errorf("empty search pattern")
	}

	l.mu.Lock()
	st, ok := l.files[path]
	l.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("file %s not initialized: %w", path, syncerr.ErrNotFound)
	}

	maxResults := opts.MaxResults
	if maxResults <= 0 {
		maxResults = consts.DefaultMaxSearchResults
	}
	startLine := opts.ResumeFrom
	if startLine < 0 {
		startLine = 0
	}

	matcher := stringsearch.NewMatcher([]string{pattern}, opts.CaseSensitive)
	result := &SearchResult{}

	total := st.info.TotalLines
	for line := startLine; line < total; {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		ci := line / l.opts.ChunkSize
		lines, err := l.chunk(ctx, st, ci)
		if err != nil {
			return nil, err
		}
		chunkStart := ci * l.opts.ChunkSize

		for li := line - chunkStart; li < len(lines); li++ {
			abs := chunkStart + li
			for _, occ := range matcher.Indexes(lines[li]) {
				result.Matches = append(result.Matches, SearchMatch{
					Line:   abs,
					Column: occ.Column,
					Text:   lines[li],
				})
			}
			if len(result.Matches) >= maxResults {
				result.Matches = result.Matches[:maxResults]
				result.Truncated = true
				result.ResumeFrom = abs + 1
				return result, nil
			}
		}
		line = chunkStart + len(lines)
	}

	return result, nil
}
