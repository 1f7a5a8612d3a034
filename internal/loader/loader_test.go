package loader

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/codefionn/syncspace/internal/consts"
	"github.com/codefionn/syncspace/internal/fs"
	"github.com/codefionn/syncspace/internal/syncerr"
)

func makeLines(n int) []string {
	lines := make([]string, n)
	for i := range lines {
		lines[i] = fmt.Sprintf("line %d content", i)
	}
	return lines
}

func newTestLoader(opts Options) (*Loader, *fs.MockFS) {
	mfs := fs.NewMockFS()
	return New(mfs, opts), mfs
}

func TestInitializeFile(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		name      string
		content   string
		wantLines int
	}{
		{"empty file", "", 0},
		{"single line no newline", "hello", 1},
		{"single line trailing newline", "hello\n", 1},
		{"two lines", "a\nb", 2},
		{"two lines trailing newline", "a\nb\n", 2},
		{"blank lines", "\n\n", 2},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			l, mfs := newTestLoader(DefaultOptions())
			if err := mfs.WriteFile(ctx, "f.txt", []byte(tc.content)); err != nil {
				t.Fatal(err)
			}
			info, err := l.InitializeFile(ctx, "f.txt")
			if err != nil {
				t.Fatal(err)
			}
			if info.TotalLines != tc.wantLines {
				t.Errorf("TotalLines = %d, want %d", info.TotalLines, tc.wantLines)
			}
			if info.TotalSize != int64(len(tc.content)) {
				t.Errorf("TotalSize = %d, want %d", info.TotalSize, len(tc.content))
			}
		})
	}
}

func TestInitializeFileMissing(t *testing.T) {
	l, _ := newTestLoader(DefaultOptions())
	_, err := l.InitializeFile(context.Background(), "nope.txt")
	if !errors.Is(err, syncerr.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestLineRangeMatchesFullContent(t *testing.T) {
	ctx := context.Background()
	lines := makeLines(137)
	content := strings.Join(lines, "\n") + "\n"

	// any chunk geometry must serve identical content
	for _, chunkSize := range []int{1, 3, 10, 50, 200} {
		t.Run(fmt.Sprintf("chunkSize=%d", chunkSize), func(t *testing.T) {
			l, mfs := newTestLoader(Options{ChunkSize: chunkSize, MaxCachedChunks: 4, PreloadChunks: 1})
			if err := mfs.WriteFile(ctx, "f.txt", []byte(content)); err != nil {
				t.Fatal(err)
			}
			if _, err := l.InitializeFile(ctx, "f.txt"); err != nil {
				t.Fatal(err)
			}

			for _, r := range [][2]int{{0, 0}, {0, 136}, {5, 17}, {99, 103}, {130, 136}} {
				got, err := l.LineRange(ctx, "f.txt", r[0], r[1])
				if err != nil {
					t.Fatalf("LineRange(%d, %d): %v", r[0], r[1], err)
				}
				want := lines[r[0] : r[1]+1]
				if len(got) != len(want) {
					t.Fatalf("LineRange(%d, %d) returned %d lines, want %d", r[0], r[1], len(got), len(want))
				}
				for i := range want {
					if got[i] != want[i] {
						t.Errorf("line %d = %q, want %q", r[0]+i, got[i], want[i])
					}
				}
			}
		})
	}
}

func TestLineRangeTailOfLargeFile(t *testing.T) {
	ctx := context.Background()
	lines := makeLines(10000)
	content := strings.Join(lines, "\n") + "\n"

	l, mfs := newTestLoader(Options{ChunkSize: 200, MaxCachedChunks: 8, PreloadChunks: 1})
	if err := mfs.WriteFile(ctx, "big.txt", []byte(content)); err != nil {
		t.Fatal(err)
	}
	info, err := l.InitializeFile(ctx, "big.txt")
	if err != nil {
		t.Fatal(err)
	}
	if info.TotalLines != 10000 {
		t.Fatalf("TotalLines = %d, want 10000", info.TotalLines)
	}

	got, err := l.LineRange(ctx, "big.txt", 9900, 9999)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 100 {
		t.Fatalf("expected 100 lines, got %d", len(got))
	}
	if got[0] != lines[9900] || got[99] != lines[9999] {
		t.Error("tail lines do not match source content")
	}

	// end clamped to the last line, never past it
	got, err = l.LineRange(ctx, "big.txt", 9990, 20000)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 10 {
		t.Errorf("clamped range returned %d lines, want 10", len(got))
	}
	if got[len(got)-1] != lines[9999] {
		t.Error("clamped range must end at the final line")
	}
}

func TestLineRangeStartPastEnd(t *testing.T) {
	ctx := context.Background()
	l, mfs := newTestLoader(DefaultOptions())
	if err := mfs.WriteFile(ctx, "f.txt", []byte("only\n")); err != nil {
		t.Fatal(err)
	}
	if _, err := l.InitializeFile(ctx, "f.txt"); err != nil {
		t.Fatal(err)
	}

	if _, err := l.LineRange(ctx, "f.txt", 5, 10); !errors.Is(err, syncerr.ErrNotFound) {
		t.Errorf("expected ErrNotFound for start past EOF, got %v", err)
	}
	if _, err := l.LineRange(ctx, "f.txt", -1, 3); err == nil {
		t.Error("expected error for negative start")
	}
	if _, err := l.LineRange(ctx, "f.txt", 3, 1); err == nil {
		t.Error("expected error for end before start")
	}
}

func TestLineRangeUninitialized(t *testing.T) {
	l, _ := newTestLoader(DefaultOptions())
	_, err := l.LineRange(context.Background(), "f.txt", 0, 10)
	if !errors.Is(err, syncerr.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCacheNeverExceedsCapacity(t *testing.T) {
	ctx := context.Background()
	lines := makeLines(1000)
	content := strings.Join(lines, "\n") + "\n"

	const maxChunks = 3
	l, mfs := newTestLoader(Options{ChunkSize: 10, MaxCachedChunks: maxChunks, PreloadChunks: 0})
	if err := mfs.WriteFile(ctx, "f.txt", []byte(content)); err != nil {
		t.Fatal(err)
	}
	if _, err := l.InitializeFile(ctx, "f.txt"); err != nil {
		t.Fatal(err)
	}

	// walk the whole file; the cache must stay bounded throughout
	for start := 0; start < 1000; start += 10 {
		if _, err := l.LineRange(ctx, "f.txt", start, start+9); err != nil {
			t.Fatal(err)
		}
		if stats := l.Stats(); stats.CachedChunks > maxChunks {
			t.Fatalf("cache holds %d chunks after reading line %d, cap is %d",
				stats.CachedChunks, start, maxChunks)
		}
	}

	stats := l.Stats()
	if stats.Evictions == 0 {
		t.Error("expected evictions after scanning past cache capacity")
	}
	if stats.TotalCacheSize <= 0 {
		t.Error("expected non-zero cache size")
	}
}

func TestCacheHitsOnRepeatedReads(t *testing.T) {
	ctx := context.Background()
	l, mfs := newTestLoader(Options{ChunkSize: 10, MaxCachedChunks: 4, PreloadChunks: 0})
	content := strings.Join(makeLines(50), "\n") + "\n"
	if err := mfs.WriteFile(ctx, "f.txt", []byte(content)); err != nil {
		t.Fatal(err)
	}
	if _, err := l.InitializeFile(ctx, "f.txt"); err != nil {
		t.Fatal(err)
	}

	if _, err := l.LineRange(ctx, "f.txt", 0, 9); err != nil {
		t.Fatal(err)
	}
	before := l.Stats()
	if _, err := l.LineRange(ctx, "f.txt", 0, 9); err != nil {
		t.Fatal(err)
	}
	after := l.Stats()
	if after.Hits <= before.Hits {
		t.Error("second read of same chunk should be a cache hit")
	}
	if after.Misses != before.Misses {
		t.Error("second read of same chunk should not miss")
	}
}

func TestInvalidateDropsFileState(t *testing.T) {
	ctx := context.Background()
	l, mfs := newTestLoader(Options{ChunkSize: 10, MaxCachedChunks: 4, PreloadChunks: 0})
	content := strings.Join(makeLines(20), "\n") + "\n"
	if err := mfs.WriteFile(ctx, "f.txt", []byte(content)); err != nil {
		t.Fatal(err)
	}
	if _, err := l.InitializeFile(ctx, "f.txt"); err != nil {
		t.Fatal(err)
	}
	if _, err := l.LineRange(ctx, "f.txt", 0, 9); err != nil {
		t.Fatal(err)
	}

	l.Invalidate("f.txt")

	if stats := l.Stats(); stats.CachedChunks != 0 || stats.TotalCacheSize != 0 {
		t.Errorf("cache not emptied after invalidate: %+v", stats)
	}
	if _, err := l.LineRange(ctx, "f.txt", 0, 9); !errors.Is(err, syncerr.ErrNotFound) {
		t.Errorf("expected ErrNotFound after invalidate, got %v", err)
	}
}

func TestFailedInitDoesNotPoisonOtherFiles(t *testing.T) {
	ctx := context.Background()
	l, mfs := newTestLoader(DefaultOptions())
	if err := mfs.WriteFile(ctx, "good.txt", []byte("ok\n")); err != nil {
		t.Fatal(err)
	}
	if _, err := l.InitializeFile(ctx, "good.txt"); err != nil {
		t.Fatal(err)
	}

	if _, err := l.InitializeFile(ctx, "missing.txt"); err == nil {
		t.Fatal("expected init failure for missing file")
	}

	got, err := l.LineRange(ctx, "good.txt", 0, 0)
	if err != nil {
		t.Fatalf("healthy file affected by another file's failure: %v", err)
	}
	if len(got) != 1 || got[0] != "ok" {
		t.Errorf("unexpected content: %v", got)
	}
}

func TestSearch(t *testing.T) {
	ctx := context.Background()
	l, mfs := newTestLoader(Options{ChunkSize: 10, MaxCachedChunks: 4, PreloadChunks: 0})

	var sb strings.Builder
	for i := 0; i < 100; i++ {
		if i%10 == 3 {
			fmt.Fprintf(&sb, "needle at line %d\n", i)
		} else {
			fmt.Fprintf(&sb, "filler %d\n", i)
		}
	}
	if err := mfs.WriteFile(ctx, "f.txt", []byte(sb.String())); err != nil {
		t.Fatal(err)
	}
	if _, err := l.InitializeFile(ctx, "f.txt"); err != nil {
		t.Fatal(err)
	}

	t.Run("finds all occurrences", func(t *testing.T) {
		res, err := l.Search(ctx, "f.txt", "needle", SearchOptions{CaseSensitive: true})
		if err != nil {
			t.Fatal(err)
		}
		if len(res.Matches) != 10 {
			t.Fatalf("expected 10 matches, got %d", len(res.Matches))
		}
		if res.Truncated {
			t.Error("search under the result cap must not report truncation")
		}
		if res.Matches[0].Line != 3 || res.Matches[0].Column != 0 {
			t.Errorf("first match at line %d col %d, want 3/0",
				res.Matches[0].Line, res.Matches[0].Column)
		}
	})

	t.Run("truncates and resumes", func(t *testing.T) {
		res, err := l.Search(ctx, "f.txt", "needle", SearchOptions{CaseSensitive: true, MaxResults: 4})
		if err != nil {
			t.Fatal(err)
		}
		if len(res.Matches) != 4 || !res.Truncated {
			t.Fatalf("expected 4 truncated matches, got %d (truncated=%v)", len(res.Matches), res.Truncated)
		}

		rest, err := l.Search(ctx, "f.txt", "needle", SearchOptions{
			CaseSensitive: true,
			ResumeFrom:    res.ResumeFrom,
		})
		if err != nil {
			t.Fatal(err)
		}
		if len(rest.Matches) != 6 {
			t.Fatalf("expected 6 remaining matches, got %d", len(rest.Matches))
		}
		if rest.Matches[0].Line <= res.Matches[3].Line {
			t.Error("resumed search must continue past the last returned match")
		}
	})

	t.Run("case insensitive", func(t *testing.T) {
		res, err := l.Search(ctx, "f.txt", "NEEDLE", SearchOptions{})
		if err != nil {
			t.Fatal(err)
		}
		if len(res.Matches) != 10 {
			t.Errorf("case-insensitive search found %d matches, want 10", len(res.Matches))
		}
	})

	t.Run("uninitialized file", func(t *testing.T) {
		if _, err := l.Search(ctx, "other.txt", "x", SearchOptions{}); !errors.Is(err, syncerr.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestLineRangeRejectsOversizedWindow(t *testing.T) {
	ctx := context.Background()
	lines := makeLines(3000)
	content := strings.Join(lines, "\n") + "\n"

	l, mfs := newTestLoader(Options{ChunkSize: 200, MaxCachedChunks: 32, PreloadChunks: 0})
	if err := mfs.WriteFile(ctx, "big.txt", []byte(content)); err != nil {
		t.Fatal(err)
	}
	if _, err := l.InitializeFile(ctx, "big.txt"); err != nil {
		t.Fatal(err)
	}

	// a window wider than the per-read cap fails loudly instead of
	// silently returning fewer lines than requested
	if _, err := l.LineRange(ctx, "big.txt", 0, 2999); !errors.Is(err, syncerr.ErrCapacityExceeded) {
		t.Fatalf("oversized window: err = %v, want ErrCapacityExceeded", err)
	}

	// paging at the cap reassembles the full content
	first, err := l.LineRange(ctx, "big.txt", 0, consts.MaxLinesPerRead-1)
	if err != nil {
		t.Fatal(err)
	}
	rest, err := l.LineRange(ctx, "big.txt", consts.MaxLinesPerRead, 2999)
	if err != nil {
		t.Fatal(err)
	}
	got := append(first, rest...)
	if len(got) != 3000 {
		t.Fatalf("paged read returned %d lines, want 3000", len(got))
	}
	for i, line := range got {
		if line != lines[i] {
			t.Fatalf("line %d = %q, want %q", i, line, lines[i])
		}
	}
}
