package report

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"testheal/internal/capture"

	"github.com/charmbracelet/glamour"
)

// Render formats markdown for a terminal of the given width. style is a
// glamour style name; empty picks one from the terminal background.
func Render(markdown string, width int, style string) (string, error) {
	opts := []glamour.TermRendererOption{glamour.WithWordWrap(width)}
	if style == "" {
		opts = append(opts, glamour.WithAutoStyle())
	} else {
		opts = append(opts, glamour.WithStandardStyle(style))
	}

	r, err := glamour.NewTermRenderer(opts...)
	if err != nil {
		return "", fmt.Errorf("create renderer: %w", err)
	}
	out, err := r.Render(markdown)
	if err != nil {
		return "", fmt.Errorf("render markdown: %w", err)
	}
	return out, nil
}

// Find resolves a report inside dir by path, by file name, or by the newest
// report whose name starts with a test name. Paths that leave dir or do not
// name a report or healed file are rejected.
func Find(dir, ref string) (string, error) {
	if ref == "" {
		return "", fmt.Errorf("no report given")
	}
	if isArtifactName(filepath.Base(ref)) {
		p, err := Resolve(dir, ref)
		if err != nil {
			return "", err
		}
		if fileExists(p) {
			return p, nil
		}
	}
	matches, err := filepath.Glob(filepath.Join(dir, "*_analysis.md"))
	if err != nil {
		return "", err
	}
	stem := strings.ToLower(capture.FileStem(ref)) + "_"
	var (
		best    string
		bestTS  string
		bestSeq int
	)
	for _, m := range matches {
		base := strings.ToLower(filepath.Base(m))
		if !strings.HasPrefix(base, stem) {
			continue
		}
		ts, seq, ok := parseStamp(strings.TrimSuffix(strings.TrimPrefix(base, stem), "_analysis.md"))
		if !ok {
			continue
		}
		if best == "" || ts > bestTS || (ts == bestTS && seq > bestSeq) {
			best, bestTS, bestSeq = m, ts, seq
		}
	}
	if best == "" {
		return "", fmt.Errorf("no report matching %q in %s", ref, dir)
	}
	return best, nil
}

// Resolve maps ref to a path inside dir. A bare file name is looked up in
// dir; any other path must already point inside it.
func Resolve(dir, ref string) (string, error) {
	root, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve report dir: %w", err)
	}
	var p string
	if filepath.Base(ref) == ref {
		p = filepath.Join(root, ref)
	} else if p, err = filepath.Abs(ref); err != nil {
		return "", fmt.Errorf("resolve %s: %w", ref, err)
	}
	rel, err := filepath.Rel(root, p)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s is outside %s", ref, dir)
	}
	if !isArtifactName(filepath.Base(p)) {
		return "", fmt.Errorf("%s is not a healing report", ref)
	}
	return p, nil
}

func isArtifactName(name string) bool {
	return strings.HasSuffix(name, "_analysis.md") || strings.HasSuffix(name, "_healed")
}

// parseStamp splits the timestamp part of a report name from the -N suffix
// Writer adds on collisions. Timestamps compare chronologically as strings.
func parseStamp(s string) (ts string, seq int, ok bool) {
	ts, n, found := strings.Cut(s, "-")
	if _, err := time.Parse(capture.TimestampLayout, ts); err != nil {
		return "", 0, false
	}
	seq = 1
	if found {
		v, err := strconv.Atoi(n)
		if err != nil || v < 2 {
			return "", 0, false
		}
		seq = v
	}
	return ts, seq, true
}

// List returns report files in dir, newest first.
func List(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*_analysis.md"))
	if err != nil {
		return nil, err
	}
	mod := make(map[string]int64, len(matches))
	for _, m := range matches {
		if info, err := os.Stat(m); err == nil {
			mod[m] = info.ModTime().UnixNano()
		}
	}
	sort.SliceStable(matches, func(i, j int) bool { return mod[matches[i]] > mod[matches[j]] })
	return matches, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
