// Package paths resolves project roots and owns the on-disk layout of a
// project's osgrep data directory, plus the single-writer lock that guards it.
package paths

import (
	"os"
	"path/filepath"
)

// DataDirName is the per-project data directory created alongside the project root.
const DataDirName = ".osgrep"

// FindProjectRoot walks upward from startDir looking for a .git directory or an
// existing .osgrep data directory. Falls back to startDir if neither is found.
func FindProjectRoot(startDir string) (string, error) {
	absDir, err := filepath.Abs(startDir)
	if err != nil {
		return "", err
	}

	current := absDir
	for {
		if dirExists(filepath.Join(current, ".git")) {
			return resolveWorktree(current), nil
		}
		if dirExists(filepath.Join(current, DataDirName)) {
			return current, nil
		}
		parent := filepath.Dir(current)
		if parent == current {
			return absDir, nil
		}
		current = parent
	}
}

// resolveWorktree follows a worktree's .git file (which contains "gitdir: <path>")
// back to the main repository's common directory, the way the teacher's scanner
// walks up looking for project markers. A plain .git directory is returned as-is.
func resolveWorktree(root string) string {
	gitPath := filepath.Join(root, ".git")
	info, err := os.Stat(gitPath)
	if err != nil || info.IsDir() {
		return root
	}

	data, err := os.ReadFile(gitPath)
	if err != nil {
		return root
	}
	const prefix = "gitdir: "
	content := string(data)
	if len(content) <= len(prefix) || content[:len(prefix)] != prefix {
		return root
	}
	gitDir := trimTrailingNewline(content[len(prefix):])
	if !filepath.IsAbs(gitDir) {
		gitDir = filepath.Join(root, gitDir)
	}
	commonFile := filepath.Join(gitDir, "commondir")
	commonData, err := os.ReadFile(commonFile)
	if err != nil {
		return root
	}
	common := trimTrailingNewline(string(commonData))
	if !filepath.IsAbs(common) {
		common = filepath.Join(gitDir, common)
	}
	return filepath.Dir(common)
}

func trimTrailingNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

// DataDir returns the .osgrep data directory for the given project root.
func DataDir(root string) string {
	return filepath.Join(root, DataDirName)
}

// EnsureDataDir creates the data directory (and its parents) if missing.
func EnsureDataDir(root string) (string, error) {
	dir := DataDir(root)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// MetadataCachePath is the bbolt-backed metadata cache file.
func MetadataCachePath(root string) string {
	return filepath.Join(DataDir(root), "metadata.bbolt")
}

// DenseVectorPath is the HNSW graph file for the dense embedding field.
func DenseVectorPath(root string) string {
	return filepath.Join(DataDir(root), "dense.hnsw")
}

// ColbertVectorPath is the HNSW graph file for the pooled_colbert field.
func ColbertVectorPath(root string) string {
	return filepath.Join(DataDir(root), "pooled_colbert.hnsw")
}

// FTSIndexPath is the bleve full-text index directory.
func FTSIndexPath(root string) string {
	return filepath.Join(DataDir(root), "fts.bleve")
}

// SQLiteFTSPath is the legacy/compat SQLite FTS5 database file.
func SQLiteFTSPath(root string) string {
	return filepath.Join(DataDir(root), "fts.sqlite3")
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
