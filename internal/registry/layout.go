package registry

import (
	"os"
	"path/filepath"
	"strings"
)

// RootEnv overrides the workspace root when --root is not given.
const RootEnv = "STASH_ROOT"

// Layout names the fixed locations inside a workspace.
type Layout struct {
	Root string
}

// ResolveRoot picks the workspace root: explicit flag, then $STASH_ROOT, then cwd.
func ResolveRoot(flag string) (Layout, error) {
	root := flag
	if root == "" {
		root = os.Getenv(RootEnv)
	}
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return Layout{}, err
		}
		root = wd
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return Layout{}, err
	}
	return Layout{Root: abs}, nil
}

func (l Layout) ConfigsDir() string   { return filepath.Join(l.Root, "configs") }
func (l Layout) MetaPath() string     { return filepath.Join(l.ConfigsDir(), "meta.yaml") }
func (l Layout) RunsPath() string     { return filepath.Join(l.ConfigsDir(), "runs.yaml") }
func (l Layout) ToolsDir() string     { return filepath.Join(l.Root, "tools") }
func (l Layout) OutputsDir() string   { return filepath.Join(l.Root, "outputs") }
func (l Layout) SnapshotsDir() string { return filepath.Join(l.Root, "snapshots") }
func (l Layout) BackupsDir() string   { return filepath.Join(l.Root, "backups") }
func (l Layout) StateDir() string     { return filepath.Join(l.Root, ".stash") }
func (l Layout) StatePath() string    { return filepath.Join(l.StateDir(), "state.db") }

// ToolConfigDir is the orchestrator-owned config namespace of one tool.
func (l Layout) ToolConfigDir(tool string) string {
	return filepath.Join(l.ConfigsDir(), tool)
}

// Abs resolves a workspace-relative path.
func (l Layout) Abs(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(l.Root, filepath.FromSlash(p))
}

// Rel returns p relative to the root when it lives inside it.
func (l Layout) Rel(p string) string {
	if !filepath.IsAbs(p) {
		return filepath.ToSlash(p)
	}
	rel, err := filepath.Rel(l.Root, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return p
	}
	return filepath.ToSlash(rel)
}
