package vcs

import "context"

// VCS is the version-control surface the orchestrator needs.
type VCS interface {
	// CurrentCommit returns the full commit hash checked out in dir.
	CurrentCommit(ctx context.Context, dir string) (string, error)
	// IsDirty reports uncommitted changes to tracked files in dir.
	IsDirty(ctx context.Context, dir string) (bool, error)
	// CreateTag stages paths, commits them and places an annotated tag.
	CreateTag(ctx context.Context, name, message string, paths ...string) error
	SubmoduleAdd(ctx context.Context, url, branch, path string) error
	SubmoduleRemove(ctx context.Context, path string) error
}
