package snapshot

import "fmt"

// DirtyWorkingTreeError means a commit pin was requested against a tool
// checkout with uncommitted changes.
type DirtyWorkingTreeError struct {
	Tool string
	Path string
}

func (e *DirtyWorkingTreeError) Error() string {
	return fmt.Sprintf("tool %s has uncommitted changes in %s", e.Tool, e.Path)
}

func (e *DirtyWorkingTreeError) Hint() string {
	return fmt.Sprintf("commit or stash the changes in %s, or freeze without --commit", e.Path)
}

// SnapshotExistsError means (tool, tag) is already frozen.
type SnapshotExistsError struct {
	Tool string
	Tag  string
	Path string
}

func (e *SnapshotExistsError) Error() string {
	return fmt.Sprintf("snapshot %s/%s already exists at %s", e.Tool, e.Tag, e.Path)
}

func (e *SnapshotExistsError) Hint() string {
	return "snapshots are immutable; pick a new --tag"
}

// InvalidTagError rejects tags that cannot be used as a file name.
type InvalidTagError struct {
	Tag string
}

func (e *InvalidTagError) Error() string {
	return fmt.Sprintf("invalid snapshot tag %q", e.Tag)
}

func (e *InvalidTagError) Hint() string {
	return "tags may contain letters, digits, '.', '_' and '-'"
}
