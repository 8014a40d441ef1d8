package snapshot

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/experimentstash/stash/internal/compose"
	"github.com/experimentstash/stash/internal/vcs"
	"github.com/experimentstash/stash/pkg/api"
	"github.com/rs/zerolog/log"
	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// UnknownCommit is recorded when the commit could not be read and no pin
// was requested.
const UnknownCommit = "unknown"

// TagPrefix namespaces version-control tags created for snapshots.
const TagPrefix = "snapshot/"

var tagPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Resolver is the part of compose.Resolver the writer needs.
type Resolver interface {
	Resolve(tool api.ToolEntry, experimentID string, overrides []string) (*compose.Resolved, error)
}

// Options control one freeze.
type Options struct {
	PinCommit bool
	CreateTag bool
	Overrides []string
}

// Writer freezes resolved configs under snapshots/<tool>/<tag>.yaml.
type Writer struct {
	Dir      string
	Resolver Resolver
	VCS      vcs.VCS
	Now      func() time.Time
}

func NewWriter(dir string, resolver Resolver, v vcs.VCS) *Writer {
	return &Writer{Dir: dir, Resolver: resolver, VCS: v, Now: time.Now}
}

// PathFor is the snapshot file for (tool, tag).
func (w *Writer) PathFor(tool, tag string) string {
	return filepath.Join(w.Dir, tool, tag+compose.ConfigExt)
}

// ValidateTag checks that a tag can name a snapshot file and a git tag.
func ValidateTag(tag string) error {
	if !tagPattern.MatchString(tag) || tag == "." || tag == ".." {
		return &InvalidTagError{Tag: tag}
	}
	return nil
}

// Freeze resolves the experiment, pins the tool commit and writes an
// immutable snapshot. Nothing is written when any step fails.
func (w *Writer) Freeze(ctx context.Context, tool api.ToolEntry, experimentID, tag string, opts Options) (api.Snapshot, error) {
	if err := ValidateTag(tag); err != nil {
		return api.Snapshot{}, err
	}
	path := w.PathFor(tool.Name, tag)
	if _, err := os.Lstat(path); err == nil {
		return api.Snapshot{}, &SnapshotExistsError{Tool: tool.Name, Tag: tag, Path: path}
	}

	resolved, err := w.Resolver.Resolve(tool, experimentID, opts.Overrides)
	if err != nil {
		return api.Snapshot{}, err
	}
	body, err := Serialize(resolved.Config)
	if err != nil {
		return api.Snapshot{}, err
	}

	commit, err := w.commit(ctx, tool, opts.PinCommit)
	if err != nil {
		return api.Snapshot{}, err
	}

	snap := api.Snapshot{
		Tool:         tool.Name,
		ExperimentID: resolved.ExperimentID,
		Tag:          tag,
		ToolCommit:   commit,
		Timestamp:    w.Now().UTC().Truncate(time.Second),
		Path:         path,
		Overrides:    append([]string(nil), opts.Overrides...),
		Digest:       Digest(body),
	}
	var buf bytes.Buffer
	buf.WriteString(Header(snap, opts.PinCommit))
	buf.WriteString("\n")
	buf.Write(body)
	if err := writeOnce(path, buf.Bytes()); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return api.Snapshot{}, &SnapshotExistsError{Tool: tool.Name, Tag: tag, Path: path}
		}
		return api.Snapshot{}, err
	}
	log.Info().Str("tool", tool.Name).Str("experiment", snap.ExperimentID).Str("tag", tag).
		Str("commit", commit).Str("path", path).Msg("snapshot written")

	if opts.CreateTag {
		name := TagPrefix + tool.Name + "/" + tag
		msg := fmt.Sprintf("Freeze %s/%s as %s at %s", tool.Name, snap.ExperimentID, tag, commit)
		if err := w.VCS.CreateTag(ctx, name, msg, path, tool.Path); err != nil {
			// Untagged snapshots are withdrawn so the freeze can be retried.
			if rerr := os.Remove(path); rerr != nil {
				log.Warn().Err(rerr).Str("path", path).Msg("could not withdraw untagged snapshot")
			}
			return api.Snapshot{}, fmt.Errorf("tag snapshot %s: %w", name, err)
		}
		log.Info().Str("tag", name).Msg("snapshot tagged")
	}
	return snap, nil
}

func (w *Writer) commit(ctx context.Context, tool api.ToolEntry, pin bool) (string, error) {
	if !pin {
		if w.VCS == nil {
			return UnknownCommit, nil
		}
		commit, err := w.VCS.CurrentCommit(ctx, tool.Path)
		if err != nil || commit == "" {
			log.Debug().Err(err).Str("tool", tool.Name).Msg("tool commit unavailable")
			return UnknownCommit, nil
		}
		return commit, nil
	}
	if w.VCS == nil {
		return "", errors.New("commit pin requested but no version control is configured")
	}
	dirty, err := w.VCS.IsDirty(ctx, tool.Path)
	if err != nil {
		return "", fmt.Errorf("check %s working tree: %w", tool.Name, err)
	}
	if dirty {
		return "", &DirtyWorkingTreeError{Tool: tool.Name, Path: tool.Path}
	}
	commit, err := w.VCS.CurrentCommit(ctx, tool.Path)
	if err != nil {
		return "", fmt.Errorf("read %s commit: %w", tool.Name, err)
	}
	return commit, nil
}

// Serialize renders a resolved tree and rejects anything that still
// carries a directive or reference.
func Serialize(cfg *compose.Map) ([]byte, error) {
	if _, ok := cfg.Get("defaults"); ok {
		return nil, &compose.UnresolvedReferenceError{Key: "defaults", Reference: "defaults", Reason: "composition directive left in resolved config"}
	}
	if err := compose.CheckResolved(cfg); err != nil {
		return nil, err
	}
	body, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	if i := bytes.Index(body, []byte("${")); i >= 0 {
		end := bytes.IndexByte(body[i:], '\n')
		if end < 0 {
			end = len(body) - i
		}
		return nil, &compose.UnresolvedReferenceError{Key: "<serialized>", Reference: string(body[i : i+end]), Reason: "reference token in output"}
	}
	return body, nil
}

// Header renders the provenance comment block.
func Header(s api.Snapshot, pinned bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# SNAPSHOT: %s/%s\n", s.Tool, s.ExperimentID)
	fmt.Fprintf(&b, "# TAG: %s\n", s.Tag)
	fmt.Fprintf(&b, "# TOOL_COMMIT: %s\n", s.ToolCommit)
	fmt.Fprintf(&b, "# TIMESTAMP: %s\n", s.Timestamp.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "# DO NOT EDIT - regenerate with: %s\n", RegenerateCommand(s, pinned))
	return b.String()
}

// RegenerateCommand is the CLI invocation that produced a snapshot.
func RegenerateCommand(s api.Snapshot, pinned bool) string {
	parts := []string{"stash", "freeze", s.Tool, s.ExperimentID, "--tag", s.Tag}
	if pinned {
		parts = append(parts, "--commit")
	}
	for _, o := range s.Overrides {
		parts = append(parts, shellQuote(o))
	}
	return strings.Join(parts, " ")
}

func shellQuote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\n'\"\\$`*?[]{}()<>|&;#~") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Digest is the blake3 hex digest of a snapshot body.
func Digest(body []byte) string {
	sum := blake3.Sum256(body)
	return "blake3:" + hex.EncodeToString(sum[:])
}

// writeOnce publishes data at path only if nothing is there yet. The data
// is fully written to a temp file before it is linked into place.
func writeOnce(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".freeze-*")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp snapshot: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o444); err != nil {
		return fmt.Errorf("protect snapshot: %w", err)
	}
	if err := os.Link(tmp.Name(), path); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return err
		}
		return fmt.Errorf("publish snapshot: %w", err)
	}
	return nil
}
