package vcs

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

// CommandError is a failed git invocation.
type CommandError struct {
	Args   []string
	Stdout string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("git %s: %v", strings.Join(e.Args, " "), e.Err)
	if e.Stderr != "" {
		msg += ": " + strings.TrimSpace(e.Stderr)
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

// Git runs the git binary against the workspace repository at Root.
type Git struct {
	Root string
	// Binary defaults to "git".
	Binary string
}

func NewGit(root string) *Git {
	return &Git{Root: root, Binary: "git"}
}

func (g *Git) run(ctx context.Context, dir string, args ...string) (string, error) {
	bin := g.Binary
	if bin == "" {
		bin = "git"
	}
	// No background maintenance while the orchestrator is driving git.
	base := []string{"-C", dir, "-c", "maintenance.auto=0", "-c", "gc.auto=0"}
	cmd := exec.CommandContext(ctx, bin, append(base, args...)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	log.Debug().Str("dir", dir).Strs("args", args).Msg("git")
	if err := cmd.Run(); err != nil {
		return stdout.String(), &CommandError{Args: args, Stdout: stdout.String(), Stderr: stderr.String(), Err: err}
	}
	return stdout.String(), nil
}

func (g *Git) CurrentCommit(ctx context.Context, dir string) (string, error) {
	out, err := g.run(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (g *Git) IsDirty(ctx context.Context, dir string) (bool, error) {
	out, err := g.run(ctx, dir, "status", "--porcelain", "--untracked-files=no")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

// IsRepo reports whether dir is inside a git work tree.
func (g *Git) IsRepo(ctx context.Context, dir string) bool {
	out, err := g.run(ctx, dir, "rev-parse", "--is-inside-work-tree")
	return err == nil && strings.TrimSpace(out) == "true"
}

// CreateTag commits exactly the given paths and tags that commit. Anything
// else already staged stays staged and out of the tagged commit. When the
// tag cannot be created the commit is undone and the paths are unstaged.
func (g *Git) CreateTag(ctx context.Context, name, message string, paths ...string) error {
	rel := make([]string, 0, len(paths))
	for _, p := range paths {
		rel = append(rel, g.rel(p))
	}
	if len(rel) > 0 {
		if _, err := g.run(ctx, g.Root, append([]string{"add", "--"}, rel...)...); err != nil {
			return err
		}
	}
	if err := g.commit(ctx, message, rel); err != nil {
		g.unstage(ctx, rel)
		return err
	}
	if _, err := g.run(ctx, g.Root, "tag", "-a", name, "-m", message); err != nil {
		if _, rerr := g.run(ctx, g.Root, "reset", "-q", "--soft", "HEAD~1"); rerr != nil {
			log.Warn().Err(rerr).Str("tag", name).Msg("could not undo snapshot commit")
			return err
		}
		g.unstage(ctx, rel)
		return err
	}
	return nil
}

func (g *Git) unstage(ctx context.Context, rel []string) {
	if len(rel) == 0 {
		return
	}
	if _, err := g.run(ctx, g.Root, append([]string{"reset", "-q", "--"}, rel...)...); err != nil {
		log.Warn().Err(err).Strs("paths", rel).Msg("could not unstage snapshot paths")
	}
}

func (g *Git) commit(ctx context.Context, message string, rel []string) error {
	args := []string{"commit", "--allow-empty", "-m", message}
	if len(rel) > 0 {
		args = append(append(args, "--only", "--"), rel...)
	}
	_, err := g.run(ctx, g.Root, args...)
	if err == nil {
		return nil
	}
	// Fall back to a fixed identity without touching the repo config.
	if strings.Contains(err.Error(), "Author identity unknown") ||
		strings.Contains(err.Error(), "Please tell me who you are") ||
		strings.Contains(err.Error(), "unable to auto-detect email address") {
		_, err = g.run(ctx, g.Root, append([]string{"-c", "user.name=stash", "-c", "user.email=stash@localhost"}, args...)...)
	}
	return err
}

func (g *Git) SubmoduleAdd(ctx context.Context, url, branch, path string) error {
	args := []string{"submodule", "add"}
	if branch != "" {
		args = append(args, "-b", branch)
	}
	_, err := g.run(ctx, g.Root, append(args, "--", url, g.rel(path))...)
	return err
}

// SubmoduleRemove deinitializes and removes a submodule along with its
// cached module directory.
func (g *Git) SubmoduleRemove(ctx context.Context, path string) error {
	rel := g.rel(path)
	if _, err := g.run(ctx, g.Root, "submodule", "deinit", "-f", "--", rel); err != nil {
		return err
	}
	if _, err := g.run(ctx, g.Root, "rm", "-f", "--", rel); err != nil {
		return err
	}
	modules := filepath.Join(g.Root, ".git", "modules", filepath.FromSlash(rel))
	if err := os.RemoveAll(modules); err != nil {
		return fmt.Errorf("remove %s: %w", modules, err)
	}
	return nil
}

func (g *Git) rel(p string) string {
	if !filepath.IsAbs(p) {
		return filepath.ToSlash(p)
	}
	rel, err := filepath.Rel(g.Root, p)
	if err != nil {
		return p
	}
	return filepath.ToSlash(rel)
}
