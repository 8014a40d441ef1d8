package core

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/experimentstash/stash/internal/registry"
	gssh "github.com/experimentstash/stash/internal/ssh"
	"github.com/rs/zerolog/log"
)

// Workspace is an opened workspace: its fixed layout and loaded registry.
type Workspace struct {
	Layout   registry.Layout
	Registry *registry.Registry
}

// OpenWorkspace resolves the root (flag, $STASH_ROOT, cwd) and loads
// configs/meta.yaml.
func OpenWorkspace(rootFlag string) (*Workspace, error) {
	layout, err := registry.ResolveRoot(rootFlag)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	reg, err := registry.Load(layout)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &NotAWorkspaceError{Root: layout.Root}
		}
		return nil, err
	}
	return &Workspace{Layout: layout, Registry: reg}, nil
}

// Settings are the workspace settings with defaults applied.
func (w *Workspace) Settings() registry.Settings { return w.Registry.Settings() }

// InitOptions control workspace creation.
type InitOptions struct {
	Name string
	// GenerateKeys creates the archive key pair and an empty known_hosts.
	GenerateKeys bool
}

// InitResult reports what Init created.
type InitResult struct {
	Workspace *Workspace
	Created   []string
	PublicKey string
}

// Init creates the workspace layout and a default meta.yaml. Existing files
// are left untouched, so Init is safe to repeat.
func Init(rootFlag string, opts InitOptions) (InitResult, error) {
	layout, err := registry.ResolveRoot(rootFlag)
	if err != nil {
		return InitResult{}, fmt.Errorf("resolve workspace root: %w", err)
	}
	var res InitResult
	for _, dir := range []string{layout.ConfigsDir(), layout.ToolsDir(), layout.SnapshotsDir(), layout.StateDir()} {
		if _, err := os.Stat(dir); err == nil {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return res, fmt.Errorf("create %s: %w", dir, err)
		}
		res.Created = append(res.Created, layout.Rel(dir))
	}
	if _, err := os.Stat(layout.MetaPath()); errors.Is(err, fs.ErrNotExist) {
		name := opts.Name
		if name == "" {
			name = filepath.Base(layout.Root)
		}
		if err := os.WriteFile(layout.MetaPath(), []byte(registry.DefaultMetaYAML(name)), 0o644); err != nil {
			return res, fmt.Errorf("write meta.yaml: %w", err)
		}
		res.Created = append(res.Created, layout.Rel(layout.MetaPath()))
	}
	reg, err := registry.Load(layout)
	if err != nil {
		return res, err
	}
	res.Workspace = &Workspace{Layout: layout, Registry: reg}

	if opts.GenerateKeys {
		archive := reg.Settings().Archive
		keyPath := layout.Abs(archive.KeyPath)
		if _, err := os.Stat(keyPath); errors.Is(err, fs.ErrNotExist) {
			pub, err := gssh.GenerateEd25519Keypair(keyPath, "stash@"+filepath.Base(layout.Root))
			if err != nil {
				return res, err
			}
			res.PublicKey = pub
			res.Created = append(res.Created, layout.Rel(keyPath), layout.Rel(keyPath)+".pub")
		}
		if err := gssh.EnsureKnownHostsFile(layout.Abs(archive.KnownHosts)); err != nil {
			return res, err
		}
	}
	log.Info().Str("root", layout.Root).Strs("created", res.Created).Msg("workspace initialized")
	return res, nil
}

// NotAWorkspaceError is returned when the root has no configs/meta.yaml.
type NotAWorkspaceError struct {
	Root string
}

func (e *NotAWorkspaceError) Error() string {
	return fmt.Sprintf("not a stash workspace: %s (configs/meta.yaml not found)", e.Root)
}

func (e *NotAWorkspaceError) Hint() string {
	return "run stash init, or pass --root / set STASH_ROOT"
}
