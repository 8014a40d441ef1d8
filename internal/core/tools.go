package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/experimentstash/stash/internal/registry"
	"github.com/experimentstash/stash/pkg/api"
	"github.com/rs/zerolog/log"
)

// ExampleConfig is the experiment id written for a newly registered tool.
const ExampleConfig = "example"

// RegisterRequest describes a tool to add.
type RegisterRequest struct {
	Name string
	// Source is the git URL for the submodule, or with NoSubmodule an
	// existing directory (default tools/<name>).
	Source      string
	Branch      string
	Entrypoint  string
	SearchPaths []string
	NoSubmodule bool
}

// RegisterTool adds the tool's submodule, detects its entrypoint, records it
// in meta.yaml and writes an example config.
func (o *Orchestrator) RegisterTool(ctx context.Context, req RegisterRequest) (api.ToolEntry, error) {
	reg := o.ws.Registry
	if err := registry.ValidateName(req.Name); err != nil {
		return api.ToolEntry{}, err
	}
	if existing, err := reg.Lookup(req.Name); err == nil {
		return api.ToolEntry{}, &registry.DuplicateNameError{Name: req.Name, Path: o.ws.Layout.Rel(existing.Path)}
	}

	path := filepath.Join(o.ws.Layout.ToolsDir(), req.Name)
	added := false
	if req.NoSubmodule {
		if req.Source != "" {
			path = o.ws.Layout.Abs(req.Source)
		}
	} else {
		if req.Source == "" {
			return api.ToolEntry{}, registry.ValidationError{Field: "source", Value: "", Message: "a repository URL is required"}
		}
		if err := o.vcs.SubmoduleAdd(ctx, req.Source, req.Branch, path); err != nil {
			return api.ToolEntry{}, fmt.Errorf("add submodule for %s: %w", req.Name, err)
		}
		added = true
	}

	entry, err := o.register(req, path)
	if err != nil {
		if added {
			if rerr := o.vcs.SubmoduleRemove(ctx, path); rerr != nil {
				log.Warn().Err(rerr).Str("tool", req.Name).Msg("could not roll back submodule")
			}
		}
		return api.ToolEntry{}, err
	}
	if created, err := writeExampleConfig(o.ws.Layout, req.Name); err != nil {
		log.Warn().Err(err).Str("tool", req.Name).Msg("example config not written")
	} else if created != "" {
		log.Info().Str("tool", req.Name).Str("path", o.ws.Layout.Rel(created)).Msg("example config created")
	}
	o.metrics.Counter("tools.registered", 1, map[string]string{"tool": req.Name})
	return entry, nil
}

func (o *Orchestrator) register(req RegisterRequest, path string) (api.ToolEntry, error) {
	entrypoint := req.Entrypoint
	if entrypoint == "" {
		if _, err := os.Stat(path); err != nil {
			return api.ToolEntry{}, &registry.InvalidPathError{Name: req.Name, Path: o.ws.Layout.Rel(path), Err: err}
		}
		detected, ok := registry.DetectEntrypoint(path)
		if !ok {
			return api.ToolEntry{}, registry.ValidationError{Field: "entrypoint", Value: "",
				Message: "no entrypoint found (tried src/main.py, main.py, src/__main__.py); pass --entrypoint"}
		}
		log.Info().Str("tool", req.Name).Str("entrypoint", detected).Msg("detected entrypoint")
		entrypoint = detected
	}
	return o.ws.Registry.Register(req.Name, path, entrypoint, req.SearchPaths)
}

func exampleConfigBody(tool string) string {
	return fmt.Sprintf(`# Example config for %s
# Copy this file and modify for your experiments

experiment: example_experiment
description: "Example experiment for %s"
tags: ["example", "demo"]
`, tool, tool)
}

// writeExampleConfig creates configs/<tool>/example.yaml unless the tool
// already has one. It returns the created path.
func writeExampleConfig(layout registry.Layout, tool string) (string, error) {
	p := filepath.Join(layout.ToolConfigDir(tool), ExampleConfig+".yaml")
	if _, err := os.Stat(p); err == nil {
		return "", nil
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", err
	}
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", err
	}
	if _, err := f.WriteString(exampleConfigBody(tool)); err != nil {
		f.Close()
		return "", err
	}
	return p, f.Close()
}

// RemoveOptions control RemoveTool.
type RemoveOptions struct {
	DryRun        bool
	KeepSubmodule bool
	// NoBackup skips copying the tool checkout to backups/ first.
	NoBackup bool
}

// RemoveReport says what RemoveTool did, or would do on a dry run.
type RemoveReport struct {
	Tool             api.ToolEntry
	Dependents       registry.Dependents
	SubmoduleRemoved bool
	ExampleRemoved   string
	// Backup is the copy of the tool checkout taken before removal.
	Backup string
	DryRun bool
}

// RemoveTool deregisters a tool. References to it are reported, never
// blocking. The checkout is copied to backups/<tool>_<timestamp> unless
// NoBackup is set, the submodule is removed unless KeepSubmodule is set, and
// the generated example config is deleted if it was never edited.
func (o *Orchestrator) RemoveTool(ctx context.Context, name string, opts RemoveOptions) (RemoveReport, error) {
	reg := o.ws.Registry
	tool, err := reg.Lookup(name)
	if err != nil {
		return RemoveReport{}, err
	}
	report := RemoveReport{Tool: tool, DryRun: opts.DryRun}
	example := filepath.Join(o.ws.Layout.ToolConfigDir(name), ExampleConfig+".yaml")
	pristine := isPristineExample(example, name)
	backup := ""
	if !opts.NoBackup {
		if _, err := os.Stat(tool.Path); err == nil {
			backup = filepath.Join(o.ws.Layout.BackupsDir(), name+"_"+o.now().Format("20060102_150405"))
		}
	}
	if opts.DryRun {
		report.Dependents, err = reg.DependentsOf(name)
		report.SubmoduleRemoved = !opts.KeepSubmodule
		report.Backup = backup
		if pristine {
			report.ExampleRemoved = example
		}
		return report, err
	}

	if backup != "" {
		if err := copyTree(tool.Path, backup); err != nil {
			return report, fmt.Errorf("back up %s: %w", name, err)
		}
		report.Backup = backup
		log.Info().Str("tool", name).Str("backup", backup).Msg("tool checkout backed up")
	}

	report.Dependents, err = reg.Deregister(name)
	if err != nil {
		return report, err
	}
	if !opts.KeepSubmodule {
		if err := o.vcs.SubmoduleRemove(ctx, tool.Path); err != nil {
			log.Warn().Err(err).Str("tool", name).Msg("failed to remove submodule; remove it by hand")
		} else {
			report.SubmoduleRemoved = true
		}
	}
	if pristine {
		if err := os.Remove(example); err != nil && !errors.Is(err, fs.ErrNotExist) {
			log.Warn().Err(err).Str("path", example).Msg("could not remove example config")
		} else {
			report.ExampleRemoved = example
			_ = os.Remove(filepath.Dir(example)) // only succeeds when empty
		}
	}
	o.metrics.Counter("tools.removed", 1, map[string]string{"tool": name})
	return report, nil
}

func isPristineExample(path, tool string) bool {
	content, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	return bytes.Equal(content, []byte(exampleConfigBody(tool)))
}

// copyTree copies a checkout, keeping modes and symlinks. The .git entry of
// a submodule points into the parent repository and is not copied.
func copyTree(src, dst string) error {
	if _, err := os.Lstat(dst); err == nil {
		return fmt.Errorf("%s already exists", dst)
	}
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		if d.Name() == ".git" && rel != "." {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		target := filepath.Join(dst, rel)
		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm()|0o700)
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(p)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case d.Type().IsRegular():
			return copyFile(p, target, info.Mode().Perm())
		default:
			return nil
		}
	})
}

func copyFile(src, dst string, mode fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
