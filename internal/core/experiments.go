package core

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/experimentstash/stash/internal/archive"
	"github.com/experimentstash/stash/internal/compose"
	"github.com/experimentstash/stash/internal/invoke"
	"github.com/experimentstash/stash/internal/registry"
	"github.com/experimentstash/stash/internal/snapshot"
	"github.com/experimentstash/stash/pkg/api"
	"github.com/rs/zerolog/log"
)

// Show resolves an experiment without running anything.
func (o *Orchestrator) Show(tool, experimentID string, overrides []string) (*compose.Resolved, error) {
	entry, err := o.ws.Registry.Lookup(tool)
	if err != nil {
		return nil, err
	}
	return o.resolver.Resolve(entry, experimentID, overrides)
}

// RunRequest is one experiment invocation.
type RunRequest struct {
	Tool         string
	ExperimentID string
	Overrides    []string
	ValidateOnly bool
	Debug        bool
}

// RunOutcome is what Run reports back to the CLI.
type RunOutcome struct {
	Record   api.RunRecord
	Result   invoke.Result
	Resolved *compose.Resolved
}

// Run resolves the experiment, then hands it to the tool. Lookup,
// composition and pre-flight errors surface before anything is spawned. A
// non-zero child exit is returned as *invoke.ExitError.
func (o *Orchestrator) Run(ctx context.Context, req RunRequest) (RunOutcome, error) {
	var out RunOutcome
	tool, err := o.ws.Registry.Lookup(req.Tool)
	if err != nil {
		return out, err
	}
	resolved, err := o.resolver.Resolve(tool, req.ExperimentID, req.Overrides)
	if err != nil {
		return out, err
	}
	out.Resolved = resolved

	labels := map[string]string{"tool": tool.Name}
	stop := o.metrics.Time("run.duration", labels)
	defer stop()

	out.Record = api.RunRecord{
		Tool:         tool.Name,
		ExperimentID: resolved.ExperimentID,
		Overrides:    append([]string(nil), req.Overrides...),
		ValidateOnly: req.ValidateOnly,
		Status:       api.RunPending,
	}
	// Validate-only runs are checks, not history.
	track := o.history != nil && !req.ValidateOnly
	if track {
		rec, err := o.history.BeginRun(ctx, out.Record)
		if err != nil {
			return out, err
		}
		out.Record = rec
	}

	res, runErr := o.invoker.Run(ctx, invoke.Request{
		Tool:         tool,
		ConfigDir:    o.resolver.ToolConfigDir(tool.Name),
		ExperimentID: resolved.ExperimentID,
		Overrides:    req.Overrides,
		ValidateOnly: req.ValidateOnly,
		Debug:        req.Debug,
		RunID:        out.Record.ID,
	})
	out.Result = res

	status, code := api.RunSucceeded, res.ExitCode
	var exitErr *invoke.ExitError
	switch {
	case runErr == nil:
	case errors.As(runErr, &exitErr):
		status, code = api.RunFailed, exitErr.Code
	default:
		status, code = api.RunFailed, -1
	}
	out.Record.Status, out.Record.ExitCode = status, code
	o.metrics.Counter("runs."+string(status), 1, labels)
	if track {
		if err := o.history.FinishRun(ctx, out.Record.ID, status, code); err != nil {
			log.Warn().Err(err).Str("run_id", out.Record.ID).Msg("could not record run result")
		}
	}
	return out, runErr
}

// RunNamed runs an entry of configs/runs.yaml. Extra overrides are applied
// after the ones stored with the run.
func (o *Orchestrator) RunNamed(ctx context.Context, name string, extra []string, validateOnly, debug bool) (RunOutcome, error) {
	runs, err := registry.LoadRuns(o.ws.Layout)
	if err != nil {
		return RunOutcome{}, err
	}
	run, ok := runs.Runs[name]
	if !ok {
		return RunOutcome{}, fmt.Errorf("unknown run %q (defined: %s)", name, strings.Join(runs.Names(), ", "))
	}
	return o.Run(ctx, RunRequest{
		Tool:         run.Tool,
		ExperimentID: run.Config,
		Overrides:    append(append([]string(nil), run.Overrides...), extra...),
		ValidateOnly: validateOnly,
		Debug:        debug,
	})
}

// FreezeRequest names the experiment to freeze and how.
type FreezeRequest struct {
	Tool         string
	ExperimentID string
	Tag          string
	PinCommit    bool
	CreateTag    bool
	Overrides    []string
}

// Freeze writes an immutable snapshot and records it in the history. A
// workspace with require_commit_pins always pins.
func (o *Orchestrator) Freeze(ctx context.Context, req FreezeRequest) (api.Snapshot, error) {
	tool, err := o.ws.Registry.Lookup(req.Tool)
	if err != nil {
		return api.Snapshot{}, err
	}
	pin := req.PinCommit
	if !pin && o.ws.Registry.Meta().Validation.RequireCommitPins {
		log.Debug().Str("tool", tool.Name).Msg("require_commit_pins set; pinning commit")
		pin = true
	}
	defer o.metrics.Time("freeze.duration", map[string]string{"tool": tool.Name})()
	snap, err := o.writer.Freeze(ctx, tool, req.ExperimentID, req.Tag, snapshot.Options{
		PinCommit: pin,
		CreateTag: req.CreateTag,
		Overrides: req.Overrides,
	})
	if err != nil {
		return snap, err
	}
	o.metrics.Counter("snapshots.written", 1, map[string]string{"tool": tool.Name})
	if o.history != nil {
		if err := o.history.RecordSnapshot(ctx, snap); err != nil {
			log.Warn().Err(err).Str("tag", snap.Tag).Msg("could not record snapshot")
		}
	}
	return snap, nil
}

// Experiment is one config file in a tool's namespace.
type Experiment struct {
	Tool string
	ID   string
}

// ListExperiments lists experiment ids per tool, or for one tool.
func (o *Orchestrator) ListExperiments(tool string) ([]Experiment, error) {
	names := o.ws.Registry.Names()
	if tool != "" {
		if _, err := o.ws.Registry.Lookup(tool); err != nil {
			return nil, err
		}
		names = []string{tool}
	}
	var out []Experiment
	for _, name := range names {
		dir := o.ws.Layout.ToolConfigDir(name)
		files, err := registry.ListConfigFiles(dir)
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			id, err := compose.IDFor(dir, filepath.Join(dir, filepath.FromSlash(f)))
			if err != nil {
				continue
			}
			out = append(out, Experiment{Tool: name, ID: id})
		}
	}
	return out, nil
}

// Snapshots lists frozen snapshots on disk.
func (o *Orchestrator) Snapshots(tool string) ([]api.Snapshot, error) {
	return snapshot.List(o.ws.Layout.SnapshotsDir(), tool)
}

// History returns the most recent runs, newest first.
func (o *Orchestrator) History(ctx context.Context, tool string, limit int) ([]api.RunRecord, error) {
	if o.history == nil {
		return nil, ErrNoHistory
	}
	return o.history.RecentRuns(ctx, tool, limit)
}

// Archive pushes a frozen snapshot to the configured archive host.
func (o *Orchestrator) Archive(ctx context.Context, tool, tag string) (archive.Result, error) {
	if err := snapshot.ValidateTag(tag); err != nil {
		return archive.Result{}, err
	}
	frozen, err := snapshot.Load(o.writer.PathFor(tool, tag))
	if err != nil {
		return archive.Result{}, err
	}
	settings := ArchiveSettings(o.ws.Settings(), o.secrets)
	defer o.metrics.Time("archive.duration", map[string]string{"tool": tool})()
	return archive.New(o.ws.Layout, settings).Push(ctx, frozen.Snapshot)
}
