// Package core wires the registry, resolver, invoker, snapshot writer and
// history store into the operations the CLI exposes.
package core

import (
	"context"
	"errors"
	"time"

	"github.com/experimentstash/stash/internal/compose"
	"github.com/experimentstash/stash/internal/invoke"
	"github.com/experimentstash/stash/internal/snapshot"
	"github.com/experimentstash/stash/internal/store"
	"github.com/experimentstash/stash/internal/telemetry"
	"github.com/experimentstash/stash/internal/validate"
	"github.com/experimentstash/stash/internal/vcs"
)

// Options inject collaborators; zero values select the real implementations.
type Options struct {
	VCS     vcs.VCS
	Spawner invoke.Spawner
	// NoHistory skips opening .stash/state.db.
	NoHistory bool
	Telemetry *telemetry.Collector
	// SecretsPath overrides the secrets.env location for archive settings.
	SecretsPath string
}

// Orchestrator is the entrypoint for coordinating tools, runs and snapshots.
type Orchestrator struct {
	ws       *Workspace
	resolver *compose.Resolver
	invoker  *invoke.Invoker
	writer   *snapshot.Writer
	vcs      vcs.VCS
	history  *store.Store
	metrics  *telemetry.Collector
	secrets  string
	now      func() time.Time
}

func NewOrchestrator(ws *Workspace, opts Options) (*Orchestrator, error) {
	settings := ws.Settings()
	v := opts.VCS
	if v == nil {
		v = vcs.NewGit(ws.Layout.Root)
	}
	metrics := opts.Telemetry
	if metrics == nil {
		metrics = telemetry.Global()
	}
	resolver := compose.NewResolver(ws.Layout.ConfigsDir(), compose.ParseListMode(settings.ListMerge))
	o := &Orchestrator{
		ws:       ws,
		resolver: resolver,
		invoker: invoke.New(invoke.Options{
			Interpreter:    settings.Interpreter,
			SearchPathEnv:  settings.SearchPathEnv,
			ConfigDirFlag:  settings.ConfigDirFlag,
			ConfigNameFlag: settings.ConfigNameFlag,
		}, opts.Spawner),
		writer:  snapshot.NewWriter(ws.Layout.SnapshotsDir(), resolver, v),
		vcs:     v,
		metrics: metrics,
		secrets: opts.SecretsPath,
		now:     time.Now,
	}
	if !opts.NoHistory {
		st, err := store.Open(ws.Layout.StatePath())
		if err != nil {
			return nil, err
		}
		o.history = st
	}
	return o, nil
}

// Workspace returns the workspace the orchestrator was opened on.
func (o *Orchestrator) Workspace() *Workspace { return o.ws }

// Health checks that the history database answers.
func (o *Orchestrator) Health(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if o.history == nil {
		return nil
	}
	return o.history.Ping(ctx)
}

func (o *Orchestrator) Close() error {
	if o.history == nil {
		return nil
	}
	return o.history.Close()
}

// ErrNoHistory is returned by history queries when the store is disabled.
var ErrNoHistory = errors.New("run history is disabled")

// Validate checks the workspace without changing anything.
func (o *Orchestrator) Validate() []validate.Problem {
	defer o.metrics.Time("validate.duration", nil)()
	problems := validate.NewChecker(o.ws.Registry, o.resolver).Check()
	o.metrics.Gauge("validate.problems", float64(len(problems)), nil)
	return problems
}
