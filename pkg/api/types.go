package api

import "time"

// v0 contains public types shared by the CLI and the internal packages.

// EntrypointKind tells the invoker how to hand an entrypoint to the interpreter.
type EntrypointKind string

const (
	EntrypointModule EntrypointKind = "module"
	EntrypointFile   EntrypointKind = "file"
)

// ToolEntry is one registered tool. Name is the only identity key.
type ToolEntry struct {
	Name         string   `json:"name" yaml:"-"`
	Path         string   `json:"path" yaml:"path"`
	Entrypoint   string   `json:"entrypoint" yaml:"entrypoint"`
	Commit       string   `json:"commit,omitempty" yaml:"commit,omitempty"`
	SearchPaths  []string `json:"search_paths,omitempty" yaml:"-"`
	Interpreter  string   `json:"interpreter,omitempty" yaml:"interpreter,omitempty"`
	Dependencies []string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Description  string   `json:"description,omitempty" yaml:"description,omitempty"`
	// BaseConfig names the tool's own defaults file inside its search paths.
	BaseConfig string `json:"base_config,omitempty" yaml:"base_config,omitempty"`
}

// EntrypointKind reports whether the entrypoint is "-m pkg.mod" or a script path.
func (t ToolEntry) EntrypointKind() EntrypointKind {
	if len(t.Entrypoint) > 3 && t.Entrypoint[:3] == "-m " {
		return EntrypointModule
	}
	return EntrypointFile
}

// Module returns the dotted module name of a module-style entrypoint.
func (t ToolEntry) Module() string {
	if t.EntrypointKind() != EntrypointModule {
		return ""
	}
	return t.Entrypoint[3:]
}

// Snapshot is the provenance record of a frozen configuration.
type Snapshot struct {
	Tool         string    `json:"tool" yaml:"tool"`
	ExperimentID string    `json:"experiment_id" yaml:"experiment_id"`
	Tag          string    `json:"tag" yaml:"tag"`
	ToolCommit   string    `json:"tool_commit" yaml:"tool_commit"`
	Timestamp    time.Time `json:"timestamp" yaml:"timestamp"`
	Path         string    `json:"path" yaml:"path"`
	Overrides    []string  `json:"overrides,omitempty" yaml:"overrides,omitempty"`
	Digest       string    `json:"digest,omitempty" yaml:"digest,omitempty"`
}

type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// RunRecord is one row of run history.
type RunRecord struct {
	ID           string    `json:"id" yaml:"id"`
	Tool         string    `json:"tool" yaml:"tool"`
	ExperimentID string    `json:"experiment_id" yaml:"experiment_id"`
	Overrides    []string  `json:"overrides" yaml:"overrides"`
	ValidateOnly bool      `json:"validate_only" yaml:"validate_only"`
	Status       RunStatus `json:"status" yaml:"status"`
	ExitCode     int       `json:"exit_code" yaml:"exit_code"`
	StartedAt    time.Time `json:"started_at" yaml:"started_at"`
	FinishedAt   time.Time `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
}
