package invoke

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/experimentstash/stash/internal/registry"
	"github.com/experimentstash/stash/pkg/api"
	"github.com/rs/zerolog/log"
)

// Spawner starts a child process and waits for it to exit.
type Spawner interface {
	Spawn(ctx context.Context, argv, env []string, dir string) (int, error)
}

// ExecSpawner runs children with inherited stdio.
type ExecSpawner struct{}

// Spawn returns the child's exit code. A start failure is a *SpawnError.
func (ExecSpawner) Spawn(ctx context.Context, argv, env []string, dir string) (int, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = env
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	var exit *exec.ExitError
	if errors.As(err, &exit) {
		if code := exit.ExitCode(); code >= 0 {
			return code, nil
		}
		if ws, ok := exit.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 128 + int(ws.Signal()), nil
		}
		return 128 + int(syscall.SIGKILL), nil
	}
	return -1, &SpawnError{Target: argv[0], Err: err}
}

// Options are workspace settings the invoker needs.
type Options struct {
	Interpreter    string
	SearchPathEnv  string
	ConfigDirFlag  string
	ConfigNameFlag string
}

// Request is one tool invocation.
type Request struct {
	Tool api.ToolEntry
	// ConfigDir is the tool's config namespace, passed to the tool as-is.
	ConfigDir    string
	ExperimentID string
	Overrides    []string
	ValidateOnly bool
	Debug        bool
	RunID        string
}

// Result describes what was (or would have been) started.
type Result struct {
	Argv     []string
	Env      []string
	Dir      string
	ExitCode int
	Spawned  bool
}

// Invoker builds and runs tool command lines.
type Invoker struct {
	opts    Options
	spawner Spawner
	environ func() []string
	look    func(string) (string, error)
}

func New(opts Options, spawner Spawner) *Invoker {
	if spawner == nil {
		spawner = ExecSpawner{}
	}
	return &Invoker{opts: opts, spawner: spawner, environ: os.Environ, look: exec.LookPath}
}

// Command builds argv, env and cwd for the request without touching disk.
func (iv *Invoker) Command(req Request) (Result, error) {
	interp := strings.Fields(req.Tool.Interpreter)
	if len(interp) == 0 {
		interp = strings.Fields(iv.opts.Interpreter)
	}
	if len(interp) == 0 {
		return Result{}, &SpawnError{Tool: req.Tool.Name, Target: "interpreter", Err: errors.New("no interpreter configured")}
	}
	configDir, err := filepath.Abs(req.ConfigDir)
	if err != nil {
		return Result{}, fmt.Errorf("resolve config dir: %w", err)
	}
	argv := append([]string(nil), interp...)
	if req.Tool.EntrypointKind() == api.EntrypointModule {
		argv = append(argv, "-m", req.Tool.Module())
	} else {
		argv = append(argv, req.Tool.Entrypoint)
	}
	argv = append(argv,
		iv.opts.ConfigDirFlag+"="+configDir,
		iv.opts.ConfigNameFlag+"="+req.ExperimentID,
	)
	argv = append(argv, req.Overrides...)

	env := iv.environ()
	if len(req.Tool.SearchPaths) > 0 && iv.opts.SearchPathEnv != "" {
		env = append(env, iv.opts.SearchPathEnv+"="+strings.Join(req.Tool.SearchPaths, ":"))
	}
	env = append(env,
		"STASH_TOOL="+req.Tool.Name,
		"STASH_EXPERIMENT="+req.ExperimentID,
	)
	if req.RunID != "" {
		env = append(env, "STASH_RUN_ID="+req.RunID)
	}
	if req.Debug {
		env = append(env, "HYDRA_FULL_ERROR=1", "STASH_DEBUG=1")
	}
	return Result{Argv: argv, Env: env, Dir: req.Tool.Path}, nil
}

// Preflight checks that the child could start: tool directory, entrypoint
// file and interpreter binary.
func (iv *Invoker) Preflight(req Request, res Result) error {
	info, err := os.Stat(res.Dir)
	if err != nil {
		return &SpawnError{Tool: req.Tool.Name, Target: res.Dir, Err: err}
	}
	if !info.IsDir() {
		return &SpawnError{Tool: req.Tool.Name, Target: res.Dir, Err: errors.New("tool path is not a directory")}
	}
	if _, err := os.Stat(registry.EntrypointFile(res.Dir, req.Tool)); err != nil {
		return &SpawnError{Tool: req.Tool.Name, Target: req.Tool.Entrypoint, Err: err}
	}
	if _, err := iv.look(res.Argv[0]); err != nil {
		return &SpawnError{Tool: req.Tool.Name, Target: res.Argv[0], Err: err}
	}
	return nil
}

// Run builds the command, runs pre-flight and, unless ValidateOnly, spawns
// the child once and waits. A non-zero child exit is an *ExitError with
// Result.ExitCode set to the child's code.
func (iv *Invoker) Run(ctx context.Context, req Request) (Result, error) {
	res, err := iv.Command(req)
	if err != nil {
		return res, err
	}
	if err := iv.Preflight(req, res); err != nil {
		return res, err
	}
	logger := log.With().Str("tool", req.Tool.Name).Str("experiment", req.ExperimentID).Str("run_id", req.RunID).Logger()
	if req.ValidateOnly {
		logger.Info().Strs("argv", res.Argv).Str("dir", res.Dir).Msg("validate-only: not spawning")
		return res, nil
	}
	logger.Debug().Strs("argv", res.Argv).Str("dir", res.Dir).Msg("spawning tool")
	code, err := iv.spawner.Spawn(ctx, res.Argv, res.Env, res.Dir)
	if err != nil {
		var se *SpawnError
		if errors.As(err, &se) && se.Tool == "" {
			se.Tool = req.Tool.Name
		}
		return res, err
	}
	res.Spawned = true
	res.ExitCode = code
	if code != 0 {
		return res, &ExitError{Tool: req.Tool.Name, Code: code}
	}
	return res, nil
}
