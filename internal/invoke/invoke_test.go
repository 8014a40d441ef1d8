package invoke

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/experimentstash/stash/pkg/api"
)

// MockSpawner records spawns instead of starting processes.
type MockSpawner struct {
	calls [][]string
	code  int
}

func (m *MockSpawner) Spawn(ctx context.Context, argv, env []string, dir string) (int, error) {
	m.calls = append(m.calls, argv)
	return m.code, nil
}

func defaultOptions() Options {
	return Options{
		Interpreter:    "python3",
		SearchPathEnv:  "STASH_SEARCH_PATHS",
		ConfigDirFlag:  "--config-path",
		ConfigNameFlag: "--config-name",
	}
}

func newTool(t *testing.T, entrypoint string, files ...string) api.ToolEntry {
	t.Helper()
	dir := t.TempDir()
	for _, f := range files {
		p := filepath.Join(dir, filepath.FromSlash(f))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte("exit 3\n"), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	return api.ToolEntry{Name: "hello", Path: dir, Entrypoint: entrypoint}
}

func fakeInvoker(spawner Spawner) *Invoker {
	iv := New(defaultOptions(), spawner)
	iv.environ = func() []string { return []string{"PATH=/usr/bin"} }
	iv.look = func(name string) (string, error) { return "/usr/bin/" + name, nil }
	return iv
}

func TestCommandModuleEntrypoint(t *testing.T) {
	tool := newTool(t, "-m src.main", "src/main.py")
	tool.SearchPaths = []string{"pkg://hello.configs", "file://extra"}
	iv := fakeInvoker(nil)

	res, err := iv.Command(Request{Tool: tool, ConfigDir: "/w/configs/hello", ExperimentID: "exp/a", Overrides: []string{"lr=0.1"}, RunID: "01X"})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"python3", "-m", "src.main", "--config-path=/w/configs/hello", "--config-name=exp/a", "lr=0.1"}
	if !reflect.DeepEqual(res.Argv, want) {
		t.Fatalf("argv %v, want %v", res.Argv, want)
	}
	if res.Dir != tool.Path {
		t.Errorf("dir %s", res.Dir)
	}
	env := strings.Join(res.Env, "\n")
	for _, kv := range []string{"STASH_SEARCH_PATHS=pkg://hello.configs:file://extra", "STASH_TOOL=hello", "STASH_EXPERIMENT=exp/a", "STASH_RUN_ID=01X"} {
		if !strings.Contains(env, kv) {
			t.Errorf("env missing %s", kv)
		}
	}
	if strings.Contains(env, "HYDRA_FULL_ERROR") {
		t.Errorf("debug env set without --debug")
	}
}

func TestCommandFileEntrypointAndInterpreterOverride(t *testing.T) {
	tool := newTool(t, "src/main.py", "src/main.py")
	tool.Interpreter = "uv run python"
	iv := fakeInvoker(nil)
	res, err := iv.Command(Request{Tool: tool, ConfigDir: "/c", ExperimentID: "a", Debug: true})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"uv", "run", "python", "src/main.py", "--config-path=/c", "--config-name=a"}
	if !reflect.DeepEqual(res.Argv, want) {
		t.Fatalf("argv %v", res.Argv)
	}
	if !strings.Contains(strings.Join(res.Env, "\n"), "HYDRA_FULL_ERROR=1") {
		t.Errorf("debug env missing")
	}
	for _, kv := range res.Env {
		if strings.HasPrefix(kv, "STASH_SEARCH_PATHS=") {
			t.Errorf("search path env set without search paths")
		}
	}
}

func TestValidateOnlyDoesNotSpawn(t *testing.T) {
	tool := newTool(t, "src/main.py", "src/main.py")
	spawner := &MockSpawner{}
	iv := fakeInvoker(spawner)
	ctx := context.Background()
	req := Request{Tool: tool, ConfigDir: "/c", ExperimentID: "a", ValidateOnly: true}

	res, err := iv.Run(ctx, req)
	if err != nil {
		t.Fatalf("validate-only: %v", err)
	}
	if len(spawner.calls) != 0 || res.Spawned {
		t.Fatalf("validate-only spawned %d processes", len(spawner.calls))
	}
	entries, _ := os.ReadDir(tool.Path)
	if len(entries) != 1 {
		t.Errorf("validate-only created files in the tool dir: %v", entries)
	}

	req.ValidateOnly = false
	if _, err := iv.Run(ctx, req); err != nil {
		t.Fatal(err)
	}
	if len(spawner.calls) != 1 {
		t.Fatalf("expected exactly one spawn, got %d", len(spawner.calls))
	}
}

func TestValidateOnlyFailsLikeRealRun(t *testing.T) {
	tool := newTool(t, "src/missing.py")
	spawner := &MockSpawner{}
	iv := fakeInvoker(spawner)
	for _, validateOnly := range []bool{true, false} {
		_, err := iv.Run(context.Background(), Request{Tool: tool, ConfigDir: "/c", ExperimentID: "a", ValidateOnly: validateOnly})
		var se *SpawnError
		if !errors.As(err, &se) {
			t.Fatalf("validateOnly=%v: expected SpawnError, got %v", validateOnly, err)
		}
	}
	if len(spawner.calls) != 0 {
		t.Fatalf("missing entrypoint must not spawn")
	}
}

func TestMissingInterpreter(t *testing.T) {
	tool := newTool(t, "src/main.py", "src/main.py")
	tool.Interpreter = "stash-no-such-interpreter"
	iv := New(defaultOptions(), &MockSpawner{})
	_, err := iv.Run(context.Background(), Request{Tool: tool, ConfigDir: "/c", ExperimentID: "a"})
	var se *SpawnError
	if !errors.As(err, &se) {
		t.Fatalf("expected SpawnError, got %v", err)
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		t.Fatalf("spawn failure must not look like a child exit")
	}
}

func TestExitCodePassthrough(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	tool := newTool(t, "run.sh", "run.sh")
	tool.Interpreter = "sh"
	iv := New(defaultOptions(), nil)
	res, err := iv.Run(context.Background(), Request{Tool: tool, ConfigDir: t.TempDir(), ExperimentID: "a"})
	var ee *ExitError
	if !errors.As(err, &ee) {
		t.Fatalf("expected ExitError, got %v", err)
	}
	if ee.Code != 3 || res.ExitCode != 3 {
		t.Fatalf("exit code %d / %d, want 3", ee.Code, res.ExitCode)
	}
}

func TestExecSpawnerStartFailure(t *testing.T) {
	_, err := ExecSpawner{}.Spawn(context.Background(), []string{"/nonexistent/stash-binary"}, nil, t.TempDir())
	var se *SpawnError
	if !errors.As(err, &se) {
		t.Fatalf("expected SpawnError, got %v", err)
	}
}

func TestSignalledChildReportsSignal(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	code, err := ExecSpawner{}.Spawn(context.Background(), []string{"sh", "-c", "kill -TERM $$"}, nil, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if code != 128+15 {
		t.Fatalf("exit code %d, want 143", code)
	}
}
