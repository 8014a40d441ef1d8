package validate

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/experimentstash/stash/internal/compose"
	"github.com/experimentstash/stash/internal/registry"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func newChecker(t *testing.T, root string) *Checker {
	t.Helper()
	layout := registry.Layout{Root: root}
	reg, err := registry.Load(layout)
	if err != nil {
		t.Fatalf("load registry: %v", err)
	}
	c := NewChecker(reg, compose.NewResolver(layout.ConfigsDir(), compose.ListReplace))
	c.LookPath = func(name string) (string, error) {
		if name == "python3" {
			return "/usr/bin/python3", nil
		}
		return "", os.ErrNotExist
	}
	return c
}

func joined(problems []Problem) string {
	var lines []string
	for _, p := range problems {
		lines = append(lines, p.String())
	}
	return strings.Join(lines, "\n")
}

func TestCleanWorkspace(t *testing.T) {
	root := t.TempDir()
	meta := strings.Replace(registry.DefaultMetaYAML("demo"), "tools: {}\n",
		"tools:\n  hello:\n    path: tools/hello\n    entrypoint: src/main.py\n", 1)
	writeFile(t, root, "configs/meta.yaml", meta)
	writeFile(t, root, "tools/hello/src/main.py", "print('hi')\n")
	writeFile(t, root, "configs/hello/exp.yaml", "lr: 0.1\n")
	writeFile(t, root, "configs/runs.yaml", "runs:\n  baseline:\n    tool: hello\n    config: exp\n")

	if problems := newChecker(t, root).Check(); len(problems) != 0 {
		t.Fatalf("unexpected problems:\n%s", joined(problems))
	}
}

func TestReportsProblems(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "configs/meta.yaml", `experiment:
  name: demo
validation:
  require_commit_pins: true
  validate_configs: true
  check_dependencies: true
  bogus: true
settings:
  interpreter: python3
tools:
  hello:
    path: tools/hello
    entrypoint: src/main.py
    commit: HEAD
    dependencies: [ghost]
  gone:
    path: tools/gone
    entrypoint: main.py
    commit: 0123abc
  odd:
    path: tools/odd
    entrypoint: main.py
    commit: 0123abc
    interpreter: ruby
`)
	writeFile(t, root, "tools/hello/src/main.py", "")
	writeFile(t, root, "tools/odd/main.py", "")
	writeFile(t, root, "configs/hello/exp.yaml", "a: ${missing}\n")
	writeFile(t, root, "configs/hello/broken.yaml", "a: [1, 2\n")
	writeFile(t, root, "configs/runs.yaml", `runs:
  r1: {tool: nobody, config: exp}
  r2: {tool: hello, config: absent}
  r3: {tool: hello, config: exp}
`)

	out := joined(newChecker(t, root).Check())
	for _, want := range []string{
		"meta.yaml:validation",
		"tool gone: path does not exist",
		"tool hello: commit is not pinned",
		"tool hello: depends on unregistered tool ghost",
		"tool odd: interpreter not found on PATH: ruby",
		"run r1: unknown tool: nobody",
		"run r2: config not found: configs/hello/absent.yaml",
		"run r3:",
		"hello/broken.yaml: invalid YAML",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in:\n%s", want, out)
		}
	}
	if strings.Contains(out, "tool odd: entrypoint") {
		t.Errorf("odd entrypoint exists:\n%s", out)
	}
}

func TestCheckMetaSchema(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "meta.yaml", `tools:
  hello:
    path: tools/hello
  "bad name":
    path: x
    entrypoint: main.py
settings:
  list_merge: sideways
  archive:
    port: 70000
`)
	out := joined(CheckMeta(filepath.Join(root, "meta.yaml")))
	for _, want := range []string{"meta.yaml:tools.hello", "meta.yaml:settings.list_merge", "meta.yaml:settings.archive.port"} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in:\n%s", want, out)
		}
	}
}

func TestCheckMetaMissingFile(t *testing.T) {
	problems := CheckMeta(filepath.Join(t.TempDir(), "meta.yaml"))
	if len(problems) != 1 || problems[0].Hint == "" {
		t.Fatalf("problems %v", problems)
	}
}
