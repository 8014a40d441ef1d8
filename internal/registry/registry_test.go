package registry

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func newWorkspace(t *testing.T) Layout {
	t.Helper()
	root := t.TempDir()
	layout := Layout{Root: root}
	if err := os.MkdirAll(layout.ConfigsDir(), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(layout.MetaPath(), []byte(DefaultMetaYAML("test")), 0o644); err != nil {
		t.Fatal(err)
	}
	return layout
}

func mkTool(t *testing.T, layout Layout, name string) string {
	t.Helper()
	dir := filepath.Join(layout.ToolsDir(), name, "src")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "main.py"), []byte("print('hi')\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return "tools/" + name
}

func TestRegisterLookupRoundTrip(t *testing.T) {
	layout := newWorkspace(t)
	reg, err := Load(layout)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	path := mkTool(t, layout, "hello")
	entry, err := reg.Register("hello", path, "src/main.py", []string{"pkg://hello.configs", "file://extra"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if entry.Path != filepath.Join(layout.Root, "tools", "hello") {
		t.Fatalf("unexpected abs path %s", entry.Path)
	}

	// Reload from disk to make sure it was persisted.
	reg2, err := Load(layout)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	got, err := reg2.Lookup("hello")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.Entrypoint != "src/main.py" {
		t.Errorf("entrypoint %q", got.Entrypoint)
	}
	want := []string{"pkg://hello.configs", "file://extra"}
	if !reflect.DeepEqual(got.SearchPaths, want) {
		t.Errorf("search paths %v, want %v", got.SearchPaths, want)
	}
	raw, _ := os.ReadFile(layout.MetaPath())
	if !strings.Contains(string(raw), "search_paths: pkg://hello.configs:file://extra") {
		t.Errorf("search paths not stored colon-joined:\n%s", raw)
	}
}

func TestRegisterDuplicate(t *testing.T) {
	layout := newWorkspace(t)
	reg, _ := Load(layout)
	path := mkTool(t, layout, "hello")
	if _, err := reg.Register("hello", path, "src/main.py", nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	_, err := reg.Register("hello", path, "src/main.py", nil)
	var dup *DuplicateNameError
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicateNameError, got %v", err)
	}
}

func TestRegisterInvalidPath(t *testing.T) {
	layout := newWorkspace(t)
	reg, _ := Load(layout)
	_, err := reg.Register("ghost", "tools/ghost", "src/main.py", nil)
	var ip *InvalidPathError
	if !errors.As(err, &ip) {
		t.Fatalf("expected InvalidPathError, got %v", err)
	}
	if len(reg.Names()) != 0 {
		t.Fatalf("failed registration must not persist an entry")
	}
}

func TestRegisterRejectsBadName(t *testing.T) {
	layout := newWorkspace(t)
	reg, _ := Load(layout)
	path := mkTool(t, layout, "ok")
	_, err := reg.Register("bad name!", path, "src/main.py", nil)
	var ve ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestLookupUnknown(t *testing.T) {
	layout := newWorkspace(t)
	reg, _ := Load(layout)
	_, err := reg.Lookup("nope")
	var ut *UnknownToolError
	if !errors.As(err, &ut) {
		t.Fatalf("expected UnknownToolError, got %v", err)
	}
	if ut.Hint() == "" {
		t.Fatalf("expected remediation hint")
	}
}

func TestDeregisterWarnsButProceeds(t *testing.T) {
	layout := newWorkspace(t)
	meta := `tools:
  base:
    path: tools/base
    entrypoint: src/main.py
  user:
    path: tools/user
    entrypoint: src/main.py
    dependencies: [base]
`
	if err := os.WriteFile(layout.MetaPath(), []byte(meta), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(layout.ToolConfigDir("base"), "exp"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(layout.ToolConfigDir("base"), "exp", "a.yaml"), []byte("x: 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	runs := "runs:\n  first:\n    tool: base\n    config: base/exp/a\n    description: d\n"
	if err := os.WriteFile(layout.RunsPath(), []byte(runs), 0o644); err != nil {
		t.Fatal(err)
	}
	reg, err := Load(layout)
	if err != nil {
		t.Fatal(err)
	}
	deps, err := reg.Deregister("base")
	if err != nil {
		t.Fatalf("deregister: %v", err)
	}
	if !reflect.DeepEqual(deps.Tools, []string{"user"}) {
		t.Errorf("dependent tools %v", deps.Tools)
	}
	if !reflect.DeepEqual(deps.Configs, []string{"exp/a.yaml"}) {
		t.Errorf("dependent configs %v", deps.Configs)
	}
	if !reflect.DeepEqual(deps.Runs, []string{"first"}) {
		t.Errorf("dependent runs %v", deps.Runs)
	}
	reg2, _ := Load(layout)
	if _, err := reg2.Lookup("base"); err == nil {
		t.Fatalf("expected base to be gone after reload")
	}
}

func TestDependentsIncludeToolKeyReferences(t *testing.T) {
	layout := newWorkspace(t)
	reg, err := Load(layout)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Register("hello", mkTool(t, layout, "hello"), "src/main.py", nil); err != nil {
		t.Fatal(err)
	}
	files := map[string]string{
		"sweeps/lr.yaml":       "tool: hello\nlr: [0.1, 0.2]\n",
		"other/uses.yml":       "tool: hello\n",
		"other/elsewhere.yaml": "tool: world\n",
		"broken.yaml":          "tool: [unclosed\n",
		"hello/nested.yaml":    "nested:\n  tool: hello\n",
	}
	for rel, content := range files {
		p := filepath.Join(layout.ConfigsDir(), filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	deps, err := reg.DependentsOf("hello")
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"other/uses.yml", "sweeps/lr.yaml"}; !reflect.DeepEqual(deps.References, want) {
		t.Errorf("references %v, want %v", deps.References, want)
	}
	if !reflect.DeepEqual(deps.Configs, []string{"nested.yaml"}) {
		t.Errorf("configs %v", deps.Configs)
	}
	if deps.Empty() {
		t.Errorf("dependents reported empty")
	}
}

func TestSplitSearchPaths(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"pkg://a.b", []string{"pkg://a.b"}},
		{"pkg://a.b:file://c/d", []string{"pkg://a.b", "file://c/d"}},
		{"conf:pkg://x", []string{"conf", "pkg://x"}},
		{"a::b", []string{"a", "b"}},
	}
	for _, tt := range tests {
		got := SplitSearchPaths(tt.in)
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("SplitSearchPaths(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestDetectEntrypoint(t *testing.T) {
	dir := t.TempDir()
	if _, ok := DetectEntrypoint(dir); ok {
		t.Fatalf("empty dir should not detect an entrypoint")
	}
	if err := os.WriteFile(filepath.Join(dir, "main.py"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	ep, ok := DetectEntrypoint(dir)
	if !ok || ep != "main.py" {
		t.Fatalf("got %q %v", ep, ok)
	}
}

func TestSettingsDefaults(t *testing.T) {
	layout := newWorkspace(t)
	if err := os.WriteFile(layout.MetaPath(), []byte("tools: {}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	reg, err := Load(layout)
	if err != nil {
		t.Fatal(err)
	}
	s := reg.Settings()
	if s.Interpreter != DefaultInterpreter || s.ListMerge != ListMergeReplace || s.SearchPathEnv != DefaultSearchPathEnv {
		t.Fatalf("defaults not applied: %+v", s)
	}
	if err := os.WriteFile(layout.MetaPath(), []byte("settings:\n  list_merge: zip\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(layout); err == nil {
		t.Fatalf("expected invalid list_merge to fail")
	}
}
