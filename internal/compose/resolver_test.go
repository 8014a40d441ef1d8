package compose

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/experimentstash/stash/pkg/api"
)

type fixture struct {
	root    string
	configs string
	tool    api.ToolEntry
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	root := t.TempDir()
	f := fixture{
		root:    root,
		configs: filepath.Join(root, "configs"),
		tool:    api.ToolEntry{Name: "hello", Path: filepath.Join(root, "tools", "hello"), Entrypoint: "src/main.py"},
	}
	if err := os.MkdirAll(f.tool.Path, 0o755); err != nil {
		t.Fatal(err)
	}
	return f
}

// local writes a file under configs/hello/.
func (f fixture) local(t *testing.T, rel, content string) string {
	t.Helper()
	return writeFile(t, filepath.Join(f.configs, "hello", filepath.FromSlash(rel)), content)
}

// pkg writes a file inside the tool checkout.
func (f fixture) pkg(t *testing.T, rel, content string) string {
	t.Helper()
	return writeFile(t, filepath.Join(f.tool.Path, filepath.FromSlash(rel)), content)
}

func writeFile(t *testing.T, p, content string) string {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func lookup(t *testing.T, r *Resolved, key string) any {
	t.Helper()
	v, ok := r.Config.Lookup(key)
	if !ok {
		t.Fatalf("key %s missing from resolved config:\n%v", key, r.Config.Flatten())
	}
	return v
}

func TestResolveSourceFileMatchesIdentifier(t *testing.T) {
	f := newFixture(t)
	ids := []string{"a", "exp/b", "exp/deep/c"}
	for _, id := range ids {
		f.local(t, id+".yaml", "x: 1\n")
	}
	res := NewResolver(f.configs, ListReplace)
	for _, id := range ids {
		got, err := res.Resolve(f.tool, id, nil)
		if err != nil {
			t.Fatalf("resolve %s: %v", id, err)
		}
		want := PathFor(res.ToolConfigDir("hello"), id)
		if got.SourceFile != want {
			t.Errorf("source for %s = %s, want %s", id, got.SourceFile, want)
		}
		if got.ExperimentID != id {
			t.Errorf("experiment id %q, want %q", got.ExperimentID, id)
		}
	}
	// A non-canonical spelling names the same file.
	got, err := res.Resolve(f.tool, "./exp//b", nil)
	if err != nil {
		t.Fatal(err)
	}
	if got.ExperimentID != "exp/b" {
		t.Errorf("canonical id %q", got.ExperimentID)
	}
}

func TestResolveConfigNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := NewResolver(f.configs, ListReplace).Resolve(f.tool, "missing", nil)
	var nf *ConfigNotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected ConfigNotFoundError, got %v", err)
	}
	if nf.Tool != "hello" || nf.ExperimentID != "missing" {
		t.Errorf("unexpected error fields %+v", nf)
	}
}

func TestOverridePrecedence(t *testing.T) {
	f := newFixture(t)
	f.local(t, "base.yaml", "k: 1\nkeep: true\n")
	f.local(t, "exp.yaml", "defaults:\n  - base\n  - _self_\nk: 2\n")
	res := NewResolver(f.configs, ListReplace)

	got, err := res.Resolve(f.tool, "exp", nil)
	if err != nil {
		t.Fatal(err)
	}
	if v := lookup(t, got, "k"); v != 2 {
		t.Errorf("chain value k=%v, want 2", v)
	}
	got, err = res.Resolve(f.tool, "exp", []string{"k=3"})
	if err != nil {
		t.Fatal(err)
	}
	if v := lookup(t, got, "k"); v != 3 {
		t.Errorf("runtime value k=%v, want 3", v)
	}
	if v := lookup(t, got, "keep"); v != true {
		t.Errorf("base key lost: keep=%v", v)
	}
	if _, ok := got.Config.Get("defaults"); ok {
		t.Errorf("defaults directive left in resolved config")
	}
}

func TestSelfFirstLetsChainWin(t *testing.T) {
	f := newFixture(t)
	f.local(t, "base.yaml", "k: 1\n")
	f.local(t, "exp.yaml", "defaults:\n  - _self_\n  - base\nk: 2\n")
	got, err := NewResolver(f.configs, ListReplace).Resolve(f.tool, "exp", nil)
	if err != nil {
		t.Fatal(err)
	}
	if v := lookup(t, got, "k"); v != 1 {
		t.Errorf("k=%v, want 1", v)
	}
}

func TestGroupSelection(t *testing.T) {
	f := newFixture(t)
	f.local(t, "model/small.yaml", "size: 1\n")
	f.local(t, "model/big.yaml", "size: 9\n")
	f.local(t, "exp.yaml", "defaults:\n  - model: small\n")
	f.local(t, "pinned.yaml", "defaults:\n  - model: small\n  - override model: big\n")
	res := NewResolver(f.configs, ListReplace)

	tests := []struct {
		id        string
		overrides []string
		want      int
	}{
		{"exp", nil, 1},
		{"exp", []string{"model=big"}, 9},
		{"pinned", nil, 9},
		{"pinned", []string{"model=small"}, 1},
	}
	for _, tt := range tests {
		got, err := res.Resolve(f.tool, tt.id, tt.overrides)
		if err != nil {
			t.Fatalf("%s %v: %v", tt.id, tt.overrides, err)
		}
		if v := lookup(t, got, "model.size"); v != tt.want {
			t.Errorf("%s %v: model.size=%v, want %d", tt.id, tt.overrides, v, tt.want)
		}
	}
	got, _ := res.Resolve(f.tool, "exp", []string{"model=big"})
	if got.Choices["model"] != "big" {
		t.Errorf("choices %v", got.Choices)
	}
}

func TestGroupOverrideMustMatchDefaults(t *testing.T) {
	f := newFixture(t)
	f.local(t, "model/big.yaml", "size: 9\n")
	f.local(t, "exp.yaml", "lr: 0.1\n")
	res := NewResolver(f.configs, ListReplace)

	_, err := res.Resolve(f.tool, "exp", []string{"model=big"})
	var ce *CompositionError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CompositionError, got %v", err)
	}
	got, err := res.Resolve(f.tool, "exp", []string{"+model=big"})
	if err != nil {
		t.Fatalf("append group: %v", err)
	}
	if v := lookup(t, got, "model.size"); v != 9 {
		t.Errorf("model.size=%v", v)
	}
}

func TestMissingFragment(t *testing.T) {
	f := newFixture(t)
	f.local(t, "exp.yaml", "defaults:\n  - nowhere\n")
	_, err := NewResolver(f.configs, ListReplace).Resolve(f.tool, "exp", nil)
	var ce *CompositionError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CompositionError, got %v", err)
	}
	if len(ce.Searched) == 0 {
		t.Errorf("expected searched locations in %v", ce)
	}
}

func TestOptionalGroupMayBeMissing(t *testing.T) {
	f := newFixture(t)
	f.local(t, "extras/.keep.yaml", "")
	f.local(t, "exp.yaml", "defaults:\n  - optional extras: none\n  - model: null\nx: 1\n")
	got, err := NewResolver(f.configs, ListReplace).Resolve(f.tool, "exp", nil)
	if err != nil {
		t.Fatal(err)
	}
	if got.Config.Len() != 1 {
		t.Errorf("unexpected keys %v", got.Config.Keys())
	}
}

func TestCompositionCycle(t *testing.T) {
	f := newFixture(t)
	f.local(t, "a.yaml", "defaults:\n  - b\n")
	f.local(t, "b.yaml", "defaults:\n  - a\n")
	_, err := NewResolver(f.configs, ListReplace).Resolve(f.tool, "a", nil)
	var ce *CompositionError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CompositionError, got %v", err)
	}
}

func TestListMerge(t *testing.T) {
	f := newFixture(t)
	f.local(t, "base.yaml", "tags: [x]\n")
	f.local(t, "exp.yaml", "defaults:\n  - base\ntags: [y]\n")

	got, err := NewResolver(f.configs, ListReplace).Resolve(f.tool, "exp", nil)
	if err != nil {
		t.Fatal(err)
	}
	if v := lookup(t, got, "tags"); !reflect.DeepEqual(v, []any{"y"}) {
		t.Errorf("replace: tags=%v", v)
	}
	got, err = NewResolver(f.configs, ListAppend).Resolve(f.tool, "exp", nil)
	if err != nil {
		t.Fatal(err)
	}
	if v := lookup(t, got, "tags"); !reflect.DeepEqual(v, []any{"x", "y"}) {
		t.Errorf("append: tags=%v", v)
	}
}

func TestPackageSearchPaths(t *testing.T) {
	f := newFixture(t)
	f.tool.SearchPaths = []string{"pkg://hello.configs"}
	f.pkg(t, "hello/configs/optim/adam.yaml", "lr: 0.001\nbetas: [0.9, 0.999]\n")
	f.pkg(t, "hello/configs/optim/sgd.yaml", "lr: 0.1\n")
	f.local(t, "exp.yaml", "defaults:\n  - optim: adam\n")
	res := NewResolver(f.configs, ListReplace)

	got, err := res.Resolve(f.tool, "exp", nil)
	if err != nil {
		t.Fatal(err)
	}
	if v := lookup(t, got, "optim.lr"); v != 0.001 {
		t.Errorf("optim.lr=%v", v)
	}

	// The local namespace shadows the package.
	f.local(t, "optim/adam.yaml", "lr: 0.5\n")
	got, err = res.Resolve(f.tool, "exp", nil)
	if err != nil {
		t.Fatal(err)
	}
	if v := lookup(t, got, "optim.lr"); v != 0.5 {
		t.Errorf("local optim.lr=%v", v)
	}
	if _, ok := got.Config.Lookup("optim.betas"); ok {
		t.Errorf("package fragment should not be merged once shadowed")
	}
}

func TestBaseConfigIsLowestPriority(t *testing.T) {
	f := newFixture(t)
	f.tool.SearchPaths = []string{"file://conf"}
	f.tool.BaseConfig = "config"
	f.pkg(t, "conf/config.yaml", "lr: 0.01\nepochs: 5\n")
	f.local(t, "exp.yaml", "epochs: 10\n")
	got, err := NewResolver(f.configs, ListReplace).Resolve(f.tool, "exp", nil)
	if err != nil {
		t.Fatal(err)
	}
	if v := lookup(t, got, "lr"); v != 0.01 {
		t.Errorf("lr=%v", v)
	}
	if v := lookup(t, got, "epochs"); v != 10 {
		t.Errorf("epochs=%v", v)
	}
}

func TestPackageHeader(t *testing.T) {
	f := newFixture(t)
	f.local(t, "model/flat.yaml", "# @package _global_\nsize: 4\n")
	f.local(t, "model/nested.yaml", "# @package net.arch\nsize: 5\n")
	res := NewResolver(f.configs, ListReplace)

	f.local(t, "g.yaml", "defaults:\n  - model: flat\n")
	got, err := res.Resolve(f.tool, "g", nil)
	if err != nil {
		t.Fatal(err)
	}
	if v := lookup(t, got, "size"); v != 4 {
		t.Errorf("size=%v", v)
	}

	f.local(t, "n.yaml", "defaults:\n  - model: nested\n")
	got, err = res.Resolve(f.tool, "n", nil)
	if err != nil {
		t.Fatal(err)
	}
	if v := lookup(t, got, "net.arch.size"); v != 5 {
		t.Errorf("net.arch.size=%v", v)
	}
}

func TestInterpolation(t *testing.T) {
	f := newFixture(t)
	f.local(t, "exp.yaml", `name: run
n: 3
out: ${name}/logs
count: ${n}
data:
  root: /data
  train: ${.root}/train
home: ${oc.env:STASH_TEST_HOME,/fallback}
user: ${oc.env:STASH_TEST_USER}
`)
	res := NewResolver(f.configs, ListReplace)
	res.Env = func(k string) (string, bool) {
		if k == "STASH_TEST_USER" {
			return "ada", true
		}
		return "", false
	}
	got, err := res.Resolve(f.tool, "exp", nil)
	if err != nil {
		t.Fatal(err)
	}
	checks := map[string]any{
		"out":        "run/logs",
		"count":      3,
		"data.train": "/data/train",
		"home":       "/fallback",
		"user":       "ada",
	}
	for k, want := range checks {
		if v := lookup(t, got, k); v != want {
			t.Errorf("%s=%v (%T), want %v", k, v, v, want)
		}
	}
}

func TestUnresolvedReferences(t *testing.T) {
	f := newFixture(t)
	f.local(t, "missing.yaml", "a: ${nope}\n")
	f.local(t, "cycle.yaml", "a: ${b}\nb: ${a}\n")
	f.local(t, "mandatory.yaml", "lr: ???\n")
	res := NewResolver(f.configs, ListReplace)

	for _, id := range []string{"missing", "cycle", "mandatory"} {
		_, err := res.Resolve(f.tool, id, nil)
		var ue *UnresolvedReferenceError
		if !errors.As(err, &ue) {
			t.Errorf("%s: expected UnresolvedReferenceError, got %v", id, err)
		}
	}
	got, err := res.Resolve(f.tool, "mandatory", []string{"lr=0.1"})
	if err != nil {
		t.Fatalf("override should satisfy mandatory value: %v", err)
	}
	if v := lookup(t, got, "lr"); v != 0.1 {
		t.Errorf("lr=%v", v)
	}
}
