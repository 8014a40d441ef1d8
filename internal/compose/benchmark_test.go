package compose

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/experimentstash/stash/pkg/api"
)

func benchWorkspace(b *testing.B) (*Resolver, api.ToolEntry) {
	b.Helper()
	root := b.TempDir()
	files := map[string]string{
		"configs/hello/base.yaml":          "seed: 1\ntrainer:\n  epochs: 10\n  devices: [0, 1]\n",
		"configs/hello/model/small.yaml":   "width: 64\ndepth: 4\n",
		"configs/hello/data/mnist.yaml":    "name: mnist\npath: ${oc.env:DATA_ROOT,/data}/mnist\n",
		"configs/hello/exp/sweep/a.yaml":   "defaults:\n  - /base\n  - model: small\n  - data: mnist\n  - _self_\nlr: 0.01\nrun_name: ${data.name}-${model.width}\nout: ${.run_name}/logs\n",
		"tools/hello/hello/configs/x.yaml": "x: 1\n",
	}
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			b.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			b.Fatal(err)
		}
	}
	tool := api.ToolEntry{Name: "hello", Path: filepath.Join(root, "tools", "hello"), SearchPaths: []string{"pkg://hello.configs"}}
	return NewResolver(filepath.Join(root, "configs"), ListReplace), tool
}

func BenchmarkResolve(b *testing.B) {
	r, tool := benchWorkspace(b)
	overrides := []string{"lr=0.1", "model.depth=8", "+tag=bench"}

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if _, err := r.Resolve(tool, "exp/sweep/a", overrides); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkMergeLayers(b *testing.B) {
	var layers []*Map
	for i := 0; i < 8; i++ {
		v, err := ParseValue("a: 1\nb:\n  c: [1, 2, 3]\n  d: x\ne: {f: {g: 2}}\n")
		if err != nil {
			b.Fatal(err)
		}
		layers = append(layers, v.(*Map))
	}

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		_ = MergeLayers(ListReplace, layers...)
	}
}
