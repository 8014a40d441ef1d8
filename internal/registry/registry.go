package registry

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/experimentstash/stash/pkg/api"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Registry is the tool registry backed by configs/meta.yaml.
type Registry struct {
	layout Layout
	meta   Meta
}

// New returns an empty registry for the workspace; nothing is read or written.
func New(layout Layout) *Registry {
	return &Registry{layout: layout, meta: Meta{Tools: map[string]toolDoc{}}}
}

// Load reads configs/meta.yaml from the workspace.
func Load(layout Layout) (*Registry, error) {
	content, err := os.ReadFile(layout.MetaPath())
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}
	r := New(layout)
	if err := yaml.Unmarshal(content, &r.meta); err != nil {
		return nil, fmt.Errorf("parse registry %s: %w", layout.MetaPath(), err)
	}
	if r.meta.Tools == nil {
		r.meta.Tools = map[string]toolDoc{}
	}
	if err := r.meta.Settings.validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// Save writes the registry back to configs/meta.yaml.
func (r *Registry) Save() error {
	if err := os.MkdirAll(r.layout.ConfigsDir(), 0o755); err != nil {
		return fmt.Errorf("registry: ensure configs dir: %w", err)
	}
	data, err := yaml.Marshal(&r.meta)
	if err != nil {
		return fmt.Errorf("registry: encode: %w", err)
	}
	tmp := r.layout.MetaPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("registry: write: %w", err)
	}
	if err := os.Rename(tmp, r.layout.MetaPath()); err != nil {
		return fmt.Errorf("registry: replace: %w", err)
	}
	return nil
}

func (r *Registry) Layout() Layout { return r.layout }

// Meta returns the parsed registry document.
func (r *Registry) Meta() Meta { return r.meta }

// Settings returns workspace settings with defaults applied.
func (r *Registry) Settings() Settings { return r.meta.Settings.withDefaults() }

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.meta.Tools))
	for name := range r.meta.Tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Tools returns every entry, sorted by name.
func (r *Registry) Tools() []api.ToolEntry {
	var out []api.ToolEntry
	for _, name := range r.Names() {
		out = append(out, r.entry(name, r.meta.Tools[name]))
	}
	return out
}

// Lookup returns the entry for name with its path resolved against the root.
func (r *Registry) Lookup(name string) (api.ToolEntry, error) {
	doc, ok := r.meta.Tools[name]
	if !ok {
		return api.ToolEntry{}, &UnknownToolError{Name: name, Known: r.Names()}
	}
	return r.entry(name, doc), nil
}

func (r *Registry) entry(name string, doc toolDoc) api.ToolEntry {
	return api.ToolEntry{
		Name:         name,
		Path:         r.layout.Abs(doc.Path),
		Entrypoint:   doc.Entrypoint,
		Commit:       doc.Commit,
		SearchPaths:  append([]string(nil), doc.SearchPaths...),
		Interpreter:  doc.Interpreter,
		Dependencies: append([]string(nil), doc.Dependencies...),
		Description:  doc.Description,
		BaseConfig:   doc.BaseConfig,
	}
}

// ValidateName checks the tool naming rule (alphanumeric, '-' and '_').
func ValidateName(name string) error {
	if !namePattern.MatchString(name) {
		return ValidationError{Field: "name", Value: name, Message: "tool name must be alphanumeric (can contain - or _)"}
	}
	return nil
}

// Register adds a tool and persists the registry. The path must already
// exist, so callers run the submodule step first.
func (r *Registry) Register(name, path, entrypoint string, searchPaths []string) (api.ToolEntry, error) {
	if err := ValidateName(name); err != nil {
		return api.ToolEntry{}, err
	}
	if existing, ok := r.meta.Tools[name]; ok {
		return api.ToolEntry{}, &DuplicateNameError{Name: name, Path: existing.Path}
	}
	if entrypoint == "" {
		return api.ToolEntry{}, ValidationError{Field: "entrypoint", Value: "", Message: "entrypoint is required"}
	}
	abs := r.layout.Abs(path)
	info, err := os.Stat(abs)
	if err != nil {
		return api.ToolEntry{}, &InvalidPathError{Name: name, Path: path, Err: err}
	}
	if !info.IsDir() {
		return api.ToolEntry{}, &InvalidPathError{Name: name, Path: path, Err: errors.New("not a directory")}
	}
	doc := toolDoc{
		Path:        r.layout.Rel(abs),
		Entrypoint:  entrypoint,
		Commit:      "HEAD",
		SearchPaths: searchPaths,
		Description: "Added via register-tool: " + name,
	}
	r.meta.Tools[name] = doc
	if err := r.Save(); err != nil {
		delete(r.meta.Tools, name)
		return api.ToolEntry{}, err
	}
	log.Debug().Str("tool", name).Str("path", doc.Path).Msg("tool registered")
	return r.entry(name, doc), nil
}

// Dependents lists what still points at a deregistered tool.
type Dependents struct {
	Tools   []string // tools naming it in dependencies
	Configs []string // experiment configs under configs/<tool>/
	Runs    []string // named runs in configs/runs.yaml
	// References are configs anywhere under configs/ with a top-level
	// "tool: <name>", relative to configs/.
	References []string
}

func (d Dependents) Empty() bool {
	return len(d.Tools) == 0 && len(d.Configs) == 0 && len(d.Runs) == 0 && len(d.References) == 0
}

// Deregister removes a tool and persists the registry. References to it are
// reported, never blocking.
func (r *Registry) Deregister(name string) (Dependents, error) {
	if _, ok := r.meta.Tools[name]; !ok {
		return Dependents{}, &UnknownToolError{Name: name, Known: r.Names()}
	}
	deps, err := r.DependentsOf(name)
	if err != nil {
		return Dependents{}, err
	}
	doc := r.meta.Tools[name]
	delete(r.meta.Tools, name)
	if err := r.Save(); err != nil {
		r.meta.Tools[name] = doc
		return Dependents{}, err
	}
	if !deps.Empty() {
		log.Warn().Str("tool", name).Strs("tools", deps.Tools).Strs("configs", deps.Configs).Strs("runs", deps.Runs).
			Strs("references", deps.References).Msg("deregistered tool is still referenced")
	}
	return deps, nil
}

// DependentsOf scans the registry and config tree for references to name.
func (r *Registry) DependentsOf(name string) (Dependents, error) {
	var deps Dependents
	for _, other := range r.Names() {
		if other == name {
			continue
		}
		for _, d := range r.meta.Tools[other].Dependencies {
			if d == name {
				deps.Tools = append(deps.Tools, other)
				break
			}
		}
	}
	configs, err := ListConfigFiles(r.layout.ToolConfigDir(name))
	if err != nil {
		return deps, err
	}
	deps.Configs = configs
	runs, err := LoadRuns(r.layout)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return deps, err
	}
	for _, runName := range runs.Names() {
		if runs.Runs[runName].Tool == name {
			deps.Runs = append(deps.Runs, runName)
		}
	}
	deps.References, err = r.configsNaming(name)
	return deps, err
}

// configsNaming lists configs whose top-level tool key is name. Files that
// do not parse are skipped; validate reports them.
func (r *Registry) configsNaming(name string) ([]string, error) {
	dir := r.layout.ConfigsDir()
	files, err := ListConfigFiles(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, rel := range files {
		if path.Base(rel) == "meta.yaml" {
			continue
		}
		content, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(rel)))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", rel, err)
		}
		var head struct {
			Tool string `yaml:"tool"`
		}
		if err := yaml.Unmarshal(content, &head); err != nil {
			log.Debug().Err(err).Str("config", rel).Msg("skipping unparsable config")
			continue
		}
		if head.Tool == name {
			out = append(out, rel)
		}
	}
	return out, nil
}

// ListConfigFiles returns the slash-separated paths of every YAML file below
// dir. A missing dir yields no files.
func ListConfigFiles(dir string) ([]string, error) {
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	matches, err := doublestar.Glob(os.DirFS(dir), "**/*.{yaml,yml}")
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}
	sort.Strings(matches)
	return matches, nil
}

// entrypointCandidates is the detection order for a freshly added tool.
var entrypointCandidates = []string{
	"src/main.py",
	"main.py",
	"-m src.main",
	"-m main",
	"src/__main__.py",
	"__main__.py",
}

// DetectEntrypoint guesses the entrypoint of a tool checkout.
func DetectEntrypoint(toolDir string) (string, bool) {
	for _, ep := range entrypointCandidates {
		t := api.ToolEntry{Entrypoint: ep}
		if _, err := os.Stat(EntrypointFile(toolDir, t)); err == nil {
			return ep, true
		}
	}
	return "", false
}

// EntrypointFile is the file that must exist for the entrypoint to start.
func EntrypointFile(toolDir string, t api.ToolEntry) string {
	if t.EntrypointKind() == api.EntrypointModule {
		mod := filepath.FromSlash(dotsToSlashes(t.Module()))
		file := filepath.Join(toolDir, mod+".py")
		if _, err := os.Stat(file); err != nil {
			if pkgMain := filepath.Join(toolDir, mod, "__main__.py"); fileExists(pkgMain) {
				return pkgMain
			}
		}
		return file
	}
	return filepath.Join(toolDir, filepath.FromSlash(t.Entrypoint))
}

func dotsToSlashes(s string) string {
	b := []byte(s)
	for i := range b {
		if b[i] == '.' {
			b[i] = '/'
		}
	}
	return string(b)
}

func fileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
