package compose

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/experimentstash/stash/pkg/api"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

const (
	defaultsKey   = "defaults"
	selfEntry     = "_self_"
	globalPackage = "_global_"
	groupPackage  = "_group_"
	nullOption    = "null"
)

// Resolver composes experiment configs for registered tools.
type Resolver struct {
	// ConfigsDir holds one config namespace per tool (configs/<tool>).
	ConfigsDir string
	ListMode   ListMode
	Env        EnvLookup
}

func NewResolver(configsDir string, mode ListMode) *Resolver {
	return &Resolver{ConfigsDir: configsDir, ListMode: mode, Env: os.LookupEnv}
}

// Resolved is a fully composed and interpolated experiment config.
type Resolved struct {
	Tool         string
	ExperimentID string
	// SourceFile is the experiment file itself.
	SourceFile string
	// Sources lists every file merged, in load order.
	Sources []string
	// Choices maps each composition group to the option that was used.
	Choices     map[string]string
	Overrides   []string
	SearchRoots []string
	Config      *Map
}

// ToolConfigDir is the local namespace of a tool.
func (r *Resolver) ToolConfigDir(tool string) string {
	return filepath.Join(r.ConfigsDir, tool)
}

// SourceFor maps an identifier to its file without reading anything.
func (r *Resolver) SourceFor(tool, experimentID string) (string, error) {
	id, err := NormalizeID(experimentID)
	if err != nil {
		return "", err
	}
	return PathFor(r.ToolConfigDir(tool), id), nil
}

// SearchRoots returns the directories fragments are looked up in: the local
// namespace first, then the tool's package locators in declaration order.
func (r *Resolver) SearchRoots(tool api.ToolEntry) []string {
	return append([]string{r.ToolConfigDir(tool.Name)}, PackageRoots(tool)...)
}

// PackageRoots maps the tool's search_paths locators to directories.
func PackageRoots(tool api.ToolEntry) []string {
	var out []string
	for _, loc := range tool.SearchPaths {
		out = append(out, LocatorDir(tool.Path, loc))
	}
	return out
}

// LocatorDir turns pkg://a.b, file://dir or a bare dir into a directory.
func LocatorDir(toolPath, loc string) string {
	switch {
	case strings.HasPrefix(loc, "pkg://"):
		mod := strings.TrimPrefix(loc, "pkg://")
		return filepath.Join(toolPath, filepath.FromSlash(strings.ReplaceAll(mod, ".", "/")))
	case strings.HasPrefix(loc, "file://"):
		loc = strings.TrimPrefix(loc, "file://")
	}
	if filepath.IsAbs(loc) {
		return filepath.Clean(loc)
	}
	return filepath.Join(toolPath, filepath.FromSlash(loc))
}

// Resolve composes the experiment file for tool, applies overrides and
// resolves interpolations. It only reads from disk.
func (r *Resolver) Resolve(tool api.ToolEntry, experimentID string, overrides []string) (*Resolved, error) {
	id, err := NormalizeID(experimentID)
	if err != nil {
		return nil, &ConfigNotFoundError{Tool: tool.Name, ExperimentID: experimentID, Path: err.Error()}
	}
	primary := PathFor(r.ToolConfigDir(tool.Name), id)
	if info, err := os.Stat(primary); err != nil || info.IsDir() {
		return nil, &ConfigNotFoundError{Tool: tool.Name, ExperimentID: id, Path: primary}
	}
	parsed, err := ParseOverrides(overrides)
	if err != nil {
		return nil, &CompositionError{File: "<overrides>", Reference: strings.Join(overrides, " "), Reason: err.Error()}
	}

	c := &composer{
		mode:    r.ListMode,
		roots:   r.SearchRoots(tool),
		forced:  map[string]string{},
		origin:  map[string]string{},
		used:    map[string]bool{},
		choices: map[string]string{},
	}
	var values []Override
	var appended []Override
	for _, o := range parsed {
		if c.isGroupOverride(o) {
			if o.Op == OpAdd {
				appended = append(appended, o)
				continue
			}
			c.forced[o.Key] = o.Text
			c.origin[o.Key] = o.Raw
			continue
		}
		values = append(values, o)
	}

	cfg, err := c.load(primary, "", "")
	if err != nil {
		return nil, err
	}
	for _, o := range appended {
		layer, err := c.group("<overrides>", o.Key, o.Text, "", false)
		if err != nil {
			return nil, err
		}
		if layer != nil {
			Merge(cfg, layer, c.mode)
		}
	}
	if tool.BaseConfig != "" {
		base, err := c.base(tool)
		if err != nil {
			return nil, err
		}
		cfg = MergeLayers(c.mode, base, cfg)
	}
	for _, g := range sortedKeys(c.forced) {
		if !c.used[g] {
			return nil, &CompositionError{File: primary, Reference: c.origin[g],
				Reason: "group " + g + " is not in the defaults list (use +" + g + "=<option> to append it)"}
		}
	}

	for _, o := range values {
		if err := o.Apply(cfg); err != nil {
			return nil, err
		}
	}
	env := r.Env
	if env == nil {
		env = os.LookupEnv
	}
	if err := Interpolate(cfg, env); err != nil {
		return nil, err
	}
	log.Debug().Str("tool", tool.Name).Str("experiment", id).Int("sources", len(c.sources)).Msg("config resolved")
	return &Resolved{
		Tool:         tool.Name,
		ExperimentID: id,
		SourceFile:   primary,
		Sources:      c.sources,
		Choices:      c.choices,
		Overrides:    append([]string(nil), overrides...),
		SearchRoots:  c.roots,
		Config:       cfg,
	}, nil
}

// composer carries the state of one Resolve call.
type composer struct {
	mode  ListMode
	roots []string
	// forced holds group selections from overrides, highest source first.
	forced map[string]string
	origin map[string]string
	used   map[string]bool
	// inherited pins group selections made by the experiment while the
	// base config is composed.
	inherited map[string]string
	choices   map[string]string
	stack     []string
	sources   []string
}

type entry struct {
	self     bool
	group    string
	option   string
	pkg      string
	optional bool
	override bool
	raw      string
}

// load reads one file, composes its defaults list and returns the result
// placed at the global root. dir is the file's group directory and pkg its
// default package.
func (c *composer) load(file, dir, pkg string) (*Map, error) {
	for _, f := range c.stack {
		if f == file {
			return nil, &CompositionError{File: file, Reference: file, Reason: "composition cycle: " + strings.Join(append(c.stack, file), " -> ")}
		}
	}
	c.stack = append(c.stack, file)
	defer func() { c.stack = c.stack[:len(c.stack)-1] }()

	content, err := os.ReadFile(file)
	if err != nil {
		return nil, &CompositionError{File: file, Reference: file, Reason: err.Error()}
	}
	if header, ok := packageHeader(content); ok {
		switch header {
		case globalPackage:
			pkg = ""
		case groupPackage:
			pkg = strings.ReplaceAll(dir, "/", ".")
		default:
			pkg = header
		}
	}
	body := NewMap()
	if err := yaml.Unmarshal(content, body); err != nil {
		return nil, &CompositionError{File: file, Reference: file, Reason: "parse: " + err.Error()}
	}
	c.sources = append(c.sources, file)

	entries, err := c.defaults(file, dir, body)
	if err != nil {
		return nil, err
	}
	// Overrides declared here win over anything deeper in the chain.
	for _, e := range entries {
		if e.override {
			if _, ok := c.forced[e.group]; !ok {
				c.forced[e.group] = e.option
				c.origin[e.group] = file + ": " + e.raw
			}
		}
	}

	hasSelf := false
	for _, e := range entries {
		hasSelf = hasSelf || e.self
	}
	if !hasSelf {
		entries = append(entries, entry{self: true})
	}

	out := NewMap()
	for _, e := range entries {
		switch {
		case e.self:
			Merge(out, wrap(pkg, body), c.mode)
		case e.override:
			// Applied where the group itself is declared.
		case e.group != "":
			layer, err := c.group(file, e.group, e.option, e.pkg, e.optional)
			if err != nil {
				return nil, err
			}
			if layer != nil {
				Merge(out, layer, c.mode)
			}
		default:
			layer, err := c.fragment(file, dir, e.option, pkg)
			if err != nil {
				return nil, err
			}
			Merge(out, layer, c.mode)
		}
	}
	return out, nil
}

// defaults pops and parses the defaults list of a file body.
func (c *composer) defaults(file, dir string, body *Map) ([]entry, error) {
	raw, ok := body.Get(defaultsKey)
	if !ok {
		return nil, nil
	}
	body.Delete(defaultsKey)
	list, ok := raw.([]any)
	if !ok {
		return nil, &CompositionError{File: file, Reference: defaultsKey, Reason: "defaults must be a list"}
	}
	var out []entry
	for _, item := range list {
		switch x := item.(type) {
		case string:
			if x == selfEntry {
				out = append(out, entry{self: true, raw: x})
				continue
			}
			out = append(out, entry{option: x, raw: x})
		case *Map:
			if x.Len() != 1 {
				return nil, &CompositionError{File: file, Reference: FormatScalar(x), Reason: "a defaults entry maps exactly one group"}
			}
			key := x.Keys()[0]
			v, _ := x.Get(key)
			e := entry{raw: key + ": " + FormatScalar(v)}
			words := strings.Fields(key)
			for len(words) > 1 {
				switch words[0] {
				case "override":
					e.override = true
				case "optional":
					e.optional = true
				default:
					return nil, &CompositionError{File: file, Reference: e.raw, Reason: "unknown keyword " + words[0]}
				}
				words = words[1:]
			}
			if len(words) != 1 {
				return nil, &CompositionError{File: file, Reference: e.raw, Reason: "missing group name"}
			}
			group, pkg, _ := strings.Cut(words[0], "@")
			e.group = c.groupPath(dir, group)
			e.pkg = pkg
			switch opt := v.(type) {
			case nil:
				e.option = nullOption
			case string:
				e.option = opt
			default:
				return nil, &CompositionError{File: file, Reference: e.raw, Reason: "option must be a name or null"}
			}
			out = append(out, e)
		default:
			return nil, &CompositionError{File: file, Reference: FormatScalar(item), Reason: "unsupported defaults entry"}
		}
	}
	return out, nil
}

// group loads <group>/<option> unless an override or a pin re-selects it.
func (c *composer) group(from, group, option, pkgOverride string, optional bool) (*Map, error) {
	if forced, ok := c.forced[group]; ok {
		c.used[group] = true
		option = forced
	} else if pinned, ok := c.inherited[group]; ok {
		option = pinned
	}
	if option == nullOption || option == "" {
		return nil, nil
	}
	rel := group + "/" + option
	file, searched := c.find(rel)
	if file == "" {
		if optional {
			return nil, nil
		}
		return nil, &CompositionError{File: from, Reference: group + ": " + option, Searched: searched, Reason: "option not found"}
	}
	if _, ok := c.choices[group]; !ok {
		c.choices[group] = option
	}
	pkg := strings.ReplaceAll(group, "/", ".")
	if pkgOverride != "" {
		pkg = pkgOverride
		if pkg == globalPackage {
			pkg = ""
		}
	}
	return c.load(file, group, pkg)
}

// fragment loads a plain defaults entry, relative to dir first.
func (c *composer) fragment(from, dir, name, pkg string) (*Map, error) {
	var candidates []string
	if strings.HasPrefix(name, "/") {
		candidates = []string{strings.TrimPrefix(name, "/")}
	} else {
		if dir != "" {
			candidates = append(candidates, dir+"/"+name)
		}
		candidates = append(candidates, name)
	}
	var searched []string
	for _, rel := range candidates {
		file, s := c.find(strings.TrimSuffix(rel, ConfigExt))
		searched = append(searched, s...)
		if file != "" {
			d := path.Dir(rel)
			if d == "." {
				d = ""
			}
			return c.load(file, d, pkg)
		}
	}
	return nil, &CompositionError{File: from, Reference: name, Searched: searched, Reason: "fragment not found"}
}

// base composes the tool's own defaults file from its package roots as the
// lowest-priority layer.
func (c *composer) base(tool api.ToolEntry) (*Map, error) {
	name := strings.TrimSuffix(strings.TrimSuffix(tool.BaseConfig, ConfigExt), ".yml")
	roots := PackageRoots(tool)
	if len(roots) == 0 {
		roots = []string{tool.Path}
	}
	var searched []string
	for _, root := range roots {
		for _, ext := range []string{ConfigExt, ".yml"} {
			file := filepath.Join(root, filepath.FromSlash(name)+ext)
			searched = append(searched, file)
			if fileExists(file) {
				c.inherited = c.choices
				c.choices = copyChoices(c.choices)
				defer func() { c.inherited = nil }()
				return c.load(file, "", "")
			}
		}
	}
	return nil, &CompositionError{File: tool.Name, Reference: "base_config: " + tool.BaseConfig, Searched: searched, Reason: "base config not found"}
}

// find returns the first <root>/<rel>.yaml that exists.
func (c *composer) find(rel string) (string, []string) {
	var searched []string
	for _, root := range c.roots {
		for _, ext := range []string{ConfigExt, ".yml"} {
			file := filepath.Join(root, filepath.FromSlash(rel)+ext)
			searched = append(searched, file)
			if fileExists(file) {
				return file, searched
			}
		}
	}
	return "", searched
}

// groupPath resolves a group name relative to the including file's group
// directory, falling back to the root. A leading "/" forces the root.
func (c *composer) groupPath(dir, group string) string {
	if strings.HasPrefix(group, "/") {
		return strings.TrimPrefix(group, "/")
	}
	if dir != "" && c.groupExists(dir+"/"+group) {
		return dir + "/" + group
	}
	return group
}

func (c *composer) groupExists(group string) bool {
	for _, root := range c.roots {
		info, err := os.Stat(filepath.Join(root, filepath.FromSlash(group)))
		if err == nil && info.IsDir() {
			return true
		}
	}
	return false
}

// isGroupOverride reports whether a key=value override selects a group
// option instead of setting a value.
func (c *composer) isGroupOverride(o Override) bool {
	if o.Op == OpDelete || !o.HasValue || strings.Contains(o.Key, ".") {
		return false
	}
	if _, isStr := o.Value.(string); !isStr && o.Value != nil {
		return false
	}
	return c.groupExists(o.Key)
}

// packageHeader finds a "# @package" line in the leading comment block.
func packageHeader(content []byte) (string, bool) {
	sc := bufio.NewScanner(bytes.NewReader(content))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "#") {
			return "", false
		}
		fields := strings.Fields(strings.TrimSpace(strings.TrimPrefix(line, "#")))
		if len(fields) == 2 && fields[0] == "@package" {
			return fields[1], true
		}
	}
	return "", false
}

func fileExists(p string) bool {
	info, err := os.Stat(p)
	return err == nil && !info.IsDir()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func copyChoices(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Describe renders the composition trace for `stash show --sources`.
func (r *Resolved) Describe() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s/%s\n", r.Tool, r.ExperimentID)
	for _, s := range r.Sources {
		fmt.Fprintf(&b, "#   source: %s\n", s)
	}
	for _, g := range sortedKeys(r.Choices) {
		fmt.Fprintf(&b, "#   %s: %s\n", g, r.Choices[g])
	}
	for _, o := range r.Overrides {
		fmt.Fprintf(&b, "#   override: %s\n", o)
	}
	return b.String()
}
