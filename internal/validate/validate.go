// Package validate checks a workspace without changing it.
package validate

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/experimentstash/stash/internal/compose"
	"github.com/experimentstash/stash/internal/registry"
	"github.com/rs/zerolog/log"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed meta.schema.json
var metaSchema []byte

// Problem is one finding. Subject names the file, tool or run at fault.
type Problem struct {
	Subject string
	Message string
	Hint    string
}

func (p Problem) String() string {
	if p.Hint == "" {
		return fmt.Sprintf("%s: %s", p.Subject, p.Message)
	}
	return fmt.Sprintf("%s: %s (%s)", p.Subject, p.Message, p.Hint)
}

// Checker runs every workspace check.
type Checker struct {
	Registry *registry.Registry
	Resolver *compose.Resolver
	LookPath func(string) (string, error)
}

func NewChecker(reg *registry.Registry, resolver *compose.Resolver) *Checker {
	return &Checker{Registry: reg, Resolver: resolver, LookPath: exec.LookPath}
}

// Check returns every problem found; an empty result means the workspace
// is consistent.
func (c *Checker) Check() []Problem {
	var problems []Problem
	problems = append(problems, CheckMeta(c.Registry.Layout().MetaPath())...)
	problems = append(problems, c.checkTools()...)
	problems = append(problems, c.checkRuns()...)
	problems = append(problems, CheckYAMLFiles(c.Registry.Layout().ConfigsDir())...)
	log.Debug().Int("problems", len(problems)).Msg("workspace validated")
	return problems
}

// CheckMeta validates meta.yaml against the embedded schema.
func CheckMeta(path string) []Problem {
	subject := filepath.Base(path)
	content, err := os.ReadFile(path)
	if err != nil {
		return []Problem{{Subject: subject, Message: err.Error(), Hint: "run stash init to create the workspace"}}
	}
	doc, err := yamlToJSONValue(content)
	if err != nil {
		return []Problem{{Subject: subject, Message: "invalid YAML: " + err.Error()}}
	}
	schema, err := compileMetaSchema()
	if err != nil {
		return []Problem{{Subject: subject, Message: "schema: " + err.Error()}}
	}
	err = schema.Validate(doc)
	if err == nil {
		return nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return []Problem{{Subject: subject, Message: err.Error()}}
	}
	var out []Problem
	for _, leaf := range leaves(ve) {
		loc := strings.ReplaceAll(strings.TrimPrefix(leaf.InstanceLocation, "/"), "/", ".")
		s := subject
		if loc != "" {
			s += ":" + loc
		}
		out = append(out, Problem{Subject: s, Message: leaf.Message})
	}
	return out
}

func compileMetaSchema() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("meta.schema.json", bytes.NewReader(metaSchema)); err != nil {
		return nil, err
	}
	return c.Compile("meta.schema.json")
}

func leaves(ve *jsonschema.ValidationError) []*jsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*jsonschema.ValidationError{ve}
	}
	var out []*jsonschema.ValidationError
	for _, c := range ve.Causes {
		out = append(out, leaves(c)...)
	}
	return out
}

// yamlToJSONValue decodes YAML into the plain JSON value model the
// validator expects.
func yamlToJSONValue(content []byte) (any, error) {
	var v any
	if err := yaml.Unmarshal(content, &v); err != nil {
		return nil, err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Checker) checkTools() []Problem {
	var out []Problem
	policy := c.Registry.Meta().Validation
	settings := c.Registry.Settings()
	known := map[string]bool{}
	for _, name := range c.Registry.Names() {
		known[name] = true
	}
	for _, tool := range c.Registry.Tools() {
		subject := "tool " + tool.Name
		info, err := os.Stat(tool.Path)
		switch {
		case err != nil:
			out = append(out, Problem{Subject: subject, Message: "path does not exist: " + tool.Path,
				Hint: "git submodule update --init " + c.Registry.Layout().Rel(tool.Path)})
			continue
		case !info.IsDir():
			out = append(out, Problem{Subject: subject, Message: "path is not a directory: " + tool.Path})
			continue
		}
		if _, err := os.Stat(registry.EntrypointFile(tool.Path, tool)); err != nil {
			out = append(out, Problem{Subject: subject, Message: "entrypoint not found: " + tool.Entrypoint,
				Hint: "fix entrypoint in configs/meta.yaml"})
		}
		interp := tool.Interpreter
		if interp == "" {
			interp = settings.Interpreter
		}
		if fields := strings.Fields(interp); len(fields) > 0 {
			if _, err := c.LookPath(fields[0]); err != nil {
				out = append(out, Problem{Subject: subject, Message: "interpreter not found on PATH: " + fields[0]})
			}
		}
		if policy.RequireCommitPins && (tool.Commit == "" || tool.Commit == "HEAD") {
			out = append(out, Problem{Subject: subject, Message: "commit is not pinned",
				Hint: "set tools." + tool.Name + ".commit to a commit hash"})
		}
		if policy.CheckDependencies {
			for _, dep := range tool.Dependencies {
				if !known[dep] {
					out = append(out, Problem{Subject: subject, Message: "depends on unregistered tool " + dep})
				}
			}
		}
	}
	return out
}

func (c *Checker) checkRuns() []Problem {
	runs, err := registry.LoadRuns(c.Registry.Layout())
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return []Problem{{Subject: "runs.yaml", Message: err.Error()}}
	}
	validateConfigs := c.Registry.Meta().Validation.ValidateConfigs
	var out []Problem
	for _, name := range runs.Names() {
		run := runs.Runs[name]
		subject := "run " + name
		tool, err := c.Registry.Lookup(run.Tool)
		if err != nil {
			out = append(out, Problem{Subject: subject, Message: err.Error()})
			continue
		}
		src, err := c.Resolver.SourceFor(tool.Name, run.Config)
		if err != nil {
			out = append(out, Problem{Subject: subject, Message: err.Error()})
			continue
		}
		if _, err := os.Stat(src); err != nil {
			out = append(out, Problem{Subject: subject, Message: "config not found: " + c.Registry.Layout().Rel(src)})
			continue
		}
		if validateConfigs {
			if _, err := c.Resolver.Resolve(tool, run.Config, run.Overrides); err != nil {
				out = append(out, Problem{Subject: subject, Message: err.Error()})
			}
		}
	}
	return out
}

// CheckYAMLFiles reports every YAML file under dir that does not parse.
func CheckYAMLFiles(dir string) []Problem {
	files, err := registry.ListConfigFiles(dir)
	if err != nil {
		return []Problem{{Subject: filepath.Base(dir), Message: err.Error()}}
	}
	var out []Problem
	for _, rel := range files {
		p := filepath.Join(dir, filepath.FromSlash(rel))
		content, err := os.ReadFile(p)
		if err != nil {
			out = append(out, Problem{Subject: rel, Message: err.Error()})
			continue
		}
		var node yaml.Node
		if err := yaml.Unmarshal(content, &node); err != nil {
			out = append(out, Problem{Subject: rel, Message: "invalid YAML: " + err.Error()})
		}
	}
	return out
}
