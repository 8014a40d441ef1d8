package registry

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	DefaultInterpreter    = "python3"
	DefaultSearchPathEnv  = "STASH_SEARCH_PATHS"
	DefaultConfigDirFlag  = "--config-path"
	DefaultConfigNameFlag = "--config-name"
	DefaultArchiveKey     = ".stash/archive_ed25519"
	DefaultKnownHosts     = ".stash/known_hosts"

	ListMergeReplace = "replace"
	ListMergeAppend  = "append"
)

// Meta models configs/meta.yaml.
type Meta struct {
	Experiment ExperimentInfo     `yaml:"experiment"`
	Validation ValidationPolicy   `yaml:"validation"`
	Settings   Settings           `yaml:"settings"`
	Tools      map[string]toolDoc `yaml:"tools"`
	Extra      map[string]any     `yaml:",inline"`
}

type ExperimentInfo struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Authors     []string `yaml:"authors"`
}

type ValidationPolicy struct {
	RequireCommitPins bool `yaml:"require_commit_pins"`
	ValidateConfigs   bool `yaml:"validate_configs"`
	CheckDependencies bool `yaml:"check_dependencies"`
}

// Settings are workspace-wide knobs for resolution and invocation.
type Settings struct {
	Interpreter    string          `yaml:"interpreter,omitempty"`
	ListMerge      string          `yaml:"list_merge,omitempty"`
	SearchPathEnv  string          `yaml:"search_path_env,omitempty"`
	ConfigDirFlag  string          `yaml:"config_dir_flag,omitempty"`
	ConfigNameFlag string          `yaml:"config_name_flag,omitempty"`
	Archive        ArchiveSettings `yaml:"archive,omitempty"`
}

// ArchiveSettings point at the remote host that receives frozen snapshots.
type ArchiveSettings struct {
	Host       string `yaml:"host,omitempty"`
	Port       int    `yaml:"port,omitempty"`
	User       string `yaml:"user,omitempty"`
	KeyPath    string `yaml:"key_path,omitempty"`
	KnownHosts string `yaml:"known_hosts,omitempty"`
	RemoteDir  string `yaml:"remote_dir,omitempty"`
}

// toolDoc is the on-disk shape of one tool entry.
type toolDoc struct {
	Path         string         `yaml:"path"`
	Entrypoint   string         `yaml:"entrypoint"`
	Commit       string         `yaml:"commit,omitempty"`
	SearchPaths  SearchPaths    `yaml:"search_paths,omitempty"`
	Interpreter  string         `yaml:"interpreter,omitempty"`
	Dependencies []string       `yaml:"dependencies,omitempty"`
	Description  string         `yaml:"description,omitempty"`
	BaseConfig   string         `yaml:"base_config,omitempty"`
	Extra        map[string]any `yaml:",inline"`
}

// withDefaults fills unset settings.
func (s Settings) withDefaults() Settings {
	if s.Interpreter == "" {
		s.Interpreter = DefaultInterpreter
	}
	if s.ListMerge == "" {
		s.ListMerge = ListMergeReplace
	}
	if s.SearchPathEnv == "" {
		s.SearchPathEnv = DefaultSearchPathEnv
	}
	if s.ConfigDirFlag == "" {
		s.ConfigDirFlag = DefaultConfigDirFlag
	}
	if s.ConfigNameFlag == "" {
		s.ConfigNameFlag = DefaultConfigNameFlag
	}
	if s.Archive.Port == 0 {
		s.Archive.Port = 22
	}
	if s.Archive.KeyPath == "" {
		s.Archive.KeyPath = DefaultArchiveKey
	}
	if s.Archive.KnownHosts == "" {
		s.Archive.KnownHosts = DefaultKnownHosts
	}
	return s
}

func (s Settings) validate() error {
	switch s.ListMerge {
	case "", ListMergeReplace, ListMergeAppend:
	default:
		return ValidationError{Field: "settings.list_merge", Value: s.ListMerge, Message: "must be replace or append"}
	}
	return nil
}

// SearchPaths is an ordered list of package locators. On disk it is a
// colon-separated string; a YAML list is accepted too.
type SearchPaths []string

func (sp *SearchPaths) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*sp = SplitSearchPaths(node.Value)
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := node.Decode(&list); err != nil {
			return err
		}
		*sp = list
		return nil
	default:
		return fmt.Errorf("search_paths: expected string or list at line %d", node.Line)
	}
}

func (sp SearchPaths) MarshalYAML() (interface{}, error) {
	return JoinSearchPaths(sp), nil
}

// SplitSearchPaths splits a colon-separated locator list, keeping scheme
// separators such as "pkg://" intact.
func SplitSearchPaths(s string) []string {
	var out []string
	parts := strings.Split(s, ":")
	for i := 0; i < len(parts); i++ {
		p := parts[i]
		if isScheme(p) && i+1 < len(parts) && strings.HasPrefix(parts[i+1], "//") {
			p = p + ":" + parts[i+1]
			i++
		}
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// JoinSearchPaths is the inverse of SplitSearchPaths.
func JoinSearchPaths(paths []string) string {
	return strings.Join(paths, ":")
}

func isScheme(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z') {
			return false
		}
	}
	return true
}

const defaultMetaYAML = `# stash workspace registry
experiment:
  name: %s
  description: ""
  authors: []

validation:
  require_commit_pins: false
  validate_configs: true
  check_dependencies: true

settings:
  interpreter: python3
  list_merge: replace
  search_path_env: STASH_SEARCH_PATHS

tools: {}
`

// DefaultMetaYAML renders the meta.yaml written by `stash init`.
func DefaultMetaYAML(name string) string {
	return fmt.Sprintf(defaultMetaYAML, name)
}
