package snapshot

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/experimentstash/stash/internal/compose"
	"github.com/experimentstash/stash/pkg/api"
	"gopkg.in/yaml.v3"
)

// Frozen is a snapshot read back from disk.
type Frozen struct {
	api.Snapshot
	Regenerate string
	Config     *compose.Map
	Body       []byte
}

// ParseHeader reads the provenance block at the top of a snapshot file. It
// returns the header and the offset where the body starts.
func ParseHeader(content []byte) (api.Snapshot, string, int, error) {
	var s api.Snapshot
	var regen string
	offset := 0
	sc := bufio.NewScanner(bytes.NewReader(content))
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "#") {
			break
		}
		offset += len(line) + 1
		key, value, ok := strings.Cut(strings.TrimSpace(strings.TrimPrefix(line, "#")), ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch key {
		case "SNAPSHOT":
			tool, id, ok := strings.Cut(value, "/")
			if !ok {
				return s, "", 0, fmt.Errorf("malformed SNAPSHOT line %q", line)
			}
			s.Tool, s.ExperimentID = tool, id
		case "TAG":
			s.Tag = value
		case "TOOL_COMMIT":
			s.ToolCommit = value
		case "TIMESTAMP":
			ts, err := time.Parse(time.RFC3339, value)
			if err != nil {
				return s, "", 0, fmt.Errorf("malformed TIMESTAMP: %w", err)
			}
			s.Timestamp = ts
		case "DO NOT EDIT - regenerate with":
			regen = value
		}
	}
	if err := sc.Err(); err != nil {
		return s, "", 0, err
	}
	if s.Tool == "" || s.Tag == "" {
		return s, "", 0, fmt.Errorf("missing snapshot header")
	}
	if offset > len(content) {
		offset = len(content)
	}
	return s, regen, offset, nil
}

// Load reads and parses a snapshot file.
func Load(path string) (*Frozen, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	s, regen, offset, err := ParseHeader(content)
	if err != nil {
		return nil, fmt.Errorf("parse snapshot %s: %w", path, err)
	}
	body := bytes.TrimLeft(content[offset:], "\n")
	cfg := compose.NewMap()
	if err := yaml.Unmarshal(body, cfg); err != nil {
		return nil, fmt.Errorf("parse snapshot %s: %w", path, err)
	}
	s.Path = path
	s.Digest = Digest(body)
	return &Frozen{Snapshot: s, Regenerate: regen, Config: cfg, Body: body}, nil
}

// List returns the snapshots under dir for tool, or for every tool when
// tool is empty, ordered by tool then tag.
func List(dir, tool string) ([]api.Snapshot, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil, nil
	}
	pattern := "*/*" + compose.ConfigExt
	if tool != "" {
		pattern = tool + "/*" + compose.ConfigExt
	}
	matches, err := doublestar.Glob(os.DirFS(dir), pattern)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	sort.Strings(matches)
	out := make([]api.Snapshot, 0, len(matches))
	for _, m := range matches {
		f, err := Load(filepath.Join(dir, filepath.FromSlash(m)))
		if err != nil {
			return nil, err
		}
		out = append(out, f.Snapshot)
	}
	return out, nil
}
