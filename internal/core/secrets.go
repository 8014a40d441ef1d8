package core

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

// DefaultSecretsPath is $XDG_CONFIG_HOME/stash/secrets.env, falling back to
// ~/.config/stash/secrets.env.
func DefaultSecretsPath() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "stash", "secrets.env")
}

// LoadSecretsEnv parses a KEY=VALUE file. Blank lines and # comments are
// skipped, a leading "export " is accepted and matching quotes around a
// value are removed. A missing file yields an empty map.
func LoadSecretsEnv(path string) (map[string]string, error) {
	if path == "" {
		path = DefaultSecretsPath()
	}
	out := map[string]string{}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return out, nil
	}
	if err != nil {
		return out, fmt.Errorf("open secrets %s: %w", path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(strings.TrimPrefix(line, "export "), "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			log.Warn().Str("file", path).Int("line", n).Msg("skipping malformed secrets line")
			continue
		}
		out[key] = unquote(strings.TrimSpace(value))
	}
	if err := sc.Err(); err != nil {
		return out, fmt.Errorf("read secrets %s: %w", path, err)
	}
	return out, nil
}

func unquote(v string) string {
	if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
		return v[1 : len(v)-1]
	}
	return v
}
