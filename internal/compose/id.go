package compose

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// ConfigExt is the only extension an experiment file may have.
const ConfigExt = ".yaml"

// NormalizeID canonicalizes an experiment identifier. It is the single
// function that maps user input to identity; no display name takes part.
func NormalizeID(id string) (string, error) {
	raw := id
	id = strings.TrimSpace(filepath.ToSlash(id))
	if id == "" {
		return "", fmt.Errorf("experiment id is empty")
	}
	if path.IsAbs(id) || filepath.IsAbs(raw) {
		return "", fmt.Errorf("experiment id %q must be relative", raw)
	}
	clean := path.Clean(id)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("experiment id %q escapes the config namespace", raw)
	}
	if ext := path.Ext(clean); ext == ".yaml" || ext == ".yml" {
		return "", fmt.Errorf("experiment id %q must not carry an extension", raw)
	}
	return clean, nil
}

// PathFor is the file an identifier names inside a tool's config namespace.
func PathFor(toolConfigDir, id string) string {
	return filepath.Join(toolConfigDir, filepath.FromSlash(id)+ConfigExt)
}

// IDFor is the inverse of PathFor.
func IDFor(toolConfigDir, file string) (string, error) {
	rel, err := filepath.Rel(toolConfigDir, file)
	if err != nil {
		return "", err
	}
	rel = filepath.ToSlash(rel)
	if !strings.HasSuffix(rel, ConfigExt) {
		return "", fmt.Errorf("%s is not a %s file", file, ConfigExt)
	}
	return NormalizeID(strings.TrimSuffix(rel, ConfigExt))
}
