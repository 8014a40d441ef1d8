package compose

import (
	"fmt"
	"strings"
)

// ConfigNotFoundError means the experiment identifier maps to no file.
type ConfigNotFoundError struct {
	Tool         string
	ExperimentID string
	Path         string
}

func (e *ConfigNotFoundError) Error() string {
	return fmt.Sprintf("config not found for %s/%s: %s", e.Tool, e.ExperimentID, e.Path)
}

func (e *ConfigNotFoundError) Hint() string {
	return fmt.Sprintf("create the file or list available experiments with: stash list %s", e.Tool)
}

// CompositionError means a composition chain entry or override could not be
// applied.
type CompositionError struct {
	File      string
	Reference string
	Searched  []string
	Reason    string
}

func (e *CompositionError) Error() string {
	msg := fmt.Sprintf("compose %s: %s", e.File, e.Reference)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if len(e.Searched) > 0 {
		msg += " (searched: " + strings.Join(e.Searched, ", ") + ")"
	}
	return msg
}

func (e *CompositionError) Hint() string {
	return "check the defaults list and the tool's search_paths in configs/meta.yaml"
}

// UnresolvedReferenceError means an interpolation or mandatory value was
// left without a value after resolution.
type UnresolvedReferenceError struct {
	Key       string
	Reference string
	Reason    string
}

func (e *UnresolvedReferenceError) Error() string {
	msg := fmt.Sprintf("unresolved reference %s at %s", e.Reference, e.Key)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *UnresolvedReferenceError) Hint() string {
	return "define the referenced key or pass it as an override (key=value)"
}
