package registry

import (
	"fmt"
	"strings"
)

// UnknownToolError is returned by Lookup for a name that is not registered.
type UnknownToolError struct {
	Name  string
	Known []string
}

func (e *UnknownToolError) Error() string {
	if len(e.Known) == 0 {
		return fmt.Sprintf("unknown tool: %s (no tools registered)", e.Name)
	}
	return fmt.Sprintf("unknown tool: %s (registered: %s)", e.Name, strings.Join(e.Known, ", "))
}

func (e *UnknownToolError) Hint() string {
	return fmt.Sprintf("register it with: stash register-tool %s <source>", e.Name)
}

// DuplicateNameError is returned when registering a name that already exists.
type DuplicateNameError struct {
	Name string
	Path string
}

func (e *DuplicateNameError) Error() string {
	return fmt.Sprintf("tool already registered: %s (path %s)", e.Name, e.Path)
}

func (e *DuplicateNameError) Hint() string {
	return fmt.Sprintf("remove it first with: stash remove-tool %s", e.Name)
}

// InvalidPathError is returned when a tool path is missing or not a directory.
type InvalidPathError struct {
	Name string
	Path string
	Err  error
}

func (e *InvalidPathError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid path for tool %s: %s: %v", e.Name, e.Path, e.Err)
	}
	return fmt.Sprintf("invalid path for tool %s: %s", e.Name, e.Path)
}

func (e *InvalidPathError) Unwrap() error { return e.Err }

func (e *InvalidPathError) Hint() string {
	return "check that the submodule was added and checked out (git submodule update --init)"
}

// ValidationError represents a malformed registry field.
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s=%s: %s", e.Field, e.Value, e.Message)
}
