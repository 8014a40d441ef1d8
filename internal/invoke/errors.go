package invoke

import "fmt"

// SpawnError means the child process could not be started, or pre-flight
// found that it would not start.
type SpawnError struct {
	Tool   string
	Target string
	Err    error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %s: %v", e.Tool, e.Target, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

func (e *SpawnError) Hint() string {
	return "check the tool's path, entrypoint and interpreter in configs/meta.yaml (stash validate)"
}

// ExitError is a child that started and exited non-zero.
type ExitError struct {
	Tool string
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s exited with code %d", e.Tool, e.Code)
}
