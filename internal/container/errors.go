package container

import (
	"errors"
	"fmt"

	cerrdefs "github.com/containerd/errdefs"
)

var (
	// ErrNotFound means the engine has no object with the given id.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists means the engine already holds a conflicting object.
	ErrAlreadyExists = errors.New("already exists")
	// ErrImageBuild means the base image could not be built.
	ErrImageBuild = errors.New("image build failed")
	// ErrRemove means a container could not be removed.
	ErrRemove = errors.New("container remove failed")
)

// BuildError carries the failing step reported by the engine's build stream.
type BuildError struct {
	Message string
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("build error: %s", e.Message)
}

// EngineError wraps any engine failure outside the known taxonomy.
type EngineError struct {
	Op  string
	Err error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("engine error: %s: %v", e.Op, e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }

// classify maps raw engine errors onto the driver's error taxonomy.
func classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case cerrdefs.IsNotFound(err):
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case cerrdefs.IsConflict(err) || cerrdefs.IsAlreadyExists(err):
		return fmt.Errorf("%s: %w", op, ErrAlreadyExists)
	default:
		return &EngineError{Op: op, Err: err}
	}
}
