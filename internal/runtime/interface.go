// Package runtime runs images and host commands for the scanning workers.
package runtime

import (
	"context"
	"fmt"
)

// ImageRuntime pulls, inspects, runs and removes container images.
type ImageRuntime interface {
	// Pull fetches the image into local storage.
	Pull(ctx context.Context, image string) error

	// Run executes a shell command in a throwaway container of image and
	// returns its standard output. A non-zero exit status is an error.
	Run(ctx context.Context, image, command string) (string, error)

	// ImageID returns the content identifier of a local image.
	ImageID(ctx context.Context, image string) (string, error)

	// Remove deletes the local copy of the image.
	Remove(ctx context.Context, image string) error
}

// Result is the outcome of a host command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// CommandRunner executes host commands.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
}

// ExitError reports a command that ran but exited non-zero.
type ExitError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("%s exited with code %d: %s", e.Command, e.ExitCode, e.Stderr)
	}
	return fmt.Sprintf("%s exited with code %d", e.Command, e.ExitCode)
}
