package container

import "errors"

// Sentinel errors for container operations.
var (
	// ErrNotFound indicates the container does not exist.
	ErrNotFound = errors.New("container not found")

	// ErrAlreadyExists indicates a container already exists under this name.
	ErrAlreadyExists = errors.New("container already exists")

	// ErrStartFailed indicates the container failed to start.
	ErrStartFailed = errors.New("container failed to start")

	// ErrTimeout indicates the operation timed out.
	ErrTimeout = errors.New("operation timed out")

	// ErrInvalidImage indicates the container image is invalid or not found.
	ErrInvalidImage = errors.New("invalid container image")

	// ErrUnhealthy indicates the container never reported healthy before
	// the wait deadline elapsed.
	ErrUnhealthy = errors.New("container did not become healthy in time")
)
