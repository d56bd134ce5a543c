package docker

import (
	"errors"
	"strings"

	"github.com/docker/docker/errdefs"
)

// ErrNotFound indicates the requested daemon resource was not found.
var ErrNotFound = errors.New("docker: resource not found")

// ErrConflict indicates the daemon rejected the operation because the
// resource is in use or the name is taken.
var ErrConflict = errors.New("docker: conflict")

// ErrNotRunning indicates the container is already in the desired stopped
// state.
var ErrNotRunning = errors.New("docker: container not running")

// mapError normalizes daemon errors onto the package sentinels while keeping
// the original message.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errdefs.IsNotFound(err):
		return errors.Join(ErrNotFound, err)
	case errdefs.IsConflict(err):
		return errors.Join(ErrConflict, err)
	case strings.Contains(err.Error(), "is not running"),
		strings.Contains(err.Error(), "is already stopped"):
		return errors.Join(ErrNotRunning, err)
	}
	return err
}
