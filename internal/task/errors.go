package task

import (
	"errors"
	"fmt"

	"github.com/vietddude/promptloop/internal/core/domain"
	"github.com/vietddude/promptloop/internal/infra/storage"
)

var (
	// ErrNotFound is returned for an unknown task id, including ids removed by retention.
	ErrNotFound = fmt.Errorf("task: %w", storage.ErrNotFound)

	// ErrWaitTimeout means the caller stopped waiting. The task itself is unaffected.
	ErrWaitTimeout = errors.New("task: wait timed out")

	// ErrInvalidPolicy is returned by Submit for a policy that fails validation.
	ErrInvalidPolicy = domain.ErrInvalidPolicy
)

func notFound(id string, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return err
}
