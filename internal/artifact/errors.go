package artifact

import (
	"errors"
	"fmt"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"
)

var (
	// ErrInvalidArgument marks misconfiguration detected before any network access.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrNotFound is returned by a Repository that does not carry the requested object.
	ErrNotFound = errors.New("not found")
	// ErrChecksumMismatch is returned when fetched bytes do not match the descriptor.
	ErrChecksumMismatch = errors.New("checksum mismatch")
)

// ResolutionError reports that no configured repository could supply an
// artifact of the closure. Errs holds one entry per attempted repository.
type ResolutionError struct {
	// Coordinate is the coordinate the caller asked for.
	Coordinate Coordinate
	// Missing is the closure member that failed. It equals Coordinate when the
	// requested artifact itself could not be resolved.
	Missing Coordinate
	Errs    utilerrors.Aggregate
}

func (e *ResolutionError) Error() string {
	msg := fmt.Sprintf("unable to resolve %s", e.Coordinate)
	if e.Missing != (Coordinate{}) && e.Missing != e.Coordinate {
		msg += fmt.Sprintf(" (dependency %s)", e.Missing)
	}
	if e.Errs == nil {
		return msg
	}
	return msg + ": " + e.Errs.Error()
}

func (e *ResolutionError) Unwrap() []error {
	if e.Errs == nil {
		return nil
	}
	return e.Errs.Errors()
}
