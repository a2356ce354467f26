package discovery

import "fmt"

// Error reports why a pipeline could not be analyzed. It is always fatal to
// the run that triggered discovery.
type Error struct {
	// Where locates the offending element, e.g. `route "ingest" step[2]`.
	Where string
	Err   error
}

func (e *Error) Error() string {
	if e.Where == "" {
		return fmt.Sprintf("discovery: %v", e.Err)
	}
	return fmt.Sprintf("discovery: %s: %v", e.Where, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
