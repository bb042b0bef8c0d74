package ingest

import (
	"errors"
	"fmt"

	"github.com/AIAleph/token_holders/internal/ledger"
)

// ErrConfig marks a run that cannot start: bad contract descriptor, unknown
// token kind or an unusable block range. Nothing is fetched.
var ErrConfig = errors.New("ingest config")

// FatalError ends a run in StateFailed. Err is the last error seen.
type FatalError struct {
	Op       string
	Range    ledger.BlockRange
	Attempts int
	Err      error
}

func (e *FatalError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("%s %s failed after %d attempt(s): %v", e.Op, e.Range, e.Attempts, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Range, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

func configErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...))
}
