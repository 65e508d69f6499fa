package backup

// ============================================================================
// Backup Log Error Definitions
// ============================================================================

import (
	"errors"
	"fmt"
)

var (
	// ErrLogClosed indicates the log was closed and cannot be appended to.
	ErrLogClosed = errors.New("backup: log already closed")

	// ErrCorruptedLine indicates a line that cannot be parsed as a record.
	ErrCorruptedLine = errors.New("backup: corrupted line")

	// ErrUnknownFrequency indicates a record whose frequency is not on the grid.
	ErrUnknownFrequency = errors.New("backup: frequency not on grid")
)

// LineError reports a parse failure with its 1-based line number.
type LineError struct {
	Line  int   // line number in the backup file
	Cause error // underlying error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("backup: line %d: %v", e.Line, e.Cause)
}

func (e *LineError) Unwrap() error {
	return e.Cause
}
