package sweep

import "errors"

var (
	// ErrConfiguration marks problems detected before any campaign runs:
	// a missing command or image, a malformed knob file, an invalid budget.
	ErrConfiguration = errors.New("configuration error")
	// ErrHalted is returned when fail-fast stopped the sweep after a failure.
	ErrHalted = errors.New("sweep halted after a failed campaign")
)
