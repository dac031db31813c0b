package gan

import "github.com/pkg/errors"

// Error taxonomy of the trainer. Errors returned by this package wrap one of
// these sentinels with context; test for them with errors.Is.
var (
	// ErrConfiguration reports label/attribute count mismatches, malformed
	// attribute name lists and invalid options. Fatal before any step runs.
	ErrConfiguration = errors.New("configuration error")

	// ErrShapeMismatch reports incompatible module input/output shapes.
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrCheckpointNotFound is returned when a resume asks for an epoch with
	// no saved state.
	ErrCheckpointNotFound = errors.New("checkpoint not found")

	// ErrEmptySource is returned when a batch source yields nothing even
	// right after a restart.
	ErrEmptySource = errors.New("batch source is empty")
)
