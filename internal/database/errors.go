package database

import (
	"errors"
	"fmt"
)

// ErrNotInitialized is returned when pool operations are attempted before
// Init has completed successfully.
var ErrNotInitialized = errors.New("connection pool not initialized; call Init before Acquire")

// ErrAcquireTimeout is returned when no idle connection becomes available
// within the configured acquire timeout. It is a backpressure signal; the
// pool does not retry internally.
var ErrAcquireTimeout = errors.New("timed out waiting for a SurrealDB connection")

// UnsupportedVersionError is returned when the stored schema version has no
// entry in the migration chain, either because the chain is broken or the
// database was migrated by a newer build.
type UnsupportedVersionError struct {
	Version string
}

func (e *UnsupportedVersionError) Error() string {
	if e.Version == "" {
		return "unsupported schema version: <no record>"
	}
	return fmt.Sprintf("unsupported schema version: %s", e.Version)
}
