package engine

import (
	"fmt"

	"boardroom/internal/domain"
)

// ValidationError rejects a start request before any state is created.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// GenerationFailure is a failed or timed out call to the generator for one stage.
type GenerationFailure struct {
	Role     domain.Role
	Artifact domain.ArtifactType
	Err      error
}

func (e GenerationFailure) Error() string {
	return fmt.Sprintf("stage %s (%s) failed: %v", e.Artifact, e.Role, e.Err)
}

func (e GenerationFailure) Unwrap() error { return e.Err }
