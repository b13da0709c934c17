package generation

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedResponse indicates a response without a usable choice.
	ErrMalformedResponse = errors.New("generation: malformed response")
	// ErrUnknownProvider indicates an unsupported provider name.
	ErrUnknownProvider = errors.New("generation: unknown provider")
	// ErrMissingAPIKey indicates the selected provider has no credentials.
	ErrMissingAPIKey = errors.New("generation: api key required")
	// ErrNoTurns indicates an empty conversation.
	ErrNoTurns = errors.New("generation: at least one turn is required")
)

// BackendError reports a failed generation call.
type BackendError struct {
	Provider string
	Model    string
	Err      error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("generation: %s/%s: %v", e.Provider, e.Model, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}
