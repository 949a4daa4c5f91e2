package interfaces

import "errors"

// Error kinds shared across every backend and service. Callers classify with
// errors.Is and wrap with fmt.Errorf("%w", ...) to add context.
var (
	// ErrNotFound indicates an id or key is absent in a backend.
	// Recoverable locally; callers may treat it as nil/false/empty.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput indicates malformed input, a schema mismatch, an
	// invalid citation key, or an edit whose find string is not unique.
	// Caller-visible and non-retryable.
	ErrInvalidInput = errors.New("invalid input")

	// ErrBackendUnavailable indicates a backend refused, timed out, or
	// returned a 5xx after retries
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrEmbeddingFailure indicates the embedding provider failed; a
	// provider-tagged flavor of backend unavailability
	ErrEmbeddingFailure = errors.New("embedding failure")

	// ErrTokenBudgetExceeded indicates a pre-flight token estimate exceeds
	// the tier limit. Pipelines react by upgrading tier; agent loops react
	// by forcing an immediate submit.
	ErrTokenBudgetExceeded = errors.New("token budget exceeded")

	// ErrStructuredOutputFailure indicates the model produced unparseable
	// or schema-invalid content after all retries. Raised, never guessed-at.
	ErrStructuredOutputFailure = errors.New("structured output failure")
)
