package errors

import "fmt"

// ValidationError reports request input rejected before any network call.
type ValidationError struct {
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return "validation failed: " + e.Message
}

// NewValidation builds a ValidationError for a named request field.
func NewValidation(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// UpstreamError carries a non-2xx response from the authorization server.
// Status and body are passed through to the caller unchanged.
type UpstreamError struct {
	Endpoint   string `json:"endpoint"`
	StatusCode int    `json:"status_code"`
	Body       string `json:"body"`
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s returned %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

// NewUpstream builds an UpstreamError preserving the raw response body.
func NewUpstream(endpoint string, status int, body []byte) *UpstreamError {
	return &UpstreamError{Endpoint: endpoint, StatusCode: status, Body: string(body)}
}

// PersistenceError reports a store write/read failure. Consent-creation and
// callback paths treat it as soft; token-cache writes escalate it.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s failed: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// NewPersistence wraps a store error with the failed operation name.
func NewPersistence(op string, err error) *PersistenceError {
	return &PersistenceError{Op: op, Err: err}
}

// ReconciliationError reports a redirect callback that cannot be matched to
// any consent (unparseable or incomplete state value).
type ReconciliationError struct {
	Reason string
}

func (e *ReconciliationError) Error() string {
	return "callback reconciliation failed: " + e.Reason
}

// TokenAcquisitionError is fatal for any operation needing a live access
// token: both refresh and code exchange are unavailable or failing.
type TokenAcquisitionError struct {
	ConsentID string
	Err       error
}

func (e *TokenAcquisitionError) Error() string {
	return fmt.Sprintf("token acquisition failed for consent %s: %v", e.ConsentID, e.Err)
}

func (e *TokenAcquisitionError) Unwrap() error { return e.Err }

// NotAuthorizedError reports a consent that exists but has not completed the
// redirect leg (missing auth code or verifier).
type NotAuthorizedError struct {
	ConsentID string
}

func (e *NotAuthorizedError) Error() string {
	return fmt.Sprintf("consent %s is not authorized yet", e.ConsentID)
}
