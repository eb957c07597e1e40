package timebank

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies a failure so every component reacts to it the same way.
type Kind int

const (
	// KindGeneric is an unexpected failure: show the message, allow retry.
	KindGeneric Kind = iota
	// KindTransient is a network blip or unparseable frame: log, keep
	// last-known-good state.
	KindTransient
	// KindCanceled is a superseded or abandoned request. Never reported.
	KindCanceled
	// KindConflict is a business-rule clash that needs a user choice.
	KindConflict
	// KindAlreadyExists means the action was already performed; treat as
	// success and resync.
	KindAlreadyExists
	// KindInvalidState means the client view is stale; force a resync.
	KindInvalidState
	// KindPermission is fatal for the attempted action.
	KindPermission
	// KindValidation carries a server message to show verbatim.
	KindValidation
	// KindFatalTransport means reconnect attempts are exhausted.
	KindFatalTransport
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindCanceled:
		return "canceled"
	case KindConflict:
		return "conflict"
	case KindAlreadyExists:
		return "already-exists"
	case KindInvalidState:
		return "invalid-state"
	case KindPermission:
		return "permission-denied"
	case KindValidation:
		return "validation"
	case KindFatalTransport:
		return "fatal-transport"
	}

	return "generic"
}

// UserFacing reports whether errors of this kind should reach the user
// as an actionable message.
func (k Kind) UserFacing() bool {
	switch k {
	case KindConflict, KindPermission, KindValidation, KindInvalidState, KindGeneric:
		return true
	}

	return false
}

// TransientError wraps an error that is likely temporary and safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError, meaning the caller should retry after a backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Server error codes that carry meaning beyond the HTTP status.
const (
	codeScheduleConflict = "schedule_conflict"
	codeConflict         = "conflict"
	codeAlreadyExists    = "already_exists"
	codeInvalidState     = "invalid_state"
)

// Classify maps any error returned by the engine onto the shared taxonomy.
func Classify(err error) Kind {
	if err == nil {
		return KindGeneric
	}

	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}

	var ae *ActionError
	if errors.As(err, &ae) {
		return ae.Kind
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return classifyAPIError(apiErr)
	}

	var pe *ParseError
	if errors.As(err, &pe) {
		return KindTransient
	}

	if IsTransient(err) || errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}

	return KindGeneric
}

func classifyAPIError(e *APIError) Kind {
	code := strings.ToLower(e.Code)
	detail := strings.ToLower(e.Detail)

	switch code {
	case codeScheduleConflict, codeConflict:
		return KindConflict
	case codeAlreadyExists:
		return KindAlreadyExists
	case codeInvalidState:
		return KindInvalidState
	}

	switch {
	case isTransientStatus(e.StatusCode):
		return KindTransient
	case e.StatusCode == http.StatusForbidden:
		return KindPermission
	case e.StatusCode == http.StatusUnauthorized:
		return KindPermission
	case e.StatusCode == http.StatusConflict:
		if strings.Contains(detail, "already") {
			return KindAlreadyExists
		}

		return KindConflict
	case e.StatusCode == http.StatusBadRequest || e.StatusCode == http.StatusUnprocessableEntity:
		if isStaleStateMessage(detail) {
			return KindInvalidState
		}

		if strings.Contains(detail, "already") {
			return KindAlreadyExists
		}

		return KindValidation
	}

	return KindGeneric
}

// isStaleStateMessage matches server messages that say the requested
// transition no longer applies to the handshake.
func isStaleStateMessage(detail string) bool {
	return strings.Contains(detail, "not pending") ||
		strings.Contains(detail, "not accepted") ||
		strings.Contains(detail, "not completed") ||
		strings.Contains(detail, "invalid state") ||
		strings.Contains(detail, "no longer")
}

// isTransientStatus returns true for HTTP status codes that indicate a
// temporary server-side problem worth retrying.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}

// ActionError is returned by state machine operations. Message is safe to
// show to the user.
type ActionError struct {
	Action  Action
	Kind    Kind
	Message string
	Err     error
}

func (e *ActionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Action, e.Kind, e.Err)
	}

	return fmt.Sprintf("%s: %s: %s", e.Action, e.Kind, e.Message)
}

func (e *ActionError) Unwrap() error { return e.Err }

// SendError reports a failed message send. Text is the body the caller
// should put back into the input so the user can retry.
type SendError struct {
	Text string
	Err  error
}

func (e *SendError) Error() string { return fmt.Sprintf("sending message: %v", e.Err) }
func (e *SendError) Unwrap() error { return e.Err }

// userMessage extracts the message to show for err.
func userMessage(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Detail != "" {
		return apiErr.Detail
	}

	return err.Error()
}
