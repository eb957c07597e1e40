package errors

import "errors"

// Session errors.
var (
	ErrNoCredentials        = errors.New("no stored credentials, sign in first")
	ErrNotAuthenticated     = errors.New("not authenticated")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrNoSelection          = errors.New("no conversation selected")
)

// Server/transport errors.
var (
	ErrAPIRequest  = errors.New("API request failed")
	ErrAPIResponse = errors.New("unexpected API response")
)
