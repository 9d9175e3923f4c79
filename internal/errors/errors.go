package errors

import "errors"

// Session errors.
var (
	ErrSignedOut         = errors.New("no signed-in identity")
	ErrMalformedSnapshot = errors.New("malformed snapshot")
)

// Remote store errors.
var (
	ErrRecordNotFound = errors.New("record not found")
	ErrUnauthorized   = errors.New("invalid or missing api key")
	ErrForbidden      = errors.New("api key does not belong to this user")
	ErrUnavailable    = errors.New("remote store temporarily unavailable")
)

// Server/transport errors.
var (
	ErrTransport   = errors.New("remote store request failed")
	ErrAPIResponse = errors.New("unexpected API response")
)
