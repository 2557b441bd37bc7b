package message

import "errors"

var (
	// ErrMalformedMessage is returned for any message the parser cannot
	// turn into a dialog-usable request or response. The wrapped cause
	// carries the detail; callers drop the datagram and create no dialog.
	ErrMalformedMessage = errors.New("malformed SIP message")

	ErrInvalidRequestLine = errors.New("invalid request line")
	ErrInvalidStatusLine  = errors.New("invalid status line")
	ErrInvalidHeader      = errors.New("invalid header format")
	ErrInvalidSIPVersion  = errors.New("invalid SIP version")
	ErrInvalidStatusCode  = errors.New("invalid status code")
	ErrInvalidURI         = errors.New("invalid URI")
	ErrMissingHeader      = errors.New("missing required header")

	ErrMessageTooLarge = errors.New("message too large")
	ErrHeaderTooLarge  = errors.New("header too large")
)
