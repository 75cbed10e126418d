package wire

import "errors"

// Decode errors. Every error returned by Decode wraps exactly one of them.
var (
	ErrTooShort           = errors.New("packet too short")
	ErrBadHeader          = errors.New("bad header")
	ErrBadMagicCookie     = errors.New("bad magic cookie")
	ErrMissingMessageType = errors.New("missing message type option")
	ErrMalformedOption    = errors.New("malformed option")
)

// Kind returns a short label for a decode error, suitable for metrics.
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrTooShort):
		return "too_short"
	case errors.Is(err, ErrBadHeader):
		return "bad_header"
	case errors.Is(err, ErrBadMagicCookie):
		return "bad_magic_cookie"
	case errors.Is(err, ErrMissingMessageType):
		return "missing_message_type"
	case errors.Is(err, ErrMalformedOption):
		return "malformed_option"
	}
	return "other"
}
