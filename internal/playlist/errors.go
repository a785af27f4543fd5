package playlist

import "fmt"

// ErrorKind classifies resolver failures.
type ErrorKind int

const (
	// KindUnreachable means the manifest could not be fetched (network error,
	// timeout, or non-success HTTP status).
	KindUnreachable ErrorKind = iota
	// KindMalformed means the manifest was fetched but could not be parsed.
	KindMalformed
)

// String returns the kind's name for logs and error text.
func (k ErrorKind) String() string {
	switch k {
	case KindUnreachable:
		return "unreachable"
	case KindMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// Error is a resolver failure with its classification attached.
type Error struct {
	Kind ErrorKind
	URI  string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("playlist %s: %s: %v", e.URI, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func unreachable(uri string, err error) *Error {
	return &Error{Kind: KindUnreachable, URI: uri, Err: err}
}

func malformed(uri string, err error) *Error {
	return &Error{Kind: KindMalformed, URI: uri, Err: err}
}
