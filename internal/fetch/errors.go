package fetch

import "fmt"

// ErrorKind classifies segment fetch failures. Every kind is transient from
// the pool's point of view: attempts are retried with backoff until the retry
// ceiling, then the segment is marked failed.
type ErrorKind int

const (
	// KindTimeout covers per-attempt deadline expiry and other network-level
	// transport failures (connection reset, refused, DNS).
	KindTimeout ErrorKind = iota
	// KindHTTPStatus means the origin answered with a non-success status.
	KindHTTPStatus
	// KindSizeMismatch means the body length disagreed with the declared size.
	KindSizeMismatch
	// KindDecryptFailure means key retrieval or AES decryption failed.
	KindDecryptFailure
	// KindIOError means a local failure outside the network path, such as
	// writing the segment file or building the request.
	KindIOError
)

// String returns the kind's name for logs and error text.
func (k ErrorKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindHTTPStatus:
		return "http_status"
	case KindSizeMismatch:
		return "size_mismatch"
	case KindDecryptFailure:
		return "decrypt_failure"
	case KindIOError:
		return "io_error"
	default:
		return "unknown"
	}
}

// Error is a segment fetch failure with its classification attached.
type Error struct {
	Kind     ErrorKind
	Sequence uint64
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("segment %d: %s: %v", e.Sequence, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
