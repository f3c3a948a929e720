package xmpp

import "fmt"

// Kind classifies a client-level failure.
type Kind int

const (
	// KindAuthenticationFailed means the server rejected the credentials.
	// Terminal for that login attempt.
	KindAuthenticationFailed Kind = iota
	// KindTransportFailed means the underlying stream could not be
	// established or broke during negotiation.
	KindTransportFailed
	// KindDisconnected means the stream was lost after it had been
	// established. Pending queries fail with this kind.
	KindDisconnected
	// KindNotConnected means an operation was attempted without a live
	// connection.
	KindNotConnected
	// KindProtocolError means the server answered a request with an error
	// stanza. Condition carries the defined-condition element name.
	KindProtocolError
	// KindSendFailed means a stanza write failed below the client.
	KindSendFailed
	// KindFileUploadFailed means one of the file-send steps failed and the
	// whole operation was aborted.
	KindFileUploadFailed
)

func (k Kind) String() string {
	switch k {
	case KindAuthenticationFailed:
		return "authentication failed"
	case KindTransportFailed:
		return "transport failed"
	case KindDisconnected:
		return "disconnected"
	case KindNotConnected:
		return "not connected"
	case KindProtocolError:
		return "protocol error"
	case KindSendFailed:
		return "send failed"
	case KindFileUploadFailed:
		return "file upload failed"
	default:
		return "unknown error"
	}
}

// Error is the tagged failure type used across the client. Callers match on
// Kind instead of comparing error values.
type Error struct {
	Kind      Kind
	Condition string
	Err       error
}

func (e *Error) Error() string {
	switch {
	case e.Condition != "" && e.Err != nil:
		return fmt.Sprintf("%s (%s): %v", e.Kind, e.Condition, e.Err)
	case e.Condition != "":
		return fmt.Sprintf("%s (%s)", e.Kind, e.Condition)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with a kind.
func NewError(k Kind, err error) *Error {
	return &Error{Kind: k, Err: err}
}

// ProtocolError builds a KindProtocolError carrying the server's
// defined-condition.
func ProtocolError(condition string) *Error {
	return &Error{Kind: KindProtocolError, Condition: condition}
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, k Kind) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Kind == k
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
