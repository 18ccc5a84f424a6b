package protocol

import "errors"

// ErrorKind is one of the closed set of wire error identifiers carried in
// the "error" field.
type ErrorKind string

const (
	ErrBadNick    ErrorKind = "badnick"
	ErrNickInUse  ErrorKind = "nickinuse"
	ErrSchema     ErrorKind = "schema"
	ErrNoChannel  ErrorKind = "nochannel"
	ErrBadChannel ErrorKind = "badchannel"
	ErrNonMember  ErrorKind = "nonmember"
	ErrMember     ErrorKind = "member"
	ErrNonExist   ErrorKind = "nonexist"
)

// knownErrorKinds is the validator's enum for the "error" field.
var knownErrorKinds = map[ErrorKind]bool{
	ErrBadNick:    true,
	ErrNickInUse:  true,
	ErrSchema:     true,
	ErrNoChannel:  true,
	ErrBadChannel: true,
	ErrNonMember:  true,
	ErrMember:     true,
	ErrNonExist:   true,
}

// ErrTooLong reports an outbound message whose serialized form exceeds
// MaxEncodedLen. It is a local programming error, never sent on the wire.
var ErrTooLong = errors.New("message too long")

// WireError is a protocol failure that maps directly to a single error
// message sent back to the originating connection.
type WireError struct {
	Kind   ErrorKind
	Reason string
}

func (e *WireError) Error() string {
	return string(e.Kind) + ": " + e.Reason
}

// NewWireError builds a WireError of the given kind.
func NewWireError(kind ErrorKind, reason string) *WireError {
	return &WireError{Kind: kind, Reason: reason}
}

// AsWireError extracts a WireError from err, or wraps err as a schema-class
// failure when it is some other validation error.
func AsWireError(err error) *WireError {
	var we *WireError
	if errors.As(err, &we) {
		return we
	}
	return &WireError{Kind: ErrSchema, Reason: err.Error()}
}
