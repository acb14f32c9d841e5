package email

import (
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

var (
	// ErrTransportClosed is reported when sending on a released Transport.
	ErrTransportClosed = errors.New("the transport has already been released")

	// ErrNoRecipients is reported when neither "to" nor "cc" has an address.
	ErrNoRecipients = errors.New("must supply at least one \"to\" or \"cc\" address")

	// ErrMessageTooLarge is reported when the serialized message exceeds
	// the configured maximum size.
	ErrMessageTooLarge = errors.New("the message exceeds the maximum size for this relay")

	// ErrMissingCredentials is returned when connect options lack a
	// username or password.
	ErrMissingCredentials = errors.New("must supply a username and password")
)

// ErrorKind says at which stage a send failed.
type ErrorKind int

const (
	// KindNone means the send succeeded.
	KindNone ErrorKind = iota
	// KindConnect means the relay couldn't be reached or TLS failed. Only
	// SendOnce and the provider helpers report it, since Open returns
	// connection errors directly.
	KindConnect
	// KindEncoding means the message or one of its addresses couldn't be
	// encoded.
	KindEncoding
	// KindAuth means the relay rejected the credentials.
	KindAuth
	// KindTransmission means the relay rejected the envelope or the data,
	// or the connection dropped mid-send.
	KindTransmission
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindConnect:
		return "connect"
	case KindEncoding:
		return "encoding"
	case KindAuth:
		return "auth"
	case KindTransmission:
		return "transmission"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// Result reports the outcome of one send.
type Result struct {
	Success bool
	Kind    ErrorKind
	Err     error
	// Diagnostic is the error description followed by the stack at the
	// point of failure. Empty on success.
	Diagnostic string
}

// Error returns the underlying error, or nil on success.
func (r Result) Error() error {
	if r.Success {
		return nil
	}
	return r.Err
}

func succeeded() Result {
	return Result{Success: true, Kind: KindNone}
}

// Failure returns a failed Result for err, capturing the current stack in
// the diagnostic.
func Failure(kind ErrorKind, err error) Result {
	if err == nil {
		err = errors.New("unknown failure")
	}
	return Result{
		Success:    false,
		Kind:       kind,
		Err:        err,
		Diagnostic: fmt.Sprintf("%v: %+v", kind, pkgerrors.WithStack(err)),
	}
}
