package link

import (
	"fmt"

	"github.com/juju/errors"
)

var (
	ErrNotConnected = errors.New("not connected")
	ErrBusy         = errors.New("link busy")
	ErrAborted      = errors.New("connect aborted")
)

// TransportError: device selection or transport open failed, connect attempt is over.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport unavailable op=%s: %v", e.Op, e.Err)
}

// WriteError is transient, link stays connected.
type WriteError struct {
	Channel Channel
	Err     error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write channel=%s: %v", e.Channel, e.Err)
}

func errChannelMissing(ch Channel, err error) error {
	return errors.NewNotFound(err, fmt.Sprintf("channel=%s uuid=%s", ch, ch.UUID()))
}

func errUnsupported(what string) error {
	return errors.NotSupportedf("%s by device firmware", what)
}

func IsNotConnected(err error) bool { return errors.Cause(err) == ErrNotConnected }
func IsBusy(err error) bool         { return errors.Cause(err) == ErrBusy }
func IsAborted(err error) bool      { return errors.Cause(err) == ErrAborted }
func IsUnsupported(err error) bool  { return errors.IsNotSupported(err) }

func IsChannelMissing(err error) bool { return errors.IsNotFound(err) }

func IsTransportUnavailable(err error) bool {
	_, ok := errors.Cause(err).(*TransportError)
	return ok
}

func IsWriteFailed(err error) bool {
	_, ok := errors.Cause(err).(*WriteError)
	return ok
}
