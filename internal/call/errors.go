package call

import "errors"

// Sentinel errors forming the relay error taxonomy. Handlers map these to
// structured {success:false, message} responses; they never escape as panics.
var (
	ErrInvalidArgument   = errors.New("call: invalid argument")
	ErrNotFound          = errors.New("call: session not found")
	ErrUnauthorized      = errors.New("call: not authorized")
	ErrInvalidTransition = errors.New("call: invalid state transition")
	ErrSessionEnded      = errors.New("call: session ended")
	ErrBadSignal         = errors.New("call: bad signal")
	ErrBusy              = errors.New("call: participant already in a call")
)
