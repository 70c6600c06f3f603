package transport

import "errors"

// ErrNotConnected is returned by callers that need an error value for a
// refused send; Send itself reports success as a bool.
var ErrNotConnected = errors.New("transport: not connected")
