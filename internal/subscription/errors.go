package subscription

import "errors"

// ErrReentrant is returned by Subscribe/Unsubscribe when called while a
// user callback is on the stack. Defer the call via a user-side queue
// instead.
var ErrReentrant = errors.New("subscription: REENTRANT")
