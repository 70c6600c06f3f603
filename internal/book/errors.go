package book

import "errors"

// ErrResyncNeeded is signaled when a delta's sequence number regresses,
// the post-apply hash disagrees with the server-supplied hash, or the
// book crosses (best bid ≥ best ask). The subscription manager recovers
// by refetching a REST snapshot.
var ErrResyncNeeded = errors.New("book: RESYNC_NEEDED")
