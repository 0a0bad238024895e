package queuebus

import "errors"

// ErrNoJobsAvailable is returned by claim when a queue has nothing waiting
// and due — callers should back off and poll again, not treat it as fatal.
var ErrNoJobsAvailable = errors.New("queuebus: no jobs available")
