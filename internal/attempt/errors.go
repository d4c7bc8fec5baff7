package attempt

import "errors"

// ErrAlreadyCompleted is returned by Runtime.Complete when called a second
// time on the same attempt.
var ErrAlreadyCompleted = errors.New("attempt already completed")
