package breaker

import "errors"

// ErrOpen is returned by Execute/ExecuteContext when the breaker is OPEN
// (or HALF_OPEN with a probe already in flight) and the wrapped call was
// rejected without running.
var ErrOpen = errors.New("breaker: circuit open")
