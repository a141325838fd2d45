package broker

import "errors"

// ErrUnknownTB is returned (and logged, never propagated) when an ExecTB
// event references a translation block index that was never registered
// or is out of range. The event is dropped; no slice is queued.
var ErrUnknownTB = errors.New("broker: unknown translation block index")
