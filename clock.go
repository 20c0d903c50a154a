package conveyor

import "github.com/zoobzio/clockz"

// Clock is the time source used throughout the queue, stage, and engine
// code instead of calling time.Now()/time.After() directly, so tests can
// substitute a deterministic fake.
type Clock = clockz.Clock

// RealClock is the default Clock backed by the actual wall clock.
var RealClock = clockz.RealClock
