package scheduler

import "errors"

// ErrLaneStopped is returned when work is submitted to a stopped lane.
var ErrLaneStopped = errors.New("lane is stopped")
