package allocator

import "github.com/pkg/errors"

var (
	// ErrSourceUnavailable is returned when the Source could not produce a
	// snapshot, including when its refresh timed out. It's transient: callers
	// should retry on a later tick.
	ErrSourceUnavailable = errors.New("metadata source unavailable")
	// ErrInsufficientNodes is returned when more distinct nodes were requested
	// than remain eligible. Callers should defer group creation until the
	// cluster grows.
	ErrInsufficientNodes = errors.New("insufficient nodes")
	// ErrInvalidState is returned when a snapshot is internally inconsistent,
	// which indicates a bug in the metadata path.
	ErrInvalidState = errors.New("invalid cluster state")
	// ErrConflict is returned by appliers of proposed actions when the action
	// no longer applies to the current cluster state (eg, because a concurrent
	// change raced it). The proposal should be re-computed.
	ErrConflict = errors.New("proposal conflicts with current state")
)
