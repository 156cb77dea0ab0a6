package circular

import "fmt"

// State is the encoder state machine position.
type State int32

const (
	// StateIdle: direct record configured and not saving; output is discarded.
	StateIdle State = iota
	// StateCacheCircular: encoded chunks accumulate in the ring buffers only.
	StateCacheCircular
	// StateSaveAndCache: the container is open and buffered history is being
	// drained into it while new chunks still land in the rings.
	StateSaveAndCache
	// StateSaveDirect: every new chunk goes straight to the container.
	StateSaveDirect
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCacheCircular:
		return "cache_circular"
	case StateSaveAndCache:
		return "save_and_cache"
	case StateSaveDirect:
		return "save_direct"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Status is reported to the sink when a save finishes.
type Status int

const (
	StatusOK Status = iota
	StatusWriteFailed
	StatusOpenFailed
	StatusNoContainer
	StatusInternalError
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusWriteFailed:
		return "write_failed"
	case StatusOpenFailed:
		return "open_failed"
	case StatusNoContainer:
		return "no_container"
	case StatusInternalError:
		return "internal_error"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// orientationHint converts a device rotation into the clockwise rotation the
// container should apply on playback.
func orientationHint(rotation int) int {
	rotation = ((rotation % 360) + 360) % 360
	rotation = (rotation + 45) / 90 * 90 % 360

	hint := 360 - rotation - 90
	if hint < 0 {
		hint += 360
	}
	switch hint {
	case 90:
		hint = 270
	case 270:
		hint = 90
	}
	return hint
}
