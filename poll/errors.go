package poll

import "errors"

// Planning errors. These surface at construction time; a channel that
// triggers one is disabled rather than polled with a broken layout.
var (
	// ErrInvalidQueryConfiguration indicates an oversize request, a
	// cross-type merge, or a channel wider than 64 bits.
	ErrInvalidQueryConfiguration = errors.New("invalid query configuration")

	// ErrOverlap indicates two channels claim intersecting bits of the
	// same memory block.
	ErrOverlap = errors.New("channels overlap")

	// ErrUnknownRegisterType indicates a channel references a register
	// type the protocol does not define.
	ErrUnknownRegisterType = errors.New("unknown register type")
)
