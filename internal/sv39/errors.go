package sv39

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedAlignment means no enabled granularity fits the
	// physical and virtual addresses.
	ErrUnsupportedAlignment = errors.New("sv39: unsupported alignment")
	// ErrScratchExhausted means the builder needed more table pages than
	// the scratch region holds.
	ErrScratchExhausted = errors.New("sv39: scratch region exhausted")
	// ErrNotMapped is returned by Translate for addresses with no leaf.
	ErrNotMapped = errors.New("sv39: address not mapped")
)

// Conflict records a window trying to install an entry that differs from
// one already present.
type Conflict struct {
	Window   string
	Level    int
	Index    int
	Table    uint64
	Existing PTE
	Wanted   PTE
}

func (c Conflict) String() string {
	return fmt.Sprintf("window %q L%d[%d] @%#x: have %v, want %v",
		c.Window, c.Level, c.Index, c.Table, c.Existing, c.Wanted)
}

// ConflictError is returned under PolicyDetect.
type ConflictError struct {
	Conflict Conflict
}

func (e *ConflictError) Error() string {
	return "sv39: mapping conflict: " + e.Conflict.String()
}
