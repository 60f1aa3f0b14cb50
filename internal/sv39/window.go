package sv39

import "fmt"

// Window maps [Virtual, Virtual+Size) onto [Physical, Physical+Size) with
// leaves of one granularity. A zero Size fills the leaf table from the
// window's first index to the end of the table.
type Window struct {
	Name        string
	Virtual     uint64
	Physical    uint64
	Size        uint64
	Granularity Granularity
	// Flags on every leaf. Zero means DefaultLeafFlags.
	Flags PTE
}

func (w Window) leafFlags() PTE {
	if w.Flags == 0 {
		return DefaultLeafFlags
	}
	return w.Flags | FlagV
}

// LeafCount is how many leaf entries the sweep writes: enough to cover Size,
// clipped to the room left in the leaf table.
func (w Window) LeafCount() int {
	room := EntriesPerTable - Index(w.Granularity.Level(), w.Virtual)
	if w.Size == 0 {
		return room
	}
	leaf := w.Granularity.Size()
	want := (w.Size + leaf - 1) / leaf
	if want > uint64(room) {
		return room
	}
	return int(want)
}

// Covered is the number of bytes the sweep actually maps.
func (w Window) Covered() uint64 {
	return uint64(w.LeafCount()) * w.Granularity.Size()
}

func (w Window) Validate() error {
	if !w.Granularity.Valid() {
		return fmt.Errorf("window %q: invalid granularity %d", w.Name, w.Granularity)
	}
	if !w.Granularity.Aligned(w.Physical, w.Virtual) {
		return fmt.Errorf("window %q: %w: virt=%#x phys=%#x granularity=%s",
			w.Name, ErrUnsupportedAlignment, w.Virtual, w.Physical, w.Granularity)
	}
	if !Canonical(w.Virtual) {
		return fmt.Errorf("window %q: virtual address %#x is not canonical", w.Name, w.Virtual)
	}
	if flags := w.leafFlags(); flags&(FlagR|FlagW|FlagX) == 0 {
		return fmt.Errorf("window %q: leaf flags %s grant no access", w.Name, flags.FlagString())
	}
	return nil
}

// Contains reports whether vaddr falls inside the covered part of the window.
func (w Window) Contains(vaddr uint64) bool {
	return vaddr >= w.Virtual && vaddr-w.Virtual < w.Covered()
}

// BootWindows returns the identity and relocation windows for an image
// loaded at paddr and linked at vaddr, in build order.
func BootWindows(paddr, vaddr, size uint64, g Granularity, flags PTE) []Window {
	return []Window{
		{Name: "identity", Virtual: paddr, Physical: paddr, Size: size, Granularity: g, Flags: flags},
		{Name: "relocation", Virtual: vaddr, Physical: paddr, Size: size, Granularity: g, Flags: flags},
	}
}
