package sv39

import (
	"fmt"
	"sort"
)

// Memory is physical memory as seen by the builder and the walker.
type Memory interface {
	Read64(addr uint64) (uint64, error)
	Write64(addr uint64, value uint64) error
}

// FrameMemory is sparse physical memory made of 4 KiB frames that spring
// into existence, zeroed, on first write. Reads of untouched frames return
// zero.
type FrameMemory struct {
	frames map[uint64]*[EntriesPerTable]uint64
}

func NewFrameMemory() *FrameMemory {
	return &FrameMemory{frames: make(map[uint64]*[EntriesPerTable]uint64)}
}

func checkAligned(addr uint64) error {
	if addr&7 != 0 {
		return fmt.Errorf("sv39: unaligned 64-bit access at %#x", addr)
	}
	return nil
}

func (m *FrameMemory) Read64(addr uint64) (uint64, error) {
	if err := checkAligned(addr); err != nil {
		return 0, err
	}
	frame, ok := m.frames[addr&^(PageSize-1)]
	if !ok {
		return 0, nil
	}
	return frame[(addr&(PageSize-1))/8], nil
}

func (m *FrameMemory) Write64(addr uint64, value uint64) error {
	if err := checkAligned(addr); err != nil {
		return err
	}
	base := addr &^ (PageSize - 1)
	frame, ok := m.frames[base]
	if !ok {
		frame = new([EntriesPerTable]uint64)
		m.frames[base] = frame
	}
	frame[(addr&(PageSize-1))/8] = value
	return nil
}

// Frames lists the base addresses of every frame written so far.
func (m *FrameMemory) Frames() []uint64 {
	out := make([]uint64, 0, len(m.frames))
	for base := range m.frames {
		out = append(out, base)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Scratch hands out consecutive zeroed pages for page tables. Page 0 is
// always the root.
type Scratch struct {
	Base  uint64
	Pages int
	next  int
}

func NewScratch(base uint64, pages int) (*Scratch, error) {
	if base&(PageSize-1) != 0 {
		return nil, fmt.Errorf("sv39: scratch base %#x is not page aligned", base)
	}
	if pages < 1 {
		return nil, fmt.Errorf("sv39: scratch region needs at least one page, got %d", pages)
	}
	return &Scratch{Base: base, Pages: pages}, nil
}

// Alloc returns the next unused page.
func (s *Scratch) Alloc() (uint64, error) {
	if s.next >= s.Pages {
		return 0, fmt.Errorf("%w: all %d pages in use", ErrScratchExhausted, s.Pages)
	}
	page := s.Base + uint64(s.next)*PageSize
	s.next++
	return page, nil
}

// Used is the number of pages handed out.
func (s *Scratch) Used() int { return s.next }

// Size is the region size in bytes.
func (s *Scratch) Size() uint64 { return uint64(s.Pages) * PageSize }

// Zero clears every page of the region in mem.
func (s *Scratch) Zero(mem Memory) error {
	for off := uint64(0); off < s.Size(); off += 8 {
		if err := mem.Write64(s.Base+off, 0); err != nil {
			return fmt.Errorf("sv39: zero scratch: %w", err)
		}
	}
	return nil
}
