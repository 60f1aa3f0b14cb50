package sv39

import (
	"fmt"
	"strings"
)

// Granularity is a leaf mapping size.
type Granularity uint8

const (
	Page4K Granularity = iota
	Mega2M
	Giga1G
)

// Coarsest first.
var allGranularities = []Granularity{Giga1G, Mega2M, Page4K}

// Level is the table level holding leaves of this size.
func (g Granularity) Level() int { return int(g) }

func (g Granularity) Size() uint64 { return LevelSize(g.Level()) }

// ScratchPages is the number of table pages the two boot windows need on
// this path when they share nothing below the root.
func (g Granularity) ScratchPages() int {
	return 1 + 2*g.intermediateTables()
}

func (g Granularity) intermediateTables() int {
	return Levels - 1 - g.Level()
}

func (g Granularity) Valid() bool { return g <= Giga1G }

func (g Granularity) String() string {
	switch g {
	case Page4K:
		return "4K"
	case Mega2M:
		return "2M"
	case Giga1G:
		return "1G"
	default:
		return fmt.Sprintf("Granularity(%d)", uint8(g))
	}
}

// ParseGranularity accepts 4K, 2M, 1G and their KiB/MiB/GiB spellings.
func ParseGranularity(s string) (Granularity, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "4K", "4KB", "4KIB", "4096":
		return Page4K, nil
	case "2M", "2MB", "2MIB":
		return Mega2M, nil
	case "1G", "1GB", "1GIB":
		return Giga1G, nil
	}
	return 0, fmt.Errorf("sv39: unknown granularity %q", s)
}

// GranularitySet is the set of leaf sizes a boot image is prepared to use.
type GranularitySet uint8

// DefaultGranularities enables 2 MiB and 4 KiB leaves. 1 GiB leaves are
// opt-in.
const DefaultGranularities = GranularitySet(1<<Mega2M | 1<<Page4K)

func NewGranularitySet(gs ...Granularity) GranularitySet {
	var s GranularitySet
	for _, g := range gs {
		s = s.With(g)
	}
	return s
}

func (s GranularitySet) Has(g Granularity) bool { return g.Valid() && s&(1<<g) != 0 }

func (s GranularitySet) With(g Granularity) GranularitySet { return s | 1<<g }

// Ordered lists the members coarsest first.
func (s GranularitySet) Ordered() []Granularity {
	var out []Granularity
	for _, g := range allGranularities {
		if s.Has(g) {
			out = append(out, g)
		}
	}
	return out
}

// Finest is the smallest enabled granularity; it decides how many scratch
// pages an image must reserve.
func (s GranularitySet) Finest() (Granularity, bool) {
	ordered := s.Ordered()
	if len(ordered) == 0 {
		return 0, false
	}
	return ordered[len(ordered)-1], true
}

func (s GranularitySet) String() string {
	parts := make([]string, 0, 3)
	for _, g := range s.Ordered() {
		parts = append(parts, g.String())
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// Aligned reports whether both addresses sit on a g boundary.
func (g Granularity) Aligned(paddr, vaddr uint64) bool {
	return (paddr|vaddr)&(g.Size()-1) == 0
}

// SelectGranularity picks the coarsest enabled granularity at which both
// paddr and vaddr are aligned.
func SelectGranularity(set GranularitySet, paddr, vaddr uint64) (Granularity, error) {
	for _, g := range set.Ordered() {
		if g.Aligned(paddr, vaddr) {
			return g, nil
		}
	}
	return 0, fmt.Errorf("%w: paddr=%#x vaddr=%#x set=%s", ErrUnsupportedAlignment, paddr, vaddr, set)
}
