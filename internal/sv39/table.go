package sv39

const (
	PageShift       = 12
	PageSize        = 1 << PageShift
	EntriesPerTable = 512
	Levels          = 3

	vpnBits = 9
	vpnMask = EntriesPerTable - 1
)

// ModeSv39 is the satp MODE field value selecting three-level paging.
const ModeSv39 = 8

// HighHalfBase is the conventional kernel high-half window. Root indices are
// always derived from address bits; this constant exists so callers can
// check that a link address lands where they expect.
const (
	HighHalfBase      uint64 = 0xFFFF_FFFF_8000_0000
	HighHalfRootIndex        = 510
)

// Table is one 4 KiB page of entries.
type Table [EntriesPerTable]PTE

// VPN2 is the root-table index for addr (bits 38..30).
func VPN2(addr uint64) int { return int((addr >> 30) & vpnMask) }

// VPN1 is the L1 index for addr (bits 29..21).
func VPN1(addr uint64) int { return int((addr >> 21) & vpnMask) }

// VPN0 is the L0 index for addr (bits 20..12).
func VPN0(addr uint64) int { return int((addr >> 12) & vpnMask) }

// Index returns the table index for addr at level (2 = root, 0 = leaf table).
func Index(level int, addr uint64) int {
	return int((addr >> (PageShift + vpnBits*level)) & vpnMask)
}

// LevelSize is the span of memory covered by a single entry at level.
func LevelSize(level int) uint64 {
	return uint64(PageSize) << (vpnBits * level)
}

// Satp returns the satp value enabling Sv39 with the given root table.
func Satp(root uint64) uint64 {
	return root>>PageShift | uint64(ModeSv39)<<60
}

// Canonical reports whether addr is a valid Sv39 virtual address, i.e.
// bits 63..39 all equal bit 38.
func Canonical(addr uint64) bool {
	top := int64(addr) >> 38
	return top == 0 || top == -1
}

// ReadTable copies the table at addr out of mem.
func ReadTable(mem Memory, addr uint64) (Table, error) {
	var t Table
	for i := range t {
		v, err := mem.Read64(addr + uint64(i)*8)
		if err != nil {
			return Table{}, err
		}
		t[i] = PTE(v)
	}
	return t, nil
}
