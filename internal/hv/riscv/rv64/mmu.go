package rv64

// SATP modes
const (
	SatpModeOff  = 0
	SatpModeSv39 = 8
)

// Page table entry flags
const (
	PteV = 1 << 0 // Valid
	PteR = 1 << 1 // Readable
	PteW = 1 << 2 // Writable
	PteX = 1 << 3 // Executable
	PteU = 1 << 4 // User accessible
	PteG = 1 << 5 // Global
	PteA = 1 << 6 // Accessed
	PteD = 1 << 7 // Dirty
)

const (
	PageSize  = 4096
	PageShift = 12
	VpnBits   = 9
	PpnBits   = 44
	levels39  = 3
)

// Access is the kind of memory access being translated.
type Access int

const (
	AccessRead Access = iota
	AccessWrite
	AccessFetch
)

type tlbEntry struct {
	valid    bool
	vpn      uint64
	ppn      uint64
	flags    uint64
	pageSize uint64
	asid     uint16
}

// MMU translates virtual addresses through Sv39 page tables. Translations
// are cached until sfence.vma flushes them, so writes to satp or to the
// tables take effect only after a fence.
type MMU struct {
	cpu *CPU
	tlb [512]tlbEntry

	// Walks counts page-table walks, for tests and reporting.
	Walks uint64
}

func NewMMU(cpu *CPU) *MMU {
	return &MMU{cpu: cpu}
}

// FlushTLB invalidates all TLB entries
func (mmu *MMU) FlushTLB() {
	for i := range mmu.tlb {
		mmu.tlb[i].valid = false
	}
}

// FlushTLBEntry invalidates the entry for vaddr. An asid of zero matches any
// address space.
func (mmu *MMU) FlushTLBEntry(vaddr uint64, asid uint16) {
	vpn := vaddr >> PageShift
	entry := &mmu.tlb[vpn&uint64(len(mmu.tlb)-1)]
	if entry.valid && (asid == 0 || entry.asid == asid) && entry.vpn == vpn {
		entry.valid = false
	}
}

// Translate maps vaddr to a physical address for the given access.
func (mmu *MMU) Translate(vaddr uint64, access Access) (uint64, error) {
	satp := mmu.cpu.Satp
	if satp>>60 == SatpModeOff || mmu.cpu.Priv == PrivMachine {
		return vaddr, nil
	}

	vpn := vaddr >> PageShift
	entry := &mmu.tlb[vpn&uint64(len(mmu.tlb)-1)]
	asid := uint16((satp >> 44) & 0xffff)

	if entry.valid && entry.vpn == vpn && (entry.asid == asid || entry.flags&PteG != 0) {
		if err := mmu.checkPermissions(entry.flags, access, vaddr); err != nil {
			return 0, err
		}
		if entry.flags&PteA != 0 && (access != AccessWrite || entry.flags&PteD != 0) {
			return (entry.ppn << PageShift) | (vaddr & (entry.pageSize - 1)), nil
		}
		// Fall through to a walk so A/D get written back.
		entry.valid = false
	}

	paddr, flags, pageSize, err := mmu.walk(vaddr, access)
	if err != nil {
		return 0, err
	}

	*entry = tlbEntry{
		valid:    true,
		vpn:      vpn,
		ppn:      paddr >> PageShift,
		flags:    flags,
		pageSize: pageSize,
		asid:     asid,
	}
	return paddr, nil
}

// canonical39 reports whether bits 63..39 all equal bit 38.
func canonical39(vaddr uint64) bool {
	top := int64(vaddr) >> 38
	return top == 0 || top == -1
}

func (mmu *MMU) walk(vaddr uint64, access Access) (uint64, uint64, uint64, error) {
	if !canonical39(vaddr) {
		return 0, 0, 0, pageFault(access, vaddr)
	}
	mmu.Walks++

	tableAddr := (mmu.cpu.Satp & ((1 << PpnBits) - 1)) << PageShift

	for level := levels39 - 1; level >= 0; level-- {
		vpn := (vaddr >> (PageShift + level*VpnBits)) & ((1 << VpnBits) - 1)
		pteAddr := tableAddr + vpn*8

		pte, err := mmu.cpu.Bus.Read64(pteAddr)
		if err != nil {
			return 0, 0, 0, accessFault(access, vaddr)
		}
		if pte&PteV == 0 || (pte&PteR == 0 && pte&PteW != 0) {
			return 0, 0, 0, pageFault(access, vaddr)
		}

		ppn := (pte >> 10) & ((1 << PpnBits) - 1)
		if pte&(PteR|PteX) == 0 {
			if level == 0 {
				return 0, 0, 0, pageFault(access, vaddr)
			}
			tableAddr = ppn << PageShift
			continue
		}

		// Leaf. Superpages must be aligned to their size.
		mask := uint64(1)<<(level*VpnBits) - 1
		if ppn&mask != 0 {
			return 0, 0, 0, pageFault(access, vaddr)
		}
		if err := mmu.checkPermissions(pte, access, vaddr); err != nil {
			return 0, 0, 0, err
		}

		if pte&PteA == 0 || (access == AccessWrite && pte&PteD == 0) {
			pte |= PteA
			if access == AccessWrite {
				pte |= PteD
			}
			if err := mmu.cpu.Bus.Write64(pteAddr, pte); err != nil {
				return 0, 0, 0, accessFault(access, vaddr)
			}
		}

		pageSize := uint64(PageSize) << (level * VpnBits)
		ppn = (ppn &^ mask) | ((vaddr >> PageShift) & mask)
		return (ppn << PageShift) | (vaddr & (PageSize - 1)), pte, pageSize, nil
	}

	return 0, 0, 0, pageFault(access, vaddr)
}

func (mmu *MMU) checkPermissions(pte uint64, access Access, vaddr uint64) error {
	if mmu.cpu.Priv == PrivUser {
		if pte&PteU == 0 {
			return pageFault(access, vaddr)
		}
	} else if pte&PteU != 0 && (access == AccessFetch || mmu.cpu.Sstatus&SstatusSUM == 0) {
		return pageFault(access, vaddr)
	}

	switch access {
	case AccessRead:
		if pte&PteR == 0 && !(mmu.cpu.Sstatus&SstatusMXR != 0 && pte&PteX != 0) {
			return pageFault(access, vaddr)
		}
	case AccessWrite:
		if pte&PteW == 0 {
			return pageFault(access, vaddr)
		}
	case AccessFetch:
		if pte&PteX == 0 {
			return pageFault(access, vaddr)
		}
	}
	return nil
}

func pageFault(access Access, vaddr uint64) error {
	switch access {
	case AccessWrite:
		return Exception(CauseStorePageFault, vaddr)
	case AccessFetch:
		return Exception(CauseInsnPageFault, vaddr)
	default:
		return Exception(CauseLoadPageFault, vaddr)
	}
}

func accessFault(access Access, vaddr uint64) error {
	switch access {
	case AccessWrite:
		return Exception(CauseStoreAccessFault, vaddr)
	case AccessFetch:
		return Exception(CauseInsnAccessFault, vaddr)
	default:
		return Exception(CauseLoadAccessFault, vaddr)
	}
}
