package sv39

// BootParams describes one boot: where the image was loaded, where it was
// linked and which leaf sizes it may use.
type BootParams struct {
	Physical      uint64
	Virtual       uint64
	Size          uint64
	Granularities GranularitySet
	Flags         PTE
	Policy        Policy
}

// BootTables is the typed equivalent of what the trampoline leaves in
// memory.
type BootTables struct {
	Granularity Granularity
	Tree        *Tree
}

// BuildBoot selects the alignment path and builds the identity window
// followed by the relocation window. It returns ErrUnsupportedAlignment
// where the trampoline would halt.
func BuildBoot(mem Memory, scratch *Scratch, p BootParams) (*BootTables, error) {
	set := p.Granularities
	if set == 0 {
		set = DefaultGranularities
	}
	g, err := SelectGranularity(set, p.Physical, p.Virtual)
	if err != nil {
		return nil, err
	}
	tree, err := Build(mem, scratch, p.Policy, BootWindows(p.Physical, p.Virtual, p.Size, g, p.Flags)...)
	if err != nil {
		return nil, err
	}
	return &BootTables{Granularity: g, Tree: tree}, nil
}
