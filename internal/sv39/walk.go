package sv39

import "fmt"

// Translation is the result of a successful table walk.
type Translation struct {
	Virtual  uint64
	Physical uint64
	Leaf     PTE
	Level    int
	// Path holds the entry read at each level, root first.
	Path []PTE
}

// PageSize is the size of the page or superpage that mapped the address.
func (t Translation) PageSize() uint64 { return LevelSize(t.Level) }

// Translate walks the tree rooted at root the way the MMU would and returns
// the physical address for vaddr. Accessed and dirty bits are neither
// required nor updated.
func Translate(mem Memory, root, vaddr uint64) (Translation, error) {
	if !Canonical(vaddr) {
		return Translation{}, fmt.Errorf("%w: %#x is not canonical", ErrNotMapped, vaddr)
	}

	tr := Translation{Virtual: vaddr}
	table := root
	for level := Levels - 1; level >= 0; level-- {
		idx := Index(level, vaddr)
		v, err := mem.Read64(table + uint64(idx)*8)
		if err != nil {
			return Translation{}, fmt.Errorf("sv39: read L%d[%d] at %#x: %w", level, idx, table, err)
		}
		pte := PTE(v)
		tr.Path = append(tr.Path, pte)

		if !pte.Valid() || (pte&FlagR == 0 && pte&FlagW != 0) {
			return Translation{}, fmt.Errorf("%w: %#x (L%d[%d] = %#x)", ErrNotMapped, vaddr, level, idx, uint64(pte))
		}
		if pte.IsPointer() {
			if level == 0 {
				return Translation{}, fmt.Errorf("%w: %#x (pointer at L0[%d])", ErrNotMapped, vaddr, idx)
			}
			table = pte.Physical()
			continue
		}

		size := LevelSize(level)
		if pte.Physical()&(size-1) != 0 {
			return Translation{}, fmt.Errorf("%w: %#x (misaligned superpage at L%d[%d])", ErrNotMapped, vaddr, level, idx)
		}
		tr.Physical = pte.Physical() | vaddr&(size-1)
		tr.Leaf = pte
		tr.Level = level
		return tr, nil
	}
	return Translation{}, fmt.Errorf("%w: %#x", ErrNotMapped, vaddr)
}

// Leaves reports every leaf reachable from root in virtual address order,
// stopping at the first read error.
func Leaves(mem Memory, root uint64) ([]Translation, error) {
	var out []Translation
	var visit func(table uint64, level int, base uint64, path []PTE) error
	visit = func(table uint64, level int, base uint64, path []PTE) error {
		t, err := ReadTable(mem, table)
		if err != nil {
			return err
		}
		for idx, pte := range t {
			if !pte.Valid() {
				continue
			}
			va := base | uint64(idx)<<(PageShift+vpnBits*level)
			if level == Levels-1 && idx >= EntriesPerTable/2 {
				va |= ^uint64(1<<39 - 1)
			}
			p := append(append([]PTE(nil), path...), pte)
			if pte.IsPointer() {
				if level == 0 {
					continue
				}
				if err := visit(pte.Physical(), level-1, va, p); err != nil {
					return err
				}
				continue
			}
			out = append(out, Translation{Virtual: va, Physical: pte.Physical(), Leaf: pte, Level: level, Path: p})
		}
		return nil
	}
	if err := visit(root, Levels-1, 0, nil); err != nil {
		return nil, err
	}
	return out, nil
}
