package sv39

import (
	"fmt"
)

// Policy decides what the builder does when a leaf it is about to write
// differs from a valid entry already in the slot.
type Policy int

const (
	// PolicyMerge keeps the existing entry and records a Conflict. This is
	// what the generated boot code does.
	PolicyMerge Policy = iota
	// PolicyDetect fails the build with *ConflictError.
	PolicyDetect
)

func (p Policy) String() string {
	switch p {
	case PolicyMerge:
		return "merge"
	case PolicyDetect:
		return "detect"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// TableRef identifies one table page of a Tree.
type TableRef struct {
	Addr  uint64
	Level int
}

// Coverage is a window as the builder actually laid it out.
type Coverage struct {
	Window  Window
	Entries int
	Covered uint64
}

// Tree is the result of building one or more windows.
type Tree struct {
	Root      uint64
	Tables    []TableRef
	Windows   []Coverage
	Conflicts []Conflict
}

// Satp is the value that activates this tree.
func (t *Tree) Satp() uint64 { return Satp(t.Root) }

// Builder installs windows into a table tree rooted at the first scratch
// page. Pointer entries shared by windows are reused; leaves follow Policy.
type Builder struct {
	mem     Memory
	scratch *Scratch
	policy  Policy
	tree    Tree
}

// NewBuilder zeroes the scratch region and allocates the root table.
func NewBuilder(mem Memory, scratch *Scratch, policy Policy) (*Builder, error) {
	if err := scratch.Zero(mem); err != nil {
		return nil, err
	}
	root, err := scratch.Alloc()
	if err != nil {
		return nil, err
	}
	b := &Builder{mem: mem, scratch: scratch, policy: policy}
	b.tree.Root = root
	b.tree.Tables = append(b.tree.Tables, TableRef{Addr: root, Level: Levels - 1})
	return b, nil
}

// Tree returns the tree built so far.
func (b *Builder) Tree() *Tree { return &b.tree }

func (b *Builder) read(table uint64, index int) (PTE, error) {
	v, err := b.mem.Read64(table + uint64(index)*8)
	return PTE(v), err
}

func (b *Builder) write(table uint64, index int, pte PTE) error {
	return b.mem.Write64(table+uint64(index)*8, uint64(pte))
}

func (b *Builder) conflict(c Conflict) error {
	if b.policy == PolicyDetect {
		return &ConflictError{Conflict: c}
	}
	b.tree.Conflicts = append(b.tree.Conflicts, c)
	return nil
}

// BuildWindow walks from the root to the window's leaf level, creating
// pointer tables on the way, then sweeps leaf entries.
func (b *Builder) BuildWindow(w Window) error {
	if err := w.Validate(); err != nil {
		return err
	}

	table := b.tree.Root
	for level := Levels - 1; level > w.Granularity.Level(); level-- {
		idx := Index(level, w.Virtual)
		pte, err := b.read(table, idx)
		if err != nil {
			return fmt.Errorf("window %q: read L%d[%d]: %w", w.Name, level, idx, err)
		}

		switch {
		case pte.IsPointer():
			table = pte.Physical()
		case pte.Valid():
			// A leaf where this window needs a table: the window cannot be
			// installed below it.
			c := Conflict{Window: w.Name, Level: level, Index: idx, Table: table, Existing: pte, Wanted: Pointer(0)}
			if err := b.conflict(c); err != nil {
				return err
			}
			b.tree.Windows = append(b.tree.Windows, Coverage{Window: w})
			return nil
		default:
			next, err := b.scratch.Alloc()
			if err != nil {
				return fmt.Errorf("window %q: L%d table: %w", w.Name, level-1, err)
			}
			if err := b.write(table, idx, Pointer(next)); err != nil {
				return fmt.Errorf("window %q: write L%d[%d]: %w", w.Name, level, idx, err)
			}
			b.tree.Tables = append(b.tree.Tables, TableRef{Addr: next, Level: level - 1})
			table = next
		}
	}

	level := w.Granularity.Level()
	start := Index(level, w.Virtual)
	count := w.LeafCount()
	step := w.Granularity.Size()
	flags := w.leafFlags()

	for k := 0; k < count; k++ {
		idx := start + k
		want := NewPTE(w.Physical+uint64(k)*step, flags)
		have, err := b.read(table, idx)
		if err != nil {
			return fmt.Errorf("window %q: read L%d[%d]: %w", w.Name, level, idx, err)
		}
		switch {
		case !have.Valid():
			if err := b.write(table, idx, want); err != nil {
				return fmt.Errorf("window %q: write L%d[%d]: %w", w.Name, level, idx, err)
			}
		case have == want:
		default:
			c := Conflict{Window: w.Name, Level: level, Index: idx, Table: table, Existing: have, Wanted: want}
			if err := b.conflict(c); err != nil {
				return err
			}
		}
	}

	b.tree.Windows = append(b.tree.Windows, Coverage{Window: w, Entries: count, Covered: w.Covered()})
	return nil
}

// Build zeroes scratch, then installs windows in order.
func Build(mem Memory, scratch *Scratch, policy Policy, windows ...Window) (*Tree, error) {
	b, err := NewBuilder(mem, scratch, policy)
	if err != nil {
		return nil, err
	}
	for _, w := range windows {
		if err := b.BuildWindow(w); err != nil {
			return b.Tree(), err
		}
	}
	return b.Tree(), nil
}
