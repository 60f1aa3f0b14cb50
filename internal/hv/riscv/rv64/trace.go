package rv64

// Trace is a bounded ring of fetched PCs.
type Trace struct {
	pcs   []uint64
	next  int
	total uint64
}

// NewTrace keeps the last capacity PCs.
func NewTrace(capacity int) *Trace {
	if capacity <= 0 {
		capacity = 1
	}
	return &Trace{pcs: make([]uint64, 0, capacity)}
}

// Record appends pc, evicting the oldest entry once full.
func (t *Trace) Record(pc uint64) {
	t.total++
	if len(t.pcs) < cap(t.pcs) {
		t.pcs = append(t.pcs, pc)
		return
	}
	t.pcs[t.next] = pc
	t.next = (t.next + 1) % len(t.pcs)
}

// PCs returns the recorded PCs, oldest first.
func (t *Trace) PCs() []uint64 {
	out := make([]uint64, 0, len(t.pcs))
	out = append(out, t.pcs[t.next:]...)
	out = append(out, t.pcs[:t.next]...)
	return out
}

// Total is the number of PCs recorded since the last reset, including
// evicted ones.
func (t *Trace) Total() uint64 { return t.total }

func (t *Trace) Reset() {
	t.pcs = t.pcs[:0]
	t.next = 0
	t.total = 0
}
