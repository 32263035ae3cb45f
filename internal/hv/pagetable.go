package hv

import (
	"fmt"
	"sync/atomic"

	"github.com/google/btree"
)

// Mapping is one installed second-stage translation.
type Mapping struct {
	GPN   uint64
	Frame []byte
	Perm  Perm
}

func (m Mapping) Addr() GuestPhysAddr { return GuestPhysAddr(m.GPN << PageShift) }

// PageTable is the second-stage page-table primitive. Implementations only
// ever grow; there is no unmap.
type PageTable interface {
	// Map installs m. It fails if m.GPN is already present.
	Map(m Mapping) error
	Lookup(gpn uint64) (Mapping, bool)

	// Root is the value written into hgatp, nCR3 or TTBR0.
	Root() uint64

	Len() int

	// Walk visits mappings in ascending guest page order until fn returns false.
	Walk(fn func(m Mapping) bool)
}

const pageTableDegree = 16

// rootSeq hands out distinct page-aligned root identifiers.
var rootSeq atomic.Uint64

func init() {
	rootSeq.Store(0x10_0000)
}

type btreePageTable struct {
	tree *btree.BTreeG[Mapping]
	root uint64
}

// NewPageTable returns a PageTable backed by an ordered B-tree keyed on the
// guest page number.
func NewPageTable() PageTable {
	return &btreePageTable{
		tree: btree.NewG(pageTableDegree, func(a, b Mapping) bool { return a.GPN < b.GPN }),
		root: rootSeq.Add(1) << PageShift,
	}
}

func (t *btreePageTable) Map(m Mapping) error {
	if len(m.Frame) != PageSize {
		return fmt.Errorf("pagetable: frame for %s is %d bytes, want %d", m.Addr(), len(m.Frame), PageSize)
	}
	if t.tree.Has(Mapping{GPN: m.GPN}) {
		return fmt.Errorf("pagetable: %s: %w", m.Addr(), ErrAlreadyMapped)
	}
	t.tree.ReplaceOrInsert(m)
	return nil
}

func (t *btreePageTable) Lookup(gpn uint64) (Mapping, bool) {
	return t.tree.Get(Mapping{GPN: gpn})
}

func (t *btreePageTable) Root() uint64 { return t.root }
func (t *btreePageTable) Len() int     { return t.tree.Len() }

func (t *btreePageTable) Walk(fn func(m Mapping) bool) {
	t.tree.Ascend(func(m Mapping) bool { return fn(m) })
}

var (
	_ PageTable = &btreePageTable{}
)
