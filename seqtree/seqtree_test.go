package seqtree

import (
	"path/filepath"
	"testing"

	"tarmacidx/arena"
)

func newTestArena(t *testing.T) *arena.Arena {
	t.Helper()
	path := filepath.Join(t.TempDir(), "t.bin")
	a, err := arena.Create(path, false, false)
	if err != nil {
		t.Log(err.Error())
		t.FailNow()
	}
	return a
}

// buildLine inserts n payloads at depths given by depths[i], one per line
// starting at 1, each contributing one instruction.
func buildLine(t *testing.T, tr *Tree, depths []uint32) arena.Off {
	t.Helper()
	var root arena.Off
	var err error
	for i, d := range depths {
		p := Payload{
			FirstLine:  Line(i + 1),
			LineExtent: 1,
			ModTime:    uint32(i),
			PC:         uint64(0x1000 + i),
			CallDepth:  d,
			Retired:    true,
		}
		root, err = tr.Insert(root, p)
		if err != nil {
			t.Log(err.Error())
			t.FailNow()
		}
	}
	return root
}

func TestNodeAtLine(t *testing.T) {
	a := newTestArena(t)
	defer a.Abort()
	tr := New(a)

	root := buildLine(t, tr, []uint32{0, 0, 1, 1, 0})

	p, ok, err := tr.NodeAtLine(root, 3)
	if err != nil || !ok || p.FirstLine != 3 || p.CallDepth != 1 {
		t.Log("NodeAtLine(3) =>", p, ok, err)
		t.FailNow()
	}

	_, ok, err = tr.NodeAtLine(root, 100)
	if err != nil {
		t.Log(err.Error())
		t.FailNow()
	}
	if ok {
		t.Log("NodeAtLine(100) unexpectedly found a node")
		t.FailNow()
	}
}

func TestNodeAtTime(t *testing.T) {
	a := newTestArena(t)
	defer a.Abort()
	tr := New(a)

	root := buildLine(t, tr, []uint32{0, 0, 1, 1, 0})

	p, ok, err := tr.NodeAtTime(root, 2)
	if err != nil || !ok || p.FirstLine != 3 || p.ModTime != 2 {
		t.Log("NodeAtTime(2) =>", p, ok, err)
		t.FailNow()
	}

	_, ok, err = tr.NodeAtTime(root, 100)
	if err != nil {
		t.Log(err.Error())
		t.FailNow()
	}
	if ok {
		t.Log("NodeAtTime(100) unexpectedly found a node")
		t.FailNow()
	}
}

func TestPreviousNextNode(t *testing.T) {
	a := newTestArena(t)
	defer a.Abort()
	tr := New(a)

	root := buildLine(t, tr, []uint32{0, 0, 0, 0})

	p, ok, err := tr.NextNode(root, 2)
	if err != nil || !ok || p.FirstLine != 3 {
		t.Log("NextNode(2) =>", p, ok, err, "expected line 3")
		t.FailNow()
	}

	p, ok, err = tr.PreviousNode(root, 3)
	if err != nil || !ok || p.FirstLine != 2 {
		t.Log("PreviousNode(3) =>", p, ok, err, "expected line 2")
		t.FailNow()
	}

	first, ok, err := tr.FindBufferLimit(root, -1)
	if err != nil || !ok || first.FirstLine != 1 {
		t.Log("FindBufferLimit(-1) =>", first, ok, err, "expected line 1")
		t.FailNow()
	}
	last, ok, err := tr.FindBufferLimit(root, +1)
	if err != nil || !ok || last.FirstLine != 4 {
		t.Log("FindBufferLimit(+1) =>", last, ok, err, "expected line 4")
		t.FailNow()
	}
}

// TestLRTRankSelectDuality exercises the S6-style call sequence
// main -> f -> g -> (return) -> h -> (return return), expressed directly as
// depths rather than via the indexer's call-hint bookkeeping.
func TestLRTRankSelectDuality(t *testing.T) {
	a := newTestArena(t)
	defer a.Abort()
	tr := New(a)

	// line: 1=main(0) 2=f(1) 3=g(2) 4=h(1) 5=main(0)
	depths := []uint32{0, 1, 2, 1, 0}
	root := buildLine(t, tr, depths)

	total, err := tr.LRTRank(root, 6, 0, 2)
	if err != nil {
		t.Log(err.Error())
		t.FailNow()
	}
	// depth 0 or 1 at lines 1,2,4,5 => 4 lines.
	if total != 4 {
		t.Log("LRTRank(depth in [0,2)) =", total, "expected 4")
		t.FailNow()
	}

	for k := uint64(0); k < total; k++ {
		p, ok, err := tr.LRTSelect(root, k, 0, 2)
		if err != nil || !ok {
			t.Log("LRTSelect(", k, ") =>", p, ok, err)
			t.FailNow()
		}
		rank, err := tr.LRTRank(root, p.FirstLine, 0, 2)
		if err != nil {
			t.Log(err.Error())
			t.FailNow()
		}
		if rank != k {
			t.Log("LRTRank(LRTSelect(", k, ")) =", rank, "expected", k)
			t.FailNow()
		}
	}
}

func TestNextTransition(t *testing.T) {
	a := newTestArena(t)
	defer a.Abort()
	tr := New(a)

	// line: 1=main(0) 2=f(1) 3=g(2) 4=h(1) 5=main(0)
	depths := []uint32{0, 1, 2, 1, 0}
	root := buildLine(t, tr, depths)

	next, ok, err := tr.NextTransition(root, 1, 0)
	if err != nil || !ok || next != 2 {
		t.Log("NextTransition(1, depth 0) =>", next, ok, err, "expected 2 (callee-enter)")
		t.FailNow()
	}

	next, ok, err = tr.NextTransition(root, 2, 1)
	if err != nil || !ok {
		t.Log("NextTransition(2, depth 1) =>", next, ok, err)
		t.FailNow()
	}
	// from line 2 at depth 1: line 3 goes deeper (callee-enter) — nearer than
	// the depth<1 return at line 5.
	if next != 3 {
		t.Log("NextTransition(2, depth 1) =", next, "expected 3")
		t.FailNow()
	}
}

func TestHeightTracksInsertOrder(t *testing.T) {
	a := newTestArena(t)
	defer a.Abort()
	tr := New(a)

	depths := make([]uint32, 500)
	root := buildLine(t, tr, depths)

	h, err := tr.Height(root)
	if err != nil {
		t.Log(err.Error())
		t.FailNow()
	}
	if h <= 0 {
		t.Log("height", h, "expected > 0 for a non-empty tree")
		t.FailNow()
	}
}
