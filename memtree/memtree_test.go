package memtree

import (
	"bytes"
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

func TestWriteReadRoundTrip(t *testing.T) {
	a := newTestArena(t)
	defer a.Abort()
	tr := New(a)

	root, err := tr.Write(0, SpaceMemory, 0x1000, []byte{1, 2, 3, 4}, 10)
	if err != nil {
		t.Log(err.Error())
		t.FailNow()
	}

	data, defined, lastLine, err := tr.Read(root, SpaceMemory, 0x1000, 4)
	if err != nil {
		t.Log(err.Error())
		t.FailNow()
	}
	if !bytes.Equal(data, []byte{1, 2, 3, 4}) {
		t.Log("read back", data, "expected [1 2 3 4]")
		t.FailNow()
	}
	for i, d := range defined {
		if !d {
			t.Log("byte", i, "not defined")
			t.FailNow()
		}
	}
	if lastLine != 10 {
		t.Log("lastLine =", lastLine, "expected 10")
		t.FailNow()
	}
}

func TestReadUndefinedGap(t *testing.T) {
	a := newTestArena(t)
	defer a.Abort()
	tr := New(a)

	root, err := tr.Write(0, SpaceMemory, 0x2000, []byte{0xaa, 0xbb}, 1)
	if err != nil {
		t.Log(err.Error())
		t.FailNow()
	}

	// read a window that only partially overlaps the written bytes.
	data, defined, _, err := tr.Read(root, SpaceMemory, 0x1ffe, 6)
	if err != nil {
		t.Log(err.Error())
		t.FailNow()
	}
	want := []bool{false, false, true, true, false, false}
	for i := range want {
		if defined[i] != want[i] {
			t.Log("defined mismatch at", i, ":", defined, "expected", want)
			t.FailNow()
		}
	}
	if data[2] != 0xaa || data[3] != 0xbb {
		t.Log("overlapping bytes wrong:", data)
		t.FailNow()
	}
}

func TestOverlappingWriteShavesPredecessor(t *testing.T) {
	a := newTestArena(t)
	defer a.Abort()
	tr := New(a)

	root, err := tr.Write(0, SpaceMemory, 0x1000, []byte{1, 2, 3, 4, 5, 6, 7, 8}, 1)
	if err != nil {
		t.Log(err.Error())
		t.FailNow()
	}
	// overwrite the middle 4 bytes with a later write.
	root, err = tr.Write(root, SpaceMemory, 0x1002, []byte{0xff, 0xff, 0xff, 0xff}, 2)
	if err != nil {
		t.Log(err.Error())
		t.FailNow()
	}

	data, defined, _, err := tr.Read(root, SpaceMemory, 0x1000, 8)
	if err != nil {
		t.Log(err.Error())
		t.FailNow()
	}
	want := []byte{1, 2, 0xff, 0xff, 0xff, 0xff, 7, 8}
	if !bytes.Equal(data, want) {
		t.Log("read back", data, "expected", want)
		t.FailNow()
	}
	for i, d := range defined {
		if !d {
			t.Log("byte", i, "unexpectedly undefined")
			t.FailNow()
		}
	}
}

func TestWriteIsPersistentAcrossRoots(t *testing.T) {
	a := newTestArena(t)
	defer a.Abort()
	tr := New(a)

	root1, err := tr.Write(0, SpaceMemory, 0x100, []byte{1}, 1)
	if err != nil {
		t.Log(err.Error())
		t.FailNow()
	}
	root2, err := tr.Write(root1, SpaceMemory, 0x100, []byte{2}, 2)
	if err != nil {
		t.Log(err.Error())
		t.FailNow()
	}

	d1, _, _, err := tr.Read(root1, SpaceMemory, 0x100, 1)
	if err != nil {
		t.Log(err.Error())
		t.FailNow()
	}
	if d1[0] != 1 {
		t.Log("root1 mutated: read", d1[0], "expected 1")
		t.FailNow()
	}

	d2, _, _, err := tr.Read(root2, SpaceMemory, 0x100, 1)
	if err != nil {
		t.Log(err.Error())
		t.FailNow()
	}
	if d2[0] != 2 {
		t.Log("root2 read", d2[0], "expected 2")
		t.FailNow()
	}
}

func TestFindNextMod(t *testing.T) {
	a := newTestArena(t)
	defer a.Abort()
	tr := New(a)

	root, err := tr.Write(0, SpaceMemory, 0x100, []byte{1}, 5)
	if err != nil {
		t.Log(err.Error())
		t.FailNow()
	}
	root, err = tr.Write(root, SpaceMemory, 0x200, []byte{2}, 9)
	if err != nil {
		t.Log(err.Error())
		t.FailNow()
	}
	root, err = tr.Write(root, SpaceMemory, 0x300, []byte{3}, 3)
	if err != nil {
		t.Log(err.Error())
		t.FailNow()
	}

	r, ok, err := tr.FindNextMod(root, SpaceMemory, 0, 6, 1)
	if err != nil {
		t.Log(err.Error())
		t.FailNow()
	}
	if !ok || r.Lo != 0x200 {
		t.Log("FindNextMod forward =>", r, ok, "expected 0x200")
		t.FailNow()
	}

	r, ok, err = tr.FindNextMod(root, SpaceMemory, 0, 0, -1)
	if err != nil {
		t.Log(err.Error())
		t.FailNow()
	}
	if !ok || r.Lo != 0x300 {
		t.Log("FindNextMod backward =>", r, ok, "expected 0x300")
		t.FailNow()
	}
}

func TestFindNextModPrunesStaleSubtrees(t *testing.T) {
	a := newTestArena(t)
	defer a.Abort()
	tr := New(a)

	var root arena.Off
	var err error
	writes := []struct {
		lo   uint64
		line Line
	}{
		{0x100, 1}, {0x200, 2}, {0x300, 3}, {0x400, 4},
		{0x500, 5}, {0x600, 6}, {0x700, 7}, {0x800, 20},
	}
	for _, w := range writes {
		root, err = tr.Write(root, SpaceMemory, w.lo, []byte{byte(w.lo)}, w.line)
		if err != nil {
			t.Log(err.Error())
			t.FailNow()
		}
	}

	r, ok, err := tr.FindNextMod(root, SpaceMemory, 0, 20, 1)
	if err != nil {
		t.Log(err.Error())
		t.FailNow()
	}
	if !ok || r.Lo != 0x800 {
		t.Log("FindNextMod forward minLine=20 =>", r, ok, "expected only 0x800 to qualify")
		t.FailNow()
	}

	if _, ok, err := tr.FindNextMod(root, SpaceMemory, 0, 21, 1); err != nil {
		t.Log(err.Error())
		t.FailNow()
	} else if ok {
		t.Log("expected no range to satisfy minLine=21")
		t.FailNow()
	}
}

func TestRegisterAndMemorySpacesAreDisjoint(t *testing.T) {
	a := newTestArena(t)
	defer a.Abort()
	tr := New(a)

	root, err := tr.Write(0, SpaceMemory, 0, []byte{1, 2, 3, 4}, 1)
	if err != nil {
		t.Log(err.Error())
		t.FailNow()
	}
	root, err = tr.Write(root, SpaceRegister, 0, []byte{9, 9, 9, 9}, 1)
	if err != nil {
		t.Log(err.Error())
		t.FailNow()
	}

	mem, _, _, err := tr.Read(root, SpaceMemory, 0, 4)
	if err != nil {
		t.Log(err.Error())
		t.FailNow()
	}
	if !bytes.Equal(mem, []byte{1, 2, 3, 4}) {
		t.Log("memory space clobbered by register write:", mem)
		t.FailNow()
	}

	reg, _, _, err := tr.Read(root, SpaceRegister, 0, 4)
	if err != nil {
		t.Log(err.Error())
		t.FailNow()
	}
	if !bytes.Equal(reg, []byte{9, 9, 9, 9}) {
		t.Log("register space wrong:", reg)
		t.FailNow()
	}
}
