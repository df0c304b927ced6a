package arena

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCreateFinalizeOpenRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idx.bin")

	a, err := Create(path, true, false)
	if err != nil {
		t.Log(err.Error())
		t.FailNow()
	}

	off1, err := a.Allocate([]byte("hello"))
	if err != nil {
		t.Log(err.Error())
		t.FailNow()
	}
	off2, err := a.Allocate([]byte("world!!"))
	if err != nil {
		t.Log(err.Error())
		t.FailNow()
	}
	if off1 == off2 {
		t.Log("expected distinct offsets")
		t.FailNow()
	}

	a.CommitRoot(off1, off2, 7)
	if err := a.Finalize(); err != nil {
		t.Log(err.Error())
		t.FailNow()
	}
	if err := a.Close(); err != nil {
		t.Log(err.Error())
		t.FailNow()
	}

	b, err := Open(path)
	if err != nil {
		t.Log(err.Error())
		t.FailNow()
	}
	defer b.Close()

	if !b.IsAArch64() {
		t.Log("expected is_aarch64 flag to round-trip as true")
		t.FailNow()
	}

	seqRoot, bypcRoot, lineNoOffset := b.Roots()
	if seqRoot != off1 || bypcRoot != off2 || lineNoOffset != 7 {
		t.Log("roots did not round-trip:", seqRoot, bypcRoot, lineNoOffset)
		t.FailNow()
	}

	got, err := b.ReadBytes(off1, len("hello"))
	if err != nil {
		t.Log(err.Error())
		t.FailNow()
	}
	if string(got) != "hello" {
		t.Log("read back", string(got), "expected hello")
		t.FailNow()
	}
}

func TestOpenRejectsCorruptFooter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idx.bin")

	a, err := Create(path, false, false)
	if err != nil {
		t.Log(err.Error())
		t.FailNow()
	}
	a.CommitRoot(0, 0, 0)
	if err := a.Finalize(); err != nil {
		t.Log(err.Error())
		t.FailNow()
	}
	if err := a.Close(); err != nil {
		t.Log(err.Error())
		t.FailNow()
	}

	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		t.Log(err.Error())
		t.FailNow()
	}
	fi, err := f.Stat()
	if err != nil {
		t.Log(err.Error())
		t.FailNow()
	}
	// overwrite the first byte of the footer's "EOTI" tail marker
	if _, err := f.WriteAt([]byte{0xff}, fi.Size()-footerSize+20); err != nil {
		t.Log(err.Error())
		t.FailNow()
	}
	f.Close()

	if _, err := Open(path); err != ErrStaleIndex {
		t.Log("expected ErrStaleIndex, got", err)
		t.FailNow()
	}
}

func TestAbortRemovesPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idx.bin")

	a, err := Create(path, false, false)
	if err != nil {
		t.Log(err.Error())
		t.FailNow()
	}
	if _, err := a.Allocate([]byte("partial")); err != nil {
		t.Log(err.Error())
		t.FailNow()
	}
	if err := a.Abort(); err != nil {
		t.Log(err.Error())
		t.FailNow()
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Log("expected file to be removed after Abort")
		t.FailNow()
	}
}

func TestAllocateGrowsBeyondInitialCapacity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idx.bin")
	a, err := Create(path, false, false)
	if err != nil {
		t.Log(err.Error())
		t.FailNow()
	}
	defer a.Abort()

	big := make([]byte, initialCapacity+1024)
	off, err := a.Allocate(big)
	if err != nil {
		t.Log(err.Error())
		t.FailNow()
	}
	got, err := a.ReadBytes(off, len(big))
	if err != nil {
		t.Log(err.Error())
		t.FailNow()
	}
	if len(got) != len(big) {
		t.Log("got", len(got), "bytes, expected", len(big))
		t.FailNow()
	}
}
