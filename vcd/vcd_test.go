package vcd

import (
	"path/filepath"
	"strings"
	"testing"

	"tarmacidx/arena"
	"tarmacidx/index"
	"tarmacidx/trace"
)

func buildNavigator(t *testing.T) *index.Navigator {
	t.Helper()
	path := filepath.Join(t.TempDir(), "idx.bin")

	ar, err := arena.Create(path, false, false)
	if err != nil {
		t.Log(err.Error())
		t.FailNow()
	}
	ix := index.NewIndexer(ar)

	feed := func(ev trace.Event, line uint32) {
		if err := ix.Feed(ev, line, int64(line), 1); err != nil {
			t.Log(err.Error())
			t.FailNow()
		}
	}

	feed(trace.Event{Kind: trace.KindInstructionRetire, PC: 0x1000}, 1)
	feed(trace.Event{Kind: trace.KindRegisterWrite, Reg: "r0", Bytes: []byte{1, 0, 0, 0}}, 1)
	feed(trace.Event{Kind: trace.KindInstructionRetire, PC: 0x1004}, 2)
	feed(trace.Event{Kind: trace.KindRegisterWrite, Reg: "r0", Bytes: []byte{2, 0, 0, 0}}, 2)
	feed(trace.Event{Kind: trace.KindMemoryAccess, Addr: 0x3000, Bytes: []byte{0x42}}, 2)
	feed(trace.Event{Kind: trace.KindInstructionRetire, PC: 0x1008}, 3)

	if err := ix.Finish(); err != nil {
		t.Log(err.Error())
		t.FailNow()
	}
	seqRoot, bypcRoot := ix.Roots()
	ar.CommitRoot(seqRoot, bypcRoot, 0)
	if err := ar.Finalize(); err != nil {
		t.Log(err.Error())
		t.FailNow()
	}
	if err := ar.Close(); err != nil {
		t.Log(err.Error())
		t.FailNow()
	}

	opened, err := arena.Open(path)
	if err != nil {
		t.Log(err.Error())
		t.FailNow()
	}
	t.Cleanup(func() { opened.Close() })
	return index.OpenNavigator(opened, nil)
}

func TestDumpEmitsHeaderAndValueChanges(t *testing.T) {
	nav := buildNavigator(t)

	var buf strings.Builder
	err := Dump(nav, &buf, DumpOptions{
		Registers: []string{"r0"},
		Memory:    []MemWatch{{Name: "mem3000", Addr: 0x3000, Size: 1}},
	})
	if err != nil {
		t.Log(err.Error())
		t.FailNow()
	}
	out := buf.String()

	if !strings.Contains(out, "$timescale 1ns $end") {
		t.Log("missing default timescale header:", out)
		t.FailNow()
	}
	if !strings.Contains(out, "$scope module tarmacidx $end") {
		t.Log("missing default scope header:", out)
		t.FailNow()
	}
	if strings.Count(out, "$var wire") != 2 {
		t.Log("expected 2 $var declarations (r0, mem3000):", out)
		t.FailNow()
	}
	if !strings.Contains(out, "$dumpvars") {
		t.Log("missing $dumpvars:", out)
		t.FailNow()
	}

	// r0 changes value from line 1 (1) to line 2 (2), so there must be more
	// than one "#time" block.
	if strings.Count(out, "\n#") < 2 {
		t.Log("expected at least one #time marker beyond the initial dump:", out)
		t.FailNow()
	}
}

func TestDumpSkipsNeverDefinedRegisters(t *testing.T) {
	nav := buildNavigator(t)

	var buf strings.Builder
	err := Dump(nav, &buf, DumpOptions{Registers: []string{"x5"}})
	if err != nil {
		t.Log(err.Error())
		t.FailNow()
	}
	out := buf.String()
	if strings.Contains(out, "$var wire") {
		t.Log("expected no $var declarations for a register never written:", out)
		t.FailNow()
	}
}

func TestDumpCustomTimescaleAndScope(t *testing.T) {
	nav := buildNavigator(t)

	var buf strings.Builder
	err := Dump(nav, &buf, DumpOptions{
		Registers: []string{"r0"},
		Timescale: "10ns",
		ScopeName: "mytrace",
	})
	if err != nil {
		t.Log(err.Error())
		t.FailNow()
	}
	out := buf.String()
	if !strings.Contains(out, "$timescale 10ns $end") {
		t.Log("custom timescale missing:", out)
		t.FailNow()
	}
	if !strings.Contains(out, "$scope module mytrace $end") {
		t.Log("custom scope missing:", out)
		t.FailNow()
	}
}

func TestIdentAllocIsDenseAndOrdered(t *testing.T) {
	a := &identAlloc{}
	first := a.alloc()
	second := a.alloc()
	if first == second {
		t.Log("identAlloc produced duplicate identifiers")
		t.FailNow()
	}
	if len(first) != 1 || first[0] != '!' {
		t.Log("first identifier =", first, "expected \"!\"")
		t.FailNow()
	}
}

func TestWriteValueUndefinedIsX(t *testing.T) {
	var buf strings.Builder
	s := &signal{id: "!", bits: 4, lastOK: false}
	if err := writeValue(&buf, s); err != nil {
		t.Log(err.Error())
		t.FailNow()
	}
	if buf.String() != "bxxxx !\n" {
		t.Log("writeValue(undefined) =", buf.String(), "expected bxxxx !")
		t.FailNow()
	}
}

func TestWriteValueEncodesBinary(t *testing.T) {
	var buf strings.Builder
	s := &signal{id: "\"", bits: 8, lastOK: true, last: []byte{0x05}}
	if err := writeValue(&buf, s); err != nil {
		t.Log(err.Error())
		t.FailNow()
	}
	if buf.String() != "b00000101 \"\n" {
		t.Log("writeValue(5) =", buf.String(), "expected b00000101 \\\"")
		t.FailNow()
	}
}
