package flamegraph

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

	// main (depth 0), two lines
	feed(trace.Event{Kind: trace.KindInstructionRetire, PC: 0x1000}, 1)
	feed(trace.Event{Kind: trace.KindCallHint, IsCallHint: true}, 2)
	// f (depth 1), one line
	feed(trace.Event{Kind: trace.KindInstructionRetire, PC: 0x2000}, 3)
	feed(trace.Event{Kind: trace.KindCallHint, IsReturn: true}, 4)
	// back in main (depth 0), one more line, same pc as line 1
	feed(trace.Event{Kind: trace.KindInstructionRetire, PC: 0x1000}, 5)

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

func TestBuildAttributesExclusiveTime(t *testing.T) {
	nav := buildNavigator(t)

	g, err := Build(nav)
	if err != nil {
		t.Log(err.Error())
		t.FailNow()
	}

	counts := g.Counts()
	var total uint64
	for _, c := range counts {
		total += c
	}
	if total != 3 {
		t.Log("total attributed ticks =", total, "expected 3 (one per retired instruction)")
		t.FailNow()
	}

	foundLeaf := false
	for key, c := range counts {
		if strings.Contains(key, ";") && c >= 1 {
			foundLeaf = true
		}
	}
	if !foundLeaf {
		t.Log("expected at least one multi-frame stack:", counts)
		t.FailNow()
	}
}

func TestWriteToEmitsFirstSeenOrder(t *testing.T) {
	nav := buildNavigator(t)
	g, err := Build(nav)
	if err != nil {
		t.Log(err.Error())
		t.FailNow()
	}

	var buf strings.Builder
	if err := g.WriteTo(&buf); err != nil {
		t.Log(err.Error())
		t.FailNow()
	}
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != len(g.order) {
		t.Log("WriteTo emitted", len(lines), "lines, expected", len(g.order))
		t.FailNow()
	}
	for i, key := range g.order {
		if !strings.HasPrefix(lines[i], key+" ") {
			t.Log("line", i, "=", lines[i], "expected prefix", key)
			t.FailNow()
		}
	}
}
