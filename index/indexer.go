// Package index implements the indexer driver that streams parser events
// into the memory/sequential/by-PC trees, and the query layer (Navigator)
// that reads back a finished index.
package index

import (
	"tarmacidx/arena"
	"tarmacidx/memtree"
	"tarmacidx/pctree"
	"tarmacidx/progress"
	"tarmacidx/seqtree"
	"tarmacidx/trace"
)

type regWrite struct {
	reg   string
	bytes []byte
}

type memWrite struct {
	addr  uint64
	bytes []byte
	read  bool
}

// group accumulates one retired instruction's effects until the next
// retire (or end of stream) closes it.
type group struct {
	firstLine  seqtree.Line
	lineExtent uint32
	bytePos    int64
	byteExtent uint32
	pc         uint64
	hasPC      bool
	depth      uint32

	regWrites []regWrite
	memWrites []memWrite
}

// Indexer streams parser events and builds the three persistent trees,
// advancing memroot/depth/time as it goes.
type Indexer struct {
	ar   *arena.Arena
	mem  *memtree.Tree
	seq  *seqtree.Tree
	bypc *pctree.Tree

	memRoot  arena.Off
	seqRoot  arena.Off
	bypcRoot arena.Off

	depth uint32
	time  uint32

	pending *group

	// Progress is an optional metering sink, ticked once per closed group.
	Progress *progress.Meter
}

// NewIndexer builds an Indexer writing into ar.
func NewIndexer(ar *arena.Arena) *Indexer {
	return &Indexer{
		ar:   ar,
		mem:  memtree.New(ar),
		seq:  seqtree.New(ar),
		bypc: pctree.New(ar),
	}
}

// Feed applies one parsed trace event. lineNo, bytePos, and byteExtent
// describe the physical trace line the event came from.
func (ix *Indexer) Feed(ev trace.Event, lineNo seqtree.Line, bytePos int64, byteExtent int) error {
	switch ev.Kind {
	case trace.KindCallHint:
		if ev.IsCallHint {
			ix.depth++
		}
		if ev.IsReturn && ix.depth > 0 {
			ix.depth--
		}
		return nil

	case trace.KindInstructionRetire:
		if err := ix.closeGroup(); err != nil {
			return err
		}
		ix.pending = &group{
			firstLine:  lineNo,
			lineExtent: 1,
			bytePos:    bytePos,
			byteExtent: uint32(byteExtent),
			pc:         ev.PC,
			hasPC:      true,
			depth:      ix.depth,
		}
		return nil

	case trace.KindRegisterWrite:
		if ix.pending == nil {
			return nil
		}
		ix.pending.regWrites = append(ix.pending.regWrites, regWrite{reg: ev.Reg, bytes: ev.Bytes})
		ix.pending.lineExtent++
		return nil

	case trace.KindMemoryAccess:
		if ix.pending == nil {
			return nil
		}
		ix.pending.memWrites = append(ix.pending.memWrites, memWrite{addr: ev.Addr, bytes: ev.Bytes, read: ev.Read})
		ix.pending.lineExtent++
		return nil
	}
	return nil
}

// closeGroup applies the pending group's writes to the memory snapshot and
// stamps sequential/by-PC entries for it.
func (ix *Indexer) closeGroup() error {
	g := ix.pending
	if g == nil {
		return nil
	}

	for _, rw := range g.regWrites {
		prefix, idx, ok := parseRegName(rw.reg)
		if !ok {
			continue // unresolved register name: skipped
		}
		offset, _, ok := ix.regOffset(prefix, idx)
		if !ok {
			continue
		}
		newRoot, err := ix.mem.Write(ix.memRoot, memtree.SpaceRegister, offset, rw.bytes, g.firstLine)
		if err != nil {
			return err
		}
		ix.memRoot = newRoot
	}

	for _, mw := range g.memWrites {
		if mw.read {
			continue
		}
		newRoot, err := ix.mem.Write(ix.memRoot, memtree.SpaceMemory, mw.addr, mw.bytes, g.firstLine)
		if err != nil {
			return err
		}
		ix.memRoot = newRoot
	}

	pc := g.pc
	if !g.hasPC {
		pc = seqtree.KnownInvalidPC
	}
	sp := seqtree.Payload{
		FirstLine:  g.firstLine,
		LineExtent: g.lineExtent,
		BytePos:    g.bytePos,
		ByteExtent: g.byteExtent,
		ModTime:    ix.time,
		PC:         pc,
		MemoryRoot: ix.memRoot,
		CallDepth:  g.depth,
		Retired:    g.hasPC,
	}
	newSeqRoot, err := ix.seq.Insert(ix.seqRoot, sp)
	if err != nil {
		return err
	}
	ix.seqRoot = newSeqRoot

	if pc != seqtree.KnownInvalidPC {
		newBypcRoot, err := ix.bypc.Insert(ix.bypcRoot, pc, g.firstLine)
		if err != nil {
			return err
		}
		ix.bypcRoot = newBypcRoot
	}

	ix.time++
	if ix.Progress != nil {
		ix.Progress.Tick()
	}
	ix.pending = nil
	return nil
}

// regOffset resolves a parsed register (prefix, index) to its byte offset
// and width, consulting iflags for dependent classes.
func (ix *Indexer) regOffset(prefix string, index int) (offset uint64, size uint64, ok bool) {
	cls, ok := classByPrefix(prefix)
	if !ok || index < 0 || index >= cls.Count {
		return 0, 0, false
	}
	if cls.SlotStride == 0 {
		iflags, _, _, err := ix.mem.Read(ix.memRoot, memtree.SpaceRegister, iflagsOffset, 4)
		isAArch64 := err == nil && len(iflags) == 4 && iflags[0]&1 != 0
		return resolveDependent(prefix, index, isAArch64)
	}
	return cls.BaseOffset + uint64(index)*cls.SlotStride, cls.SlotSize, true
}

// FeedParseFailure records a trace line the parser could not interpret. It
// still closes any pending group and opens a fresh one spanning this line
// with default (unknown-PC) fields, so line and byte accounting carries on
// exactly as if the line had parsed into an empty event.
func (ix *Indexer) FeedParseFailure(lineNo seqtree.Line, bytePos int64, byteExtent int) error {
	if err := ix.closeGroup(); err != nil {
		return err
	}
	ix.pending = &group{
		firstLine:  lineNo,
		lineExtent: 1,
		bytePos:    bytePos,
		byteExtent: uint32(byteExtent),
		depth:      ix.depth,
	}
	return nil
}

// Finish flushes any pending group and the footer roots. Callers still
// need to call arena.Arena.CommitRoot/Finalize themselves.
func (ix *Indexer) Finish() error {
	if err := ix.closeGroup(); err != nil {
		return err
	}
	if ix.Progress != nil {
		return ix.Progress.Flush()
	}
	return nil
}

// Roots returns the final sequential and by-PC tree roots, for
// arena.Arena.CommitRoot.
func (ix *Indexer) Roots() (seqRoot, bypcRoot arena.Off) {
	return ix.seqRoot, ix.bypcRoot
}

// SetIFlags writes the iflags pseudo-register directly, bypassing the
// normal register-write path. Callers typically do this once up front
// from image metadata (e.g. ELF class) before streaming begins.
func (ix *Indexer) SetIFlags(isAArch64 bool, atLine seqtree.Line) error {
	var b byte
	if isAArch64 {
		b = 1
	}
	newRoot, err := ix.mem.Write(ix.memRoot, memtree.SpaceRegister, iflagsOffset, []byte{b, 0, 0, 0}, atLine)
	if err != nil {
		return err
	}
	ix.memRoot = newRoot
	return nil
}
