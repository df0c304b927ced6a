package index

import (
	"fmt"

	"tarmacidx/arena"
	"tarmacidx/memtree"
	"tarmacidx/pctree"
	"tarmacidx/seqtree"
	"tarmacidx/symtab"
)

// Navigator is the read-only query layer over a finalized index file.
// Many Navigators may share one Arena's mmap with no locking.
type Navigator struct {
	ar   *arena.Arena
	mem  *memtree.Tree
	seq  *seqtree.Tree
	bypc *pctree.Tree

	symbols *symtab.Table // optional; nil disables symbol queries

	seqRoot  arena.Off
	bypcRoot arena.Off
}

// OpenNavigator builds a Navigator over ar, a finalized arena, optionally
// attaching a symbol table for LookupSymbol/GetSymbolicAddress.
func OpenNavigator(ar *arena.Arena, symbols *symtab.Table) *Navigator {
	seqRoot, bypcRoot, _ := ar.Roots()
	return &Navigator{
		ar:       ar,
		mem:      memtree.New(ar),
		seq:      seqtree.New(ar),
		bypc:     pctree.New(ar),
		symbols:  symbols,
		seqRoot:  seqRoot,
		bypcRoot: bypcRoot,
	}
}

// NodeAtLine returns the sequential node covering line, if any.
func (n *Navigator) NodeAtLine(line seqtree.Line) (seqtree.Payload, bool, error) {
	return n.seq.NodeAtLine(n.seqRoot, line)
}

// NodeAtTime returns the sequential node at the given mod_time.
func (n *Navigator) NodeAtTime(t uint32) (seqtree.Payload, bool, error) {
	return n.seq.NodeAtTime(n.seqRoot, t)
}

// PreviousNode returns the in-order predecessor of the node at line.
func (n *Navigator) PreviousNode(line seqtree.Line) (seqtree.Payload, bool, error) {
	return n.seq.PreviousNode(n.seqRoot, line)
}

// NextNode returns the in-order successor of the node at line.
func (n *Navigator) NextNode(line seqtree.Line) (seqtree.Payload, bool, error) {
	return n.seq.NextNode(n.seqRoot, line)
}

// FindBufferLimit returns the first (sign<0) or last (sign>=0) sequential
// node.
func (n *Navigator) FindBufferLimit(sign int) (seqtree.Payload, bool, error) {
	return n.seq.FindBufferLimit(n.seqRoot, sign)
}

// GetMem reads size bytes at addr from the memory snapshot rooted at
// memroot.
func (n *Navigator) GetMem(memroot arena.Off, space memtree.Space, addr uint64, size int) (data []byte, defined []bool, lastLine seqtree.Line, err error) {
	return n.mem.Read(memroot, space, addr, size)
}

// GetIFlags reads the iflags pseudo-register (bit 0 = AArch64) from the
// snapshot rooted at memroot.
func (n *Navigator) GetIFlags(memroot arena.Off) (uint32, error) {
	data, defined, _, err := n.mem.Read(memroot, memtree.SpaceRegister, iflagsOffset, 4)
	if err != nil {
		return 0, err
	}
	if !defined[0] {
		return 0, nil
	}
	return uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16 | uint32(data[3])<<24, nil
}

// GetRegBytes translates a register name to its (space, offset, width)
// and reads it back, failing if any byte is undefined.
func (n *Navigator) GetRegBytes(memroot arena.Off, regName string) ([]byte, bool, error) {
	prefix, index, ok := parseRegName(regName)
	if !ok {
		return nil, false, nil
	}
	offset, size, ok := n.regOffset(memroot, prefix, index)
	if !ok {
		return nil, false, nil
	}
	data, defined, _, err := n.mem.Read(memroot, memtree.SpaceRegister, offset, int(size))
	if err != nil {
		return nil, false, err
	}
	for _, d := range defined {
		if !d {
			return nil, false, nil
		}
	}
	return data, true, nil
}

// GetRegValue is GetRegBytes folded into a little-endian integer; it fails
// (ok=false) when the register is undefined or wider than 64 bits.
func (n *Navigator) GetRegValue(memroot arena.Off, regName string) (uint64, bool, error) {
	data, ok, err := n.GetRegBytes(memroot, regName)
	if err != nil || !ok {
		return 0, ok, err
	}
	if len(data) > 8 {
		return 0, false, nil
	}
	var v uint64
	for i := len(data) - 1; i >= 0; i-- {
		v = v<<8 | uint64(data[i])
	}
	return v, true, nil
}

func (n *Navigator) regOffset(memroot arena.Off, prefix string, index int) (offset uint64, size uint64, ok bool) {
	cls, ok := classByPrefix(prefix)
	if !ok || index < 0 || index >= cls.Count {
		return 0, 0, false
	}
	if cls.SlotStride == 0 {
		iflags, err := n.GetIFlags(memroot)
		isAArch64 := err == nil && iflags&1 != 0
		return resolveDependent(prefix, index, isAArch64)
	}
	return cls.BaseOffset + uint64(index)*cls.SlotStride, cls.SlotSize, true
}

// FindNextMod delegates to the memory tree's find-next-modification query.
func (n *Navigator) FindNextMod(memroot arena.Off, space memtree.Space, addr uint64, minLine seqtree.Line, direction int) (memtree.Range, bool, error) {
	return n.mem.FindNextMod(memroot, space, addr, minLine, direction)
}

// LookupSymbol resolves a symbol by name (optionally name#N), if a symbol
// table is attached.
func (n *Navigator) LookupSymbol(name string) (symtab.Symbol, bool) {
	if n.symbols == nil {
		return symtab.Symbol{}, false
	}
	return n.symbols.LookupSymbol(name)
}

// GetSymbolicAddress returns the best symbol name covering addr, or a hex
// literal when fallback is set and no symbol or table is available.
func (n *Navigator) GetSymbolicAddress(addr uint64, fallback bool) string {
	if n.symbols == nil {
		if fallback {
			return fmt.Sprintf("0x%x", addr)
		}
		return ""
	}
	return n.symbols.GetSymbolicAddress(addr, fallback)
}

// LRTRank/LRTSelect/LRTTranslate/LRTTranslateMayFail/NextTransition
// delegate to the sequential tree's LRT annotation.

func (n *Navigator) LRTRank(line seqtree.Line, lo, hi uint32) (uint64, error) {
	return n.seq.LRTRank(n.seqRoot, line, lo, hi)
}

func (n *Navigator) LRTSelect(k uint64, lo, hi uint32) (seqtree.Payload, bool, error) {
	return n.seq.LRTSelect(n.seqRoot, k, lo, hi)
}

func (n *Navigator) LRTTranslate(line seqtree.Line, outLo, outHi uint32) (uint64, error) {
	return n.seq.LRTTranslate(n.seqRoot, line, outLo, outHi)
}

func (n *Navigator) LRTTranslateMayFail(line seqtree.Line, outLo, outHi uint32) (uint64, bool, error) {
	return n.seq.LRTTranslateMayFail(n.seqRoot, line, outLo, outHi)
}

func (n *Navigator) NextTransition(line seqtree.Line, depth uint32) (seqtree.Line, bool, error) {
	return n.seq.NextTransition(n.seqRoot, line, depth)
}

// NextOccurrence answers the by-PC "next instance of PC" query.
func (n *Navigator) NextOccurrence(pc uint64, atOrAfterLine seqtree.Line) (pctree.Payload, bool, error) {
	return n.bypc.NextOccurrence(n.bypcRoot, pc, atOrAfterLine)
}
