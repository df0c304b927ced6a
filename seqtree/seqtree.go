// Package seqtree implements the sequential tree, the master index keyed
// by trace line, and its layered range tree annotation that supports
// rank/select restricted to a call-depth window.
package seqtree

import (
	"encoding/binary"
	"math"
	"sort"

	"tarmacidx/arena"
	"tarmacidx/avltree"
)

// Line mirrors the trace line counter used throughout the index.
type Line = uint32

// KnownInvalidPC is the sentinel stored when the parser cannot recover a PC
// for a group. Such groups stay in the sequential tree and are left out of
// the by-PC tree; NextTransition and the flamegraph walk them like any
// other group.
const KnownInvalidPC uint64 = 2

// Payload is a single sequential-tree node: one retired instruction group.
type Payload struct {
	FirstLine  Line
	LineExtent uint32
	BytePos    int64
	ByteExtent uint32
	ModTime    uint32
	PC         uint64
	MemoryRoot arena.Off
	CallDepth  uint32
	Retired    bool // true iff this payload represents a retire event
}

// DepthEntry is one layer of the LRT's packed per-node array: the count of
// subtree lines (and retired instructions) at depth >= Depth.
type DepthEntry struct {
	Depth           uint32
	CumulativeLines uint64
	CumulativeInsns uint64
}

// Annotation is the layered range tree augmentation: a sorted-by-depth
// step function giving, for every distinct depth appearing in the
// subtree, how many subtree lines/instructions have depth at or above it.
type Annotation struct {
	Entries []DepthEntry
}

// lookupCumulative returns the cumulative line/insn counts for depth >= d,
// via binary search over the step function's breakpoints.
func lookupCumulative(entries []DepthEntry, d uint32) (lines, insns uint64) {
	i := sort.Search(len(entries), func(i int) bool { return entries[i].Depth >= d })
	if i == len(entries) {
		return 0, 0
	}
	return entries[i].CumulativeLines, entries[i].CumulativeInsns
}

// windowCount returns the number of subtree lines with depth in [lo, hi).
// hi == math.MaxUint32 is treated as +∞ (no upper bound).
func windowCount(a Annotation, lo, hi uint32) uint64 {
	loLines, _ := lookupCumulative(a.Entries, lo)
	var hiLines uint64
	if hi != math.MaxUint32 {
		hiLines, _ = lookupCumulative(a.Entries, hi)
	}
	return loLines - hiLines
}

type annotator struct{}

func (annotator) Zero() Annotation { return Annotation{} }

func (annotator) Leaf(p Payload) Annotation {
	var insns uint64
	if p.Retired {
		insns = 1
	}
	return Annotation{Entries: []DepthEntry{{Depth: p.CallDepth, CumulativeLines: 1, CumulativeInsns: insns}}}
}

// Merge adds two step functions pointwise at the union of their
// breakpoints. This is associative and commutative, the monoid property
// Rank's incremental fold relies on.
func (annotator) Merge(a, b Annotation) Annotation {
	depths := make(map[uint32]struct{}, len(a.Entries)+len(b.Entries))
	for _, e := range a.Entries {
		depths[e.Depth] = struct{}{}
	}
	for _, e := range b.Entries {
		depths[e.Depth] = struct{}{}
	}
	sorted := make([]uint32, 0, len(depths))
	for d := range depths {
		sorted = append(sorted, d)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	out := Annotation{Entries: make([]DepthEntry, len(sorted))}
	for i, d := range sorted {
		al, ai := lookupCumulative(a.Entries, d)
		bl, bi := lookupCumulative(b.Entries, d)
		out.Entries[i] = DepthEntry{Depth: d, CumulativeLines: al + bl, CumulativeInsns: ai + bi}
	}
	return out
}

func (annotator) Encode(a Annotation) []byte {
	buf := make([]byte, 0, 4+20*len(a.Entries))
	buf = appendU32(buf, uint32(len(a.Entries)))
	for _, e := range a.Entries {
		buf = appendU32(buf, e.Depth)
		buf = appendU64(buf, e.CumulativeLines)
		buf = appendU64(buf, e.CumulativeInsns)
	}
	return buf
}

func (annotator) Decode(b []byte) Annotation {
	n := binary.LittleEndian.Uint32(b[0:4])
	entries := make([]DepthEntry, n)
	off := 4
	for i := range entries {
		entries[i] = DepthEntry{
			Depth:           binary.LittleEndian.Uint32(b[off : off+4]),
			CumulativeLines: binary.LittleEndian.Uint64(b[off+4 : off+12]),
			CumulativeInsns: binary.LittleEndian.Uint64(b[off+12 : off+20]),
		}
		off += 20
	}
	return Annotation{Entries: entries}
}

type codec struct{}

func (codec) Encode(p Payload) []byte {
	buf := make([]byte, 0, 4+4+8+4+4+8+8+4+1)
	buf = appendU32(buf, p.FirstLine)
	buf = appendU32(buf, p.LineExtent)
	buf = appendI64(buf, p.BytePos)
	buf = appendU32(buf, p.ByteExtent)
	buf = appendU32(buf, p.ModTime)
	buf = appendU64(buf, p.PC)
	buf = appendI64(buf, int64(p.MemoryRoot))
	buf = appendU32(buf, p.CallDepth)
	var retired byte
	if p.Retired {
		retired = 1
	}
	buf = append(buf, retired)
	return buf
}

func (codec) Decode(b []byte) Payload {
	return Payload{
		FirstLine:  binary.LittleEndian.Uint32(b[0:4]),
		LineExtent: binary.LittleEndian.Uint32(b[4:8]),
		BytePos:    int64(binary.LittleEndian.Uint64(b[8:16])),
		ByteExtent: binary.LittleEndian.Uint32(b[16:20]),
		ModTime:    binary.LittleEndian.Uint32(b[20:24]),
		PC:         binary.LittleEndian.Uint64(b[24:32]),
		MemoryRoot: arena.Off(int64(binary.LittleEndian.Uint64(b[32:40]))),
		CallDepth:  binary.LittleEndian.Uint32(b[40:44]),
		Retired:    b[44] != 0,
	}
}

func cmpPayload(a, b Payload) int {
	switch {
	case a.FirstLine < b.FirstLine:
		return -1
	case a.FirstLine > b.FirstLine:
		return 1
	}
	return 0
}

func appendU32(b []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendU64(b []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendI64(b []byte, v int64) []byte { return appendU64(b, uint64(v)) }

// Tree is the sequential tree, augmented with the LRT annotation.
type Tree struct {
	ar     *arena.Arena
	engine *avltree.Tree[Payload, Annotation]
}

// New binds a sequential tree to ar.
func New(ar *arena.Arena) *Tree {
	return &Tree{ar: ar, engine: avltree.New[Payload, Annotation](ar, codec{}, cmpPayload, annotator{})}
}

// Insert adds a retired-group payload, keyed by FirstLine.
func (t *Tree) Insert(root arena.Off, p Payload) (arena.Off, error) {
	return t.engine.Insert(root, p)
}

// NodeAtLine returns the payload whose [FirstLine, FirstLine+LineExtent)
// span contains line: the floor of line by FirstLine (the predecessor of
// line+1; since FirstLine is strictly increasing, the floor is the node
// that can actually cover line).
func (t *Tree) NodeAtLine(root arena.Off, line Line) (Payload, bool, error) {
	p, _, ok, err := t.engine.Predecessor(root, Payload{FirstLine: line + 1})
	if err != nil || !ok {
		return Payload{}, false, err
	}
	if line >= p.FirstLine && line < p.FirstLine+p.LineExtent {
		return p, true, nil
	}
	return Payload{}, false, nil
}

// modTimeProbe orders payloads by ModTime rather than FirstLine. ModTime
// advances monotonically with FirstLine, so it induces the same relative
// order the tree is actually keyed by, and LowerBound's ordinary descent
// applies unchanged.
func modTimeProbe(modTime uint32) avltree.Probe[Payload] {
	return func(p Payload) int {
		switch {
		case p.ModTime < modTime:
			return -1
		case p.ModTime > modTime:
			return 1
		}
		return 0
	}
}

// NodeAtTime returns the payload whose ModTime equals modTime, analogous
// to NodeAtLine but over the monotone time axis.
func (t *Tree) NodeAtTime(root arena.Off, modTime uint32) (Payload, bool, error) {
	p, _, ok, err := t.engine.LowerBound(root, modTimeProbe(modTime))
	if err != nil || !ok || p.ModTime != modTime {
		return Payload{}, false, err
	}
	return p, true, nil
}

// PreviousNode returns the in-order predecessor of the node at line.
func (t *Tree) PreviousNode(root arena.Off, line Line) (Payload, bool, error) {
	p, _, ok, err := t.engine.Predecessor(root, Payload{FirstLine: line})
	return p, ok, err
}

// NextNode returns the in-order successor of the node at line.
func (t *Tree) NextNode(root arena.Off, line Line) (Payload, bool, error) {
	p, _, ok, err := t.engine.Successor(root, Payload{FirstLine: line})
	return p, ok, err
}

// FindBufferLimit returns the minimum (sign<0) or maximum (sign>=0) node.
func (t *Tree) FindBufferLimit(root arena.Off, sign int) (Payload, bool, error) {
	if sign < 0 {
		p, _, ok, err := t.engine.Min(root)
		return p, ok, err
	}
	p, _, ok, err := t.engine.Max(root)
	return p, ok, err
}

// LRTRank counts trace lines strictly before line whose depth lies in
// [lo, hi).
func (t *Tree) LRTRank(root arena.Off, line Line, lo, hi uint32) (uint64, error) {
	_, fold, err := t.engine.Rank(root, Payload{FirstLine: line})
	if err != nil {
		return 0, err
	}
	return windowCount(fold, lo, hi), nil
}

// LRTSelect returns the k-th (zero-based) line in the whole tree whose
// depth lies in [lo, hi), via annotation-guided descent.
func (t *Tree) LRTSelect(root arena.Off, k uint64, lo, hi uint32) (Payload, bool, error) {
	for {
		refs, ok, err := t.engine.Inspect(root)
		if err != nil {
			return Payload{}, false, err
		}
		if !ok {
			return Payload{}, false, nil
		}

		leftAnn, err := t.engine.Annotation(refs.Left)
		if err != nil {
			return Payload{}, false, err
		}
		leftCount := windowCount(leftAnn, lo, hi)

		if k < leftCount {
			root = refs.Left
			continue
		}
		k -= leftCount

		if depthInWindow(refs.Payload.CallDepth, lo, hi) {
			if k == 0 {
				return refs.Payload, true, nil
			}
			k--
		}
		root = refs.Right
	}
}

func depthInWindow(d, lo, hi uint32) bool {
	return d >= lo && d < hi
}

// LRTTranslateMayFail computes, for the given line, how many members of
// the output window [outLo, outHi) precede it in trace order. It takes no
// input window, so the result does not depend on which depths line itself
// lies in. ok is false when line exceeds the tree's extent entirely.
func (t *Tree) LRTTranslateMayFail(root arena.Off, line Line, outLo, outHi uint32) (k uint64, ok bool, err error) {
	max, found, err := t.FindBufferLimit(root, +1)
	if err != nil {
		return 0, false, err
	}
	if !found || line > max.FirstLine+max.LineExtent {
		return 0, false, nil
	}
	k, err = t.LRTRank(root, line, outLo, outHi)
	return k, true, err
}

// LRTTranslate is the non-failing form of LRTTranslateMayFail; callers
// confident line is in range may use it directly.
func (t *Tree) LRTTranslate(root arena.Off, line Line, outLo, outHi uint32) (uint64, error) {
	return t.LRTRank(root, line, outLo, outHi)
}

// NextTransition finds the next line after the given one whose call depth
// differs from depth in the direction that represents a callee-enter
// (depth increases) or a return (depth decreases), whichever comes first
// in trace order.
func (t *Tree) NextTransition(root arena.Off, line Line, depth uint32) (Line, bool, error) {
	calleeLine, calleeOk, err := t.nextAfterInWindow(root, line, depth+1, math.MaxUint32)
	if err != nil {
		return 0, false, err
	}

	var returnLine Line
	var returnOk bool
	if depth > 0 {
		returnLine, returnOk, err = t.nextAfterInWindow(root, line, 0, depth)
		if err != nil {
			return 0, false, err
		}
	}

	switch {
	case calleeOk && returnOk:
		if calleeLine < returnLine {
			return calleeLine, true, nil
		}
		return returnLine, true, nil
	case calleeOk:
		return calleeLine, true, nil
	case returnOk:
		return returnLine, true, nil
	default:
		return 0, false, nil
	}
}

func (t *Tree) nextAfterInWindow(root arena.Off, line Line, lo, hi uint32) (Line, bool, error) {
	rankAt, err := t.LRTRank(root, line+1, lo, hi)
	if err != nil {
		return 0, false, err
	}
	rootAnn, err := t.engine.Annotation(root)
	if err != nil {
		return 0, false, err
	}
	total := windowCount(rootAnn, lo, hi)
	if rankAt >= total {
		return 0, false, nil
	}
	p, ok, err := t.LRTSelect(root, rankAt, lo, hi)
	if err != nil || !ok {
		return 0, ok, err
	}
	return p.FirstLine, true, nil
}

// Height reports the tree's height, for the AVL-balance testable property.
func (t *Tree) Height(root arena.Off) (int32, error) {
	return t.engine.Height(root)
}
