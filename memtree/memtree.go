// Package memtree implements the per-instant memory tree: a sparse map
// from byte range to byte blob, keyed by (space, lo), with last-write-line
// tracking so "when was this byte last touched" queries can prune whole
// subtrees via the latest annotation.
//
// Every Write returns a new root; the old root keeps reading exactly what it
// read before the write.
package memtree

import (
	"encoding/binary"

	"tarmacidx/arena"
	"tarmacidx/avltree"
)

// Space tags whether an address lives in memory or register space:
// addresses are flat but tagged by a one-byte space selector.
type Space byte

const (
	SpaceMemory   Space = 'm'
	SpaceRegister Space = 'r'
)

// Line mirrors the 32-bit trace line counter used throughout the index.
type Line = uint32

// Payload is the outer memory-tree leaf.
type Payload struct {
	Space         Space
	Lo, Hi        uint64 // inclusive byte range
	Raw           bool   // true: Contents is a blob offset; false: a sub-tree root
	Contents      arena.Off
	LastWriteLine Line
}

// SubPayload is the inner sub-memory payload used once a range has been
// shaved by a partial overwrite; Contents always addresses a raw blob.
type SubPayload struct {
	Lo, Hi   uint64
	Contents arena.Off
}

// Annotation folds last_write_line across a subtree, used to prune
// find-next-modification descents.
type Annotation struct {
	Latest Line
}

type annotator struct{}

func (annotator) Zero() Annotation          { return Annotation{} }
func (annotator) Leaf(p Payload) Annotation { return Annotation{Latest: p.LastWriteLine} }
func (annotator) Merge(a, b Annotation) Annotation {
	if a.Latest > b.Latest {
		return a
	}
	return b
}
func (annotator) Encode(a Annotation) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, a.Latest)
	return buf
}
func (annotator) Decode(b []byte) Annotation {
	return Annotation{Latest: binary.LittleEndian.Uint32(b)}
}

type codec struct{}

func (codec) Encode(p Payload) []byte {
	buf := make([]byte, 0, 30)
	buf = append(buf, byte(p.Space))
	buf = appendU64(buf, p.Lo)
	buf = appendU64(buf, p.Hi)
	var raw byte
	if p.Raw {
		raw = 1
	}
	buf = append(buf, raw)
	buf = appendI64(buf, int64(p.Contents))
	buf = appendU32(buf, p.LastWriteLine)
	return buf
}

func (codec) Decode(b []byte) Payload {
	return Payload{
		Space:         Space(b[0]),
		Lo:            binary.LittleEndian.Uint64(b[1:9]),
		Hi:            binary.LittleEndian.Uint64(b[9:17]),
		Raw:           b[17] != 0,
		Contents:      arena.Off(binary.LittleEndian.Uint64(b[18:26])),
		LastWriteLine: binary.LittleEndian.Uint32(b[26:30]),
	}
}

// spaceLoProbe builds a Probe ordering payloads by (space, lo), matching
// cmpPayload's key order, for use with LowerBound/UpperBound — avoids the
// lo-1/lo+1 arithmetic on unsigned addresses that Successor/Predecessor
// keys would otherwise need (addr 0 is a realistic low bound).
func spaceLoProbe(space Space, lo uint64) avltree.Probe[Payload] {
	return func(p Payload) int {
		if p.Space != space {
			if p.Space < space {
				return -1
			}
			return 1
		}
		switch {
		case p.Lo < lo:
			return -1
		case p.Lo > lo:
			return 1
		}
		return 0
	}
}

func cmpPayload(a, b Payload) int {
	if a.Space != b.Space {
		if a.Space < b.Space {
			return -1
		}
		return 1
	}
	switch {
	case a.Lo < b.Lo:
		return -1
	case a.Lo > b.Lo:
		return 1
	}
	return 0
}

type subCodec struct{}

func (subCodec) Encode(p SubPayload) []byte {
	buf := make([]byte, 0, 24)
	buf = appendU64(buf, p.Lo)
	buf = appendU64(buf, p.Hi)
	buf = appendI64(buf, int64(p.Contents))
	return buf
}

func (subCodec) Decode(b []byte) SubPayload {
	return SubPayload{
		Lo:       binary.LittleEndian.Uint64(b[0:8]),
		Hi:       binary.LittleEndian.Uint64(b[8:16]),
		Contents: arena.Off(binary.LittleEndian.Uint64(b[16:24])),
	}
}

func subLoProbe(lo uint64) avltree.Probe[SubPayload] {
	return func(p SubPayload) int {
		switch {
		case p.Lo < lo:
			return -1
		case p.Lo > lo:
			return 1
		}
		return 0
	}
}

func cmpSub(a, b SubPayload) int {
	switch {
	case a.Lo < b.Lo:
		return -1
	case a.Lo > b.Lo:
		return 1
	}
	return 0
}

func appendU64(b []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendI64(b []byte, v int64) []byte { return appendU64(b, uint64(v)) }

func appendU32(b []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(b, tmp[:]...)
}

// Tree is the memory tree, built on two avltree.Tree instances: the outer tree
// keyed by (space, lo), and a shared engine for the inner sub-trees that
// shaved payloads are rewritten into.
type Tree struct {
	ar  *arena.Arena
	out *avltree.Tree[Payload, Annotation]
	sub *avltree.Tree[SubPayload, struct{}]
}

// New binds a memory tree to ar. A single Tree value is reused across every
// instant's root — roots are just arena.Off values the caller threads
// through (the sequential tree stores one per line).
func New(ar *arena.Arena) *Tree {
	return &Tree{
		ar:  ar,
		out: avltree.New[Payload, Annotation](ar, codec{}, cmpPayload, annotator{}),
		sub: avltree.New[SubPayload, struct{}](ar, subCodec{}, cmpSub, avltree.NopAnnotator[SubPayload]()),
	}
}

// blob writes a raw byte slice to the arena and returns its offset. Blobs
// are write-once, same as tree nodes.
func (t *Tree) blob(data []byte) (arena.Off, error) {
	return t.ar.Allocate(data)
}

func (t *Tree) readBlob(off arena.Off, n int) ([]byte, error) {
	return t.ar.ReadBytes(off, n)
}

// Write applies a byte-range write to the memory snapshot rooted at
// oldRoot, returning the new root. It implements a three-phase algorithm:
// remove payloads fully covered by the new range, shave payloads that
// straddle a boundary into sub-tree form, then insert the new raw
// payload.
func (t *Tree) Write(oldRoot arena.Off, space Space, addr uint64, data []byte, line Line) (arena.Off, error) {
	lo := addr
	hi := addr + uint64(len(data)) - 1
	root := oldRoot

	// Predecessor of the new range's start may straddle the left boundary.
	pred, _, ok, err := t.out.Predecessor(root, Payload{Space: space, Lo: lo})
	if err != nil {
		return 0, err
	}
	if ok && pred.Space == space && pred.Hi >= lo {
		root, err = t.shaveOrRemove(root, pred, lo, hi)
		if err != nil {
			return 0, err
		}
	}

	// Walk every payload whose Lo falls within [lo,hi]; these are either
	// fully contained (remove) or straddle the right boundary (shave). Each
	// iteration re-queries from lo rather than advancing past cand, since
	// shaveOrRemove always moves or deletes cand's key.
	for {
		cand, _, ok, err := t.out.LowerBound(root, spaceLoProbe(space, lo))
		if err != nil {
			return 0, err
		}
		if !ok || cand.Space != space || cand.Lo > hi {
			break
		}
		root, err = t.shaveOrRemove(root, cand, lo, hi)
		if err != nil {
			return 0, err
		}
		// shaveOrRemove never leaves a payload keyed at the same Lo that
		// still intersects [lo,hi], so re-querying from lo always makes
		// forward progress.
	}

	contents, err := t.blob(data)
	if err != nil {
		return 0, err
	}
	fresh := Payload{Space: space, Lo: lo, Hi: hi, Raw: true, Contents: contents, LastWriteLine: line}
	return t.out.Insert(root, fresh)
}

// shaveOrRemove disposes of a single payload p that intersects [lo,hi]:
// fully-contained payloads are deleted outright, boundary-straddling
// payloads are shaved down to their surviving remainder and represented
// as a sub-tree from then on. Once shaved, a range is never
// reconsolidated back into a single raw payload.
func (t *Tree) shaveOrRemove(root arena.Off, p Payload, lo, hi uint64) (arena.Off, error) {
	if p.Lo >= lo && p.Hi <= hi {
		newRoot, _, err := t.out.Delete(root, Payload{Space: p.Space, Lo: p.Lo})
		return newRoot, err
	}

	subRoot := arena.Off(0)
	if !p.Raw {
		subRoot = p.Contents
	} else {
		// first shave: materialize the surviving bytes as sub-payloads.
		var err error
		subRoot, err = t.rawToSubtree(p)
		if err != nil {
			return 0, err
		}
	}

	// Remove the bytes of the inner tree that fall in [lo,hi].
	newSubRoot, err := t.deleteSubRange(subRoot, max64(p.Lo, lo), min64(p.Hi, hi))
	if err != nil {
		return 0, err
	}

	newLo, newHi, ok := survivingRange(p.Lo, p.Hi, lo, hi)
	if !ok {
		newRoot, _, err := t.out.Delete(root, Payload{Space: p.Space, Lo: p.Lo})
		return newRoot, err
	}

	shaved := Payload{Space: p.Space, Lo: newLo, Hi: newHi, Raw: false, Contents: newSubRoot, LastWriteLine: p.LastWriteLine}

	if newLo != p.Lo {
		// the key changes (outer range's Lo moved), so the old key must be
		// removed before the new one is inserted.
		root, _, err = t.out.Delete(root, Payload{Space: p.Space, Lo: p.Lo})
		if err != nil {
			return 0, err
		}
	}
	return t.out.Insert(root, shaved)
}

// survivingRange returns the remaining [lo,hi] span of an outer range after
// cutting out [cutLo,cutHi], when the remainder is still a single
// contiguous span touching one original boundary (true shaving can only cut
// from one side at a time since the caller processes the left-boundary
// predecessor and then each successor in increasing order).
func survivingRange(pLo, pHi, cutLo, cutHi uint64) (uint64, uint64, bool) {
	switch {
	case cutLo <= pLo && cutHi >= pHi:
		return 0, 0, false
	case cutLo <= pLo:
		return cutHi + 1, pHi, true
	case cutHi >= pHi:
		return pLo, cutLo - 1, true
	default:
		// the cut is strictly interior; with at most two boundary payloads
		// in play, this only happens for the very first (predecessor)
		// payload touched, whose left remainder is kept and whose right
		// remainder becomes a second sub-range inside the same sub-tree
		// (both sides already live in the inner tree after rawToSubtree,
		// so the outer span simply keeps its original Lo).
		return pLo, pHi, true
	}
}

func max64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

// rawToSubtree promotes a raw payload into sub-tree form, one sub-payload
// per byte run (we keep the whole original blob as a single sub-payload;
// deleteSubRange below is what actually splits it on demand).
func (t *Tree) rawToSubtree(p Payload) (arena.Off, error) {
	return t.sub.Insert(0, SubPayload{Lo: p.Lo, Hi: p.Hi, Contents: p.Contents})
}

// deleteSubRange removes [cutLo,cutHi] from the inner sub-tree, splitting
// any sub-payload that straddles the cut into up to two surviving
// sub-payloads with freshly sliced blobs.
func (t *Tree) deleteSubRange(root arena.Off, cutLo, cutHi uint64) (arena.Off, error) {
	for {
		pred, _, ok, err := t.sub.Predecessor(root, SubPayload{Lo: cutLo + 1})
		if err != nil {
			return 0, err
		}
		var hit *SubPayload
		if ok && pred.Hi >= cutLo && pred.Lo <= cutHi {
			hit = &pred
		} else {
			cand, _, ok, err := t.sub.LowerBound(root, subLoProbe(cutLo))
			if err != nil {
				return 0, err
			}
			if !ok || cand.Lo > cutHi {
				return root, nil
			}
			hit = &cand
		}

		root, _, err = t.sub.Delete(root, SubPayload{Lo: hit.Lo})
		if err != nil {
			return 0, err
		}

		if hit.Lo < cutLo {
			data, err := t.readBlob(hit.Contents, int(hit.Hi-hit.Lo+1))
			if err != nil {
				return 0, err
			}
			leftLen := cutLo - hit.Lo
			leftOff, err := t.blob(data[:leftLen])
			if err != nil {
				return 0, err
			}
			root, err = t.sub.Insert(root, SubPayload{Lo: hit.Lo, Hi: cutLo - 1, Contents: leftOff})
			if err != nil {
				return 0, err
			}
		}
		if hit.Hi > cutHi {
			data, err := t.readBlob(hit.Contents, int(hit.Hi-hit.Lo+1))
			if err != nil {
				return 0, err
			}
			rightStart := cutHi + 1 - hit.Lo
			rightOff, err := t.blob(data[rightStart:])
			if err != nil {
				return 0, err
			}
			root, err = t.sub.Insert(root, SubPayload{Lo: cutHi + 1, Hi: hit.Hi, Contents: rightOff})
			if err != nil {
				return 0, err
			}
		}
	}
}

// Read reconstructs len(out) bytes starting at addr from the snapshot
// rooted at root: bytes not covered by any payload are returned as zero,
// defined[i] reports which bytes were covered, and lastLine is the
// maximum last_write_line across all intersecting payloads.
func (t *Tree) Read(root arena.Off, space Space, addr uint64, size int) (out []byte, defined []bool, lastLine Line, err error) {
	out = make([]byte, size)
	defined = make([]bool, size)
	hi := addr + uint64(size) - 1

	pred, _, ok, err := t.out.Predecessor(root, Payload{Space: space, Lo: addr + 1})
	if err != nil {
		return nil, nil, 0, err
	}
	if ok && pred.Space == space && pred.Hi >= addr {
		if err := t.copyPayload(out, defined, &lastLine, pred, addr, hi); err != nil {
			return nil, nil, 0, err
		}
	}

	cursor := addr
	for {
		cand, _, ok, err := t.out.Successor(root, Payload{Space: space, Lo: cursor})
		if err != nil {
			return nil, nil, 0, err
		}
		if !ok || cand.Space != space || cand.Lo > hi {
			break
		}
		if err := t.copyPayload(out, defined, &lastLine, cand, addr, hi); err != nil {
			return nil, nil, 0, err
		}
		cursor = cand.Lo
	}
	return out, defined, lastLine, nil
}

func (t *Tree) copyPayload(out []byte, defined []bool, lastLine *Line, p Payload, winLo, winHi uint64) error {
	if p.LastWriteLine > *lastLine {
		*lastLine = p.LastWriteLine
	}
	if p.Raw {
		data, err := t.readBlob(p.Contents, int(p.Hi-p.Lo+1))
		if err != nil {
			return err
		}
		return copyRange(out, defined, winLo, winHi, p.Lo, p.Hi, data)
	}
	return t.sub.Visit(p.Contents, func(sp SubPayload) bool {
		if sp.Hi < winLo || sp.Lo > winHi {
			return true
		}
		data, err := t.readBlob(sp.Contents, int(sp.Hi-sp.Lo+1))
		if err != nil {
			return false
		}
		copyRange(out, defined, winLo, winHi, sp.Lo, sp.Hi, data)
		return true
	})
}

func copyRange(out []byte, defined []bool, winLo, winHi, srcLo, srcHi uint64, data []byte) error {
	lo := max64(winLo, srcLo)
	hi := min64(winHi, srcHi)
	for a := lo; a <= hi; a++ {
		out[a-winLo] = data[a-srcLo]
		defined[a-winLo] = true
	}
	return nil
}

// Range is an inclusive [Lo,Hi] byte span.
type Range struct {
	Lo, Hi uint64
}

// FindNextMod finds the smallest (direction>=0) or largest (direction<0)
// range intersecting [addr, +inf) whose last_write_line >= minLine.
// Descent is pruned using the latest annotation: any subtree whose
// latest < minLine cannot contain a match, so the walk only ever follows
// an O(log n) spine plus, at worst, one detour into a sibling subtree at
// each level.
func (t *Tree) FindNextMod(root arena.Off, space Space, addr uint64, minLine Line, direction int) (Range, bool, error) {
	// Payloads are disjoint and sorted by Lo, so the set of ranges
	// intersecting [addr, +inf) is a suffix of (space, Lo) order starting
	// at either the payload straddling addr, or the next one after it.
	startLo := addr
	pred, _, ok, err := t.out.Predecessor(root, Payload{Space: space, Lo: addr + 1})
	if err != nil {
		return Range{}, false, err
	}
	if ok && pred.Space == space && pred.Hi >= addr {
		startLo = pred.Lo
	}
	probe := spaceLoProbe(space, startLo)

	var p Payload
	var found bool
	if direction >= 0 {
		p, found, err = t.scanFirst(root, space, probe, minLine)
	} else {
		p, found, err = t.scanLast(root, space, probe, minLine)
	}
	if err != nil || !found {
		return Range{}, false, err
	}
	return Range{p.Lo, p.Hi}, true, nil
}

// scanFirst returns the smallest-keyed payload in space whose key orders
// at or after probe and whose LastWriteLine >= minLine. A subtree whose
// folded Latest annotation is below minLine is skipped outright.
func (t *Tree) scanFirst(off arena.Off, space Space, probe avltree.Probe[Payload], minLine Line) (Payload, bool, error) {
	if off == 0 {
		return Payload{}, false, nil
	}
	refs, ok, err := t.out.Inspect(off)
	if err != nil || !ok {
		return Payload{}, false, err
	}
	if refs.Annotation.Latest < minLine {
		return Payload{}, false, nil
	}
	if probe(refs.Payload) < 0 {
		return t.scanFirst(refs.Right, space, probe, minLine)
	}
	if left, ok, err := t.scanFirst(refs.Left, space, probe, minLine); err != nil {
		return Payload{}, false, err
	} else if ok {
		return left, true, nil
	}
	if refs.Payload.Space == space && refs.Payload.LastWriteLine >= minLine {
		return refs.Payload, true, nil
	}
	return t.scanFirst(refs.Right, space, probe, minLine)
}

// scanLast is scanFirst's mirror: it returns the largest-keyed match
// instead of the smallest.
func (t *Tree) scanLast(off arena.Off, space Space, probe avltree.Probe[Payload], minLine Line) (Payload, bool, error) {
	if off == 0 {
		return Payload{}, false, nil
	}
	refs, ok, err := t.out.Inspect(off)
	if err != nil || !ok {
		return Payload{}, false, err
	}
	if refs.Annotation.Latest < minLine {
		return Payload{}, false, nil
	}
	if probe(refs.Payload) < 0 {
		return t.scanLast(refs.Right, space, probe, minLine)
	}
	if right, ok, err := t.scanLast(refs.Right, space, probe, minLine); err != nil {
		return Payload{}, false, err
	} else if ok {
		return right, true, nil
	}
	if refs.Payload.Space == space && refs.Payload.LastWriteLine >= minLine {
		return refs.Payload, true, nil
	}
	return t.scanLast(refs.Left, space, probe, minLine)
}
