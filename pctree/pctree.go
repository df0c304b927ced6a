// Package pctree implements the by-PC tree: an avltree instance keyed by
// (pc, first_line) with no annotation, answering "first occurrence of pc
// at or after line L".
package pctree

import (
	"encoding/binary"

	"tarmacidx/arena"
	"tarmacidx/avltree"
)

// Line mirrors the trace line counter.
type Line = uint32

// Payload is a single by-PC tree node: one instruction-retire event.
type Payload struct {
	PC        uint64
	FirstLine Line
}

type codec struct{}

func (codec) Encode(p Payload) []byte {
	buf := make([]byte, 12)
	binary.LittleEndian.PutUint64(buf[0:8], p.PC)
	binary.LittleEndian.PutUint32(buf[8:12], p.FirstLine)
	return buf
}

func (codec) Decode(b []byte) Payload {
	return Payload{
		PC:        binary.LittleEndian.Uint64(b[0:8]),
		FirstLine: binary.LittleEndian.Uint32(b[8:12]),
	}
}

func cmpPayload(a, b Payload) int {
	switch {
	case a.PC < b.PC:
		return -1
	case a.PC > b.PC:
		return 1
	}
	switch {
	case a.FirstLine < b.FirstLine:
		return -1
	case a.FirstLine > b.FirstLine:
		return 1
	}
	return 0
}

// Tree is the by-PC tree.
type Tree struct {
	engine *avltree.Tree[Payload, struct{}]
}

// New binds a by-PC tree to ar.
func New(ar *arena.Arena) *Tree {
	return &Tree{engine: avltree.New[Payload, struct{}](ar, codec{}, cmpPayload, avltree.NopAnnotator[Payload]())}
}

// Insert adds one (pc, first_line) entry. The indexer calls this once per
// instruction-retire event.
func (t *Tree) Insert(root arena.Off, pc uint64, line Line) (arena.Off, error) {
	return t.engine.Insert(root, Payload{PC: pc, FirstLine: line})
}

// NextOccurrence returns the first occurrence of pc at or after line,
// i.e. the least (pc, first_line') with first_line' >= line.
func (t *Tree) NextOccurrence(root arena.Off, pc uint64, line Line) (Payload, bool, error) {
	if line == 0 {
		p, _, ok, err := t.engine.LowerBound(root, probe(pc, 0))
		if err != nil || !ok || p.PC != pc {
			return Payload{}, false, err
		}
		return p, true, nil
	}
	p, _, ok, err := t.engine.Successor(root, Payload{PC: pc, FirstLine: line - 1})
	if err != nil || !ok || p.PC != pc {
		return Payload{}, false, err
	}
	return p, true, nil
}

func probe(pc uint64, line Line) avltree.Probe[Payload] {
	return func(p Payload) int {
		switch {
		case p.PC < pc:
			return -1
		case p.PC > pc:
			return 1
		}
		switch {
		case p.FirstLine < line:
			return -1
		case p.FirstLine > line:
			return 1
		}
		return 0
	}
}

// Height reports the tree's height, for the AVL-balance testable property.
func (t *Tree) Height(root arena.Off) (int32, error) {
	return t.engine.Height(root)
}
