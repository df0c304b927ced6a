// Package avltree implements the persistent, generic AVL tree machinery
// that every other tree in this module is built from: the memory tree
// (memtree), the sequential tree with its layered-range annotation
// (seqtree), and the by-PC tree (pctree) are all monomorphised instances of
// Tree[P, A] over this package rather than separate implementations.
//
// Every mutation is persistent: Insert never edits an existing node, it
// writes a fresh O(log n) spine into the arena and returns the new root
// offset. Callers are expected to keep old roots around for as long as they
// need historical snapshots — the arena never reclaims anything.
package avltree

import (
	"encoding/binary"
	"errors"
	"reflect"

	"tarmacidx/arena"
)

// CompareFunc orders two payloads, returning <0, 0, >0 the way sort.Interface
// comparators do.
type CompareFunc[P any] func(a, b P) int

// Probe compares a stored payload against an implicit external target,
// using the same sign convention as CompareFunc. Infinity builds a
// sentinel probe, used to walk to a subtree's minimum or maximum without
// a concrete P to compare against.
type Probe[P any] func(p P) int

// Infinity returns a Probe that orders strictly outside every real payload:
// sign=+1 behaves as +∞ (every payload is "less than" it), sign=-1 as −∞.
func Infinity[P any](sign int) Probe[P] {
	return func(P) int { return -sign }
}

// Codec converts a payload to and from its on-disk byte representation.
type Codec[P any] interface {
	Encode(p P) []byte
	Decode(b []byte) P
}

// Annotator defines the monoid used to fold subtree annotations: Zero is the
// identity, Leaf is the contribution of a single payload, and Merge combines
// two (associative, in left-to-right order) annotations. A node's stored
// annotation is Merge(Merge(leftSubtree, Leaf(payload)), rightSubtree).
type Annotator[P any, A any] interface {
	Zero() A
	Leaf(p P) A
	Merge(a, b A) A
	Encode(a A) []byte
	Decode(b []byte) A
}

// unitAnnotator implements Annotator for the unit annotation type, used by
// trees that carry no augmentation (e.g. the by-PC tree).
type unitAnnotator[P any] struct{}

// NopAnnotator returns the trivial Annotator for trees with no augmentation.
func NopAnnotator[P any]() Annotator[P, struct{}] { return unitAnnotator[P]{} }

func (unitAnnotator[P]) Zero() struct{}                    { return struct{}{} }
func (unitAnnotator[P]) Leaf(P) struct{}                   { return struct{}{} }
func (unitAnnotator[P]) Merge(struct{}, struct{}) struct{} { return struct{}{} }
func (unitAnnotator[P]) Encode(struct{}) []byte            { return nil }
func (unitAnnotator[P]) Decode([]byte) struct{}            { return struct{}{} }

var errStopVisit = errors.New("avltree: visit stopped")

// node is the decoded, in-memory form of a tree node. On disk it is laid
// out as {payload, annotation?, left, right, height, size}; the
// annotation is omitted entirely when the tree carries the unit type.
type node[P any, A any] struct {
	payload    P
	annotation A
	left       arena.Off
	right      arena.Off
	height     int32
	size       uint32
}

// Tree is a single persistent AVL tree instance bound to one arena and one
// payload/annotation pair. Roots are plain arena.Off values owned by the
// caller (e.g. the sequential tree stores one per trace line); Tree itself
// is stateless across calls beyond the arena and codecs it was built with.
type Tree[P any, A any] struct {
	ar        *arena.Arena
	codec     Codec[P]
	cmp       CompareFunc[P]
	ann       Annotator[P, A]
	annotated bool
}

// New builds a Tree bound to ar, using codec to (de)serialize payloads, cmp
// to order them, and ann to fold annotations bottom-up.
func New[P any, A any](ar *arena.Arena, codec Codec[P], cmp CompareFunc[P], ann Annotator[P, A]) *Tree[P, A] {
	var zero A
	t := reflect.TypeOf(zero)
	annotated := t != nil && t.Size() > 0
	return &Tree[P, A]{ar: ar, codec: codec, cmp: cmp, ann: ann, annotated: annotated}
}

// --- encoding ---------------------------------------------------------

func appendUint32(b []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendInt64(b []byte, v int64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], uint64(v))
	return append(b, tmp[:]...)
}

func appendInt32(b []byte, v int32) []byte {
	return appendUint32(b, uint32(v))
}

func (t *Tree[P, A]) encodeNode(n node[P, A]) []byte {
	pb := t.codec.Encode(n.payload)

	var ab []byte
	if t.annotated {
		ab = t.ann.Encode(n.annotation)
	}

	buf := make([]byte, 0, 4+len(pb)+4+len(ab)+8+8+4+4)
	buf = appendUint32(buf, uint32(len(pb)))
	buf = append(buf, pb...)
	if t.annotated {
		buf = appendUint32(buf, uint32(len(ab)))
		buf = append(buf, ab...)
	}
	buf = appendInt64(buf, int64(n.left))
	buf = appendInt64(buf, int64(n.right))
	buf = appendInt32(buf, n.height)
	buf = appendUint32(buf, n.size)
	return buf
}

func (t *Tree[P, A]) writeNode(n node[P, A]) (arena.Off, error) {
	return t.ar.Allocate(t.encodeNode(n))
}

func (t *Tree[P, A]) readNode(off arena.Off) (node[P, A], error) {
	var n node[P, A]
	cursor := off

	lb, err := t.ar.ReadBytes(cursor, 4)
	if err != nil {
		return n, err
	}
	plen := binary.LittleEndian.Uint32(lb)
	cursor += 4

	pb, err := t.ar.ReadBytes(cursor, int(plen))
	if err != nil {
		return n, err
	}
	n.payload = t.codec.Decode(pb)
	cursor += arena.Off(plen)

	if t.annotated {
		ab, err := t.ar.ReadBytes(cursor, 4)
		if err != nil {
			return n, err
		}
		alen := binary.LittleEndian.Uint32(ab)
		cursor += 4

		abytes, err := t.ar.ReadBytes(cursor, int(alen))
		if err != nil {
			return n, err
		}
		n.annotation = t.ann.Decode(abytes)
		cursor += arena.Off(alen)
	}

	rest, err := t.ar.ReadBytes(cursor, 24)
	if err != nil {
		return n, err
	}
	n.left = arena.Off(binary.LittleEndian.Uint64(rest[0:8]))
	n.right = arena.Off(binary.LittleEndian.Uint64(rest[8:16]))
	n.height = int32(binary.LittleEndian.Uint32(rest[16:20]))
	n.size = binary.LittleEndian.Uint32(rest[20:24])
	return n, nil
}

// --- subtree stats ------------------------------------------------------

func (t *Tree[P, A]) childStats(off arena.Off) (height int32, size uint32, ann A, err error) {
	if off == 0 {
		if t.annotated {
			ann = t.ann.Zero()
		}
		return 0, 0, ann, nil
	}
	n, err := t.readNode(off)
	if err != nil {
		return 0, 0, ann, err
	}
	return n.height, n.size, n.annotation, nil
}

func (t *Tree[P, A]) heightOf(off arena.Off) (int32, error) {
	if off == 0 {
		return 0, nil
	}
	n, err := t.readNode(off)
	return n.height, err
}

func maxI32(a, b int32) int32 {
	if a > b {
		return a
	}
	return b
}

func (t *Tree[P, A]) recompute(n *node[P, A]) error {
	lh, lsz, lann, err := t.childStats(n.left)
	if err != nil {
		return err
	}
	rh, rsz, rann, err := t.childStats(n.right)
	if err != nil {
		return err
	}
	n.height = maxI32(lh, rh) + 1
	n.size = lsz + rsz + 1
	if t.annotated {
		n.annotation = t.ann.Merge(t.ann.Merge(lann, t.ann.Leaf(n.payload)), rann)
	}
	return nil
}

func (t *Tree[P, A]) balanceFactor(n node[P, A]) (int32, error) {
	lh, err := t.heightOf(n.left)
	if err != nil {
		return 0, err
	}
	rh, err := t.heightOf(n.right)
	if err != nil {
		return 0, err
	}
	return lh - rh, nil
}

// --- rotations (persistent: produce fresh nodes bottom-up) --------------

// rotateLeftAt rotates the node at off and its right child, as in a classic
// AVL left rotation, returning the new subtree root offset.
func (t *Tree[P, A]) rotateLeftAt(off arena.Off) (arena.Off, error) {
	root, err := t.readNode(off)
	if err != nil {
		return 0, err
	}
	return t.rotateLeftNode(root)
}

func (t *Tree[P, A]) rotateLeftNode(root node[P, A]) (arena.Off, error) {
	son, err := t.readNode(root.right)
	if err != nil {
		return 0, err
	}

	root.right = son.left
	if err := t.recompute(&root); err != nil {
		return 0, err
	}
	newRootOff, err := t.writeNode(root)
	if err != nil {
		return 0, err
	}

	son.left = newRootOff
	if err := t.recompute(&son); err != nil {
		return 0, err
	}
	return t.writeNode(son)
}

// rotateRightAt mirrors rotateLeftAt.
func (t *Tree[P, A]) rotateRightAt(off arena.Off) (arena.Off, error) {
	root, err := t.readNode(off)
	if err != nil {
		return 0, err
	}
	return t.rotateRightNode(root)
}

func (t *Tree[P, A]) rotateRightNode(root node[P, A]) (arena.Off, error) {
	son, err := t.readNode(root.left)
	if err != nil {
		return 0, err
	}

	root.left = son.right
	if err := t.recompute(&root); err != nil {
		return 0, err
	}
	newRootOff, err := t.writeNode(root)
	if err != nil {
		return 0, err
	}

	son.right = newRootOff
	if err := t.recompute(&son); err != nil {
		return 0, err
	}
	return t.writeNode(son)
}

// --- Insert ---------------------------------------------------------------

// Insert returns a freshly allocated root reflecting payload's insertion (or
// replacement, on a duplicate key) into the tree rooted at root. The
// original root remains valid and unchanged.
func (t *Tree[P, A]) Insert(root arena.Off, payload P) (arena.Off, error) {
	return t.insert(root, payload)
}

func (t *Tree[P, A]) insert(off arena.Off, payload P) (arena.Off, error) {
	if off == 0 {
		n := node[P, A]{payload: payload, height: 1, size: 1}
		if t.annotated {
			n.annotation = t.ann.Merge(t.ann.Merge(t.ann.Zero(), t.ann.Leaf(payload)), t.ann.Zero())
		}
		return t.writeNode(n)
	}

	cur, err := t.readNode(off)
	if err != nil {
		return 0, err
	}

	c := t.cmp(payload, cur.payload)
	switch {
	case c < 0:
		newLeft, err := t.insert(cur.left, payload)
		if err != nil {
			return 0, err
		}
		cur.left = newLeft
	case c > 0:
		newRight, err := t.insert(cur.right, payload)
		if err != nil {
			return 0, err
		}
		cur.right = newRight
	default:
		// duplicate key: replace the payload, subtree shape unchanged.
		cur.payload = payload
		if err := t.recompute(&cur); err != nil {
			return 0, err
		}
		return t.writeNode(cur)
	}

	if err := t.recompute(&cur); err != nil {
		return 0, err
	}

	balance, err := t.balanceFactor(cur)
	if err != nil {
		return 0, err
	}

	switch {
	case balance > 1:
		leftChild, err := t.readNode(cur.left)
		if err != nil {
			return 0, err
		}
		if t.cmp(payload, leftChild.payload) > 0 {
			// Left-Right case: rotate the left child left first.
			newLeftOff, err := t.rotateLeftAt(cur.left)
			if err != nil {
				return 0, err
			}
			cur.left = newLeftOff
		}
		return t.rotateRightNode(cur)

	case balance < -1:
		rightChild, err := t.readNode(cur.right)
		if err != nil {
			return 0, err
		}
		if t.cmp(payload, rightChild.payload) < 0 {
			// Right-Left case: rotate the right child right first.
			newRightOff, err := t.rotateRightAt(cur.right)
			if err != nil {
				return 0, err
			}
			cur.right = newRightOff
		}
		return t.rotateLeftNode(cur)
	}
	return t.writeNode(cur)
}

// --- Delete -----------------------------------------------------------------

// Delete returns a freshly allocated root with key's payload removed, and
// whether key was present. Subtrees untouched by the removal keep their
// original offsets — only the O(log n) spine above the removed node is
// rewritten, same as Insert.
func (t *Tree[P, A]) Delete(root arena.Off, key P) (arena.Off, bool, error) {
	return t.delete(root, key)
}

func (t *Tree[P, A]) delete(off arena.Off, key P) (arena.Off, bool, error) {
	if off == 0 {
		return 0, false, nil
	}
	cur, err := t.readNode(off)
	if err != nil {
		return 0, false, err
	}

	c := t.cmp(key, cur.payload)
	switch {
	case c < 0:
		newLeft, removed, err := t.delete(cur.left, key)
		if err != nil {
			return 0, false, err
		}
		if !removed {
			return off, false, nil
		}
		cur.left = newLeft

	case c > 0:
		newRight, removed, err := t.delete(cur.right, key)
		if err != nil {
			return 0, false, err
		}
		if !removed {
			return off, false, nil
		}
		cur.right = newRight

	default:
		switch {
		case cur.left == 0 && cur.right == 0:
			return 0, true, nil
		case cur.left == 0:
			return cur.right, true, nil
		case cur.right == 0:
			return cur.left, true, nil
		}

		succ, _, ok, err := t.Min(cur.right)
		if err != nil {
			return 0, false, err
		}
		if !ok {
			return 0, false, errors.New("avltree: invariant violated, missing in-order successor")
		}
		newRight, _, err := t.delete(cur.right, succ)
		if err != nil {
			return 0, false, err
		}
		cur.payload = succ
		cur.right = newRight
	}

	if err := t.recompute(&cur); err != nil {
		return 0, false, err
	}

	balance, err := t.balanceFactor(cur)
	if err != nil {
		return 0, false, err
	}

	switch {
	case balance > 1:
		leftChild, err := t.readNode(cur.left)
		if err != nil {
			return 0, false, err
		}
		lbf, err := t.balanceFactor(leftChild)
		if err != nil {
			return 0, false, err
		}
		if lbf < 0 {
			newLeftOff, err := t.rotateLeftAt(cur.left)
			if err != nil {
				return 0, false, err
			}
			cur.left = newLeftOff
		}
		newOff, err := t.rotateRightNode(cur)
		return newOff, true, err

	case balance < -1:
		rightChild, err := t.readNode(cur.right)
		if err != nil {
			return 0, false, err
		}
		rbf, err := t.balanceFactor(rightChild)
		if err != nil {
			return 0, false, err
		}
		if rbf > 0 {
			newRightOff, err := t.rotateRightAt(cur.right)
			if err != nil {
				return 0, false, err
			}
			cur.right = newRightOff
		}
		newOff, err := t.rotateLeftNode(cur)
		return newOff, true, err
	}

	newOff, err := t.writeNode(cur)
	return newOff, true, err
}

// --- lookups --------------------------------------------------------------

// Find returns the payload stored under key, its node offset, and whether
// it was present.
func (t *Tree[P, A]) Find(root arena.Off, key P) (payload P, at arena.Off, ok bool, err error) {
	off := root
	for off != 0 {
		n, rerr := t.readNode(off)
		if rerr != nil {
			err = rerr
			return
		}
		c := t.cmp(key, n.payload)
		switch {
		case c == 0:
			return n.payload, off, true, nil
		case c < 0:
			off = n.left
		default:
			off = n.right
		}
	}
	return
}

// Successor returns the least payload strictly greater than key.
func (t *Tree[P, A]) Successor(root arena.Off, key P) (payload P, at arena.Off, ok bool, err error) {
	off := root
	for off != 0 {
		n, rerr := t.readNode(off)
		if rerr != nil {
			err = rerr
			return
		}
		if t.cmp(n.payload, key) > 0 {
			payload, at, ok = n.payload, off, true
			off = n.left
		} else {
			off = n.right
		}
	}
	return
}

// Predecessor returns the greatest payload strictly less than key.
func (t *Tree[P, A]) Predecessor(root arena.Off, key P) (payload P, at arena.Off, ok bool, err error) {
	off := root
	for off != 0 {
		n, rerr := t.readNode(off)
		if rerr != nil {
			err = rerr
			return
		}
		if t.cmp(n.payload, key) < 0 {
			payload, at, ok = n.payload, off, true
			off = n.right
		} else {
			off = n.left
		}
	}
	return
}

// LowerBound returns the least payload p with probe(p) >= 0.
func (t *Tree[P, A]) LowerBound(root arena.Off, probe Probe[P]) (payload P, at arena.Off, ok bool, err error) {
	off := root
	for off != 0 {
		n, rerr := t.readNode(off)
		if rerr != nil {
			err = rerr
			return
		}
		if probe(n.payload) >= 0 {
			payload, at, ok = n.payload, off, true
			off = n.left
		} else {
			off = n.right
		}
	}
	return
}

// UpperBound returns the least payload p with probe(p) > 0.
func (t *Tree[P, A]) UpperBound(root arena.Off, probe Probe[P]) (payload P, at arena.Off, ok bool, err error) {
	off := root
	for off != 0 {
		n, rerr := t.readNode(off)
		if rerr != nil {
			err = rerr
			return
		}
		if probe(n.payload) > 0 {
			payload, at, ok = n.payload, off, true
			off = n.left
		} else {
			off = n.right
		}
	}
	return
}

// Min returns the least payload in the tree (descend leftmost).
func (t *Tree[P, A]) Min(root arena.Off) (payload P, at arena.Off, ok bool, err error) {
	return t.LowerBound(root, Infinity[P](-1))
}

// Max returns the greatest payload in the tree (descend rightmost).
func (t *Tree[P, A]) Max(root arena.Off) (payload P, at arena.Off, ok bool, err error) {
	off := root
	for off != 0 {
		n, rerr := t.readNode(off)
		if rerr != nil {
			err = rerr
			return
		}
		payload, at, ok = n.payload, off, true
		if n.right == 0 {
			break
		}
		off = n.right
	}
	return
}

// Size returns the number of payloads in the tree rooted at root.
func (t *Tree[P, A]) Size(root arena.Off) (uint64, error) {
	if root == 0 {
		return 0, nil
	}
	n, err := t.readNode(root)
	return uint64(n.size), err
}

// Annotation returns the annotation stored at root (the fold over the
// entire subtree).
func (t *Tree[P, A]) Annotation(root arena.Off) (A, error) {
	var zero A
	if root == 0 {
		if t.annotated {
			zero = t.ann.Zero()
		}
		return zero, nil
	}
	n, err := t.readNode(root)
	return n.annotation, err
}

// Rank returns the number of payloads strictly less than key, and the fold
// of the annotation monoid over exactly those payloads.
func (t *Tree[P, A]) Rank(root arena.Off, key P) (count uint64, fold A, err error) {
	if t.annotated {
		fold = t.ann.Zero()
	}
	off := root
	for off != 0 {
		n, rerr := t.readNode(off)
		if rerr != nil {
			err = rerr
			return
		}
		if t.cmp(key, n.payload) > 0 {
			_, lsz, lann, serr := t.childStats(n.left)
			if serr != nil {
				err = serr
				return
			}
			count += uint64(lsz) + 1
			if t.annotated {
				fold = t.ann.Merge(fold, t.ann.Merge(lann, t.ann.Leaf(n.payload)))
			}
			off = n.right
		} else {
			off = n.left
		}
	}
	return
}

// Select returns the n-th payload in ascending order (0-indexed).
func (t *Tree[P, A]) Select(root arena.Off, n uint64) (payload P, at arena.Off, ok bool, err error) {
	off := root
	for off != 0 {
		nd, rerr := t.readNode(off)
		if rerr != nil {
			err = rerr
			return
		}
		_, leftSize, _, serr := t.childStats(nd.left)
		if serr != nil {
			err = serr
			return
		}
		switch {
		case n < uint64(leftSize):
			off = nd.left
		case n == uint64(leftSize):
			return nd.payload, off, true, nil
		default:
			n -= uint64(leftSize) + 1
			off = nd.right
		}
	}
	return
}

// Visit performs an in-order traversal, calling fn on every payload in
// ascending order until fn returns false or the tree is exhausted.
func (t *Tree[P, A]) Visit(root arena.Off, fn func(P) bool) error {
	err := t.visitInOrder(root, fn)
	if err == errStopVisit {
		return nil
	}
	return err
}

func (t *Tree[P, A]) visitInOrder(off arena.Off, fn func(P) bool) error {
	if off == 0 {
		return nil
	}
	n, err := t.readNode(off)
	if err != nil {
		return err
	}
	if err := t.visitInOrder(n.left, fn); err != nil {
		return err
	}
	if !fn(n.payload) {
		return errStopVisit
	}
	return t.visitInOrder(n.right, fn)
}

// WalkOrder selects traversal order for Walk.
type WalkOrder int

const (
	// PreOrder visits a node before its children.
	PreOrder WalkOrder = iota
	// InOrder visits a node between its children (ascending key order).
	InOrder
)

// Walk traverses the tree in the given order, calling fn on every payload
// until fn returns false.
func (t *Tree[P, A]) Walk(root arena.Off, order WalkOrder, fn func(P) bool) error {
	if order == InOrder {
		return t.Visit(root, fn)
	}
	err := t.walkPreOrder(root, fn)
	if err == errStopVisit {
		return nil
	}
	return err
}

func (t *Tree[P, A]) walkPreOrder(off arena.Off, fn func(P) bool) error {
	if off == 0 {
		return nil
	}
	n, err := t.readNode(off)
	if err != nil {
		return err
	}
	if !fn(n.payload) {
		return errStopVisit
	}
	if err := t.walkPreOrder(n.left, fn); err != nil {
		return err
	}
	return t.walkPreOrder(n.right, fn)
}

// Height returns the height of the tree rooted at root (0 for an empty
// tree), useful for checking the AVL balance bound.
func (t *Tree[P, A]) Height(root arena.Off) (int32, error) {
	return t.heightOf(root)
}

// NodeRefs exposes a single node's payload, children, and annotation, for
// callers that need custom annotation-guided descent beyond what Rank and
// Select provide generically (the layered range tree's depth-windowed
// select is the motivating case).
type NodeRefs[P any, A any] struct {
	Payload    P
	Left       arena.Off
	Right      arena.Off
	Annotation A
}

// Inspect returns the node at off, or ok=false for the empty-tree sentinel.
func (t *Tree[P, A]) Inspect(off arena.Off) (refs NodeRefs[P, A], ok bool, err error) {
	if off == 0 {
		return NodeRefs[P, A]{}, false, nil
	}
	n, err := t.readNode(off)
	if err != nil {
		return NodeRefs[P, A]{}, false, err
	}
	return NodeRefs[P, A]{Payload: n.payload, Left: n.left, Right: n.right, Annotation: n.annotation}, true, nil
}
