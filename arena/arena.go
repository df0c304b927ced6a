// Package arena implements the append-only byte arena that backs every
// persistent tree in this module. During indexing it grows a single file
// that is kept memory-mapped read/write, handing out stable offsets as it
// goes; on Finalize the map is remapped read-only so later readers (maybe
// many, maybe in other processes) can share it without locks.
package arena

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"

	"github.com/edsrzf/mmap-go"
)

// Off is a signed offset into the arena file. Off(0) never denotes a real
// node (the header occupies bytes [0,32)), so it doubles as the "no child"
// sentinel.
type Off int64

const (
	magic     = "TARMAC-INDEX"
	magicTail = "EOTI"
	version   = 1

	headerSize = 32
	footerSize = 64

	flagAArch64   = 1 << 0
	flagBigEndian = 1 << 1

	initialCapacity = 1 << 20 // 1 MiB, doubled on overflow
)

// ErrStaleIndex is returned by Open when the magic, version, or trailing
// footer marker of a file do not match what this package writes. Callers
// should treat the index as absent and rebuild it.
var ErrStaleIndex = errors.New("arena: stale or corrupt index file")

// footer mirrors the trailing 64 bytes of a finalized arena file.
type footer struct {
	SeqRoot      Off
	BypcRoot     Off
	LineNoOffset uint32
	CRC32        uint32
}

// Arena is either in "building" mode (read/write mmap, growable) or
// "finalized" mode (read-only mmap). The two modes are mutually exclusive:
// Allocate is rejected once finalized, ReadBytes works in both.
type Arena struct {
	path string
	f    *os.File
	mm   mmap.MMap
	cur  Off

	isAArch64   bool
	isBigEndian bool

	footer    footer
	finalized bool
}

// Create opens a fresh arena file for writing, truncating any prior
// contents, and writes the 32-byte header immediately.
func Create(path string, isAArch64, isBigEndianTrace bool) (*Arena, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("arena: create %s: %w", path, err)
	}
	if err := f.Truncate(initialCapacity); err != nil {
		f.Close()
		return nil, fmt.Errorf("arena: truncate %s: %w", path, err)
	}

	mm, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("arena: mmap %s: %w", path, err)
	}

	a := &Arena{
		path:        path,
		f:           f,
		mm:          mm,
		isAArch64:   isAArch64,
		isBigEndian: isBigEndianTrace,
	}
	a.writeHeader()
	return a, nil
}

func (a *Arena) writeHeader() {
	copy(a.mm[0:12], magic)
	a.mm[12] = version

	var flags byte
	if a.isAArch64 {
		flags |= flagAArch64
	}
	if a.isBigEndian {
		flags |= flagBigEndian
	}
	a.mm[13] = flags
	// bytes 14..31 reserved, left zero
	a.cur = headerSize
}

// Allocate appends data to the arena and returns the offset at which it was
// written. Offsets are stable for the lifetime of the file.
func (a *Arena) Allocate(data []byte) (Off, error) {
	if a.finalized {
		return 0, errors.New("arena: cannot allocate on a finalized arena")
	}
	need := a.cur + Off(len(data))
	if int(need) > len(a.mm) {
		if err := a.grow(int(need)); err != nil {
			return 0, err
		}
	}
	off := a.cur
	copy(a.mm[off:int(off)+len(data)], data)
	a.cur += Off(len(data))
	return off, nil
}

func (a *Arena) grow(minSize int) error {
	newSize := len(a.mm)
	if newSize == 0 {
		newSize = initialCapacity
	}
	for newSize < minSize {
		newSize *= 2
	}
	if err := a.mm.Unmap(); err != nil {
		return fmt.Errorf("arena: unmap before grow: %w", err)
	}
	if err := a.f.Truncate(int64(newSize)); err != nil {
		return fmt.Errorf("arena: grow to %d: %w", newSize, err)
	}
	mm, err := mmap.Map(a.f, mmap.RDWR, 0)
	if err != nil {
		return fmt.Errorf("arena: remap after grow: %w", err)
	}
	a.mm = mm
	return nil
}

// Abort discards a partially-written arena, deleting the backing file. Used
// when indexing fails partway through: an I/O error aborts indexing and
// deletes the partial file.
func (a *Arena) Abort() error {
	if a.f == nil {
		return nil
	}
	if a.mm != nil {
		a.mm.Unmap()
		a.mm = nil
	}
	path := a.path
	a.f.Close()
	a.f = nil
	return os.Remove(path)
}

// CommitRoot records the named tree roots to be written into the footer by
// Finalize.
func (a *Arena) CommitRoot(seqRoot, bypcRoot Off, lineNoOffset uint32) {
	a.footer.SeqRoot = seqRoot
	a.footer.BypcRoot = bypcRoot
	a.footer.LineNoOffset = lineNoOffset
}

// Finalize trims the file to its used size, appends the footer (including a
// CRC32 over the body), and remaps the file read-only.
func (a *Arena) Finalize() error {
	if a.finalized {
		return errors.New("arena: already finalized")
	}

	bodyEnd := int(a.cur)
	total := bodyEnd + footerSize

	if total > len(a.mm) {
		if err := a.grow(total); err != nil {
			return err
		}
	}

	crc := crc32.ChecksumIEEE(a.mm[:bodyEnd])

	var ftr [footerSize]byte
	binary.LittleEndian.PutUint64(ftr[0:8], uint64(a.footer.SeqRoot))
	binary.LittleEndian.PutUint64(ftr[8:16], uint64(a.footer.BypcRoot))
	binary.LittleEndian.PutUint32(ftr[16:20], a.footer.LineNoOffset)
	copy(ftr[20:24], magicTail)
	binary.LittleEndian.PutUint32(ftr[24:28], crc)
	// bytes 28..63 reserved, left zero
	a.footer.CRC32 = crc
	copy(a.mm[bodyEnd:total], ftr[:])

	if err := a.mm.Flush(); err != nil {
		return fmt.Errorf("arena: flush: %w", err)
	}
	if err := a.mm.Unmap(); err != nil {
		return fmt.Errorf("arena: unmap: %w", err)
	}
	if err := a.f.Truncate(int64(total)); err != nil {
		return fmt.Errorf("arena: trim to final size: %w", err)
	}

	mm, err := mmap.Map(a.f, mmap.RDONLY, 0)
	if err != nil {
		return fmt.Errorf("arena: remap read-only: %w", err)
	}
	a.mm = mm
	a.finalized = true
	return nil
}

// Open mmaps a finalized arena file read-only and validates its header and
// footer. A mismatch of magic, version, or footer tail returns
// ErrStaleIndex rather than an error the caller must interpret specially.
func Open(path string) (*Arena, error) {
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if fi.Size() < headerSize+footerSize {
		f.Close()
		return nil, ErrStaleIndex
	}

	mm, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("arena: mmap %s: %w", path, err)
	}

	a := &Arena{path: path, f: f, mm: mm, finalized: true}
	if err := a.validate(); err != nil {
		mm.Unmap()
		f.Close()
		return nil, err
	}
	return a, nil
}

func (a *Arena) validate() error {
	if len(a.mm) < headerSize+footerSize {
		return ErrStaleIndex
	}
	if string(a.mm[0:12]) != magic {
		return ErrStaleIndex
	}
	if a.mm[12] != version {
		return ErrStaleIndex
	}
	flags := a.mm[13]
	a.isAArch64 = flags&flagAArch64 != 0
	a.isBigEndian = flags&flagBigEndian != 0

	n := len(a.mm)
	ftr := a.mm[n-footerSize:]
	if string(ftr[20:24]) != magicTail {
		return ErrStaleIndex
	}

	wantCRC := binary.LittleEndian.Uint32(ftr[24:28])
	gotCRC := crc32.ChecksumIEEE(a.mm[:n-footerSize])
	if gotCRC != wantCRC {
		return ErrStaleIndex
	}

	a.footer = footer{
		SeqRoot:      Off(binary.LittleEndian.Uint64(ftr[0:8])),
		BypcRoot:     Off(binary.LittleEndian.Uint64(ftr[8:16])),
		LineNoOffset: binary.LittleEndian.Uint32(ftr[16:20]),
		CRC32:        wantCRC,
	}
	return nil
}

// Roots returns the footer-committed roots of a finalized, validated arena.
func (a *Arena) Roots() (seqRoot, bypcRoot Off, lineNoOffset uint32) {
	return a.footer.SeqRoot, a.footer.BypcRoot, a.footer.LineNoOffset
}

// IsAArch64 reports the trace-mode flag stored in the header.
func (a *Arena) IsAArch64() bool { return a.isAArch64 }

// IsBigEndianTrace reports the trace-mode flag stored in the header.
func (a *Arena) IsBigEndianTrace() bool { return a.isBigEndian }

// ReadBytes returns a slice of n bytes starting at off. The slice aliases
// the mmap and must not be retained past Close.
func (a *Arena) ReadBytes(off Off, n int) ([]byte, error) {
	if off < 0 || int(off)+n > len(a.mm) {
		return nil, fmt.Errorf("arena: read [%d,%d) out of range (mapped %d)", off, int(off)+n, len(a.mm))
	}
	return a.mm[off : int(off)+n], nil
}

// Close unmaps the arena and closes the underlying file descriptor.
func (a *Arena) Close() error {
	var err error
	if a.mm != nil {
		err = a.mm.Unmap()
		a.mm = nil
	}
	if a.f != nil {
		if cerr := a.f.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
