// Package vcd renders register and memory state changes as an IEEE
// 1364-2005 Value Change Dump: $var/$scope/$dumpvars/$end structure, a
// configurable timescale (default 1ns), and densely-assigned identifiers
// drawn from the printable ASCII range '!'..'~' (base 94).
package vcd

import (
	"fmt"
	"io"
	"strings"

	"tarmacidx/index"
	"tarmacidx/memtree"
	"tarmacidx/seqtree"
)

// MemWatch names one memory location to track as a signal.
type MemWatch struct {
	Name string
	Addr uint64
	Size int
}

// DumpOptions selects which signals to trace and how to label the dump.
type DumpOptions struct {
	Registers []string
	Memory    []MemWatch
	Timescale string // e.g. "1ns"; defaults to "1ns"
	ScopeName string // defaults to "tarmacidx"
}

type signal struct {
	name    string
	id      string
	bits    int
	isMem   bool
	reg     string
	addr    uint64
	last    []byte
	lastOK  bool
	haveAny bool
}

// identAlloc hands out successive VCD identifiers from the printable
// ASCII range, most-significant digit first, so low indexes sort first.
type identAlloc struct{ next int }

func (a *identAlloc) alloc() string {
	const first, last = '!', '~'
	const span = last - first + 1
	n := a.next
	a.next++
	buf := []byte{byte(first + n%span)}
	n = n/span - 1
	for n >= 0 {
		buf = append([]byte{byte(first + n%span)}, buf...)
		n = n/span - 1
	}
	return string(buf)
}

// Dump walks every sequential node in nav and writes a VCD trace of the
// requested registers and memory locations to w.
func Dump(nav *index.Navigator, w io.Writer, opts DumpOptions) error {
	ts := opts.Timescale
	if ts == "" {
		ts = "1ns"
	}
	scope := opts.ScopeName
	if scope == "" {
		scope = "tarmacidx"
	}

	first, ok, err := nav.FindBufferLimit(-1)
	if err != nil {
		return err
	}

	regSizes := make(map[string]int)
	if ok {
		for node, cont := first, true; cont; {
			for _, r := range opts.Registers {
				if _, known := regSizes[r]; known {
					continue
				}
				b, defOk, rerr := nav.GetRegBytes(node.MemoryRoot, r)
				if rerr != nil {
					return rerr
				}
				if defOk {
					regSizes[r] = len(b)
				}
			}
			next, hasNext, nerr := nav.NextNode(node.FirstLine)
			if nerr != nil {
				return nerr
			}
			if !hasNext {
				cont = false
				continue
			}
			node = next
		}
	}

	alloc := identAlloc{}
	var sigs []*signal
	for _, r := range opts.Registers {
		size, known := regSizes[r]
		if !known {
			continue // never defined anywhere in the trace: no signal emitted
		}
		sigs = append(sigs, &signal{name: r, id: alloc.alloc(), bits: size * 8, reg: r})
	}
	for _, m := range opts.Memory {
		sigs = append(sigs, &signal{name: m.Name, id: alloc.alloc(), bits: m.Size * 8, isMem: true, addr: m.Addr})
	}

	if err := writeHeader(w, ts, scope, sigs); err != nil {
		return err
	}
	if !ok || len(sigs) == 0 {
		_, err := fmt.Fprintf(w, "$dumpvars\n$end\n")
		return err
	}

	node := first
	firstStep := true
	for {
		changed := make([]*signal, 0, len(sigs))
		for _, s := range sigs {
			data, defOk, gerr := readSignal(nav, node, s)
			if gerr != nil {
				return gerr
			}
			if firstStep || !bytesEqualDef(s.last, s.lastOK, data, defOk) {
				s.last, s.lastOK, s.haveAny = data, defOk, true
				changed = append(changed, s)
			}
		}
		if firstStep || len(changed) > 0 {
			if _, err := fmt.Fprintf(w, "#%d\n", node.ModTime); err != nil {
				return err
			}
			if firstStep {
				if _, err := io.WriteString(w, "$dumpvars\n"); err != nil {
					return err
				}
				for _, s := range sigs {
					if err := writeValue(w, s); err != nil {
						return err
					}
				}
				if _, err := io.WriteString(w, "$end\n"); err != nil {
					return err
				}
			} else {
				for _, s := range changed {
					if err := writeValue(w, s); err != nil {
						return err
					}
				}
			}
		}
		firstStep = false

		next, hasNext, nerr := nav.NextNode(node.FirstLine)
		if nerr != nil {
			return nerr
		}
		if !hasNext {
			break
		}
		node = next
	}
	return nil
}

func readSignal(nav *index.Navigator, node seqtree.Payload, s *signal) (data []byte, ok bool, err error) {
	if s.isMem {
		b, defined, _, rerr := nav.GetMem(node.MemoryRoot, memtree.SpaceMemory, s.addr, s.bits/8)
		if rerr != nil {
			return nil, false, rerr
		}
		for _, d := range defined {
			if !d {
				return nil, false, nil
			}
		}
		return b, true, nil
	}
	b, defOk, rerr := nav.GetRegBytes(node.MemoryRoot, s.reg)
	if rerr != nil {
		return nil, false, rerr
	}
	return b, defOk, nil
}

func bytesEqualDef(a []byte, aOK bool, b []byte, bOK bool) bool {
	if aOK != bOK {
		return false
	}
	if !aOK {
		return true
	}
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func writeHeader(w io.Writer, timescale, scope string, sigs []*signal) error {
	if _, err := fmt.Fprintf(w, "$timescale %s $end\n$scope module %s $end\n", timescale, scope); err != nil {
		return err
	}
	for _, s := range sigs {
		if _, err := fmt.Fprintf(w, "$var wire %d %s %s $end\n", s.bits, s.id, s.name); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "$upscope $end\n$enddefinitions $end\n")
	return err
}

func writeValue(w io.Writer, s *signal) error {
	if !s.lastOK {
		bits := strings.Repeat("x", s.bits)
		_, err := fmt.Fprintf(w, "b%s %s\n", bits, s.id)
		return err
	}
	var v uint64
	for i := len(s.last) - 1; i >= 0; i-- {
		v = v<<8 | uint64(s.last[i])
	}
	bits := make([]byte, s.bits)
	for i := 0; i < s.bits; i++ {
		bit := (v >> uint(s.bits-1-i)) & 1
		if bit == 1 {
			bits[i] = '1'
		} else {
			bits[i] = '0'
		}
	}
	_, err := fmt.Fprintf(w, "b%s %s\n", string(bits), s.id)
	return err
}
