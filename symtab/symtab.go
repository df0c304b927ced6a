// Package symtab resolves addresses to symbol names and back, reading
// symbols from an ELF image (stdlib debug/elf — no third-party ELF reader
// appears anywhere in the retrieved pack, so the standard library is the
// justified choice here) and indexing them with an augmented interval
// tree for "best symbol covering an address" lookups, the same structural
// problem as stabbing a genomic coordinate against annotated features.
package symtab

import (
	"debug/elf"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/biogo/store/interval"
)

// Symbol is one named, sized, address-anchored ELF symbol.
type Symbol struct {
	Name string
	Addr uint64
	Size uint64
}

// symInterval adapts a Symbol to interval.IntInterface. Zero-size symbols
// still occupy one byte of address space so they can be stabbed.
type symInterval struct {
	uid uintptr
	sym Symbol
}

func (s symInterval) ID() uintptr { return s.uid }

func (s symInterval) span() (int, int) {
	start := int(s.sym.Addr)
	end := int(s.sym.Addr + s.sym.Size)
	if end <= start {
		end = start + 1
	}
	return start, end
}

func (s symInterval) Range() interval.IntRange {
	start, end := s.span()
	return interval.IntRange{Start: start, End: end}
}

func (s symInterval) Overlap(b interval.IntRange) bool {
	start, end := s.span()
	return start < b.End && b.Start < end
}

// Table is a symbol table resolved from one ELF image.
type Table struct {
	tree        interval.IntTree
	byName      map[string][]Symbol // sorted by Addr, supports name#N
	sortedAddrs []Symbol            // sorted by Addr, for nearest-preceding fallback
}

// Load reads the ELF image at path and indexes its symbols. Mapping
// symbols ($a, $t, $x, $d) are excluded.
func Load(path string) (*Table, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("symtab: open %s: %w", path, err)
	}
	defer f.Close()

	syms, err := f.Symbols()
	if err != nil && err != elf.ErrNoSymbols {
		return nil, fmt.Errorf("symtab: read symbols: %w", err)
	}
	dynSyms, err := f.DynamicSymbols()
	if err != nil && err != elf.ErrNoSymbols {
		return nil, fmt.Errorf("symtab: read dynamic symbols: %w", err)
	}

	t := &Table{byName: make(map[string][]Symbol)}
	var uid uintptr
	add := func(name string, addr, size uint64) {
		if name == "" || isMappingSymbol(name) {
			return
		}
		sym := Symbol{Name: name, Addr: addr, Size: size}
		si := symInterval{uid: uid, sym: sym}
		uid++
		if err := t.tree.Insert(si, true); err != nil {
			return
		}
		t.byName[name] = append(t.byName[name], sym)
		t.sortedAddrs = append(t.sortedAddrs, sym)
	}
	for _, s := range syms {
		add(s.Name, s.Value, s.Size)
	}
	for _, s := range dynSyms {
		add(s.Name, s.Value, s.Size)
	}
	t.tree.AdjustRanges()

	for name, defs := range t.byName {
		sort.Slice(defs, func(i, j int) bool { return defs[i].Addr < defs[j].Addr })
		t.byName[name] = defs
	}
	sort.Slice(t.sortedAddrs, func(i, j int) bool { return t.sortedAddrs[i].Addr < t.sortedAddrs[j].Addr })

	return t, nil
}

func isMappingSymbol(name string) bool {
	for _, prefix := range []string{"$a", "$t", "$x", "$d"} {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// LookupSymbol resolves a name query, which may carry a #N suffix to
// select the N-th (zero-based) same-named definition.
func (t *Table) LookupSymbol(query string) (Symbol, bool) {
	name, idx, hasIdx := splitHashIndex(query)
	defs, ok := t.byName[name]
	if !ok || len(defs) == 0 {
		return Symbol{}, false
	}
	if hasIdx {
		if idx < 0 || idx >= len(defs) {
			return Symbol{}, false
		}
		return defs[idx], true
	}
	return defs[0], true
}

func splitHashIndex(s string) (name string, idx int, ok bool) {
	i := strings.LastIndexByte(s, '#')
	if i < 0 {
		return s, 0, false
	}
	n, err := strconv.Atoi(s[i+1:])
	if err != nil {
		return s, 0, false
	}
	return s[:i], n, true
}

// GetSymbolicAddress returns the name of the best symbol for addr (see
// bestCovering: a covering symbol, else the nearest preceding one),
// disambiguated with @0x<hex> when more than one symbol shares the name.
// Only when addr precedes every symbol does fallback control whether a hex
// literal "0x<addr>" is returned instead of the empty string.
func (t *Table) GetSymbolicAddress(addr uint64, fallback bool) string {
	sym, ok := t.bestCovering(addr)
	if !ok {
		if fallback {
			return fmt.Sprintf("0x%x", addr)
		}
		return ""
	}
	if len(t.byName[sym.Name]) > 1 {
		return fmt.Sprintf("%s@0x%x", sym.Name, sym.Addr)
	}
	return sym.Name
}

// bestCovering prefers a sized symbol whose range contains addr over a
// zero-size symbol that merely stabs it; failing either, the nearest
// preceding symbol in address order.
func (t *Table) bestCovering(addr uint64) (Symbol, bool) {
	hits := t.tree.Get(symInterval{sym: Symbol{Addr: addr, Size: 0}})
	var bestSized, bestZero Symbol
	foundSized, foundZero := false, false
	for _, h := range hits {
		s := h.(symInterval).sym
		if s.Size > 0 {
			if !foundSized || s.Addr > bestSized.Addr {
				bestSized = s
				foundSized = true
			}
			continue
		}
		if !foundZero || s.Addr > bestZero.Addr {
			bestZero = s
			foundZero = true
		}
	}
	if foundSized {
		return bestSized, true
	}
	if foundZero {
		return bestZero, true
	}

	i := sort.Search(len(t.sortedAddrs), func(i int) bool { return t.sortedAddrs[i].Addr > addr })
	if i == 0 {
		return Symbol{}, false
	}
	return t.sortedAddrs[i-1], true
}
