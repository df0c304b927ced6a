package index

import (
	"strconv"
	"unicode"
)

// RegClass describes one register-class prefix's layout in the flat
// register address space. SlotStride == 0 marks a dependent class whose
// offset can only be resolved once iflags is known.
type RegClass struct {
	Prefix     string
	SlotSize   uint64
	SlotStride uint64
	Count      int
	BaseOffset uint64
}

// Register address space layout. Independent classes get a fixed base
// offset and stride; s/d alias into the q vector space and are resolved
// through resolveDependent once iflags is known.
var registerClasses = []RegClass{
	{Prefix: "r", SlotSize: 4, SlotStride: 4, Count: 16, BaseOffset: 0x0000},
	{Prefix: "x", SlotSize: 8, SlotStride: 8, Count: 31, BaseOffset: 0x0100},
	{Prefix: "q", SlotSize: 16, SlotStride: 16, Count: 32, BaseOffset: 0x0400},
	{Prefix: "s", SlotSize: 4, SlotStride: 0, Count: 32, BaseOffset: 0},
	{Prefix: "d", SlotSize: 8, SlotStride: 0, Count: 32, BaseOffset: 0},
	{Prefix: "psr", SlotSize: 4, SlotStride: 4, Count: 1, BaseOffset: 0x0600},
}

// iflagsOffset is the pseudo-register holding architectural mode bits
// (bit 0 = AArch64), stored outside any named class.
const iflagsOffset uint64 = 0x0800

func classByPrefix(prefix string) (RegClass, bool) {
	for _, c := range registerClasses {
		if c.Prefix == prefix {
			return c, true
		}
	}
	return RegClass{}, false
}

// resolveDependent computes the q-space offset for an s/d register. AArch64
// indexes Q registers directly; AArch32 packs D registers as pairs of the
// legacy S-register file, so its byte offset differs from the AArch64
// layout for the same index.
func resolveDependent(prefix string, index int, isAArch64 bool) (offset uint64, size uint64, ok bool) {
	qClass, _ := classByPrefix("q")
	switch prefix {
	case "s":
		if isAArch64 {
			return qClass.BaseOffset + uint64(index)*16, 4, true
		}
		return qClass.BaseOffset + uint64(index)*4, 4, true
	case "d":
		if isAArch64 {
			return qClass.BaseOffset + uint64(index)*16, 8, true
		}
		return qClass.BaseOffset + uint64(index)*8, 8, true
	}
	return 0, 0, false
}

// parseRegName splits a register name into its class prefix and index,
// resolving the msp/lr/cpsr/eN aliases and the canonical prefix+digits
// form. An unsuffixed name (no trailing digits) resolves only when its
// class has exactly one register.
func parseRegName(name string) (prefix string, index int, ok bool) {
	switch name {
	case "msp":
		return "r", 13, true
	case "lr":
		return "r", 14, true
	case "cpsr":
		return "psr", 0, true
	}
	if len(name) > 1 && name[0] == 'e' {
		if n, err := strconv.Atoi(name[1:]); err == nil {
			return "x", n, true
		}
	}

	i := 0
	for i < len(name) && !unicode.IsDigit(rune(name[i])) {
		i++
	}
	prefix = name[:i]
	cls, clsOk := classByPrefix(prefix)
	if !clsOk {
		return "", 0, false
	}
	if i == len(name) {
		if cls.Count != 1 {
			return "", 0, false
		}
		return prefix, 0, true
	}
	n, err := strconv.Atoi(name[i:])
	if err != nil {
		return "", 0, false
	}
	return prefix, n, true
}
