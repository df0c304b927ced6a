// Command tarmacidx builds and queries Tarmac trace indexes: it streams a
// trace into an on-disk AVL-tree index, then answers line/time/pc/
// register/memory queries against it, or renders a flame graph or VCD
// waveform dump from the indexed trace.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	"tarmacidx/flamegraph"
	"tarmacidx/index"
	"tarmacidx/memtree"
	"tarmacidx/seqtree"
	"tarmacidx/symtab"
	"tarmacidx/vcd"
)

const memSpaceForQuery = memtree.SpaceMemory

// Exit codes.
const (
	exitOK           = 0
	exitUsage        = 1
	exitIOError      = 2
	exitIndexCorrupt = 3
)

// fileConfig holds defaults loadable from a --config TOML file. A non-empty
// string flag takes precedence over the file; a boolean option is on when
// either the flag or the file turns it on.
type fileConfig struct {
	Trace     string
	Index     string
	Image     string
	BigEndian bool `toml:"big_endian"`
	AArch64   bool `toml:"aarch64"`
	Progress  bool
	Timescale string
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return exitUsage
	}
	switch args[0] {
	case "index":
		return runIndex(args[1:])
	case "query":
		return runQuery(args[1:])
	case "flamegraph":
		return runFlamegraph(args[1:])
	case "vcd":
		return runVCD(args[1:])
	case "-h", "--help", "help":
		usage()
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "tarmacidx: unknown subcommand %q\n", args[0])
		usage()
		return exitUsage
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage:
  tarmacidx index      --trace FILE --index FILE [options]
  tarmacidx query      --index FILE [--trace FILE] [--image FILE] (--line N | --time N | --pc HEX) [--reg NAME] [--mem ADDR:SIZE]
  tarmacidx flamegraph --index FILE [--trace FILE] [--image FILE] [--out FILE]
  tarmacidx vcd        --index FILE [--trace FILE] [--image FILE] --reg NAME [--reg NAME ...] [--mem NAME=ADDR:SIZE ...] [--out FILE] [--timescale 1ns]

Common options:
  --config FILE   load defaults from a TOML config file
  --big-endian    trace is big-endian (default little-endian)
  --aarch64       trace targets AArch64 (default AArch32)

Query/flamegraph/vcd options:
  --no-index      never rebuild a missing or stale index automatically
  --only-index    build or refresh the index, then exit without querying
`)
}

func loadConfig(path string) (fileConfig, error) {
	var cfg fileConfig
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("tarmacidx: read config %s: %w", path, err)
	}
	return cfg, nil
}

func runIndex(args []string) int {
	fs := flag.NewFlagSet("index", flag.ContinueOnError)
	configPath := fs.String("config", "", "TOML config file")
	tracePath := fs.String("trace", "", "trace file to index")
	indexPath := fs.String("index", "", "index file to write")
	bigEndian := fs.Bool("big-endian", false, "trace is big-endian")
	aarch64 := fs.Bool("aarch64", false, "trace targets AArch64")
	progress := fs.Bool("progress", false, "print indexing progress to stderr")
	progressEvery := fs.Int("progress-every", 10000, "instruction groups between progress samples")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitIOError
	}
	trace := firstNonEmpty(*tracePath, cfg.Trace)
	idx := firstNonEmpty(*indexPath, cfg.Index)
	if trace == "" || idx == "" {
		fmt.Fprintln(os.Stderr, "tarmacidx index: --trace and --index are required")
		return exitUsage
	}

	opts := index.BuildOptions{
		IsAArch64:     *aarch64 || cfg.AArch64,
		IsBigEndian:   *bigEndian || cfg.BigEndian,
		ShowProgress:  *progress || cfg.Progress,
		ProgressEvery: *progressEvery,
		ProgressSink:  os.Stderr,
	}
	if err := index.Build(trace, idx, opts); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitIOError
	}
	return exitOK
}

// runOnlyIndex implements --only-index: build or refresh the index at
// indexPath and return the process exit code, without opening a Navigator
// or running the subcommand's actual query.
func runOnlyIndex(tracePath, indexPath string, opts index.BuildOptions) int {
	if err := index.Build(tracePath, indexPath, opts); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitIOError
	}
	return exitOK
}

// openNavigator opens (or rebuilds, unless opts.NoRebuild is set) an index
// and attaches an optional symbol table, for every query-like subcommand.
func openNavigator(tracePath, indexPath, imagePath string, opts index.BuildOptions) (*index.Navigator, func(), int) {
	ar, err := index.OpenOrBuild(tracePath, indexPath, opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, exitIndexCorrupt
	}
	var symbols *symtab.Table
	if imagePath != "" {
		symbols, err = symtab.Load(imagePath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			ar.Close()
			return nil, nil, exitIOError
		}
	}
	nav := index.OpenNavigator(ar, symbols)
	return nav, func() { ar.Close() }, exitOK
}

func runQuery(args []string) int {
	fs := flag.NewFlagSet("query", flag.ContinueOnError)
	configPath := fs.String("config", "", "TOML config file")
	tracePath := fs.String("trace", "", "trace file (for rebuild if index is stale)")
	indexPath := fs.String("index", "", "index file")
	imagePath := fs.String("image", "", "ELF image for symbol resolution")
	bigEndian := fs.Bool("big-endian", false, "trace is big-endian")
	aarch64 := fs.Bool("aarch64", false, "trace targets AArch64")
	line := fs.Int64("line", -1, "look up the node covering this line")
	at := fs.Int64("time", -1, "look up the node at this mod_time")
	pc := fs.String("pc", "", "next occurrence of this PC (hex)")
	reg := fs.String("reg", "", "register name to read at the resolved node")
	mem := fs.String("mem", "", "ADDR:SIZE memory range to read at the resolved node")
	noIndex := fs.Bool("no-index", false, "never rebuild a missing or stale index automatically")
	onlyIndex := fs.Bool("only-index", false, "build or refresh the index, then exit without querying")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitIOError
	}
	idx := firstNonEmpty(*indexPath, cfg.Index)
	if idx == "" {
		fmt.Fprintln(os.Stderr, "tarmacidx query: --index is required")
		return exitUsage
	}

	opts := index.BuildOptions{IsAArch64: *aarch64 || cfg.AArch64, IsBigEndian: *bigEndian || cfg.BigEndian, NoRebuild: *noIndex}
	if *onlyIndex {
		return runOnlyIndex(firstNonEmpty(*tracePath, cfg.Trace), idx, opts)
	}
	nav, closeFn, code := openNavigator(firstNonEmpty(*tracePath, cfg.Trace), idx, firstNonEmpty(*imagePath, cfg.Image), opts)
	if code != exitOK {
		return code
	}
	defer closeFn()

	var (
		node  seqtree.Payload
		found bool
	)

	switch {
	case *line >= 0:
		p, ok, err := nav.NodeAtLine(uint32(*line))
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitIOError
		}
		node, found = p, ok
	case *at >= 0:
		p, ok, err := nav.NodeAtTime(uint32(*at))
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitIOError
		}
		node, found = p, ok
	case *pc != "":
		addr, err := strconv.ParseUint(strings.TrimPrefix(*pc, "0x"), 16, 64)
		if err != nil {
			fmt.Fprintln(os.Stderr, "tarmacidx query: invalid --pc:", err)
			return exitUsage
		}
		p, ok, err := nav.NextOccurrence(addr, 0)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitIOError
		}
		if !ok {
			fmt.Fprintln(os.Stderr, "tarmacidx query: not found")
			return exitIOError
		}
		fmt.Printf("pc=0x%x first_line=%d\n", p.PC, p.FirstLine)
		return exitOK
	default:
		fmt.Fprintln(os.Stderr, "tarmacidx query: one of --line, --time, --pc is required")
		return exitUsage
	}

	if !found {
		fmt.Fprintln(os.Stderr, "tarmacidx query: not found")
		return exitIOError
	}

	fmt.Printf("line=%d..%d time=%d pc=0x%x depth=%d\n",
		node.FirstLine, node.FirstLine+node.LineExtent, node.ModTime, node.PC, node.CallDepth)
	if *reg != "" {
		val, ok, err := nav.GetRegValue(node.MemoryRoot, *reg)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitIOError
		}
		if !ok {
			fmt.Printf("%s=<undefined>\n", *reg)
		} else {
			fmt.Printf("%s=0x%x\n", *reg, val)
		}
	}
	if *mem != "" {
		colon := strings.LastIndexByte(*mem, ':')
		if colon < 0 {
			fmt.Fprintln(os.Stderr, "tarmacidx query: --mem expects ADDR:SIZE")
			return exitUsage
		}
		addr, err := strconv.ParseUint(strings.TrimPrefix((*mem)[:colon], "0x"), 16, 64)
		if err != nil {
			fmt.Fprintln(os.Stderr, "tarmacidx query: invalid --mem address:", err)
			return exitUsage
		}
		size, err := strconv.Atoi((*mem)[colon+1:])
		if err != nil {
			fmt.Fprintln(os.Stderr, "tarmacidx query: invalid --mem size:", err)
			return exitUsage
		}
		data, defined, lastLine, err := nav.GetMem(node.MemoryRoot, memSpaceForQuery, addr, size)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitIOError
		}
		fmt.Printf("mem[0x%x:%d] last_write_line=%d bytes=", addr, size, lastLine)
		for i, b := range data {
			if !defined[i] {
				fmt.Print("??")
			} else {
				fmt.Printf("%02x", b)
			}
		}
		fmt.Println()
	}
	return exitOK
}

func runFlamegraph(args []string) int {
	fs := flag.NewFlagSet("flamegraph", flag.ContinueOnError)
	configPath := fs.String("config", "", "TOML config file")
	tracePath := fs.String("trace", "", "trace file (for rebuild if index is stale)")
	indexPath := fs.String("index", "", "index file")
	imagePath := fs.String("image", "", "ELF image for symbol resolution")
	bigEndian := fs.Bool("big-endian", false, "trace is big-endian")
	aarch64 := fs.Bool("aarch64", false, "trace targets AArch64")
	out := fs.String("out", "", "output file (default stdout)")
	noIndex := fs.Bool("no-index", false, "never rebuild a missing or stale index automatically")
	onlyIndex := fs.Bool("only-index", false, "build or refresh the index, then exit without querying")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitIOError
	}
	idx := firstNonEmpty(*indexPath, cfg.Index)
	if idx == "" {
		fmt.Fprintln(os.Stderr, "tarmacidx flamegraph: --index is required")
		return exitUsage
	}

	opts := index.BuildOptions{IsAArch64: *aarch64 || cfg.AArch64, IsBigEndian: *bigEndian || cfg.BigEndian, NoRebuild: *noIndex}
	if *onlyIndex {
		return runOnlyIndex(firstNonEmpty(*tracePath, cfg.Trace), idx, opts)
	}
	nav, closeFn, code := openNavigator(firstNonEmpty(*tracePath, cfg.Trace), idx, firstNonEmpty(*imagePath, cfg.Image), opts)
	if code != exitOK {
		return code
	}
	defer closeFn()

	g, err := flamegraph.Build(nav)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitIOError
	}

	w, closeOut, err := openOutput(*out)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitIOError
	}
	defer closeOut()
	if err := g.WriteTo(w); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitIOError
	}
	return exitOK
}

// regList is a repeatable -reg flag collector.
type regList []string

func (r *regList) String() string { return strings.Join(*r, ",") }

func (r *regList) Set(s string) error {
	*r = append(*r, s)
	return nil
}

// memList is a repeatable -mem NAME=ADDR:SIZE flag collector.
type memList []vcd.MemWatch

func (m *memList) String() string {
	parts := make([]string, len(*m))
	for i, w := range *m {
		parts[i] = fmt.Sprintf("%s=0x%x:%d", w.Name, w.Addr, w.Size)
	}
	return strings.Join(parts, ",")
}

func (m *memList) Set(s string) error {
	eq := strings.IndexByte(s, '=')
	if eq < 0 {
		return fmt.Errorf("expected NAME=ADDR:SIZE, got %q", s)
	}
	name := s[:eq]
	rest := s[eq+1:]
	colon := strings.LastIndexByte(rest, ':')
	if colon < 0 {
		return fmt.Errorf("expected NAME=ADDR:SIZE, got %q", s)
	}
	addr, err := strconv.ParseUint(strings.TrimPrefix(rest[:colon], "0x"), 16, 64)
	if err != nil {
		return err
	}
	size, err := strconv.Atoi(rest[colon+1:])
	if err != nil {
		return err
	}
	*m = append(*m, vcd.MemWatch{Name: name, Addr: addr, Size: size})
	return nil
}

func runVCD(args []string) int {
	fs := flag.NewFlagSet("vcd", flag.ContinueOnError)
	configPath := fs.String("config", "", "TOML config file")
	tracePath := fs.String("trace", "", "trace file (for rebuild if index is stale)")
	indexPath := fs.String("index", "", "index file")
	imagePath := fs.String("image", "", "ELF image for symbol resolution")
	bigEndian := fs.Bool("big-endian", false, "trace is big-endian")
	aarch64 := fs.Bool("aarch64", false, "trace targets AArch64")
	out := fs.String("out", "", "output file (default stdout)")
	timescale := fs.String("timescale", "", "VCD timescale, default 1ns")
	var regs regList
	var mems memList
	fs.Var(&regs, "reg", "register name to trace (repeatable)")
	fs.Var(&mems, "mem", "NAME=ADDR:SIZE memory range to trace (repeatable)")
	noIndex := fs.Bool("no-index", false, "never rebuild a missing or stale index automatically")
	onlyIndex := fs.Bool("only-index", false, "build or refresh the index, then exit without querying")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitIOError
	}
	idx := firstNonEmpty(*indexPath, cfg.Index)
	if idx == "" {
		fmt.Fprintln(os.Stderr, "tarmacidx vcd: --index is required")
		return exitUsage
	}

	opts := index.BuildOptions{IsAArch64: *aarch64 || cfg.AArch64, IsBigEndian: *bigEndian || cfg.BigEndian, NoRebuild: *noIndex}
	if *onlyIndex {
		return runOnlyIndex(firstNonEmpty(*tracePath, cfg.Trace), idx, opts)
	}
	nav, closeFn, code := openNavigator(firstNonEmpty(*tracePath, cfg.Trace), idx, firstNonEmpty(*imagePath, cfg.Image), opts)
	if code != exitOK {
		return code
	}
	defer closeFn()

	w, closeOut, err := openOutput(*out)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitIOError
	}
	defer closeOut()

	dumpOpts := vcd.DumpOptions{
		Registers: regs,
		Memory:    mems,
		Timescale: firstNonEmpty(*timescale, cfg.Timescale),
	}
	if err := vcd.Dump(nav, w, dumpOpts); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitIOError
	}
	return exitOK
}

func openOutput(path string) (io.Writer, func(), error) {
	if path == "" {
		return os.Stdout, func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { f.Close() }, nil
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
