package index

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"

	"tarmacidx/arena"
	"tarmacidx/progress"
	"tarmacidx/trace"
)

// BuildOptions controls indexing.
type BuildOptions struct {
	IsAArch64     bool
	IsBigEndian   bool
	ShowProgress  bool
	ProgressEvery int
	ProgressSink  io.Writer

	// NoRebuild disables OpenOrBuild's automatic rebuild-on-stale: a
	// missing, stale, or corrupt index is reported as an error instead of
	// being silently regenerated from tracePath.
	NoRebuild bool
}

// Build reads the trace file at tracePath line by line and writes a fresh
// index to indexPath. It never reads an existing index at indexPath —
// callers wanting rebuild-on-stale semantics should call OpenOrBuild
// instead.
func Build(tracePath, indexPath string, opts BuildOptions) (err error) {
	tf, err := os.Open(tracePath)
	if err != nil {
		return fmt.Errorf("index: open trace %s: %w", tracePath, err)
	}
	defer tf.Close()

	ar, err := arena.Create(indexPath, opts.IsAArch64, opts.IsBigEndian)
	if err != nil {
		return fmt.Errorf("index: create %s: %w", indexPath, err)
	}
	defer func() {
		if err != nil {
			ar.Abort()
		}
	}()

	ix := NewIndexer(ar)
	if opts.ShowProgress {
		every := opts.ProgressEvery
		if every <= 0 {
			every = 10000
		}
		ix.Progress = progress.NewMeter(every, opts.ProgressSink)
		ix.Progress.Start()
	}

	parser := trace.NewParser()
	lr := trace.NewLineReader(tf)

	var pos int64
	var lineNo uint32
	for {
		text, extent, rerr := lr.ReadLine()
		if text == "" && rerr == io.EOF {
			break
		}
		lineNo++
		ev, perr := parser.Parse(int(lineNo), text)
		if perr != nil {
			log.Printf("index: line %d: %v", lineNo, perr)
			if ferr := ix.FeedParseFailure(lineNo, pos, extent); ferr != nil {
				return fmt.Errorf("index: apply line %d: %w", lineNo, ferr)
			}
		} else if ferr := ix.Feed(ev, lineNo, pos, extent); ferr != nil {
			return fmt.Errorf("index: apply line %d: %w", lineNo, ferr)
		}
		pos += int64(extent)
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return fmt.Errorf("index: read trace: %w", rerr)
		}
	}

	if err = ix.Finish(); err != nil {
		return fmt.Errorf("index: finish: %w", err)
	}

	seqRoot, bypcRoot := ix.Roots()
	ar.CommitRoot(seqRoot, bypcRoot, 0)
	if err = ar.Finalize(); err != nil {
		return fmt.Errorf("index: finalize: %w", err)
	}
	return ar.Close()
}

// OpenOrBuild opens an existing index at indexPath, rebuilding it from
// tracePath if it is missing, stale, or corrupt: an index whose magic,
// version, or tail does not match is never read, and is silently rebuilt
// instead. Setting opts.NoRebuild disables this: the open error is
// returned as-is, leaving the caller to decide what to do about it.
func OpenOrBuild(tracePath, indexPath string, opts BuildOptions) (*arena.Arena, error) {
	ar, err := arena.Open(indexPath)
	if err == nil {
		return ar, nil
	}
	if opts.NoRebuild {
		return nil, err
	}
	if !errors.Is(err, arena.ErrStaleIndex) && !os.IsNotExist(err) {
		return nil, err
	}
	if berr := Build(tracePath, indexPath, opts); berr != nil {
		return nil, berr
	}
	return arena.Open(indexPath)
}
