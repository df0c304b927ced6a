// Package progress implements optional progress metering for the indexer
// driver, adapted from a latency-sampling design originally built for
// per-operation timing — here repurposed from per-operation latency
// capture to periodic groups-processed/sec reporting.
package progress

import (
	"bytes"
	"fmt"
	"io"
	"time"
)

type sample struct {
	count   int64
	elapsed time.Duration
}

// Meter reports progress every N groups processed. A zero-value Meter
// with a nil sink is a valid no-op: Start/Tick/Flush all become cheap
// counting with no I/O.
type Meter struct {
	every int
	sink  io.Writer

	start   time.Time
	seen    int64
	samples []sample
}

// NewMeter builds a Meter that reports every `every` groups to sink. If
// sink is nil, metering is disabled but Seen still tracks ticks.
func NewMeter(every int, sink io.Writer) *Meter {
	return &Meter{every: every, sink: sink}
}

// Start records the metering epoch. Call once before the first Tick.
func (m *Meter) Start() {
	m.start = time.Now()
}

// Tick registers that one more group was processed, and records a sample
// if the configured interval has elapsed.
func (m *Meter) Tick() {
	m.seen++
	if m.sink == nil || m.every <= 0 {
		return
	}
	if m.seen%int64(m.every) != 0 {
		return
	}
	m.samples = append(m.samples, sample{count: m.seen, elapsed: time.Since(m.start)})
}

// Flush writes every recorded sample as "count,elapsed_ns,rate_per_sec" to
// the sink, one line per sample.
func (m *Meter) Flush() error {
	if m.sink == nil {
		return nil
	}
	buf := bytes.NewBuffer(nil)
	for _, s := range m.samples {
		if _, err := fmt.Fprintf(buf, "%d,%d,%.2f\n", s.count, s.elapsed.Nanoseconds(), ratePerSec(s.count, s.elapsed)); err != nil {
			return err
		}
	}
	_, err := buf.WriteTo(m.sink)
	return err
}

func ratePerSec(count int64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	return float64(count) / elapsed.Seconds()
}

// Seen returns the number of groups ticked so far.
func (m *Meter) Seen() int64 { return m.seen }
