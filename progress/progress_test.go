package progress

import (
	"bytes"
	"strings"
	"testing"
)

func TestNilSinkIsNoOp(t *testing.T) {
	m := NewMeter(1, nil)
	m.Start()
	for i := 0; i < 5; i++ {
		m.Tick()
	}
	if m.Seen() != 5 {
		t.Log("Seen() =", m.Seen(), "expected 5")
		t.FailNow()
	}
	if err := m.Flush(); err != nil {
		t.Log(err.Error())
		t.FailNow()
	}
}

func TestTicksEveryNGroups(t *testing.T) {
	var buf bytes.Buffer
	m := NewMeter(3, &buf)
	m.Start()
	for i := 0; i < 10; i++ {
		m.Tick()
	}
	if m.Seen() != 10 {
		t.Log("Seen() =", m.Seen(), "expected 10")
		t.FailNow()
	}
	if err := m.Flush(); err != nil {
		t.Log(err.Error())
		t.FailNow()
	}

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	// samples recorded at seen == 3, 6, 9
	if len(lines) != 3 {
		t.Log("flushed", len(lines), "lines, expected 3:", lines)
		t.FailNow()
	}
	if !strings.HasPrefix(lines[0], "3,") || !strings.HasPrefix(lines[1], "6,") || !strings.HasPrefix(lines[2], "9,") {
		t.Log("unexpected sample counts:", lines)
		t.FailNow()
	}
}

func TestZeroEveryDisablesSampling(t *testing.T) {
	var buf bytes.Buffer
	m := NewMeter(0, &buf)
	m.Start()
	for i := 0; i < 20; i++ {
		m.Tick()
	}
	if err := m.Flush(); err != nil {
		t.Log(err.Error())
		t.FailNow()
	}
	if buf.Len() != 0 {
		t.Log("expected no samples with every=0, got", buf.String())
		t.FailNow()
	}
	if m.Seen() != 20 {
		t.Log("Seen() =", m.Seen(), "expected 20")
		t.FailNow()
	}
}
