package cli

import (
	"bytes"
	"strings"
	"testing"
)

func TestTableRendersHeadersAndRows(t *testing.T) {
	var buf bytes.Buffer
	tbl := newTable(&buf, "DEVICE", "KIND", "ADDRESSES")
	tbl.Row("h1", "host", "10.0.1.1/24")
	tbl.Row("r1", "router", "10.0.1.2/24 10.0.2.1/24")
	tbl.Row("sw1", "switch", "")
	tbl.Flush()

	out := buf.String()
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) != 5 {
		t.Fatalf("got %d lines, want 5 (header, divider, 3 rows):\n%s", len(lines), out)
	}
	if !strings.HasPrefix(lines[0], "DEVICE") {
		t.Errorf("first line = %q, want headers", lines[0])
	}
	if !strings.HasPrefix(lines[1], "------") {
		t.Errorf("second line = %q, want divider", lines[1])
	}
	if strings.Count(out, "DEVICE") != 1 {
		t.Error("headers emitted more than once")
	}
	if !strings.Contains(out, "10.0.2.1/24") {
		t.Errorf("router addresses missing from output:\n%s", out)
	}
}

func TestTableColumnsAligned(t *testing.T) {
	var buf bytes.Buffer
	tbl := newTable(&buf, "LINK", "SUBNET")
	tbl.Row("a1b2c3d4", "10.0.1.0/24")
	tbl.Row("ffffffff", "10.0.255.0/24")
	tbl.Flush()

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	col := strings.Index(lines[2], "10.0.1.0/24")
	if col < 0 {
		t.Fatalf("first row missing subnet: %q", lines[2])
	}
	if strings.Index(lines[3], "10.0.255.0/24") != col {
		t.Errorf("subnet columns misaligned:\n%q\n%q", lines[2], lines[3])
	}
}

func TestEmptyTableProducesNoOutput(t *testing.T) {
	var buf bytes.Buffer
	tbl := newTable(&buf, "DEVICE", "KIND")
	tbl.Flush()
	if buf.Len() != 0 {
		t.Errorf("empty table wrote %q", buf.String())
	}
}

func TestTableWithPrefix(t *testing.T) {
	var buf bytes.Buffer
	tbl := newTable(&buf, "IFACE", "STATE").WithPrefix("  ")
	tbl.Row("eth0", "up")
	tbl.Flush()

	for _, line := range strings.Split(strings.TrimRight(buf.String(), "\n"), "\n") {
		if !strings.HasPrefix(line, "  ") {
			t.Errorf("line %q not prefixed", line)
		}
	}
}
