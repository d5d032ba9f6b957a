package launch

import (
	"testing"

	"github.com/yandex/porto/internal/perr"
)

func TestReportLineRoundTrip(t *testing.T) {
	orig := &perr.Error{Kind: perr.InvalidValue, Msg: "bad command", Errno: 22}
	line := encodeReportLine(orig)

	kind, errno, msg, ok := decodeReportLine(line)
	if !ok {
		t.Fatalf("decodeReportLine(%q) failed", line)
	}
	if kind != orig.Kind || errno != orig.Errno || msg != orig.Msg {
		t.Fatalf("got (%v,%d,%q), want (%v,%d,%q)", kind, errno, msg, orig.Kind, orig.Errno, orig.Msg)
	}
}

func TestReportLineStripsNewlines(t *testing.T) {
	orig := &perr.Error{Kind: perr.Unknown, Msg: "line one\nline two"}
	line := encodeReportLine(orig)
	_, _, msg, ok := decodeReportLine(line)
	if !ok {
		t.Fatalf("decodeReportLine(%q) failed", line)
	}
	if msg != "line one line two" {
		t.Fatalf("got %q, want embedded newline replaced with space", msg)
	}
}

func TestDecodeReportLineRejectsGarbage(t *testing.T) {
	if _, _, _, ok := decodeReportLine("not a report line"); ok {
		t.Fatalf("expected garbage to fail decode")
	}
}

func TestParseReportOK(t *testing.T) {
	if err := parseReport(reportOK); err != nil {
		t.Fatalf("parseReport(OK) = %v, want nil", err)
	}
}
