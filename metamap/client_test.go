// ABOUTME: Tests for engine output parsing and argument construction.
// ABOUTME: Covers banner skipping, malformed pipe lines, and the fielded-output flag.
package metamap

import (
	"strings"
	"testing"
)

func TestParseOutputSkipsBannerLines(t *testing.T) {
	out := strings.NewReader(`Engine v2.0 starting up
loading data...

tx.1|4.25|C0018787|heart|Heart|heart|bpoc|MSH|117/5
tx.1|3.10|C0027051|attack|Myocardial Infarction|attack|dsyn|MSH|123/6
done.
`)
	concepts, err := parseOutput(out)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(concepts) != 2 {
		t.Fatalf("expected 2 concepts, got %d", len(concepts))
	}
	if concepts[0].CUI != "C0018787" {
		t.Errorf("expected first CUI=C0018787, got %q", concepts[0].CUI)
	}
}

func TestParseOutputMalformedPipeLineIsError(t *testing.T) {
	out := strings.NewReader("tx.1|not|enough|fields\n")
	_, err := parseOutput(out)
	if err == nil {
		t.Fatal("expected error for malformed pipe-bearing line")
	}
}

func TestParseOutputEmpty(t *testing.T) {
	concepts, err := parseOutput(strings.NewReader(""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(concepts) != 0 {
		t.Errorf("expected no concepts, got %d", len(concepts))
	}
}

func TestBuildArgsAppendsFieldedOutputFlag(t *testing.T) {
	c := &Client{opts: Options{OptionFlags: "-y -K"}}
	args := c.buildArgs()
	if len(args) != 3 {
		t.Fatalf("expected 3 args, got %v", args)
	}
	if args[2] != "-N" {
		t.Errorf("expected final arg -N, got %q", args[2])
	}
}

func TestBuildArgsNoOptionFlags(t *testing.T) {
	c := &Client{opts: Options{}}
	args := c.buildArgs()
	if len(args) != 1 || args[0] != "-N" {
		t.Errorf("expected [-N], got %v", args)
	}
}

func TestNewClientMissingBinary(t *testing.T) {
	_, err := NewClient(Options{BinaryPath: "/nonexistent/engine"})
	if err == nil {
		t.Fatal("expected error for missing binary path")
	}
}
