package username

import "testing"

func TestParseAddressOnly(t *testing.T) {
	p, err := Parse("bc1qexampleaddress")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if p.L1Addr != "bc1qexampleaddress" || p.HasLnSegment || p.WorkerSuffix != "" {
		t.Fatalf("unexpected parse: %+v", p)
	}
	if p.WorkerName() != "bc1qexampleaddress" {
		t.Fatalf("unexpected worker name: %q", p.WorkerName())
	}
}

func TestParseAddressWithWorkerSuffix(t *testing.T) {
	p, err := Parse("bc1qexampleaddress.rig1")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if p.L1Addr != "bc1qexampleaddress" || p.WorkerSuffix != "rig1" || p.HasLnSegment {
		t.Fatalf("unexpected parse: %+v", p)
	}
	if p.WorkerName() != "bc1qexampleaddress.rig1" {
		t.Fatalf("unexpected worker name: %q", p.WorkerName())
	}
}

func TestParseLightningSegmentWithWorkerSuffix(t *testing.T) {
	p, err := Parse("bc1qexampleaddress.03abc@node.example.com.rig1")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !p.HasLnSegment {
		t.Fatal("expected a Lightning segment")
	}
	if p.LnID != "03abc" {
		t.Fatalf("unexpected LnID: %q", p.LnID)
	}
	if p.LnDomain != "node" {
		t.Fatalf("unexpected LnDomain: %q", p.LnDomain)
	}
	if p.WorkerSuffix != "example.com.rig1" {
		t.Fatalf("unexpected WorkerSuffix: %q", p.WorkerSuffix)
	}
}

func TestParseCanonicalRoundTrip(t *testing.T) {
	const canonical = "bc1qexampleaddress.lnid@domain.rig1"
	p, err := Parse(canonical)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := p.String(); got != canonical {
		t.Fatalf("round-trip mismatch: got %q want %q", got, canonical)
	}
}

func TestParseEmptyDomainEdgeCase(t *testing.T) {
	p, err := Parse("bc1qexampleaddress.lnid@")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !p.HasLnSegment || p.LnDomain != "" {
		t.Fatalf("expected an empty-string domain, got %+v", p)
	}
	if got := p.String(); got != "bc1qexampleaddress.lnid@" {
		t.Fatalf("round-trip mismatch: got %q", got)
	}
}

func TestParseMultipleAtSignsOnlyFirstIsSeparator(t *testing.T) {
	p, err := Parse("bc1qexampleaddress.lnid@sub@domain.rig1")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if p.LnID != "lnid" {
		t.Fatalf("unexpected LnID: %q", p.LnID)
	}
	if p.LnDomain != "sub@domain" {
		t.Fatalf("expected the second '@' to remain part of the domain, got %q", p.LnDomain)
	}
	if p.WorkerSuffix != "rig1" {
		t.Fatalf("unexpected WorkerSuffix: %q", p.WorkerSuffix)
	}
}

func TestParseRejectsEmptyUsername(t *testing.T) {
	if _, err := Parse(""); err == nil {
		t.Fatal("expected an error for an empty username")
	}
	if _, err := Parse("\"\""); err == nil {
		t.Fatal("expected quoted-empty username to be rejected")
	}
}

func TestParseRejectsOverlongUsername(t *testing.T) {
	huge := make([]byte, MaxLength+1)
	for i := range huge {
		huge[i] = 'a'
	}
	if _, err := Parse(string(huge)); err == nil {
		t.Fatal("expected an over-length username to be rejected")
	}
}

func TestParseStripsSurroundingQuotes(t *testing.T) {
	p, err := Parse("\"bc1qexampleaddress.rig1\"")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if p.L1Addr != "bc1qexampleaddress" || p.WorkerSuffix != "rig1" {
		t.Fatalf("unexpected parse: %+v", p)
	}
}
