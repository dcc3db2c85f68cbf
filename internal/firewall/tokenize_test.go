package firewall

import (
	"reflect"
	"testing"
)

func TestTokenize_SimpleStatement(t *testing.T) {
	got := tokenize("add rule inet xctf forward ip daddr 10.0.0.2 tcp dport 1337 accept")
	want := []string{"add", "rule", "inet", "xctf", "forward", "ip", "daddr", "10.0.0.2", "tcp", "dport", "1337", "accept"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestTokenize_PreservesWhitespaceInsideBraces(t *testing.T) {
	got := tokenize("add chain inet xctf forward { type filter hook forward priority 0; policy drop; }")
	want := []string{
		"add", "chain", "inet", "xctf", "forward",
		"{ type filter hook forward priority 0; policy drop; }",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestTokenize_BraceSetLiteral(t *testing.T) {
	got := tokenize(`add rule inet xctf forward ip daddr { 10.0.0.2, 10.0.0.3 } accept`)
	want := []string{"add", "rule", "inet", "xctf", "forward", "ip", "daddr", "{ 10.0.0.2, 10.0.0.3 }", "accept"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestTokenize_QuotedStringWithSpaces(t *testing.T) {
	got := tokenize(`add rule inet xctf forward log prefix "xctf drop: " drop`)
	want := []string{"add", "rule", "inet", "xctf", "forward", "log", "prefix", `"xctf drop: "`, "drop"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestTokenize_EmptyString(t *testing.T) {
	got := tokenize("")
	if len(got) != 0 {
		t.Fatalf("expected no tokens for empty input, got %v", got)
	}
}

func TestTokenize_CollapsesRepeatedWhitespace(t *testing.T) {
	got := tokenize("add  rule\tinet\nxctf")
	want := []string{"add", "rule", "inet", "xctf"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}
