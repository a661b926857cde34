package cli

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestCommandError_Unwrap(t *testing.T) {
	underlying := errors.New("store unavailable")
	cmdErr := NewCommandError("serve", underlying)

	if !errors.Is(cmdErr, underlying) {
		t.Error("Expected CommandError to unwrap to the underlying error")
	}
	if !strings.Contains(cmdErr.Error(), "serve") {
		t.Errorf("Expected command name in message, got %q", cmdErr.Error())
	}
}

func TestJSONFormatter(t *testing.T) {
	var buf bytes.Buffer
	f := &JSONFormatter{}
	if err := f.FormatTo(&buf, map[string]string{"number": "INT-000001"}); err != nil {
		t.Fatalf("FormatTo failed: %v", err)
	}
	if got := strings.TrimSpace(buf.String()); got != `{"number":"INT-000001"}` {
		t.Errorf("Expected compact JSON, got %q", got)
	}

	buf.Reset()
	indented := &JSONFormatter{Indent: true}
	if err := indented.FormatTo(&buf, map[string]string{"number": "INT-000001"}); err != nil {
		t.Fatalf("FormatTo failed: %v", err)
	}
	if !strings.Contains(buf.String(), "\n  ") {
		t.Errorf("Expected indented JSON, got %q", buf.String())
	}
}

func TestTextFormatter(t *testing.T) {
	var buf bytes.Buffer
	f := &TextFormatter{}
	if err := f.FormatTo(&buf, "3 cases escalated"); err != nil {
		t.Fatalf("FormatTo failed: %v", err)
	}
	if buf.String() != "3 cases escalated\n" {
		t.Errorf("Expected newline-terminated text, got %q", buf.String())
	}
}

func TestNewFormatter(t *testing.T) {
	if _, ok := NewFormatter(FormatJSON).(*JSONFormatter); !ok {
		t.Error("Expected JSONFormatter for json format")
	}
	if _, ok := NewFormatter(FormatText).(*TextFormatter); !ok {
		t.Error("Expected TextFormatter for text format")
	}
	if _, ok := NewFormatter("unknown").(*TextFormatter); !ok {
		t.Error("Expected TextFormatter fallback for unknown format")
	}
}
