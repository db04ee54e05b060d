package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", Debug, false},
		{"INFO", Info, false},
		{"", Info, false},
		{" warning ", Warn, false},
		{"error", Error, false},
		{"verbose", Level(0), true},
	}
	for _, tt := range cases {
		got, err := ParseLevel(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("ParseLevel(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseLevel(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(Warn, Text, &buf)

	l.Debug("dropped")
	l.Info("dropped too")
	l.Warn("kept")

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Fatalf("low-severity entries leaked through: %q", out)
	}
	if !strings.Contains(out, "[WARN] kept") {
		t.Fatalf("expected warn entry, got %q", out)
	}
}

func TestWithFieldsAccumulate(t *testing.T) {
	var buf bytes.Buffer
	l := New(Info, Text, &buf).With(F("component", "control"))

	l.Info("connected", F("addr", "10.0.0.5:4992"))

	out := buf.String()
	if !strings.Contains(out, "component=control") || !strings.Contains(out, "addr=10.0.0.5:4992") {
		t.Fatalf("missing fields in %q", out)
	}
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	l := New(Info, JSON, &buf)

	l.Info("stream open", F("stream_id", "0x40000001"), F("err", errors.New("boom")))

	line := strings.TrimSpace(buf.String())
	// strip the stdlib date prefix before the JSON object
	idx := strings.IndexByte(line, '{')
	if idx < 0 {
		t.Fatalf("no JSON object in %q", line)
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(line[idx:]), &payload); err != nil {
		t.Fatalf("unmarshal %q: %v", line, err)
	}
	if payload["msg"] != "stream open" || payload["level"] != "INFO" {
		t.Fatalf("unexpected payload %v", payload)
	}
	if payload["stream_id"] != "0x40000001" {
		t.Fatalf("field lost: %v", payload)
	}
	if payload["err"] != "boom" {
		t.Fatalf("error field not flattened: %v", payload)
	}
}
