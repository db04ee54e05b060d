package control

import (
	"strings"
	"testing"
)

func TestParseLineReply(t *testing.T) {
	reply, ev, err := ParseLine("1|0|OK")
	if err != nil || ev != nil {
		t.Fatalf("err=%v ev=%v", err, ev)
	}
	if reply.Sequence != 1 || reply.Status != 0 || reply.Payload != "OK" {
		t.Fatalf("reply = %+v", reply)
	}

	// hex status, payload containing the separator
	reply, _, err = ParseLine("17|50000016|slice set|bad field")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if reply.Status != 0x50000016 || reply.Payload != "slice set|bad field" {
		t.Fatalf("reply = %+v", reply)
	}

	// empty payload is fine
	reply, _, err = ParseLine("3|0|")
	if err != nil || reply.Payload != "" {
		t.Fatalf("err=%v reply=%+v", err, reply)
	}
}

func TestParseLineStatus(t *testing.T) {
	_, ev, err := ParseLine("S40000001|slice 0 RF_frequency=14.250000")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ev.Tag != TagStatus || ev.Handle != "40000001" || !strings.HasPrefix(ev.Payload, "slice 0") {
		t.Fatalf("event = %+v", ev)
	}

	_, ev, err = ParseLine("V1.4.0.0")
	if err != nil || ev.Tag != TagVersion || ev.Payload != "1.4.0.0" || ev.Handle != "" {
		t.Fatalf("version event = %+v, err=%v", ev, err)
	}

	_, ev, err = ParseLine("M10000001|Client connected from 10.0.0.7")
	if err != nil || ev.Tag != TagMessage || ev.Handle != "10000001" {
		t.Fatalf("message event = %+v, err=%v", ev, err)
	}
}

func TestParseLineMalformed(t *testing.T) {
	for _, line := range []string{
		"",
		"\r",
		"|orphan",
		"12",          // reply without separator
		"1|zz|x",      // status not hex
		"9999999999999999|0|x", // sequence overflow
		"#comment",
	} {
		if _, _, err := ParseLine(line); err == nil {
			t.Fatalf("ParseLine(%q) accepted malformed input", line)
		}
	}
}

func TestStatusDetail(t *testing.T) {
	if got := StatusDetail(0x50000016); got != "0x50000016 (malformed command)" {
		t.Fatalf("mapped detail = %q", got)
	}
	if got := StatusDetail(0x12345678); !strings.Contains(got, "unmapped") {
		t.Fatalf("unmapped detail = %q", got)
	}
}

func TestFrequencyParsing(t *testing.T) {
	if hz, ok := parseFreqHz("14.100000"); !ok || hz != 14.1e6 {
		t.Fatalf("MHz form: %v %v", hz, ok)
	}
	if hz, ok := parseFreqHz("14100000"); !ok || hz != 14.1e6 {
		t.Fatalf("Hz form: %v %v", hz, ok)
	}
	if _, ok := parseFreqHz("garbage"); ok {
		t.Fatal("accepted garbage frequency")
	}

	if hz, ok := parseBandwidthHz("0.192000"); !ok || hz != 192000 {
		t.Fatalf("MHz bandwidth: %v %v", hz, ok)
	}
	if hz, ok := parseBandwidthHz("192000"); !ok || hz != 192000 {
		t.Fatalf("Hz bandwidth: %v %v", hz, ok)
	}
	if _, ok := parseBandwidthHz("-5"); ok {
		t.Fatal("accepted negative bandwidth")
	}
}

func TestExtractKey(t *testing.T) {
	payload := "stream 0x40000001 type=dax_iq daxiq_channel=1 pan=0x40000000 slice=0"
	if v, ok := extractKey(payload, "pan"); !ok || v != "0x40000000" {
		t.Fatalf("pan = %q %v", v, ok)
	}
	if _, ok := extractKey(payload, "rate"); ok {
		t.Fatal("found a key that is not there")
	}
}
