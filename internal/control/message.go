// Package control implements the TCP command/status channel. Commands are
// sequenced lines `<seq>|<text>`; the radio answers each with a correlated
// reply `<seq>|<status>|<payload>` and pushes unsolicited status lines tagged
// with a leading letter in between.
package control

import (
	"fmt"
	"strconv"
	"strings"
)

// Reply is the correlated response to a sequenced command. The status field is
// hexadecimal on the wire; zero means success.
type Reply struct {
	Sequence uint32
	Status   uint32
	Payload  string
}

// Status event tags.
const (
	TagStatus  byte = 'S'
	TagVersion byte = 'V'
	TagMessage byte = 'M'
)

// StatusEvent is an unsolicited line pushed by the radio: a status update, the
// protocol version announced after connect, or a broadcast message. Handle
// identifies the originating client context and may be empty.
type StatusEvent struct {
	Tag     byte
	Handle  string
	Payload string
}

// RejectedError reports a command the radio answered with a non-zero status.
type RejectedError struct {
	Command string
	Status  uint32
	Payload string
}

func (e *RejectedError) Error() string {
	detail := StatusDetail(e.Status)
	if p := strings.TrimSpace(e.Payload); p != "" {
		return fmt.Sprintf("radio rejected %q: %s: %s", e.Command, detail, p)
	}
	return fmt.Sprintf("radio rejected %q: %s", e.Command, detail)
}

// Radio status codes with a confirmed meaning. Everything else renders as
// unmapped; the channel logs each unknown code once.
var statusMessages = map[uint32]string{
	0x00000000: "success",
	0x50000001: "unable to get foundation receiver assignment",
	0x50000003: "license check failed, cannot create slice receiver",
	0x50000005: "incorrect number or type of parameters",
	0x50000016: "malformed command",
	0x5000002C: "incorrect number of parameters",
	0x5000002D: "bad field",
	0x50000063: "operation not allowed",
	0x50001000: "command handler rejection",
}

// StatusDetail renders a status code with its meaning when one is known.
func StatusDetail(code uint32) string {
	if msg, ok := statusMessages[code]; ok {
		return fmt.Sprintf("0x%08X (%s)", code, msg)
	}
	return fmt.Sprintf("0x%08X (unmapped status code)", code)
}

func knownStatus(code uint32) bool {
	_, ok := statusMessages[code]
	return ok
}

// ParseLine classifies one line from the radio. A line whose leading token is
// all digits is a reply; a line starting with a letter tag is a status event.
// Exactly one of the two returns is non-nil on success.
func ParseLine(line string) (*Reply, *StatusEvent, error) {
	line = strings.TrimRight(line, "\r")
	if line == "" {
		return nil, nil, fmt.Errorf("empty line")
	}

	if line[0] >= '0' && line[0] <= '9' {
		head, rest, ok := strings.Cut(line, "|")
		if !ok {
			return nil, nil, fmt.Errorf("reply without status field: %q", line)
		}
		seq, err := strconv.ParseUint(head, 10, 32)
		if err != nil {
			return nil, nil, fmt.Errorf("bad reply sequence in %q: %w", line, err)
		}
		statusStr, payload, _ := strings.Cut(rest, "|")
		status, err := strconv.ParseUint(statusStr, 16, 32)
		if err != nil {
			return nil, nil, fmt.Errorf("bad status code in %q: %w", line, err)
		}
		return &Reply{Sequence: uint32(seq), Status: uint32(status), Payload: payload}, nil, nil
	}

	tag := line[0]
	if !(tag >= 'A' && tag <= 'Z') && !(tag >= 'a' && tag <= 'z') {
		return nil, nil, fmt.Errorf("unrecognized line %q", line)
	}
	ev := &StatusEvent{Tag: tag}
	if handle, payload, ok := strings.Cut(line[1:], "|"); ok {
		ev.Handle = handle
		ev.Payload = payload
	} else {
		// version lines carry the payload directly after the tag
		ev.Payload = line[1:]
	}
	return nil, ev, nil
}

// extractKey pulls `key=value` out of a whitespace-tokenized payload.
func extractKey(payload, key string) (string, bool) {
	prefix := key + "="
	for _, tok := range strings.Fields(payload) {
		if strings.HasPrefix(tok, prefix) {
			return tok[len(prefix):], true
		}
	}
	return "", false
}

// parseFreqHz parses a frequency field that the radio reports either in MHz
// (the usual status form) or in Hz.
func parseFreqHz(s string) (float64, bool) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 {
		return 0, false
	}
	if v >= 1e6 {
		return v, true
	}
	return v * 1e6, true
}

// parseBandwidthHz parses a panadapter bandwidth field. Values below 1000 are
// fractional MHz, larger values are already Hz.
func parseBandwidthHz(s string) (float64, bool) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	if v < 1000 {
		return v * 1e6, true
	}
	return v, true
}
