// Package hl7v2 parses pipe-delimited HL7v2 messages into segments the
// hospital EHR adapter maps onto clinical resources. It handles the MSH
// field-separator quirk and \r, \n, and \r\n segment endings.
package hl7v2

import (
	"fmt"
	"strings"
	"time"
)

// Message is a parsed HL7v2 message.
type Message struct {
	Type      string    // MSH-9, e.g. "ADT^A01"
	ControlID string    // MSH-10
	Timestamp time.Time // MSH-7
	Segments  []Segment
}

// Segment is one segment line. Fields are stored 1-based via accessors;
// each field holds its caret-separated components.
type Segment struct {
	Name   string
	fields [][]string
}

// Parse parses raw HL7v2 bytes. The first segment must be MSH.
func Parse(raw []byte) (*Message, error) {
	text := strings.ReplaceAll(string(raw), "\r\n", "\r")
	text = strings.ReplaceAll(text, "\n", "\r")

	var lines []string
	for _, line := range strings.Split(text, "\r") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("hl7v2: message is empty")
	}
	if !strings.HasPrefix(lines[0], "MSH|") {
		return nil, fmt.Errorf("hl7v2: first segment must be MSH")
	}

	msg := &Message{}
	for _, line := range lines {
		if len(line) < 3 {
			continue
		}
		msg.Segments = append(msg.Segments, parseSegment(line))
	}

	msh := msg.Segment("MSH")
	msg.Type = msh.Field(9)
	msg.ControlID = msh.Field(10)
	if ts := msh.Field(7); ts != "" {
		if t, err := ParseTimestamp(ts); err == nil {
			msg.Timestamp = t
		}
	}
	return msg, nil
}

func parseSegment(line string) Segment {
	seg := Segment{Name: line[:3]}

	if seg.Name == "MSH" {
		// MSH-1 is the field separator character itself and MSH-2 the
		// encoding characters, so fields are offset by one relative to
		// other segments.
		seg.fields = append(seg.fields, []string{"|"})
		if len(line) > 4 {
			for _, f := range strings.Split(line[4:], "|") {
				seg.fields = append(seg.fields, strings.Split(f, "^"))
			}
		}
		return seg
	}

	parts := strings.Split(line, "|")
	for _, f := range parts[1:] {
		seg.fields = append(seg.fields, strings.Split(f, "^"))
	}
	return seg
}

// Segment returns the first segment with the given name, or nil.
func (m *Message) Segment(name string) *Segment {
	for i := range m.Segments {
		if m.Segments[i].Name == name {
			return &m.Segments[i]
		}
	}
	return nil
}

// Field returns the full value of a field by its 1-based HL7 index.
func (s *Segment) Field(index int) string {
	comps := s.components(index)
	return strings.Join(comps, "^")
}

// Component returns one caret-separated component by 1-based field and
// component indices.
func (s *Segment) Component(fieldIdx, compIdx int) string {
	comps := s.components(fieldIdx)
	if compIdx < 1 || compIdx > len(comps) {
		return ""
	}
	return comps[compIdx-1]
}

func (s *Segment) components(fieldIdx int) []string {
	if s == nil {
		return nil
	}
	idx := fieldIdx - 1
	if idx < 0 || idx >= len(s.fields) {
		return nil
	}
	return s.fields[idx]
}

// ParseTimestamp parses an HL7v2 timestamp (YYYYMMDD[HHmm[ss]]).
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	switch {
	case len(s) >= 14:
		return time.Parse("20060102150405", s[:14])
	case len(s) >= 12:
		return time.Parse("200601021504", s[:12])
	case len(s) >= 8:
		return time.Parse("20060102", s[:8])
	default:
		return time.Time{}, fmt.Errorf("hl7v2: unrecognized timestamp %q", s)
	}
}

// ReformatDate converts an HL7 YYYYMMDD date to ISO YYYY-MM-DD. It returns
// the input unchanged when the value is not an eight-digit date.
func ReformatDate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) < 8 {
		return s
	}
	if _, err := time.Parse("20060102", s[:8]); err != nil {
		return s
	}
	return s[:4] + "-" + s[4:6] + "-" + s[6:8]
}
