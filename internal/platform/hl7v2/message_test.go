package hl7v2

import (
	"testing"
)

const sampleAdmission = "MSH|^~\\&|HIS|CityGeneral|EHR|EHRFac|20240115143025||ADT^A01|MSG00001|P|2.5.1\rPID|1||MRN-2024-001234||Kumar^Rajesh||19750815|M|||12 MG Road^Indiranagar^Bengaluru^KA^560038||+919876543210\rPV1|1|I|ICU^101^A\rDG1|1||I21.4^Acute subendocardial myocardial infarction|||A\rOBX|1|NM|8867-4^Heart rate^LN||88|/min|||||F"

const sampleLab = "MSH|^~\\&|Lab|LabFac|EHR|EHRFac|20240115150000||ORU^R01|MSG00002|P|2.5.1\rPID|1||MRN-2024-001234||Kumar^Rajesh||19750815|M\rOBR|1|ORD001|LAB001|85025^CBC^LN\rOBX|1|NM|718-7^Hemoglobin^LN||13.5|g/dL|||||F\rOBX|2|NM|4544-3^Hematocrit^LN||40.1|%|||||F"

func TestParse_Header(t *testing.T) {
	msg, err := Parse([]byte(sampleAdmission))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if msg.Type != "ADT^A01" {
		t.Errorf("expected Type 'ADT^A01', got %q", msg.Type)
	}
	if msg.ControlID != "MSG00001" {
		t.Errorf("expected ControlID 'MSG00001', got %q", msg.ControlID)
	}
	if msg.Timestamp.Year() != 2024 || msg.Timestamp.Month() != 1 || msg.Timestamp.Day() != 15 {
		t.Errorf("unexpected timestamp: %v", msg.Timestamp)
	}
}

func TestParse_PIDFields(t *testing.T) {
	msg, err := Parse([]byte(sampleAdmission))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	pid := msg.Segment("PID")
	if pid == nil {
		t.Fatal("expected PID segment")
	}
	if got := pid.Component(3, 1); got != "MRN-2024-001234" {
		t.Errorf("PID-3.1: expected MRN, got %q", got)
	}
	if got := pid.Component(5, 1); got != "Kumar" {
		t.Errorf("PID-5.1: expected family name, got %q", got)
	}
	if got := pid.Component(5, 2); got != "Rajesh" {
		t.Errorf("PID-5.2: expected given name, got %q", got)
	}
	if got := pid.Field(7); got != "19750815" {
		t.Errorf("PID-7: expected birth date, got %q", got)
	}
	if got := pid.Field(8); got != "M" {
		t.Errorf("PID-8: expected gender M, got %q", got)
	}
	if got := pid.Field(13); got != "+919876543210" {
		t.Errorf("PID-13: expected phone, got %q", got)
	}
}

func TestParse_SegmentOrderPreserved(t *testing.T) {
	msg, err := Parse([]byte(sampleLab))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{"MSH", "PID", "OBR", "OBX", "OBX"}
	if len(msg.Segments) != len(want) {
		t.Fatalf("expected %d segments, got %d", len(want), len(msg.Segments))
	}
	for i, name := range want {
		if msg.Segments[i].Name != name {
			t.Errorf("segment %d: expected %s, got %s", i, name, msg.Segments[i].Name)
		}
	}
}

func TestParse_NewlineSeparators(t *testing.T) {
	withLF := "MSH|^~\\&|A|B|C|D|20240101120000||ADT^A01|X|P|2.5\nPID|1||M123\n"
	msg, err := Parse([]byte(withLF))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Segment("PID") == nil {
		t.Error("expected PID segment with \\n separators")
	}
}

func TestParse_Errors(t *testing.T) {
	if _, err := Parse(nil); err == nil {
		t.Error("expected error for empty message")
	}
	if _, err := Parse([]byte("PID|1||M123")); err == nil {
		t.Error("expected error when first segment is not MSH")
	}
}

func TestParse_MissingFieldsAreEmpty(t *testing.T) {
	msg, err := Parse([]byte(sampleLab))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pid := msg.Segment("PID")
	if got := pid.Field(8); got != "M" {
		t.Errorf("PID-8: got %q", got)
	}
	if got := pid.Field(25); got != "" {
		t.Errorf("out-of-range field should be empty, got %q", got)
	}
	if got := pid.Component(5, 9); got != "" {
		t.Errorf("out-of-range component should be empty, got %q", got)
	}
}

func TestReformatDate(t *testing.T) {
	cases := map[string]string{
		"19750815":       "1975-08-15",
		"19750815123000": "1975-08-15",
		"1975":           "1975",
		"":               "",
		"notadate":       "notadate",
	}
	for in, want := range cases {
		if got := ReformatDate(in); got != want {
			t.Errorf("ReformatDate(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseTimestamp(t *testing.T) {
	ts, err := ParseTimestamp("20240115143025")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ts.Hour() != 14 || ts.Minute() != 30 || ts.Second() != 25 {
		t.Errorf("unexpected time: %v", ts)
	}

	if _, err := ParseTimestamp("2024"); err == nil {
		t.Error("expected error for short timestamp")
	}
}
