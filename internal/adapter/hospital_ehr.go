package adapter

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/medsetu/ingest/internal/ingest"
	"github.com/medsetu/ingest/internal/platform/fhir"
	"github.com/medsetu/ingest/internal/platform/hl7v2"
)

var hl7Prefix = []byte(`MSH|^~\&|`)

// HospitalEHR parses HL7v2 admission and lab messages into an Encounter,
// Conditions, Observations and DiagnosticReports.
type HospitalEHR struct {
	systems fhir.IdentifierSystems
}

// NewHospitalEHR creates the hospital EHR adapter.
func NewHospitalEHR(systems fhir.IdentifierSystems) *HospitalEHR {
	return &HospitalEHR{systems: systems}
}

// SourceType implements ingest.Adapter.
func (a *HospitalEHR) SourceType() string { return ingest.SourceHospitalEHR }

// Supports claims files whose first non-blank bytes are the HL7v2 MSH
// header.
func (a *HospitalEHR) Supports(path string) bool {
	prefix := bytes.TrimLeft(readPrefix(path, 64), " \t\r\n")
	return bytes.HasPrefix(prefix, hl7Prefix)
}

// Parse implements ingest.Adapter.
func (a *HospitalEHR) Parse(_ context.Context, path string) (*ingest.AdapterResult, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, ingest.NewError(ingest.KindParseFailed, a.SourceType(), path, err)
	}
	res, err := a.ParseMessage(raw)
	if err != nil {
		return nil, locate(err, a.SourceType(), path)
	}
	if res.Identity.SourceID == "" {
		res.Identity.SourceID = filepath.Base(path)
	}
	return res, nil
}

// ParseMessage parses a raw HL7v2 message. It is exposed separately so
// string inputs (e.g. messages arriving off a queue) can bypass the
// filesystem.
func (a *HospitalEHR) ParseMessage(raw []byte) (*ingest.AdapterResult, error) {
	msg, err := hl7v2.Parse(raw)
	if err != nil {
		return nil, ingest.NewError(ingest.KindParseFailed, a.SourceType(), "", err)
	}

	pid := msg.Segment("PID")
	if pid == nil {
		return nil, ingest.Errorf(ingest.KindParseFailed, a.SourceType(), "", "message has no PID segment")
	}
	if msg.Timestamp.IsZero() {
		return nil, ingest.Errorf(ingest.KindParseFailed, a.SourceType(), "", "MSH-7 timestamp is missing or unparseable")
	}

	identity := a.identityFromPID(pid)
	identity.SourceID = identity.MRN
	if identity.SourceID == "" {
		identity.SourceID = msg.ControlID
	}
	if err := identity.Validate(); err != nil {
		return nil, ingest.NewError(ingest.KindInvalidInput, a.SourceType(), "", err)
	}
	if !identity.HasStrongKey() {
		return nil, ingest.Errorf(ingest.KindInvalidInput, a.SourceType(), "", "PID carries no linkable identifier")
	}

	messageTime := msg.Timestamp.UTC().Format(time.RFC3339)

	var (
		resources []map[string]interface{}
		obsCount  int
		condCount int
		encCount  int
		repCount  int
	)

	// OBR opens a report; the OBX rows that follow it become its results.
	var report *pendingReport
	flush := func() error {
		if report == nil {
			return nil
		}
		repCount++
		rep, err := fhir.NewDiagnosticReport(fmt.Sprintf("report-%d", repCount), fhir.LocalPatientRef,
			fhir.SystemLOINC, report.code, report.display, report.results, messageTime)
		if err != nil {
			return err
		}
		resources = append(resources, rep)
		report = nil
		return nil
	}

	for i := range msg.Segments {
		seg := &msg.Segments[i]
		switch seg.Name {
		case "PV1":
			encCount++
			enc, err := a.encounterFromPV1(seg, encCount, messageTime)
			if err != nil {
				return nil, err
			}
			resources = append(resources, enc)

		case "DG1":
			condCount++
			cond, err := a.conditionFromDG1(seg, condCount)
			if err != nil {
				return nil, err
			}
			resources = append(resources, cond)

		case "OBR":
			if err := flush(); err != nil {
				return nil, err
			}
			report = &pendingReport{
				code:    seg.Component(4, 1),
				display: seg.Component(4, 2),
			}

		case "OBX":
			obsCount++
			id := fmt.Sprintf("obs-%d", obsCount)
			obs, err := a.observationFromOBX(seg, id, messageTime)
			if err != nil {
				return nil, err
			}
			resources = append(resources, obs)
			if report != nil {
				report.results = append(report.results, id)
			}
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}

	return &ingest.AdapterResult{
		Identity:   identity,
		Resources:  resources,
		SourceType: a.SourceType(),
		RawMetadata: map[string]interface{}{
			"message_type": msg.Type,
			"control_id":   msg.ControlID,
		},
	}, nil
}

type pendingReport struct {
	code    string
	display string
	results []string
}

func (a *HospitalEHR) identityFromPID(pid *hl7v2.Segment) ingest.PatientIdentity {
	identity := ingest.PatientIdentity{
		SourceSystem: a.SourceType(),
		MRN:          pid.Component(3, 1),
		FamilyName:   pid.Component(5, 1),
		GivenName:    pid.Component(5, 2),
		Phone:        pid.Field(13),
	}

	if dob := pid.Field(7); dob != "" {
		identity.BirthDate = hl7v2.ReformatDate(dob)
	}

	switch pid.Field(8) {
	case "M":
		identity.Gender = ingest.GenderMale
	case "F":
		identity.Gender = ingest.GenderFemale
	default:
		identity.Gender = ingest.GenderUnknown
	}

	// PID-11 component order is not documented by the upstream feed, so the
	// address is preserved as a single line.
	if addr := pid.Field(11); addr != "" {
		var parts []string
		for _, c := range strings.Split(addr, "^") {
			if c = strings.TrimSpace(c); c != "" {
				parts = append(parts, c)
			}
		}
		identity.AddressLine = strings.Join(parts, ", ")
	}

	return identity
}

func (a *HospitalEHR) encounterFromPV1(seg *hl7v2.Segment, n int, admitTime string) (map[string]interface{}, error) {
	class := "outpatient"
	switch seg.Component(2, 1) {
	case "I":
		class = "inpatient"
	case "E":
		class = "emergency"
	case "O":
		class = "outpatient"
	}

	status := "in-progress"
	end := ""
	if discharge := seg.Field(45); discharge != "" {
		if t, err := hl7v2.ParseTimestamp(discharge); err == nil {
			status = "finished"
			end = t.UTC().Format(time.RFC3339)
		}
	}

	return fhir.NewEncounter(fmt.Sprintf("encounter-%d", n), fhir.LocalPatientRef, class, admitTime, end, status)
}

func (a *HospitalEHR) conditionFromDG1(seg *hl7v2.Segment, n int) (map[string]interface{}, error) {
	code := seg.Component(3, 1)
	if code == "" {
		return nil, ingest.Errorf(ingest.KindParseFailed, a.SourceType(), "", "DG1 segment has no diagnosis code")
	}

	// Alphabetic leading character means ICD-10; purely numeric codes are
	// SNOMED CT concept ids.
	system := fhir.SystemSNOMED
	if unicode.IsLetter(rune(code[0])) {
		system = fhir.SystemICD10
	}

	return fhir.NewCondition(fmt.Sprintf("condition-%d", n), fhir.LocalPatientRef,
		system, code, seg.Component(3, 2), "active")
}

func (a *HospitalEHR) observationFromOBX(seg *hl7v2.Segment, id, messageTime string) (map[string]interface{}, error) {
	code := seg.Component(3, 1)
	display := seg.Component(3, 2)
	if code == "" {
		return nil, ingest.Errorf(ingest.KindParseFailed, a.SourceType(), "", "OBX segment has no observation code")
	}

	effective := messageTime
	if ts := seg.Field(14); ts != "" {
		if t, err := hl7v2.ParseTimestamp(ts); err == nil {
			effective = t.UTC().Format(time.RFC3339)
		}
	}

	rawValue := seg.Field(5)
	switch seg.Field(2) {
	case "NM":
		v, err := strconv.ParseFloat(strings.TrimSpace(rawValue), 64)
		if err != nil {
			return nil, ingest.Errorf(ingest.KindParseFailed, a.SourceType(), "", "OBX %s: numeric value %q: %v", code, rawValue, err)
		}
		unit := seg.Component(6, 1)
		return fhir.NewVitalObservation(id, fhir.LocalPatientRef, code, display, v, unit, unit, effective)
	default:
		return fhir.NewStringObservation(id, fhir.LocalPatientRef, code, display, rawValue, effective)
	}
}
