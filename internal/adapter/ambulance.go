package adapter

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/medsetu/ingest/internal/ingest"
	"github.com/medsetu/ingest/internal/platform/fhir"
)

const nemsisNamespacePrefix = "http://www.nemsis.org/"

// AmbulanceEMS parses NEMSIS v3 patient care reports into an emergency
// Encounter plus per-VitalGroup Observations.
type AmbulanceEMS struct {
	systems fhir.IdentifierSystems
}

// NewAmbulanceEMS creates the ambulance adapter.
func NewAmbulanceEMS(systems fhir.IdentifierSystems) *AmbulanceEMS {
	return &AmbulanceEMS{systems: systems}
}

// SourceType implements ingest.Adapter.
func (a *AmbulanceEMS) SourceType() string { return ingest.SourceAmbulanceEMS }

// Supports claims .xml files whose document namespace begins with the
// NEMSIS URI.
func (a *AmbulanceEMS) Supports(path string) bool {
	if fileExt(path) != ".xml" {
		return false
	}
	prefix := readPrefix(path, 2048)
	if len(prefix) == 0 {
		return false
	}

	dec := xml.NewDecoder(bytes.NewReader(prefix))
	for {
		tok, err := dec.Token()
		if err != nil {
			return false
		}
		if se, ok := tok.(xml.StartElement); ok {
			return strings.HasPrefix(se.Name.Space, nemsisNamespacePrefix)
		}
	}
}

// nemsisVitalElements maps NEMSIS v3 eVitals element ids to vital keys.
var nemsisVitalElements = map[string]string{
	"eVitals.06": "systolic_bp",
	"eVitals.07": "diastolic_bp",
	"eVitals.10": "heart_rate",
	"eVitals.12": "spo2",
	"eVitals.14": "respiratory_rate",
	"eVitals.24": "temperature",
}

// Parse implements ingest.Adapter.
func (a *AmbulanceEMS) Parse(_ context.Context, path string) (*ingest.AdapterResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, ingest.NewError(ingest.KindParseFailed, a.SourceType(), path, err)
	}
	defer f.Close()

	identity := ingest.PatientIdentity{SourceSystem: a.SourceType()}
	var (
		periodStart, periodEnd string
		vitalGroups            []vitalGroup
		current                *vitalGroup
		currentElem            string
		text                   strings.Builder
	)

	dec := xml.NewDecoder(f)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, ingest.NewError(ingest.KindParseFailed, a.SourceType(), path, err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "VitalGroup" || t.Name.Local == "eVitals.VitalGroup" {
				current = &vitalGroup{values: map[string]float64{}}
				continue
			}
			currentElem = t.Name.Local
			text.Reset()

		case xml.CharData:
			text.Write(t)

		case xml.EndElement:
			if t.Name.Local == "VitalGroup" || t.Name.Local == "eVitals.VitalGroup" {
				if current != nil {
					vitalGroups = append(vitalGroups, *current)
					current = nil
				}
				continue
			}
			value := strings.TrimSpace(text.String())
			text.Reset()
			if value == "" || currentElem != t.Name.Local {
				currentElem = ""
				continue
			}
			currentElem = ""

			if current != nil {
				if t.Name.Local == "eVitals.01" {
					current.takenAt = value
					continue
				}
				if key, ok := nemsisVitalElements[t.Name.Local]; ok {
					if v, err := strconv.ParseFloat(value, 64); err == nil {
						current.values[key] = v
						current.order = append(current.order, key)
					}
					continue
				}
				continue
			}

			switch t.Name.Local {
			case "ePatient.01":
				identity.FamilyName = value
			case "ePatient.02":
				identity.GivenName = value
			case "ePatient.13":
				switch value {
				case "9906001":
					identity.Gender = ingest.GenderMale
				case "9906003":
					identity.Gender = ingest.GenderFemale
				default:
					identity.Gender = ingest.GenderUnknown
				}
			case "ePatient.15":
				identity.AbhaID = value
			case "ePatient.17":
				identity.BirthDate = value
			case "ePatient.MRN":
				identity.MRN = value
			case "eTimes.01":
				periodStart = value
			case "eTimes.07":
				periodEnd = value
			}
		}
	}

	identity.SourceID = firstNonEmpty(identity.AbhaID, identity.MRN, filepath.Base(path))
	if err := identity.Validate(); err != nil {
		return nil, ingest.NewError(ingest.KindInvalidInput, a.SourceType(), path, err)
	}
	if !identity.HasStrongKey() {
		return nil, ingest.Errorf(ingest.KindInvalidInput, a.SourceType(), path, "report carries no linkable patient identifier")
	}
	if periodStart == "" {
		return nil, ingest.Errorf(ingest.KindParseFailed, a.SourceType(), path, "eTimes.01 is missing")
	}

	status := "in-progress"
	if periodEnd != "" {
		status = "finished"
	}
	enc, err := fhir.NewEncounter("encounter-1", fhir.LocalPatientRef, "emergency", periodStart, periodEnd, status)
	if err != nil {
		return nil, locate(err, a.SourceType(), path)
	}
	resources := []map[string]interface{}{enc}

	obsCount := 0
	for _, group := range vitalGroups {
		effective := group.takenAt
		if effective == "" {
			effective = periodStart
		}
		for _, key := range group.order {
			coding := vitalCatalog[key]
			obsCount++
			obs, err := fhir.NewVitalObservation(fmt.Sprintf("obs-%d", obsCount), fhir.LocalPatientRef,
				coding.LOINC, coding.Display, group.values[key], coding.Unit, coding.UCUM, effective)
			if err != nil {
				return nil, locate(err, a.SourceType(), path)
			}
			resources = append(resources, obs)
		}
	}

	return &ingest.AdapterResult{
		Identity:    identity,
		Resources:   resources,
		SourceType:  a.SourceType(),
		RawMetadata: map[string]interface{}{"vital_groups": len(vitalGroups)},
	}, nil
}

type vitalGroup struct {
	takenAt string
	values  map[string]float64
	order   []string
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
