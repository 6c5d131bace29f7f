// Package fhir constructs the clinical resources emitted by the ingestion
// pipeline and assembles them into transaction Bundles. Resources are plain
// FHIR R4 maps; the schema is treated as fixed and builders only populate
// it. Every builder sets the caller-supplied deterministic local id so the
// bundler can resolve intra-result references.
package fhir

import (
	"encoding/base64"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/medsetu/ingest/internal/ingest"
)

// encounter class and status vocabularies.
var encounterClassCodes = map[string]string{
	"inpatient":  "IMP",
	"outpatient": "AMB",
	"emergency":  "EMER",
}

var encounterStatuses = map[string]bool{
	"planned":     true,
	"in-progress": true,
	"finished":    true,
	"cancelled":   true,
}

var conditionStatuses = map[string]bool{
	"active":   true,
	"resolved": true,
	"inactive": true,
}

// NewPatient builds a Patient resource from an identity. Absent demographic
// fields are omitted rather than emitted as empty strings, so a patient
// with no decodable demographics serializes with null name fields.
func NewPatient(identity ingest.PatientIdentity, systems IdentifierSystems) map[string]interface{} {
	p := map[string]interface{}{
		"resourceType": "Patient",
		"id":           "patient",
	}

	name := map[string]interface{}{}
	if identity.FamilyName != "" {
		name["family"] = identity.FamilyName
	}
	if identity.GivenName != "" {
		name["given"] = []interface{}{identity.GivenName}
	}
	if len(name) == 0 && identity.FullName != "" {
		name["text"] = identity.FullName
	}
	if len(name) > 0 {
		p["name"] = []interface{}{name}
	}

	if identity.BirthDate != "" {
		p["birthDate"] = identity.BirthDate
	}
	if identity.Gender != "" {
		p["gender"] = identity.Gender
	}

	var identifiers []interface{}
	if identity.MRN != "" {
		identifiers = append(identifiers, map[string]interface{}{
			"system": systems.MRN,
			"value":  identity.MRN,
			"type": map[string]interface{}{
				"coding": []interface{}{map[string]interface{}{
					"system": SystemIdentifierType,
					"code":   "MR",
				}},
			},
		})
	}
	if identity.AbhaID != "" {
		identifiers = append(identifiers, map[string]interface{}{
			"system": systems.ABHA,
			"value":  identity.AbhaID,
		})
	}
	if len(identifiers) > 0 {
		p["identifier"] = identifiers
	}

	var telecom []interface{}
	if identity.Phone != "" {
		telecom = append(telecom, map[string]interface{}{"system": "phone", "value": identity.Phone})
	}
	if identity.Email != "" {
		telecom = append(telecom, map[string]interface{}{"system": "email", "value": identity.Email})
	}
	if len(telecom) > 0 {
		p["telecom"] = telecom
	}

	addr := map[string]interface{}{}
	if identity.AddressLine != "" {
		addr["line"] = []interface{}{identity.AddressLine}
	}
	if identity.City != "" {
		addr["city"] = identity.City
	}
	if identity.State != "" {
		addr["state"] = identity.State
	}
	if identity.PostalCode != "" {
		addr["postalCode"] = identity.PostalCode
	}
	if len(addr) > 0 {
		p["address"] = []interface{}{addr}
	}

	return p
}

// NewVitalObservation builds a vital-signs Observation with a LOINC code
// and a UCUM-coded quantity. The effective instant must carry a UTC
// designator or numeric offset.
func NewVitalObservation(localID, subjectRef, loincCode, display string, value float64, unit, ucumCode, effective string) (map[string]interface{}, error) {
	if localID == "" || loincCode == "" || effective == "" {
		return nil, ingest.Errorf(ingest.KindInvalidInput, "", "", "fhir: observation requires local id, code and effective instant")
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return nil, ingest.Errorf(ingest.KindInvalidInput, "", "", "fhir: observation value %v is not finite", value)
	}
	if err := validInstant(effective); err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"resourceType":      "Observation",
		"id":                localID,
		"status":            "final",
		"category":          vitalSignsCategory(),
		"code":              codeableConcept(SystemLOINC, loincCode, display),
		"subject":           reference(subjectRef),
		"effectiveDateTime": effective,
		"valueQuantity": map[string]interface{}{
			"value":  value,
			"unit":   unit,
			"system": SystemUCUM,
			"code":   ucumCode,
		},
	}, nil
}

// NewStringObservation builds an Observation with a string value, used for
// non-numeric OBX results.
func NewStringObservation(localID, subjectRef, loincCode, display, value, effective string) (map[string]interface{}, error) {
	if localID == "" || loincCode == "" || effective == "" {
		return nil, ingest.Errorf(ingest.KindInvalidInput, "", "", "fhir: observation requires local id, code and effective instant")
	}
	if err := validInstant(effective); err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"resourceType":      "Observation",
		"id":                localID,
		"status":            "final",
		"code":              codeableConcept(SystemLOINC, loincCode, display),
		"subject":           reference(subjectRef),
		"effectiveDateTime": effective,
		"valueString":       value,
	}, nil
}

// NewSampledDataObservation builds an Observation whose value is a
// uniformly sampled waveform. Period is the inter-sample interval in
// seconds; data is the space-separated sample sequence.
func NewSampledDataObservation(localID, subjectRef, loincCode, display string, period float64, data, effective string) (map[string]interface{}, error) {
	if localID == "" || loincCode == "" || effective == "" || data == "" {
		return nil, ingest.Errorf(ingest.KindInvalidInput, "", "", "fhir: sampled-data observation requires local id, code, data and effective instant")
	}
	if math.IsNaN(period) || math.IsInf(period, 0) || period <= 0 {
		return nil, ingest.Errorf(ingest.KindInvalidInput, "", "", "fhir: sampled-data period %v is not a positive finite number", period)
	}
	if err := validInstant(effective); err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"resourceType":      "Observation",
		"id":                localID,
		"status":            "final",
		"category":          vitalSignsCategory(),
		"code":              codeableConcept(SystemLOINC, loincCode, display),
		"subject":           reference(subjectRef),
		"effectiveDateTime": effective,
		"valueSampledData": map[string]interface{}{
			"origin": map[string]interface{}{
				"value":  0,
				"system": SystemUCUM,
				"code":   "mV",
			},
			"period":     period * 1000, // FHIR SampledData.period is in milliseconds
			"factor":     1,
			"dimensions": 1,
			"data":       data,
		},
	}, nil
}

// NewCondition builds a Condition coded in ICD-10 or SNOMED CT.
func NewCondition(localID, subjectRef, codeSystem, code, display, clinicalStatus string) (map[string]interface{}, error) {
	if localID == "" || code == "" || codeSystem == "" {
		return nil, ingest.Errorf(ingest.KindInvalidInput, "", "", "fhir: condition requires local id, code and coding system")
	}
	if !conditionStatuses[clinicalStatus] {
		return nil, ingest.Errorf(ingest.KindInvalidInput, "", "", "fhir: unknown condition clinical status %q", clinicalStatus)
	}

	return map[string]interface{}{
		"resourceType": "Condition",
		"id":           localID,
		"clinicalStatus": map[string]interface{}{
			"coding": []interface{}{map[string]interface{}{
				"system": SystemConditionClinical,
				"code":   clinicalStatus,
			}},
		},
		"code":    codeableConcept(codeSystem, code, display),
		"subject": reference(subjectRef),
	}, nil
}

// NewEncounter builds an Encounter. periodEnd may be empty for encounters
// still in progress.
func NewEncounter(localID, subjectRef, class, periodStart, periodEnd, status string) (map[string]interface{}, error) {
	classCode, ok := encounterClassCodes[class]
	if !ok {
		return nil, ingest.Errorf(ingest.KindInvalidInput, "", "", "fhir: unknown encounter class %q", class)
	}
	if !encounterStatuses[status] {
		return nil, ingest.Errorf(ingest.KindInvalidInput, "", "", "fhir: unknown encounter status %q", status)
	}
	if localID == "" || periodStart == "" {
		return nil, ingest.Errorf(ingest.KindInvalidInput, "", "", "fhir: encounter requires local id and period start")
	}
	if err := validInstant(periodStart); err != nil {
		return nil, err
	}

	period := map[string]interface{}{"start": periodStart}
	if periodEnd != "" {
		if err := validInstant(periodEnd); err != nil {
			return nil, err
		}
		period["end"] = periodEnd
	}

	return map[string]interface{}{
		"resourceType": "Encounter",
		"id":           localID,
		"status":       status,
		"class": map[string]interface{}{
			"system": SystemActCode,
			"code":   classCode,
		},
		"subject": reference(subjectRef),
		"period":  period,
	}, nil
}

// NewDocumentReference builds a DocumentReference. Exactly one of content
// and url must be provided; inline content is base64-encoded.
func NewDocumentReference(localID, subjectRef, mimeType string, content []byte, url, description string) (map[string]interface{}, error) {
	if localID == "" || mimeType == "" {
		return nil, ingest.Errorf(ingest.KindInvalidInput, "", "", "fhir: document reference requires local id and MIME type")
	}
	if len(content) == 0 && url == "" {
		return nil, ingest.Errorf(ingest.KindInvalidInput, "", "", "fhir: document reference requires content bytes or a url")
	}

	attachment := map[string]interface{}{"contentType": mimeType}
	if url != "" {
		attachment["url"] = url
	} else {
		attachment["data"] = base64.StdEncoding.EncodeToString(content)
	}
	if description != "" {
		attachment["title"] = description
	}

	doc := map[string]interface{}{
		"resourceType": "DocumentReference",
		"id":           localID,
		"status":       "current",
		"subject":      reference(subjectRef),
		"content": []interface{}{map[string]interface{}{
			"attachment": attachment,
		}},
	}
	if description != "" {
		doc["description"] = description
	}
	return doc, nil
}

// NewImagingStudy builds an ImagingStudy from DICOM study metadata.
func NewImagingStudy(localID, subjectRef, modality, studyInstanceUID string, seriesCount int, started string) (map[string]interface{}, error) {
	if localID == "" || studyInstanceUID == "" {
		return nil, ingest.Errorf(ingest.KindInvalidInput, "", "", "fhir: imaging study requires local id and study instance UID")
	}

	study := map[string]interface{}{
		"resourceType": "ImagingStudy",
		"id":           localID,
		"status":       "available",
		"subject":      reference(subjectRef),
		"identifier": []interface{}{map[string]interface{}{
			"system": "urn:dicom:uid",
			"value":  "urn:oid:" + studyInstanceUID,
		}},
		"numberOfSeries": seriesCount,
	}
	if modality != "" {
		study["modality"] = []interface{}{map[string]interface{}{
			"system": SystemDICOMModality,
			"code":   modality,
		}}
	}
	if started != "" {
		if err := validInstant(started); err != nil {
			return nil, err
		}
		study["started"] = started
	}
	return study, nil
}

// NewDiagnosticReport builds a DiagnosticReport whose result list points at
// adapter-local Observation ids ("urn:local:<id>").
func NewDiagnosticReport(localID, subjectRef, codeSystem, code, display string, resultLocalIDs []string, issued string) (map[string]interface{}, error) {
	if localID == "" || code == "" || issued == "" {
		return nil, ingest.Errorf(ingest.KindInvalidInput, "", "", "fhir: diagnostic report requires local id, code and issued instant")
	}
	if err := validInstant(issued); err != nil {
		return nil, err
	}

	results := make([]interface{}, len(resultLocalIDs))
	for i, id := range resultLocalIDs {
		results[i] = reference(LocalRefPrefix + id)
	}

	report := map[string]interface{}{
		"resourceType": "DiagnosticReport",
		"id":           localID,
		"status":       "final",
		"code":         codeableConcept(codeSystem, code, display),
		"subject":      reference(subjectRef),
		"issued":       issued,
	}
	if len(results) > 0 {
		report["result"] = results
	}
	return report, nil
}

// ---------------------------------------------------------------------------
// Shared fragments
// ---------------------------------------------------------------------------

func codeableConcept(system, code, display string) map[string]interface{} {
	coding := map[string]interface{}{
		"system": system,
		"code":   code,
	}
	if display != "" {
		coding["display"] = display
	}
	cc := map[string]interface{}{
		"coding": []interface{}{coding},
	}
	if display != "" {
		cc["text"] = display
	}
	return cc
}

func reference(ref string) map[string]interface{} {
	return map[string]interface{}{"reference": ref}
}

func vitalSignsCategory() []interface{} {
	return []interface{}{map[string]interface{}{
		"coding": []interface{}{map[string]interface{}{
			"system":  SystemObservationCategory,
			"code":    "vital-signs",
			"display": "Vital Signs",
		}},
	}}
}

// validInstant checks that s is an RFC3339 instant carrying a zone
// designator, which FHIR requires on dateTime values with a time part.
func validInstant(s string) error {
	if _, err := time.Parse(time.RFC3339, s); err != nil {
		return ingest.Errorf(ingest.KindInvalidInput, "", "", "fhir: instant %q must be RFC3339 with offset: %v", s, err)
	}
	if !strings.HasSuffix(s, "Z") && !strings.ContainsAny(s[10:], "+-") {
		return ingest.Errorf(ingest.KindInvalidInput, "", "", "fhir: instant %q is missing a zone offset", s)
	}
	return nil
}

// FormatSample renders one waveform sample for a SampledData data string.
func FormatSample(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
