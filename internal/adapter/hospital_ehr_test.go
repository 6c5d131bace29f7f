package adapter

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medsetu/ingest/internal/ingest"
	"github.com/medsetu/ingest/internal/platform/fhir"
)

const sampleADT = "MSH|^~\\&|HIS|CITYGEN|INGEST|MEDSETU|20240101120000||ADT^A01|MSG0001|P|2.5\r" +
	"PID|1||MRN-2024-001^^^CITYGEN||Sharma^Ravi||19850612|M|||12 MG Road^Bengaluru^Karnataka||9876543210\r" +
	"PV1|1|I|ICU^101^1\r" +
	"DG1|1||I21.4^Acute subendocardial myocardial infarction\r" +
	"OBX|1|NM|8867-4^Heart rate||96|/min^per minute\r" +
	"OBX|2|NM|8480-6^Systolic blood pressure||148|mm[Hg]^millimetres of mercury\r"

const sampleORU = "MSH|^~\\&|LAB|CITYGEN|INGEST|MEDSETU|20240102083000||ORU^R01|MSG0002|P|2.5\r" +
	"PID|1||MRN-2024-001^^^CITYGEN||Sharma^Ravi||19850612|M\r" +
	"OBR|1|||58410-2^CBC panel\r" +
	"OBX|1|NM|718-7^Hemoglobin||13.2|g/dL^grams per decilitre\r" +
	"OBX|2|ST|32207-3^Platelet morphology||Normal\r"

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestHospitalEHR_Supports(t *testing.T) {
	a := NewHospitalEHR(fhir.DefaultIdentifierSystems())

	assert.True(t, a.Supports(writeFile(t, "adt.hl7", sampleADT)))
	assert.True(t, a.Supports(writeFile(t, "adt.hl7", "\n  "+sampleADT)), "leading whitespace is tolerated")
	assert.False(t, a.Supports(writeFile(t, "other.xml", "<HealthData/>")))
	assert.False(t, a.Supports(filepath.Join(t.TempDir(), "missing.hl7")))
}

func TestHospitalEHR_ParseAdmission(t *testing.T) {
	a := NewHospitalEHR(fhir.DefaultIdentifierSystems())

	res, err := a.Parse(context.Background(), writeFile(t, "adt.hl7", sampleADT))
	require.NoError(t, err)

	assert.Equal(t, ingest.SourceHospitalEHR, res.SourceType)
	assert.Equal(t, "MRN-2024-001", res.Identity.MRN)
	assert.Equal(t, "MRN-2024-001", res.Identity.SourceID)
	assert.Equal(t, "Sharma", res.Identity.FamilyName)
	assert.Equal(t, "Ravi", res.Identity.GivenName)
	assert.Equal(t, "1985-06-12", res.Identity.BirthDate)
	assert.Equal(t, ingest.GenderMale, res.Identity.Gender)
	assert.Equal(t, "12 MG Road, Bengaluru, Karnataka", res.Identity.AddressLine)
	assert.Equal(t, "9876543210", res.Identity.Phone)

	// 1 Encounter + 1 Condition + 2 Observations.
	require.Len(t, res.Resources, 4)

	enc := res.Resources[0]
	assert.Equal(t, "Encounter", enc["resourceType"])
	assert.Equal(t, "IMP", enc["class"].(map[string]interface{})["code"])
	assert.Equal(t, "in-progress", enc["status"], "no PV1-45 discharge time")
	assert.Equal(t, "2024-01-01T12:00:00Z", enc["period"].(map[string]interface{})["start"])

	cond := res.Resources[1]
	assert.Equal(t, "Condition", cond["resourceType"])
	coding := cond["code"].(map[string]interface{})["coding"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "I21.4", coding["code"])
	assert.Equal(t, fhir.SystemICD10, coding["system"])

	obs := res.Resources[2]
	assert.Equal(t, "Observation", obs["resourceType"])
	assert.Equal(t, "obs-1", obs["id"])
	q := obs["valueQuantity"].(map[string]interface{})
	assert.Equal(t, 96.0, q["value"])
	assert.Equal(t, "/min", q["code"])

	assert.Equal(t, "ADT^A01", res.RawMetadata["message_type"])
	assert.Equal(t, "MSG0001", res.RawMetadata["control_id"])
}

func TestHospitalEHR_ParseLabReport(t *testing.T) {
	a := NewHospitalEHR(fhir.DefaultIdentifierSystems())

	res, err := a.Parse(context.Background(), writeFile(t, "oru.hl7", sampleORU))
	require.NoError(t, err)

	// 2 Observations + 1 DiagnosticReport.
	require.Len(t, res.Resources, 3)

	report := res.Resources[2]
	assert.Equal(t, "DiagnosticReport", report["resourceType"])
	results := report["result"].([]interface{})
	require.Len(t, results, 2)
	assert.Equal(t, "urn:local:obs-1", results[0].(map[string]interface{})["reference"])
	assert.Equal(t, "urn:local:obs-2", results[1].(map[string]interface{})["reference"])

	// The ST-typed OBX becomes a string observation.
	str := res.Resources[1]
	assert.Equal(t, "Normal", str["valueString"])
	assert.NotContains(t, str, "valueQuantity")
}

func TestHospitalEHR_UnknownGenderCode(t *testing.T) {
	msg := "MSH|^~\\&|HIS|CITYGEN|INGEST|MEDSETU|20240101120000||ADT^A01|MSG0003|P|2.5\r" +
		"PID|1||MRN-2024-002^^^CITYGEN||Patel^Meera||19900101|U\r"
	a := NewHospitalEHR(fhir.DefaultIdentifierSystems())

	res, err := a.Parse(context.Background(), writeFile(t, "adt.hl7", msg))
	require.NoError(t, err)
	assert.Equal(t, ingest.GenderUnknown, res.Identity.Gender)
}

func TestHospitalEHR_RejectsMessageWithoutIdentifier(t *testing.T) {
	msg := "MSH|^~\\&|HIS|CITYGEN|INGEST|MEDSETU|20240101120000||ADT^A01|MSG0004|P|2.5\r" +
		"PID|1||||Sharma^\r"
	a := NewHospitalEHR(fhir.DefaultIdentifierSystems())

	_, err := a.Parse(context.Background(), writeFile(t, "adt.hl7", msg))
	require.Error(t, err)
	assert.Equal(t, ingest.KindInvalidInput, ingest.KindOf(err))
}

func TestHospitalEHR_RejectsMessageWithoutPID(t *testing.T) {
	msg := "MSH|^~\\&|HIS|CITYGEN|INGEST|MEDSETU|20240101120000||ADT^A01|MSG0005|P|2.5\r"
	a := NewHospitalEHR(fhir.DefaultIdentifierSystems())

	_, err := a.Parse(context.Background(), writeFile(t, "adt.hl7", msg))
	require.Error(t, err)
	assert.Equal(t, ingest.KindParseFailed, ingest.KindOf(err))
}
