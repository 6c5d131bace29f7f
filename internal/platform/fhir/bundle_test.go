package fhir

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medsetu/ingest/internal/ingest"
)

func linkedPatientFixture(t *testing.T) *ingest.LinkedPatient {
	t.Helper()

	obs, err := NewVitalObservation("obs-1", LocalPatientRef, "8867-4", "Heart rate", 96, "beats/min", "/min", "2024-01-01T08:00:00Z")
	require.NoError(t, err)
	rep, err := NewDiagnosticReport("report-1", LocalPatientRef, SystemLOINC, "58410-2", "CBC panel",
		[]string{"obs-1"}, "2024-01-01T08:00:00Z")
	require.NoError(t, err)

	identity := ingest.PatientIdentity{SourceID: "MRN-2024-001", SourceSystem: "hospital_ehr", MRN: "MRN-2024-001"}
	return &ingest.LinkedPatient{
		CanonicalID: "abc123",
		Identities:  []ingest.PatientIdentity{identity},
		Patient:     NewPatient(identity, DefaultIdentifierSystems()),
		Resources:   []map[string]interface{}{obs, rep},
		SourceTypes: []string{"hospital_ehr"},
	}
}

func TestBuildTransactionBundle(t *testing.T) {
	lp := linkedPatientFixture(t)

	bundle, err := BuildTransactionBundle(lp)
	require.NoError(t, err)

	assert.Equal(t, "Bundle", bundle.ResourceType)
	assert.Equal(t, "transaction", bundle.Type)
	assert.Equal(t, "abc123", bundle.ID)
	require.NotNil(t, bundle.Timestamp)
	require.Len(t, bundle.Entry, 3)

	patientEntry := bundle.Entry[0]
	assert.Equal(t, "Patient", patientEntry.Resource["resourceType"])
	assert.True(t, strings.HasPrefix(patientEntry.FullURL, "urn:uuid:"))
	require.NotNil(t, patientEntry.Request)
	assert.Equal(t, "POST", patientEntry.Request.Method)
	assert.Equal(t, "Patient", patientEntry.Request.URL)

	// Every fullUrl is unique.
	seen := map[string]bool{}
	for _, e := range bundle.Entry {
		assert.False(t, seen[e.FullURL], "duplicate fullUrl %s", e.FullURL)
		seen[e.FullURL] = true
	}

	// Observation subject points at the Patient entry.
	obsEntry := bundle.Entry[1]
	subject := obsEntry.Resource["subject"].(map[string]interface{})
	assert.Equal(t, patientEntry.FullURL, subject["reference"])

	// DiagnosticReport result points at the Observation entry.
	repEntry := bundle.Entry[2]
	results := repEntry.Resource["result"].([]interface{})
	require.Len(t, results, 1)
	assert.Equal(t, obsEntry.FullURL, results[0].(map[string]interface{})["reference"])
}

func TestBuildTransactionBundle_MissingPatient(t *testing.T) {
	lp := linkedPatientFixture(t)
	lp.Patient = nil

	_, err := BuildTransactionBundle(lp)
	require.Error(t, err)
	assert.Equal(t, ingest.KindBundleMissingPatient, ingest.KindOf(err))
}

func TestBuildTransactionBundle_UnknownResourceType(t *testing.T) {
	lp := linkedPatientFixture(t)
	lp.Resources = append(lp.Resources, map[string]interface{}{"resourceType": "MedicationRequest", "id": "med-1"})

	_, err := BuildTransactionBundle(lp)
	require.Error(t, err)
	assert.Equal(t, ingest.KindUnknownResourceType, ingest.KindOf(err))
}

func TestBuildTransactionBundle_DoesNotMutateInputs(t *testing.T) {
	lp := linkedPatientFixture(t)

	_, err := BuildTransactionBundle(lp)
	require.NoError(t, err)

	// The linker-owned originals keep their local references.
	subject := lp.Resources[0]["subject"].(map[string]interface{})
	assert.Equal(t, LocalPatientRef, subject["reference"])
	results := lp.Resources[1]["result"].([]interface{})
	assert.Equal(t, "urn:local:obs-1", results[0].(map[string]interface{})["reference"])
}
