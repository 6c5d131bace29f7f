package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medsetu/ingest/internal/adapter"
	"github.com/medsetu/ingest/internal/ingest"
	"github.com/medsetu/ingest/internal/platform/fhir"
)

func testRegistry() *ingest.Registry {
	systems := fhir.DefaultIdentifierSystems()
	clock := func() time.Time { return time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC) }
	return ingest.NewRegistry(
		adapter.NewHospitalEHR(systems),
		adapter.NewWearable(systems),
		adapter.NewAmbulanceEMS(systems),
		adapter.NewRealtimeVitals(systems, clock),
		adapter.NewScansLabs(systems, clock),
	)
}

func testDriver() *Driver {
	return New(testRegistry(), fhir.DefaultIdentifierSystems(), zerolog.Nop(), nil)
}

// admissionHL7 yields 1 Encounter, 1 Condition and 6 Observations.
const admissionHL7 = "MSH|^~\\&|HIS|CITYGEN|INGEST|MEDSETU|20240101120000||ADT^A01|MSG0001|P|2.5\r" +
	"PID|1||MRN-2024-001^^^CITYGEN||Sharma^Ravi||19850612|M\r" +
	"PV1|1|I|ICU^101^1\r" +
	"DG1|1||I21.4^Acute subendocardial myocardial infarction\r" +
	"OBX|1|NM|8867-4^Heart rate||96|/min\r" +
	"OBX|2|NM|8480-6^Systolic blood pressure||148|mm[Hg]\r" +
	"OBX|3|NM|8462-4^Diastolic blood pressure||92|mm[Hg]\r" +
	"OBX|4|NM|2708-6^Oxygen saturation||94|%\r" +
	"OBX|5|NM|9279-1^Respiratory rate||22|/min\r" +
	"OBX|6|NM|8310-5^Body temperature||37.9|Cel\r"

// appleExport yields 10 heart-rate Observations for the same MRN.
func appleExport() string {
	var b strings.Builder
	b.WriteString(`<HealthData locale="en_IN">` + "\n")
	b.WriteString(`  <Me HKMetadataKeyMedicalRecordNumber="MRN-2024-001"/>` + "\n")
	for i := 0; i < 10; i++ {
		fmt.Fprintf(&b, `  <Record type="HKQuantityTypeIdentifierHeartRate" value="%d" unit="count/min"`+
			` startDate="2024-01-01 08:%02d:00 +0530"/>`+"\n", 70+i, i)
	}
	b.WriteString(`</HealthData>` + "\n")
	return b.String()
}

func writeInput(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestDriver_Run_LinksAcrossSources(t *testing.T) {
	inputDir := t.TempDir()
	outputDir := t.TempDir()
	writeInput(t, inputDir, "admission.hl7", admissionHL7)
	writeInput(t, inputDir, "apple_export.xml", appleExport())

	summary, err := testDriver().Run(context.Background(), inputDir, outputDir)
	require.NoError(t, err)

	assert.Equal(t, 2, summary.FilesSeen)
	assert.Equal(t, 2, summary.FilesParsed)
	assert.Equal(t, 1, summary.Patients)
	assert.Equal(t, 1, summary.BundlesWritten)
	assert.Empty(t, summary.Failures)
	require.Len(t, summary.BundlePaths, 1)

	raw, err := os.ReadFile(summary.BundlePaths[0])
	require.NoError(t, err)

	var bundle fhir.Bundle
	require.NoError(t, json.Unmarshal(raw, &bundle))

	assert.Equal(t, "transaction", bundle.Type)
	// 1 Patient + (1 Encounter + 1 Condition + 6 Observations) + 10 wearable Observations.
	require.Len(t, bundle.Entry, 19)

	patientEntry := bundle.Entry[0]
	assert.Equal(t, "Patient", patientEntry.Resource["resourceType"])

	for _, e := range bundle.Entry[1:] {
		subject, ok := e.Resource["subject"].(map[string]interface{})
		require.True(t, ok, "%s has a subject", e.Resource["resourceType"])
		assert.Equal(t, patientEntry.FullURL, subject["reference"])
	}
}

func TestDriver_Run_SeparatePatientsSeparateBundles(t *testing.T) {
	inputDir := t.TempDir()
	outputDir := t.TempDir()
	writeInput(t, inputDir, "admission.hl7", admissionHL7)
	other := strings.ReplaceAll(admissionHL7, "MRN-2024-001", "MRN-2024-002")
	other = strings.ReplaceAll(other, "Sharma^Ravi", "Verma^Anil")
	other = strings.ReplaceAll(other, "19850612", "19900101")
	writeInput(t, inputDir, "other.hl7", other)

	summary, err := testDriver().Run(context.Background(), inputDir, outputDir)
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Patients)
	assert.Equal(t, 2, summary.BundlesWritten)
}

func TestDriver_Run_ContainsPerFileFailures(t *testing.T) {
	inputDir := t.TempDir()
	outputDir := t.TempDir()
	writeInput(t, inputDir, "admission.hl7", admissionHL7)
	// 9ms delta against an 8ms median violates the jitter tolerance.
	writeInput(t, inputDir, "ecg.csv", "timestamp_ms,mV\n0,0.1\n8,0.2\n17,0.3\n24,0.2\n32,0.1\n")

	summary, err := testDriver().Run(context.Background(), inputDir, outputDir)
	require.NoError(t, err, "a bad file never aborts the run")

	assert.Equal(t, 2, summary.FilesSeen)
	assert.Equal(t, 1, summary.FilesParsed)
	assert.Equal(t, 1, summary.Failures[string(ingest.KindInconsistentSampling)])
	assert.Equal(t, 1, summary.BundlesWritten)
}

func TestDriver_IngestDirectory_SkipsHiddenAndUnclaimed(t *testing.T) {
	inputDir := t.TempDir()
	writeInput(t, inputDir, ".DS_Store", "junk")
	writeInput(t, inputDir, "notes.txt", "free text nobody claims")
	writeInput(t, inputDir, "admission.hl7", admissionHL7)

	patients, summary, err := testDriver().IngestDirectory(context.Background(), inputDir)
	require.NoError(t, err)

	assert.Equal(t, 2, summary.FilesSeen, "hidden files are not visited")
	assert.Equal(t, 1, summary.FilesParsed)
	assert.Equal(t, 1, summary.FilesSkipped)
	assert.Len(t, patients, 1)
}

func TestDriver_IngestDirectory_Cancellation(t *testing.T) {
	inputDir := t.TempDir()
	writeInput(t, inputDir, "admission.hl7", admissionHL7)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := testDriver().IngestDirectory(ctx, inputDir)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDriver_Run_MissingInputDir(t *testing.T) {
	_, err := testDriver().Run(context.Background(), filepath.Join(t.TempDir(), "absent"), t.TempDir())
	assert.Error(t, err)
}
