package adapter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medsetu/ingest/internal/ingest"
	"github.com/medsetu/ingest/internal/platform/vlm"
)

func noteClient() *vlm.StaticClient {
	return &vlm.StaticClient{Note: vlm.StructuredNote{
		PatientName:    "Rajesh Kumar",
		ChiefComplaint: "Chest pain radiating to left arm",
		Diagnoses: []vlm.Diagnosis{
			{Code: "I21.4", System: "icd-10", Display: "Acute subendocardial myocardial infarction"},
		},
		Vitals: map[string]float64{
			"heart_rate":  96,
			"systolic_bp": 148,
			"spo2":        94,
		},
	}}
}

func TestHandwrittenNotes_Supports(t *testing.T) {
	a := NewHandwrittenNotes(noteClient(), 0, fixedClock)

	assert.True(t, a.Supports("note.jpg"))
	assert.True(t, a.Supports("note.PNG"))
	assert.True(t, a.Supports("scan.tiff"))
	assert.False(t, a.Supports("report.pdf"))
	assert.False(t, a.Supports("study.dcm"))
}

func TestHandwrittenNotes_Parse(t *testing.T) {
	a := NewHandwrittenNotes(noteClient(), 0, fixedClock)

	res, err := a.Parse(context.Background(), writeFile(t, "note.jpg", "fake jpeg bytes"))
	require.NoError(t, err)

	assert.Equal(t, ingest.SourceHandwrittenNotes, res.SourceType)
	assert.Equal(t, "Rajesh Kumar", res.Identity.FullName)
	assert.Equal(t, "Kumar", res.Identity.FamilyName)
	assert.Equal(t, "Rajesh", res.Identity.GivenName)
	assert.False(t, res.Identity.HasStrongKey(), "a bare name is not a linkable key")

	// 1 DocumentReference + 1 Condition + 3 vital Observations.
	require.Len(t, res.Resources, 5)

	doc := res.Resources[0]
	assert.Equal(t, "DocumentReference", doc["resourceType"])
	att := doc["content"].([]interface{})[0].(map[string]interface{})["attachment"].(map[string]interface{})
	assert.Equal(t, "image/jpeg", att["contentType"])
	assert.NotEmpty(t, att["data"], "the note image is embedded inline")

	cond := res.Resources[1]
	coding := cond["code"].(map[string]interface{})["coding"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "I21.4", coding["code"])

	// Vitals emit in catalog order: heart rate, systolic, spo2.
	hr := res.Resources[2]
	hrCoding := hr["code"].(map[string]interface{})["coding"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "8867-4", hrCoding["code"])
	assert.Equal(t, 96.0, hr["valueQuantity"].(map[string]interface{})["value"])

	assert.Equal(t, "Chest pain radiating to left arm", res.RawMetadata["chief_complaint"])
}

func TestHandwrittenNotes_Timeout(t *testing.T) {
	client := noteClient()
	client.Delay = 200 * time.Millisecond
	a := NewHandwrittenNotes(client, 10*time.Millisecond, fixedClock)

	_, err := a.Parse(context.Background(), writeFile(t, "note.jpg", "fake jpeg bytes"))
	require.Error(t, err)
	assert.Equal(t, ingest.KindAdapterTimeout, ingest.KindOf(err))
}

func TestNoteCodeSystem(t *testing.T) {
	assert.Equal(t, "http://hl7.org/fhir/sid/icd-10", noteCodeSystem(vlm.Diagnosis{Code: "I21.4", System: "icd-10"}))
	assert.Equal(t, "http://hl7.org/fhir/sid/icd-10", noteCodeSystem(vlm.Diagnosis{Code: "J18.9"}), "letter-led codes default to ICD-10")
	assert.Equal(t, "http://snomed.info/sct", noteCodeSystem(vlm.Diagnosis{Code: "22298006"}), "numeric codes are SNOMED concept ids")
}
