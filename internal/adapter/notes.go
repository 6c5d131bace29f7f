package adapter

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
	"unicode"

	"github.com/medsetu/ingest/internal/ingest"
	"github.com/medsetu/ingest/internal/platform/fhir"
	"github.com/medsetu/ingest/internal/platform/vlm"
)

// imageMIMETypes maps supported note image extensions to MIME types.
var imageMIMETypes = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".tif":  "image/tiff",
	".tiff": "image/tiff",
	".bmp":  "image/bmp",
}

// HandwrittenNotes extracts structured fields from note images through the
// injected vision-language client and derives a DocumentReference,
// Conditions and vital Observations.
type HandwrittenNotes struct {
	client  vlm.Client
	timeout time.Duration
	clock   func() time.Time
}

// NewHandwrittenNotes creates the notes adapter. A non-positive timeout
// falls back to vlm.DefaultTimeout.
func NewHandwrittenNotes(client vlm.Client, timeout time.Duration, clock func() time.Time) *HandwrittenNotes {
	if timeout <= 0 {
		timeout = vlm.DefaultTimeout
	}
	if clock == nil {
		clock = time.Now
	}
	return &HandwrittenNotes{client: client, timeout: timeout, clock: clock}
}

// SourceType implements ingest.Adapter.
func (a *HandwrittenNotes) SourceType() string { return ingest.SourceHandwrittenNotes }

// Supports claims files with a known image extension.
func (a *HandwrittenNotes) Supports(path string) bool {
	_, ok := imageMIMETypes[fileExt(path)]
	return ok
}

// Parse implements ingest.Adapter. A client call exceeding the deadline
// surfaces as an adapter_timeout error, which the driver treats like any
// other contained parse failure.
func (a *HandwrittenNotes) Parse(ctx context.Context, path string) (*ingest.AdapterResult, error) {
	mime := imageMIMETypes[fileExt(path)]

	image, err := os.ReadFile(path)
	if err != nil {
		return nil, ingest.NewError(ingest.KindParseFailed, a.SourceType(), path, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	note, err := a.client.Extract(callCtx, image, mime)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ingest.NewError(ingest.KindAdapterTimeout, a.SourceType(), path, err)
		}
		return nil, ingest.NewError(ingest.KindParseFailed, a.SourceType(), path, err)
	}

	identity := ingest.PatientIdentity{
		SourceSystem: a.SourceType(),
		SourceID:     filepath.Base(path),
	}
	// A bare full name yields no canonical key; the linker keeps such
	// identities as singleton clusters.
	if note.PatientName != "" {
		identity.FullName = note.PatientName
		identity.GivenName, identity.FamilyName = splitName(note.PatientName)
	}

	effective := a.clock().UTC().Format(time.RFC3339)

	doc, err := fhir.NewDocumentReference("doc-1", fhir.LocalPatientRef, mime, image, "", note.ChiefComplaint)
	if err != nil {
		return nil, locate(err, a.SourceType(), path)
	}
	resources := []map[string]interface{}{doc}

	for i, dx := range note.Diagnoses {
		if dx.Code == "" {
			continue
		}
		system := noteCodeSystem(dx)
		cond, err := fhir.NewCondition(fmt.Sprintf("condition-%d", i+1), fhir.LocalPatientRef,
			system, dx.Code, dx.Display, "active")
		if err != nil {
			return nil, locate(err, a.SourceType(), path)
		}
		resources = append(resources, cond)
	}

	obsCount := 0
	for _, key := range vitalOrder {
		v, ok := note.Vitals[key]
		if !ok {
			continue
		}
		coding := vitalCatalog[key]
		obsCount++
		obs, err := fhir.NewVitalObservation(fmt.Sprintf("obs-%d", obsCount), fhir.LocalPatientRef,
			coding.LOINC, coding.Display, v, coding.Unit, coding.UCUM, effective)
		if err != nil {
			return nil, locate(err, a.SourceType(), path)
		}
		resources = append(resources, obs)
	}

	return &ingest.AdapterResult{
		Identity:   identity,
		Resources:  resources,
		SourceType: a.SourceType(),
		RawMetadata: map[string]interface{}{
			"format":          "handwritten_note",
			"chief_complaint": note.ChiefComplaint,
		},
	}, nil
}

func noteCodeSystem(dx vlm.Diagnosis) string {
	switch dx.System {
	case "icd-10", "icd10", fhir.SystemICD10:
		return fhir.SystemICD10
	case "snomed", "snomed-ct", fhir.SystemSNOMED:
		return fhir.SystemSNOMED
	}
	if dx.Code != "" && unicode.IsLetter(rune(dx.Code[0])) {
		return fhir.SystemICD10
	}
	return fhir.SystemSNOMED
}
