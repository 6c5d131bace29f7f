package adapter

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/medsetu/ingest/internal/ingest"
	"github.com/medsetu/ingest/internal/platform/fhir"
)

var (
	dicomMagic = []byte("DICM")
	pdfMagic   = []byte("%PDF-")
)

// ScansLabs parses imaging and lab documents: DICOM studies and PDF lab
// reports. PDF inputs carry no decodable demographics, so identity falls
// back to an MRN token in the file name or a keyless singleton.
type ScansLabs struct {
	systems fhir.IdentifierSystems
	clock   func() time.Time
}

// NewScansLabs creates the scans/labs adapter.
func NewScansLabs(systems fhir.IdentifierSystems, clock func() time.Time) *ScansLabs {
	if clock == nil {
		clock = time.Now
	}
	return &ScansLabs{systems: systems, clock: clock}
}

// SourceType implements ingest.Adapter.
func (a *ScansLabs) SourceType() string { return ingest.SourceScansLabs }

// Supports claims .dcm files with the 128-byte preamble followed by DICM
// and .pdf files with the %PDF- signature.
func (a *ScansLabs) Supports(path string) bool {
	switch fileExt(path) {
	case ".dcm":
		prefix := readPrefix(path, 132)
		return len(prefix) == 132 && bytes.Equal(prefix[128:132], dicomMagic)
	case ".pdf":
		return bytes.HasPrefix(readPrefix(path, 8), pdfMagic)
	default:
		return false
	}
}

// Parse implements ingest.Adapter.
func (a *ScansLabs) Parse(_ context.Context, path string) (*ingest.AdapterResult, error) {
	var (
		res *ingest.AdapterResult
		err error
	)
	switch fileExt(path) {
	case ".dcm":
		res, err = a.parseDICOM(path)
	case ".pdf":
		res, err = a.parsePDF(path)
	default:
		err = ingest.Errorf(ingest.KindInvalidInput, a.SourceType(), path, "unsupported extension")
	}
	if err != nil {
		return nil, locate(err, a.SourceType(), path)
	}
	return res, nil
}

func (a *ScansLabs) parseDICOM(path string) (*ingest.AdapterResult, error) {
	dataset, err := dicom.ParseFile(path, nil)
	if err != nil {
		return nil, ingest.NewError(ingest.KindParseFailed, a.SourceType(), path, err)
	}

	studyUID := dicomString(dataset, tag.StudyInstanceUID)
	if studyUID == "" {
		return nil, ingest.Errorf(ingest.KindParseFailed, a.SourceType(), path, "study instance UID (0020,000D) is missing")
	}
	modality := dicomString(dataset, tag.Modality)

	identity := ingest.PatientIdentity{
		SourceSystem: a.SourceType(),
		MRN:          dicomString(dataset, tag.PatientID),
	}
	// DICOM PN values are caret-delimited Family^Given.
	if name := dicomString(dataset, tag.PatientName); name != "" {
		parts := strings.SplitN(name, "^", 3)
		identity.FamilyName = parts[0]
		if len(parts) > 1 {
			identity.GivenName = parts[1]
		}
	}
	if identity.MRN == "" {
		identity.MRN = mrnFromFilename(path)
	}
	identity.SourceID = firstNonEmpty(identity.MRN, filepath.Base(path))
	if err := identity.Validate(); err != nil {
		return nil, ingest.NewError(ingest.KindInvalidInput, a.SourceType(), path, err)
	}

	started := ""
	if sd := dicomString(dataset, tag.StudyDate); sd != "" {
		if t, err := time.Parse("20060102", sd); err == nil {
			started = t.UTC().Format(time.RFC3339)
		}
	}

	study, err := fhir.NewImagingStudy("imaging-1", fhir.LocalPatientRef, modality, studyUID, 1, started)
	if err != nil {
		return nil, err
	}
	doc, err := fhir.NewDocumentReference("doc-1", fhir.LocalPatientRef,
		"application/dicom", nil, path, modality+" study "+studyUID)
	if err != nil {
		return nil, err
	}

	return &ingest.AdapterResult{
		Identity:   identity,
		Resources:  []map[string]interface{}{study, doc},
		SourceType: a.SourceType(),
		RawMetadata: map[string]interface{}{
			"format":    "dicom",
			"modality":  modality,
			"study_uid": studyUID,
		},
	}, nil
}

func (a *ScansLabs) parsePDF(path string) (*ingest.AdapterResult, error) {
	identity := ingest.PatientIdentity{
		SourceSystem: a.SourceType(),
		MRN:          mrnFromFilename(path),
	}
	identity.SourceID = firstNonEmpty(identity.MRN, filepath.Base(path))

	doc, err := fhir.NewDocumentReference("doc-1", fhir.LocalPatientRef,
		"application/pdf", nil, path, filepath.Base(path))
	if err != nil {
		return nil, err
	}

	return &ingest.AdapterResult{
		Identity:    identity,
		Resources:   []map[string]interface{}{doc},
		SourceType:  a.SourceType(),
		RawMetadata: map[string]interface{}{"format": "pdf"},
	}, nil
}

// dicomString extracts the first string value of a tag, or "".
func dicomString(dataset dicom.Dataset, t tag.Tag) string {
	el, err := dataset.FindElementByTag(t)
	if err != nil || el == nil {
		return ""
	}
	if vals, ok := el.Value.GetValue().([]string); ok && len(vals) > 0 {
		return strings.TrimSpace(vals[0])
	}
	return ""
}
