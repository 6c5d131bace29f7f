// Package ingest defines the core types of the clinical ingestion pipeline:
// the patient identity harvested from each source, the per-source parse
// result, the linked canonical patient handed to the bundler, and the
// adapter contract with its ordered dispatch registry.
package ingest

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Gender values accepted on a PatientIdentity.
const (
	GenderMale    = "male"
	GenderFemale  = "female"
	GenderOther   = "other"
	GenderUnknown = "unknown"
)

// Source type tags, one per adapter. These are stable wire-level values
// recorded on AdapterResult.SourceType and LinkedPatient.SourceTypes.
const (
	SourceHospitalEHR      = "hospital_ehr"
	SourceWearable         = "wearable"
	SourceAmbulanceEMS     = "ambulance_ems"
	SourceRealtimeVitals   = "realtime_vitals"
	SourceScansLabs        = "scans_labs"
	SourceHandwrittenNotes = "handwritten_notes"
)

// PatientIdentity is a candidate identity harvested from one source.
// Demographic fields are optional; SourceID must be unique within the
// producing source.
type PatientIdentity struct {
	SourceID     string `json:"source_id" validate:"required"`
	SourceSystem string `json:"source_system" validate:"required"`
	FullName     string `json:"full_name,omitempty"`
	GivenName    string `json:"given_name,omitempty"`
	FamilyName   string `json:"family_name,omitempty"`
	BirthDate    string `json:"birth_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	Gender       string `json:"gender,omitempty" validate:"omitempty,oneof=male female other unknown"`
	Phone        string `json:"phone,omitempty"`
	Email        string `json:"email,omitempty" validate:"omitempty,email"`
	MRN          string `json:"mrn,omitempty"`
	AbhaID       string `json:"abha_id,omitempty" validate:"omitempty,abha"`
	AddressLine  string `json:"address_line,omitempty"`
	City         string `json:"city,omitempty"`
	State        string `json:"state,omitempty"`
	PostalCode   string `json:"postal_code,omitempty"`
}

var abhaPattern = regexp.MustCompile(`^\d{2}-\d{4}-\d{4}-\d{4}$`)

// validate checks field formats on PatientIdentity. The "abha" rule matches
// the NN-NNNN-NNNN-NNNN national health id layout.
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("abha", func(fl validator.FieldLevel) bool {
		return abhaPattern.MatchString(fl.Field().String())
	})
	return v
}

// Validate checks that populated fields are well formed. It does not
// enforce the strong-key invariant; adapters that require a linkable
// identity combine this with HasStrongKey.
func (p *PatientIdentity) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("ingest: invalid patient identity: %w", err)
	}
	return nil
}

// HasStrongKey reports whether the identity carries at least one field
// usable as a canonical linking key: MRN, ABHA id, the full
// (given, family, birth date) triple, phone, or email.
func (p *PatientIdentity) HasStrongKey() bool {
	if strings.TrimSpace(p.MRN) != "" || strings.TrimSpace(p.AbhaID) != "" {
		return true
	}
	if p.GivenName != "" && p.FamilyName != "" && p.BirthDate != "" {
		return true
	}
	return strings.TrimSpace(p.Phone) != "" || strings.TrimSpace(p.Email) != ""
}

// AdapterResult is one parse output: a single identity plus the clinical
// resources derived from the same input. References between resources use
// adapter-local ids until the bundler resolves them.
type AdapterResult struct {
	Identity    PatientIdentity          `json:"patient_identity"`
	FHIRPatient map[string]interface{}   `json:"fhir_patient,omitempty"`
	Resources   []map[string]interface{} `json:"fhir_resources"`
	SourceType  string                   `json:"source_type"`
	RawMetadata map[string]interface{}   `json:"raw_metadata,omitempty"`
}

// LinkedPatient is one canonical patient after clustering. It is finalized
// (and thereafter treated as immutable) when handed to the bundler.
type LinkedPatient struct {
	CanonicalID string                   `json:"canonical_id"`
	Identities  []PatientIdentity        `json:"identities"`
	Patient     map[string]interface{}   `json:"fhir_patient"`
	Resources   []map[string]interface{} `json:"all_resources"`
	SourceTypes []string                 `json:"source_types"`
	RawMetadata map[string]interface{}   `json:"raw_metadata,omitempty"`
}
