package fhir

// Coding system URIs used on the wire. These are fixed by the terminologies
// themselves; only the identifier issuers below are configurable.
const (
	SystemLOINC  = "http://loinc.org"
	SystemSNOMED = "http://snomed.info/sct"
	SystemICD10  = "http://hl7.org/fhir/sid/icd-10"
	SystemUCUM   = "http://unitsofmeasure.org"

	SystemObservationCategory = "http://terminology.hl7.org/CodeSystem/observation-category"
	SystemConditionClinical   = "http://terminology.hl7.org/CodeSystem/condition-clinical"
	SystemActCode             = "http://terminology.hl7.org/CodeSystem/v3-ActCode"
	SystemIdentifierType      = "http://terminology.hl7.org/CodeSystem/v2-0203"
	SystemDICOMModality       = "http://dicom.nema.org/resources/ontology/DCM"
)

// Default identifier issuer URIs. The MRN OID is a placeholder issuer and
// is configurable via IdentifierSystems.
const (
	DefaultMRNSystem  = "urn:oid:2.16.840.1.113883.2.1.4.1"
	DefaultABHASystem = "https://healthid.ndhm.gov.in"
)

// Adapter-local reference scheme. Builders assign deterministic local ids;
// intra-result references use "urn:local:<id>" and the subject placeholder
// LocalPatientRef until the bundler resolves them to bundle fullUrls.
const (
	LocalRefPrefix  = "urn:local:"
	LocalPatientRef = "urn:local:patient"
)

// IdentifierSystems carries the configurable identifier issuer URIs.
type IdentifierSystems struct {
	MRN  string
	ABHA string
}

// DefaultIdentifierSystems returns the default issuer configuration.
func DefaultIdentifierSystems() IdentifierSystems {
	return IdentifierSystems{MRN: DefaultMRNSystem, ABHA: DefaultABHASystem}
}
