package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/medsetu/ingest/internal/ingest"
	"github.com/medsetu/ingest/internal/platform/fhir"
)

// Wearable parses consumer health exports: Apple Health XML archives and
// Google Fit aggregate JSON.
type Wearable struct {
	systems fhir.IdentifierSystems
}

// NewWearable creates the wearable adapter.
func NewWearable(systems fhir.IdentifierSystems) *Wearable {
	return &Wearable{systems: systems}
}

// SourceType implements ingest.Adapter.
func (a *Wearable) SourceType() string { return ingest.SourceWearable }

// Supports claims .xml files whose root element is HealthData (namespace
// ignored) and .json files with top-level bucket/dataSourceId keys.
func (a *Wearable) Supports(path string) bool {
	switch fileExt(path) {
	case ".xml":
		prefix := readPrefix(path, 2048)
		return bytes.Contains(prefix, []byte("<HealthData"))
	case ".json":
		prefix := readPrefix(path, 2048)
		return bytes.Contains(prefix, []byte(`"bucket"`)) && bytes.Contains(prefix, []byte(`"dataSourceId"`))
	default:
		return false
	}
}

// Parse implements ingest.Adapter.
func (a *Wearable) Parse(_ context.Context, path string) (*ingest.AdapterResult, error) {
	var (
		res *ingest.AdapterResult
		err error
	)
	switch fileExt(path) {
	case ".xml":
		res, err = a.parseAppleHealth(path)
	case ".json":
		res, err = a.parseGoogleFit(path)
	default:
		err = ingest.Errorf(ingest.KindInvalidInput, a.SourceType(), path, "unsupported extension")
	}
	if err != nil {
		return nil, locate(err, a.SourceType(), path)
	}
	return res, nil
}

// ---------------------------------------------------------------------------
// Apple Health
// ---------------------------------------------------------------------------

// hkCatalog maps HealthKit record types to their LOINC codings. Unmapped
// record types are skipped.
var hkCatalog = map[string]vitalCoding{
	"HKQuantityTypeIdentifierHeartRate":              vitalCatalog["heart_rate"],
	"HKQuantityTypeIdentifierBloodPressureSystolic":  vitalCatalog["systolic_bp"],
	"HKQuantityTypeIdentifierBloodPressureDiastolic": vitalCatalog["diastolic_bp"],
	"HKQuantityTypeIdentifierOxygenSaturation":       vitalCatalog["spo2"],
	"HKQuantityTypeIdentifierRespiratoryRate":        vitalCatalog["respiratory_rate"],
	"HKQuantityTypeIdentifierBodyTemperature":        vitalCatalog["temperature"],
	"HKQuantityTypeIdentifierBodyMass":               {LOINC: "29463-7", Display: "Body weight", Unit: "kg", UCUM: "kg"},
	"HKQuantityTypeIdentifierHeight":                 {LOINC: "8302-2", Display: "Body height", Unit: "cm", UCUM: "cm"},
}

// appleUnits maps HealthKit unit strings to display unit + UCUM code.
var appleUnits = map[string][2]string{
	"count/min": {"beats/min", "/min"},
	"%":         {"%", "%"},
	"degC":      {"Cel", "Cel"},
	"degF":      {"degF", "[degF]"},
	"kg":        {"kg", "kg"},
	"lb":        {"lb", "[lb_av]"},
	"cm":        {"cm", "cm"},
	"in":        {"in", "[in_i]"},
	"mmHg":      {"mmHg", "mm[Hg]"},
}

func (a *Wearable) parseAppleHealth(path string) (*ingest.AdapterResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, ingest.NewError(ingest.KindParseFailed, a.SourceType(), path, err)
	}
	defer f.Close()

	identity := ingest.PatientIdentity{SourceSystem: a.SourceType()}
	var resources []map[string]interface{}
	sawRoot := false
	obsCount := 0

	dec := xml.NewDecoder(f)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, ingest.NewError(ingest.KindParseFailed, a.SourceType(), path, err)
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		switch se.Name.Local {
		case "HealthData":
			sawRoot = true

		case "Me":
			a.readMeAttributes(se, &identity)

		case "Record":
			obs, skip, err := a.observationFromRecord(se, &obsCount)
			if err != nil {
				return nil, err
			}
			if !skip {
				resources = append(resources, obs)
			}
		}
	}

	if !sawRoot {
		return nil, ingest.Errorf(ingest.KindInvalidInput, a.SourceType(), path, "root element is not HealthData")
	}

	identity.SourceID = identity.MRN
	if identity.SourceID == "" {
		identity.SourceID = filepath.Base(path)
	}
	if err := identity.Validate(); err != nil {
		return nil, ingest.NewError(ingest.KindInvalidInput, a.SourceType(), path, err)
	}

	return &ingest.AdapterResult{
		Identity:    identity,
		Resources:   resources,
		SourceType:  a.SourceType(),
		RawMetadata: map[string]interface{}{"format": "apple_health", "records": obsCount},
	}, nil
}

func (a *Wearable) readMeAttributes(se xml.StartElement, identity *ingest.PatientIdentity) {
	for _, attr := range se.Attr {
		switch attr.Name.Local {
		case "HKCharacteristicTypeIdentifierDateOfBirth":
			identity.BirthDate = attr.Value
		case "HKCharacteristicTypeIdentifierBiologicalSex":
			switch attr.Value {
			case "HKBiologicalSexMale":
				identity.Gender = ingest.GenderMale
			case "HKBiologicalSexFemale":
				identity.Gender = ingest.GenderFemale
			case "HKBiologicalSexOther":
				identity.Gender = ingest.GenderOther
			}
		case "HKMetadataKeyMedicalRecordNumber":
			identity.MRN = attr.Value
		}
	}
}

func (a *Wearable) observationFromRecord(se xml.StartElement, obsCount *int) (map[string]interface{}, bool, error) {
	var recType, value, unit, startDate string
	for _, attr := range se.Attr {
		switch attr.Name.Local {
		case "type":
			recType = attr.Value
		case "value":
			value = attr.Value
		case "unit":
			unit = attr.Value
		case "startDate":
			startDate = attr.Value
		}
	}

	coding, mapped := hkCatalog[recType]
	if !mapped {
		return nil, true, nil
	}

	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, false, ingest.Errorf(ingest.KindParseFailed, a.SourceType(), "", "record %s: value %q: %v", recType, value, err)
	}

	ts, err := parseAppleDate(startDate)
	if err != nil {
		return nil, false, ingest.Errorf(ingest.KindParseFailed, a.SourceType(), "", "record %s: startDate %q: %v", recType, startDate, err)
	}

	displayUnit, ucum := coding.Unit, coding.UCUM
	if conv, ok := appleUnits[unit]; ok {
		displayUnit, ucum = conv[0], conv[1]
	} else if unit != "" {
		displayUnit, ucum = unit, unit
	}

	*obsCount++
	obs, err := fhir.NewVitalObservation(fmt.Sprintf("obs-%d", *obsCount), fhir.LocalPatientRef,
		coding.LOINC, coding.Display, v, displayUnit, ucum, ts.Format(time.RFC3339))
	return obs, false, err
}

// parseAppleDate parses the "2006-01-02 15:04:05 -0700" format HealthKit
// exports use, falling back to RFC3339.
func parseAppleDate(s string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02 15:04:05 -0700", s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

// ---------------------------------------------------------------------------
// Google Fit
// ---------------------------------------------------------------------------

type gfitExport struct {
	DataSourceID string       `json:"dataSourceId"`
	UserProfile  *gfitProfile `json:"userProfile"`
	Bucket       []gfitBucket `json:"bucket"`
}

type gfitProfile struct {
	Name      string `json:"name"`
	BirthDate string `json:"birthDate"`
	Gender    string `json:"gender"`
	MRN       string `json:"mrn"`
	Email     string `json:"email"`
}

type gfitBucket struct {
	Dataset []struct {
		Point []gfitPoint `json:"point"`
	} `json:"dataset"`
}

type gfitPoint struct {
	DataTypeName   string      `json:"dataTypeName"`
	StartTimeNanos string      `json:"startTimeNanos"`
	Value          []gfitValue `json:"value"`
}

type gfitValue struct {
	FpVal  *float64 `json:"fpVal"`
	IntVal *int64   `json:"intVal"`
}

// gfitCatalog maps Fit data type names to vital keys. Blood pressure is
// handled separately because one point carries both values.
var gfitCatalog = map[string]vitalCoding{
	"com.google.heart_rate.bpm":       vitalCatalog["heart_rate"],
	"com.google.oxygen_saturation":    vitalCatalog["spo2"],
	"com.google.respiratory_rate":     vitalCatalog["respiratory_rate"],
	"com.google.body.temperature":     vitalCatalog["temperature"],
	"com.google.weight":               {LOINC: "29463-7", Display: "Body weight", Unit: "kg", UCUM: "kg"},
	"com.google.height":               {LOINC: "8302-2", Display: "Body height", Unit: "m", UCUM: "m"},
}

func (a *Wearable) parseGoogleFit(path string) (*ingest.AdapterResult, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, ingest.NewError(ingest.KindParseFailed, a.SourceType(), path, err)
	}

	var export gfitExport
	if err := json.Unmarshal(raw, &export); err != nil {
		return nil, ingest.NewError(ingest.KindParseFailed, a.SourceType(), path, err)
	}

	identity := ingest.PatientIdentity{SourceSystem: a.SourceType()}
	if p := export.UserProfile; p != nil {
		identity.FullName = p.Name
		identity.GivenName, identity.FamilyName = splitName(p.Name)
		identity.BirthDate = p.BirthDate
		identity.MRN = p.MRN
		identity.Email = p.Email
		switch strings.ToLower(p.Gender) {
		case "male", "female", "other":
			identity.Gender = strings.ToLower(p.Gender)
		}
	}
	identity.SourceID = identity.MRN
	if identity.SourceID == "" {
		identity.SourceID = export.DataSourceID
	}
	if identity.SourceID == "" {
		identity.SourceID = filepath.Base(path)
	}
	if err := identity.Validate(); err != nil {
		return nil, ingest.NewError(ingest.KindInvalidInput, a.SourceType(), path, err)
	}

	var resources []map[string]interface{}
	obsCount := 0
	emit := func(coding vitalCoding, v float64, effective string) error {
		obsCount++
		obs, err := fhir.NewVitalObservation(fmt.Sprintf("obs-%d", obsCount), fhir.LocalPatientRef,
			coding.LOINC, coding.Display, v, coding.Unit, coding.UCUM, effective)
		if err != nil {
			return err
		}
		resources = append(resources, obs)
		return nil
	}

	for _, bucket := range export.Bucket {
		for _, ds := range bucket.Dataset {
			for _, point := range ds.Point {
				effective, err := gfitPointTime(point)
				if err != nil {
					return nil, ingest.NewError(ingest.KindParseFailed, a.SourceType(), path, err)
				}

				if point.DataTypeName == "com.google.blood_pressure" {
					if len(point.Value) > 0 && point.Value[0].FpVal != nil {
						if err := emit(vitalCatalog["systolic_bp"], *point.Value[0].FpVal, effective); err != nil {
							return nil, err
						}
					}
					if len(point.Value) > 1 && point.Value[1].FpVal != nil {
						if err := emit(vitalCatalog["diastolic_bp"], *point.Value[1].FpVal, effective); err != nil {
							return nil, err
						}
					}
					continue
				}

				coding, mapped := gfitCatalog[point.DataTypeName]
				if !mapped || len(point.Value) == 0 {
					continue
				}
				v, ok := numericValue(point.Value[0])
				if !ok {
					continue
				}
				if err := emit(coding, v, effective); err != nil {
					return nil, err
				}
			}
		}
	}

	return &ingest.AdapterResult{
		Identity:    identity,
		Resources:   resources,
		SourceType:  a.SourceType(),
		RawMetadata: map[string]interface{}{"format": "google_fit", "data_source_id": export.DataSourceID},
	}, nil
}

func gfitPointTime(p gfitPoint) (string, error) {
	nanos, err := strconv.ParseInt(p.StartTimeNanos, 10, 64)
	if err != nil {
		return "", fmt.Errorf("point %s: startTimeNanos %q: %w", p.DataTypeName, p.StartTimeNanos, err)
	}
	return time.Unix(0, nanos).UTC().Format(time.RFC3339), nil
}

func numericValue(v gfitValue) (float64, bool) {
	if v.FpVal != nil {
		return *v.FpVal, true
	}
	if v.IntVal != nil {
		return float64(*v.IntVal), true
	}
	return 0, false
}
