package adapter

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/medsetu/ingest/internal/ingest"
	"github.com/medsetu/ingest/internal/platform/fhir"
)

// maxSamplingJitter is the tolerated deviation of any inter-sample delta
// from the median, as a fraction of the median.
const maxSamplingJitter = 0.02

// RealtimeVitals parses bedside monitor streams: JSON sample batches and
// CSV ECG waveforms.
type RealtimeVitals struct {
	systems fhir.IdentifierSystems
	clock   func() time.Time
}

// NewRealtimeVitals creates the bedside adapter. clock supplies the
// effective instant for waveforms whose timestamps are relative offsets.
func NewRealtimeVitals(systems fhir.IdentifierSystems, clock func() time.Time) *RealtimeVitals {
	if clock == nil {
		clock = time.Now
	}
	return &RealtimeVitals{systems: systems, clock: clock}
}

// SourceType implements ingest.Adapter.
func (a *RealtimeVitals) SourceType() string { return ingest.SourceRealtimeVitals }

// Supports claims .json files with a samples[] array and .csv files whose
// first header token is timestamp_ms.
func (a *RealtimeVitals) Supports(path string) bool {
	switch fileExt(path) {
	case ".json":
		prefix := readPrefix(path, 2048)
		return bytes.Contains(prefix, []byte(`"samples"`))
	case ".csv":
		prefix := readPrefix(path, 256)
		line, _, _ := strings.Cut(string(prefix), "\n")
		token, _, _ := strings.Cut(strings.TrimSpace(line), ",")
		return token == "timestamp_ms"
	default:
		return false
	}
}

// Parse implements ingest.Adapter.
func (a *RealtimeVitals) Parse(_ context.Context, path string) (*ingest.AdapterResult, error) {
	var (
		res *ingest.AdapterResult
		err error
	)
	switch fileExt(path) {
	case ".json":
		res, err = a.parseStream(path)
	case ".csv":
		res, err = a.parseWaveform(path)
	default:
		err = ingest.Errorf(ingest.KindInvalidInput, a.SourceType(), path, "unsupported extension")
	}
	if err != nil {
		return nil, locate(err, a.SourceType(), path)
	}
	return res, nil
}

// ---------------------------------------------------------------------------
// JSON sample batches
// ---------------------------------------------------------------------------

type bedsideStream struct {
	Subject struct {
		MRN       string `json:"mrn"`
		Name      string `json:"name"`
		BirthDate string `json:"birth_date"`
		Gender    string `json:"gender"`
	} `json:"subject"`
	Samples []bedsideSample `json:"samples"`
}

type bedsideSample struct {
	Timestamp       string   `json:"timestamp"`
	HeartRate       *float64 `json:"heart_rate"`
	SystolicBP      *float64 `json:"systolic_bp"`
	DiastolicBP     *float64 `json:"diastolic_bp"`
	SpO2            *float64 `json:"spo2"`
	RespiratoryRate *float64 `json:"respiratory_rate"`
	Temperature     *float64 `json:"temperature"`
}

func (s *bedsideSample) vital(key string) *float64 {
	switch key {
	case "heart_rate":
		return s.HeartRate
	case "systolic_bp":
		return s.SystolicBP
	case "diastolic_bp":
		return s.DiastolicBP
	case "spo2":
		return s.SpO2
	case "respiratory_rate":
		return s.RespiratoryRate
	case "temperature":
		return s.Temperature
	default:
		return nil
	}
}

func (a *RealtimeVitals) parseStream(path string) (*ingest.AdapterResult, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, ingest.NewError(ingest.KindParseFailed, a.SourceType(), path, err)
	}

	var stream bedsideStream
	if err := json.Unmarshal(raw, &stream); err != nil {
		return nil, ingest.NewError(ingest.KindParseFailed, a.SourceType(), path, err)
	}

	identity := ingest.PatientIdentity{
		SourceSystem: a.SourceType(),
		MRN:          stream.Subject.MRN,
		BirthDate:    stream.Subject.BirthDate,
	}
	if stream.Subject.Name != "" {
		identity.FullName = stream.Subject.Name
		identity.GivenName, identity.FamilyName = splitName(stream.Subject.Name)
	}
	switch strings.ToLower(stream.Subject.Gender) {
	case "male", "female", "other", "unknown":
		identity.Gender = strings.ToLower(stream.Subject.Gender)
	}
	identity.SourceID = firstNonEmpty(identity.MRN, filepath.Base(path))
	if err := identity.Validate(); err != nil {
		return nil, ingest.NewError(ingest.KindInvalidInput, a.SourceType(), path, err)
	}
	if !identity.HasStrongKey() {
		return nil, ingest.Errorf(ingest.KindInvalidInput, a.SourceType(), path, "stream subject carries no linkable identifier")
	}

	var resources []map[string]interface{}
	obsCount := 0
	for i, sample := range stream.Samples {
		if sample.Timestamp == "" {
			return nil, ingest.Errorf(ingest.KindParseFailed, a.SourceType(), path, "sample %d has no timestamp", i)
		}
		for _, key := range vitalOrder {
			v := sample.vital(key)
			if v == nil {
				continue
			}
			coding := vitalCatalog[key]
			obsCount++
			obs, err := fhir.NewVitalObservation(fmt.Sprintf("obs-%d", obsCount), fhir.LocalPatientRef,
				coding.LOINC, coding.Display, *v, coding.Unit, coding.UCUM, sample.Timestamp)
			if err != nil {
				return nil, err
			}
			resources = append(resources, obs)
		}
	}

	return &ingest.AdapterResult{
		Identity:    identity,
		Resources:   resources,
		SourceType:  a.SourceType(),
		RawMetadata: map[string]interface{}{"format": "bedside_stream", "samples": len(stream.Samples)},
	}, nil
}

// ---------------------------------------------------------------------------
// CSV ECG waveforms
// ---------------------------------------------------------------------------

func (a *RealtimeVitals) parseWaveform(path string) (*ingest.AdapterResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, ingest.NewError(ingest.KindParseFailed, a.SourceType(), path, err)
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, ingest.NewError(ingest.KindParseFailed, a.SourceType(), path, err)
	}
	if len(records) < 3 {
		return nil, ingest.Errorf(ingest.KindParseFailed, a.SourceType(), path, "waveform needs at least two samples")
	}

	header := records[0]
	mvCol := -1
	for i, name := range header {
		if strings.EqualFold(strings.TrimSpace(name), "mV") {
			mvCol = i
		}
	}
	if mvCol < 0 {
		return nil, ingest.Errorf(ingest.KindParseFailed, a.SourceType(), path, "waveform has no mV column")
	}

	var timestamps []float64
	var samples []string
	for i, rec := range records[1:] {
		if len(rec) <= mvCol {
			return nil, ingest.Errorf(ingest.KindParseFailed, a.SourceType(), path, "row %d is short", i+2)
		}
		ts, err := strconv.ParseFloat(strings.TrimSpace(rec[0]), 64)
		if err != nil {
			return nil, ingest.Errorf(ingest.KindParseFailed, a.SourceType(), path, "row %d: timestamp_ms %q: %v", i+2, rec[0], err)
		}
		mv, err := strconv.ParseFloat(strings.TrimSpace(rec[mvCol]), 64)
		if err != nil {
			return nil, ingest.Errorf(ingest.KindParseFailed, a.SourceType(), path, "row %d: mV %q: %v", i+2, rec[mvCol], err)
		}
		timestamps = append(timestamps, ts)
		samples = append(samples, fhir.FormatSample(mv))
	}

	period, err := uniformPeriod(timestamps)
	if err != nil {
		return nil, locate(err, a.SourceType(), path)
	}

	obs, err := fhir.NewSampledDataObservation("obs-1", fhir.LocalPatientRef,
		"11524-6", "EKG study", period, strings.Join(samples, " "),
		a.clock().UTC().Format(time.RFC3339))
	if err != nil {
		return nil, locate(err, a.SourceType(), path)
	}

	identity := ingest.PatientIdentity{
		SourceSystem: a.SourceType(),
		MRN:          mrnFromFilename(path),
	}
	identity.SourceID = firstNonEmpty(identity.MRN, filepath.Base(path))

	return &ingest.AdapterResult{
		Identity:    identity,
		Resources:   []map[string]interface{}{obs},
		SourceType:  a.SourceType(),
		RawMetadata: map[string]interface{}{"format": "ecg_waveform", "samples": len(samples)},
	}, nil
}

// uniformPeriod returns the sampling period in seconds inferred from the
// median inter-sample delta, failing when any delta deviates from the
// median by more than the jitter tolerance.
func uniformPeriod(timestamps []float64) (float64, error) {
	deltas := make([]float64, 0, len(timestamps)-1)
	for i := 1; i < len(timestamps); i++ {
		d := timestamps[i] - timestamps[i-1]
		if d <= 0 {
			return 0, ingest.Errorf(ingest.KindInconsistentSampling, "", "", "timestamps are not strictly increasing")
		}
		deltas = append(deltas, d)
	}

	sorted := append([]float64(nil), deltas...)
	sort.Float64s(sorted)
	var median float64
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		median = (sorted[mid-1] + sorted[mid]) / 2
	} else {
		median = sorted[mid]
	}

	for _, d := range deltas {
		if math.Abs(d-median) > maxSamplingJitter*median {
			return 0, ingest.Errorf(ingest.KindInconsistentSampling, "", "",
				"inter-sample delta %.3fms deviates more than %.0f%% from the median %.3fms",
				d, maxSamplingJitter*100, median)
		}
	}

	return median / 1000, nil
}
