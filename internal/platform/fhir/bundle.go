package fhir

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/medsetu/ingest/internal/ingest"
)

// Bundle represents a FHIR transaction Bundle.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"`
	Timestamp    *time.Time    `json:"timestamp,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

// BundleEntry is one resource plus its transaction request line.
type BundleEntry struct {
	FullURL  string                 `json:"fullUrl,omitempty"`
	Resource map[string]interface{} `json:"resource,omitempty"`
	Request  *BundleRequest         `json:"request,omitempty"`
}

// BundleRequest is the HTTP action a downstream store applies to the entry.
type BundleRequest struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

// knownResourceTypes lists the resource type names the bundler can emit.
var knownResourceTypes = map[string]bool{
	"Patient":           true,
	"Observation":       true,
	"Encounter":         true,
	"Condition":         true,
	"DiagnosticReport":  true,
	"ImagingStudy":      true,
	"DocumentReference": true,
	"Bundle":            true,
}

// BuildTransactionBundle assembles one transaction Bundle for a linked
// patient. The Patient entry comes first; every subsequent resource is
// emitted in accumulation order with its subject/patient references
// resolved to the Patient entry's fullUrl and any urn:local: references
// resolved to their entries' fullUrls. Each entry gets a freshly minted
// urn:uuid: fullUrl.
func BuildTransactionBundle(lp *ingest.LinkedPatient) (*Bundle, error) {
	if lp.Patient == nil {
		return nil, ingest.Errorf(ingest.KindBundleMissingPatient, "", "",
			"fhir: linked patient %s has no Patient resource", lp.CanonicalID)
	}

	patientURL := newFullURL()
	entries := make([]BundleEntry, 0, len(lp.Resources)+1)
	entries = append(entries, BundleEntry{
		FullURL:  patientURL,
		Resource: cloneResource(lp.Patient),
		Request:  &BundleRequest{Method: "POST", URL: "Patient"},
	})

	// First pass: mint fullUrls and index adapter-local ids.
	localToFull := make(map[string]string, len(lp.Resources))
	for _, res := range lp.Resources {
		rt, _ := res["resourceType"].(string)
		if !knownResourceTypes[rt] {
			return nil, ingest.Errorf(ingest.KindUnknownResourceType, "", "",
				"fhir: resource type %q is not part of the bundle schema", rt)
		}
		fullURL := newFullURL()
		if id, ok := res["id"].(string); ok && id != "" {
			localToFull[id] = fullURL
		}
		entries = append(entries, BundleEntry{
			FullURL:  fullURL,
			Resource: cloneResource(res),
			Request:  &BundleRequest{Method: "POST", URL: rt},
		})
	}

	// Second pass: resolve references on the copies.
	for i := 1; i < len(entries); i++ {
		resolveReferences(entries[i].Resource, patientURL, localToFull)
	}

	now := time.Now().UTC()
	return &Bundle{
		ResourceType: "Bundle",
		ID:           lp.CanonicalID,
		Type:         "transaction",
		Timestamp:    &now,
		Entry:        entries,
	}, nil
}

func newFullURL() string {
	return "urn:uuid:" + uuid.NewString()
}

// resolveReferences rewrites subject/patient-shaped references to the
// Patient fullUrl and urn:local: references to their entry fullUrls.
// Unresolvable local references are left untouched.
func resolveReferences(res map[string]interface{}, patientURL string, localToFull map[string]string) {
	for key, val := range res {
		switch key {
		case "subject", "patient":
			if ref, ok := val.(map[string]interface{}); ok {
				if _, has := ref["reference"]; has {
					ref["reference"] = patientURL
				}
			}
			continue
		}
		switch v := val.(type) {
		case map[string]interface{}:
			rewriteLocalRef(v, localToFull)
		case []interface{}:
			for _, item := range v {
				if m, ok := item.(map[string]interface{}); ok {
					rewriteLocalRef(m, localToFull)
				}
			}
		}
	}
}

func rewriteLocalRef(m map[string]interface{}, localToFull map[string]string) {
	ref, ok := m["reference"].(string)
	if !ok || !strings.HasPrefix(ref, LocalRefPrefix) {
		return
	}
	if full, hit := localToFull[strings.TrimPrefix(ref, LocalRefPrefix)]; hit {
		m["reference"] = full
	}
}

// cloneResource deep-copies a resource map so reference resolution never
// mutates the linker-owned originals.
func cloneResource(res map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(res))
	for k, v := range res {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return cloneResource(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
