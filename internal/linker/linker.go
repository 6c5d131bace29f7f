// Package linker clusters adapter results that describe the same person.
//
// Each identity contributes zero or more match keys, strongest first:
// ABHA id, MRN, the (family, given, birth date) triple, phone, email.
// Linking is insert-only: an incoming result joins exactly one existing
// cluster (the one sharing the most keys, strongest key breaking ties) or
// starts a new one. Two clusters already formed are never merged, even
// when a later identity carries keys from both. A result with no key
// becomes a singleton so unattributable documents are never guessed onto
// another patient.
package linker

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/medsetu/ingest/internal/ingest"
	"github.com/medsetu/ingest/internal/platform/fhir"
)

// Key kinds in descending match strength. The strongest kind present in a
// cluster selects its canonical id.
const (
	kindAbha  = "abha"
	kindMRN   = "mrn"
	kindName  = "name"
	kindPhone = "phone"
	kindEmail = "email"
	kindLocal = "local"
)

var kindPriority = map[string]int{
	kindAbha:  0,
	kindMRN:   1,
	kindName:  2,
	kindPhone: 3,
	kindEmail: 4,
	kindLocal: 5,
}

type matchKey struct {
	kind  string
	value string
}

func (k matchKey) String() string { return k.kind + ":" + k.value }

// member is one adapter result in ingest order.
type member struct {
	result *ingest.AdapterResult
	keys   []matchKey
}

// Linker accumulates adapter results and resolves them into linked
// patients. Not safe for concurrent use; the driver feeds it serially.
type Linker struct {
	systems fhir.IdentifierSystems

	members  []member
	clusters [][]int        // member indices per cluster, in creation order
	byKey    map[string]int // match key -> cluster index
}

// New creates an empty linker.
func New(systems fhir.IdentifierSystems) *Linker {
	return &Linker{systems: systems, byKey: map[string]int{}}
}

// Add registers one adapter result. The result joins the existing cluster
// sharing the most match keys (ties break on the stronger key, then on the
// older cluster) or starts a new cluster when nothing matches. Keys not
// seen before are registered for the joined cluster; keys already owned by
// another cluster stay where they are, so established clusters never merge.
func (l *Linker) Add(res *ingest.AdapterResult) {
	keys := identityKeys(res.Identity)
	idx := len(l.members)
	l.members = append(l.members, member{result: res, keys: keys})

	cluster := l.pickCluster(keys)
	if cluster < 0 {
		cluster = len(l.clusters)
		l.clusters = append(l.clusters, nil)
	}
	l.clusters[cluster] = append(l.clusters[cluster], idx)

	for _, k := range keys {
		if _, taken := l.byKey[k.String()]; !taken {
			l.byKey[k.String()] = cluster
		}
	}
}

// pickCluster selects the single cluster the keys attach to, or -1. Keys
// arrive strongest-first, so on a shared-count tie the cluster hit by the
// earlier key wins.
func (l *Linker) pickCluster(keys []matchKey) int {
	best := -1
	bestShared := 0
	for _, k := range keys {
		cluster, ok := l.byKey[k.String()]
		if !ok {
			continue
		}
		if shared := l.sharedKeys(keys, cluster); shared > bestShared {
			best = cluster
			bestShared = shared
		}
	}
	return best
}

func (l *Linker) sharedKeys(keys []matchKey, cluster int) int {
	n := 0
	for _, k := range keys {
		if c, ok := l.byKey[k.String()]; ok && c == cluster {
			n++
		}
	}
	return n
}

// Patients resolves the accumulated results into linked patients, ordered
// by cluster creation.
func (l *Linker) Patients() []*LinkedPatient {
	out := make([]*LinkedPatient, 0, len(l.clusters))
	for _, indices := range l.clusters {
		out = append(out, l.finalize(indices))
	}
	return out
}

// LinkedPatient is one resolved cluster: the merged FHIR Patient plus
// every clinical resource contributed by its member results.
type LinkedPatient = ingest.LinkedPatient

func (l *Linker) finalize(indices []int) *LinkedPatient {
	sort.Ints(indices)

	lp := &LinkedPatient{
		RawMetadata: map[string]interface{}{},
	}
	merged := ingest.PatientIdentity{}
	conflicts := map[string][]string{}
	seenSource := map[string]bool{}

	for _, i := range indices {
		res := l.members[i].result
		lp.Identities = append(lp.Identities, res.Identity)
		lp.Resources = append(lp.Resources, res.Resources...)
		if !seenSource[res.SourceType] {
			seenSource[res.SourceType] = true
			lp.SourceTypes = append(lp.SourceTypes, res.SourceType)
		}
		mergeIdentity(&merged, res.Identity, conflicts)
		if lp.Patient == nil && res.FHIRPatient != nil {
			lp.Patient = res.FHIRPatient
		}
		for k, v := range res.RawMetadata {
			if _, ok := lp.RawMetadata[k]; !ok {
				lp.RawMetadata[k] = v
			}
		}
	}

	if len(conflicts) > 0 {
		lp.RawMetadata["conflicts"] = conflicts
	}
	lp.CanonicalID = l.canonicalID(indices)
	if lp.Patient == nil {
		lp.Patient = fhir.NewPatient(merged, l.systems)
	}
	return lp
}

// stat tracks one match key's spread across a cluster while the canonical
// id is selected.
type stat struct {
	key   matchKey
	count int
	first int
}

// canonicalID hashes the strongest, most widely shared match key of the
// cluster; every run over the same inputs yields the same id.
func (l *Linker) canonicalID(indices []int) string {
	stats := map[string]*stat{}
	for _, i := range indices {
		for _, k := range l.members[i].keys {
			s, ok := stats[k.String()]
			if !ok {
				s = &stat{key: k, first: i}
				stats[k.String()] = s
			}
			s.count++
		}
	}

	var best *stat
	for _, s := range stats {
		if best == nil || betterKey(s, best) {
			best = s
		}
	}
	if best == nil {
		// Keyless members always carry a synthetic local key, so this
		// only guards an empty cluster.
		return hashKey(matchKey{kindLocal, fmt.Sprintf("cluster-%d", indices[0])})
	}
	return hashKey(best.key)
}

func betterKey(a, b *stat) bool {
	pa, pb := kindPriority[a.key.kind], kindPriority[b.key.kind]
	if pa != pb {
		return pa < pb
	}
	if a.count != b.count {
		return a.count > b.count
	}
	if a.first != b.first {
		return a.first < b.first
	}
	return a.key.value < b.key.value
}

// hashKey derives the canonical id from the winning key's normalized
// value alone; the kind only ranks candidates.
func hashKey(k matchKey) string {
	sum := sha1.Sum([]byte(k.value))
	return hex.EncodeToString(sum[:])[:16]
}

// identityKeys derives the match keys for one identity, strongest first.
// An identity with no usable key gets a synthetic key from its source id,
// isolating it in a singleton cluster.
func identityKeys(id ingest.PatientIdentity) []matchKey {
	var keys []matchKey
	if v := normToken(id.AbhaID); v != "" {
		keys = append(keys, matchKey{kindAbha, v})
	}
	if v := normToken(id.MRN); v != "" {
		keys = append(keys, matchKey{kindMRN, v})
	}
	fam, giv := normName(id.FamilyName), normName(id.GivenName)
	if fam != "" && giv != "" && id.BirthDate != "" {
		keys = append(keys, matchKey{kindName, fam + "|" + giv + "|" + id.BirthDate})
	}
	if v := normPhone(id.Phone); v != "" {
		keys = append(keys, matchKey{kindPhone, v})
	}
	if v := normToken(id.Email); v != "" {
		keys = append(keys, matchKey{kindEmail, v})
	}
	if len(keys) == 0 {
		keys = append(keys, matchKey{kindLocal, id.SourceSystem + "|" + id.SourceID})
	}
	return keys
}

// mergeIdentity folds src into dst field by field. The earlier value wins;
// a differing later value is recorded as a conflict instead of clobbering.
// The gender value "unknown" counts as missing, so a later concrete gender
// fills it without raising a conflict.
func mergeIdentity(dst *ingest.PatientIdentity, src ingest.PatientIdentity, conflicts map[string][]string) {
	fields := []struct {
		name string
		d    *string
		s    string
	}{
		{"abha_id", &dst.AbhaID, src.AbhaID},
		{"mrn", &dst.MRN, src.MRN},
		{"family_name", &dst.FamilyName, src.FamilyName},
		{"given_name", &dst.GivenName, src.GivenName},
		{"full_name", &dst.FullName, src.FullName},
		{"birth_date", &dst.BirthDate, src.BirthDate},
		{"gender", &dst.Gender, src.Gender},
		{"phone", &dst.Phone, src.Phone},
		{"email", &dst.Email, src.Email},
		{"address_line", &dst.AddressLine, src.AddressLine},
		{"city", &dst.City, src.City},
		{"state", &dst.State, src.State},
		{"postal_code", &dst.PostalCode, src.PostalCode},
	}
	for _, f := range fields {
		switch {
		case f.s == "":
		case *f.d == "":
			*f.d = f.s
		case f.name == "gender" && *f.d == ingest.GenderUnknown:
			*f.d = f.s
		case f.name == "gender" && f.s == ingest.GenderUnknown:
		case *f.d != f.s:
			if !contains(conflicts[f.name], f.s) {
				conflicts[f.name] = append(conflicts[f.name], f.s)
			}
		}
	}
	if dst.SourceSystem == "" {
		dst.SourceSystem = src.SourceSystem
	}
	if dst.SourceID == "" {
		dst.SourceID = src.SourceID
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
