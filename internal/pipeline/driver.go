// Package pipeline walks an input directory, dispatches each file to the
// adapter registry, links the results into canonical patients and writes
// one transaction Bundle per patient.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/medsetu/ingest/internal/ingest"
	"github.com/medsetu/ingest/internal/linker"
	"github.com/medsetu/ingest/internal/platform/fhir"
)

// Summary reports what one run ingested and what it skipped.
type Summary struct {
	FilesSeen      int            `json:"files_seen"`
	FilesParsed    int            `json:"files_parsed"`
	FilesSkipped   int            `json:"files_skipped"`
	Failures       map[string]int `json:"failures,omitempty"`
	Patients       int            `json:"patients"`
	BundlesWritten int            `json:"-"`
	BundlePaths    []string       `json:"bundle_paths,omitempty"`
}

// Driver owns one ingestion run end to end.
type Driver struct {
	registry *ingest.Registry
	systems  fhir.IdentifierSystems
	log      zerolog.Logger
	clock    func() time.Time
}

// New creates a driver over the given adapter registry.
func New(registry *ingest.Registry, systems fhir.IdentifierSystems, log zerolog.Logger, clock func() time.Time) *Driver {
	if clock == nil {
		clock = time.Now
	}
	return &Driver{registry: registry, systems: systems, log: log, clock: clock}
}

// Run ingests inputDir and writes one <canonical_id>.json bundle per linked
// patient under outputDir. Per-file failures are contained and counted;
// only directory- and write-level errors abort the run.
func (d *Driver) Run(ctx context.Context, inputDir, outputDir string) (*Summary, error) {
	patients, summary, ingestErr := d.IngestDirectory(ctx, inputDir)
	if ingestErr != nil && len(patients) == 0 {
		return summary, ingestErr
	}

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return summary, fmt.Errorf("pipeline: create output dir: %w", err)
	}

	for _, lp := range patients {
		bundle, err := fhir.BuildTransactionBundle(lp)
		if err != nil {
			summary.countFailure(err)
			d.log.Error().Err(err).Str("canonical_id", lp.CanonicalID).Msg("bundle build failed")
			continue
		}
		raw, err := json.MarshalIndent(bundle, "", "  ")
		if err != nil {
			return summary, fmt.Errorf("pipeline: marshal bundle %s: %w", lp.CanonicalID, err)
		}
		path := filepath.Join(outputDir, lp.CanonicalID+".json")
		if err := os.WriteFile(path, raw, 0o644); err != nil {
			return summary, fmt.Errorf("pipeline: write bundle %s: %w", lp.CanonicalID, err)
		}
		summary.BundlesWritten++
		summary.BundlePaths = append(summary.BundlePaths, path)
		d.log.Info().
			Str("canonical_id", lp.CanonicalID).
			Strs("source_types", lp.SourceTypes).
			Int("entries", len(bundle.Entry)).
			Str("path", path).
			Msg("bundle written")
	}

	d.log.Info().
		Int("files_seen", summary.FilesSeen).
		Int("files_parsed", summary.FilesParsed).
		Int("files_skipped", summary.FilesSkipped).
		Int("patients", summary.Patients).
		Int("bundles", summary.BundlesWritten).
		Interface("failures", summary.Failures).
		Msg("ingestion run complete")
	return summary, ingestErr
}

// IngestDirectory parses every supported file under dir in sorted path
// order and returns the linked patients. Hidden files, symlinks and
// unclaimed files are skipped; parse failures are counted per error kind.
// On cancellation the walk stops between files but the clusters linked so
// far are still finalized and returned alongside the context error.
func (d *Driver) IngestDirectory(ctx context.Context, dir string) ([]*ingest.LinkedPatient, *Summary, error) {
	summary := &Summary{Failures: map[string]int{}}

	var paths []string
	err := filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := entry.Name()
		if strings.HasPrefix(name, ".") {
			if entry.IsDir() && path != dir {
				return filepath.SkipDir
			}
			return nil
		}
		if entry.IsDir() || entry.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return nil, summary, fmt.Errorf("pipeline: walk %s: %w", dir, err)
	}
	sort.Strings(paths)

	lk := linker.New(d.systems)
	var runErr error
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		summary.FilesSeen++

		res, err := d.IngestFile(ctx, path)
		if err != nil {
			summary.countFailure(err)
			d.log.Warn().Err(err).Str("path", path).Msg("file rejected")
			continue
		}
		if res == nil {
			summary.FilesSkipped++
			d.log.Debug().Str("path", path).Msg("no adapter claimed file")
			continue
		}
		summary.FilesParsed++
		d.log.Debug().
			Str("path", path).
			Str("source_type", res.SourceType).
			Int("resources", len(res.Resources)).
			Msg("file parsed")
		lk.Add(res)
	}

	patients := lk.Patients()
	summary.Patients = len(patients)
	return patients, summary, runErr
}

// IngestFile dispatches one file. It returns (nil, nil) when no adapter
// claims the file.
func (d *Driver) IngestFile(ctx context.Context, path string) (*ingest.AdapterResult, error) {
	return d.registry.Dispatch(ctx, path)
}

func (s *Summary) countFailure(err error) {
	if s.Failures == nil {
		s.Failures = map[string]int{}
	}
	s.Failures[string(ingest.KindOf(err))]++
}
