// Package adapter implements the six source adapters that detect and parse
// one input family each, emitting a patient identity plus derived clinical
// resources. Detection order is fixed by the registry the driver builds:
// hospital_ehr, wearable, ambulance_ems, realtime_vitals, scans_labs,
// handwritten_notes.
package adapter

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/medsetu/ingest/internal/ingest"
)

// readPrefix reads up to n leading bytes of a file for shape checks. It
// returns nil on any error so Supports probes never raise.
func readPrefix(path string, n int) []byte {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	if info, err := f.Stat(); err != nil || info.IsDir() {
		return nil
	}

	buf := make([]byte, n)
	read, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil
	}
	return buf[:read]
}

func fileExt(path string) string {
	return strings.ToLower(filepath.Ext(path))
}

// mrnTokenPattern matches the MRN tokens simulators embed in file names
// (e.g. MRN-2024-001234_lab_report.pdf).
var mrnTokenPattern = regexp.MustCompile(`MRN-[0-9]{4}-[0-9]+`)

func mrnFromFilename(path string) string {
	return mrnTokenPattern.FindString(filepath.Base(path))
}

// splitName splits a free-text full name into given and family parts. The
// last whitespace-separated token is the family name.
func splitName(full string) (given, family string) {
	fields := strings.Fields(full)
	switch len(fields) {
	case 0:
		return "", ""
	case 1:
		return fields[0], ""
	default:
		return strings.Join(fields[:len(fields)-1], " "), fields[len(fields)-1]
	}
}

// locate classifies err and attaches source/path when the adapter-level
// code produced an unlocated error.
func locate(err error, source, path string) error {
	var pe *ingest.Error
	if errors.As(err, &pe) {
		if pe.Path == "" {
			pe.Path = path
		}
		if pe.Source == "" {
			pe.Source = source
		}
		return pe
	}
	return ingest.NewError(ingest.KindParseFailed, source, path, err)
}
