// Package classify maps a submitted sample identifier to an input type.
// Classification is purely local: patterns plus a filesystem probe, never
// the network. It only decides which flags the pipeline script receives.
package classify

import (
	"os"
	"regexp"
	"strings"

	"golang.org/x/xerrors"

	"github.com/megamlab/megamd"
)

var (
	readsArchiveRe      = regexp.MustCompile(`^[SED]RR\d+$`)
	sequenceAccessionRe = regexp.MustCompile(`^(CP|NC|NZ)_?\d+(\.\d+)?$`)
	assemblyAccessionRe = regexp.MustCompile(`^GC[AF]_\d+(\.\d+)?$`)
)

var fastaSuffixes = []string{".fasta", ".fna", ".fa", ".fasta.gz", ".fna.gz"}

func looksLikePath(s string) bool {
	if strings.HasPrefix(s, "/") {
		return true
	}
	for _, suffix := range fastaSuffixes {
		if strings.HasSuffix(s, suffix) {
			return true
		}
	}
	return false
}

// Input classifies sampleID. First match wins; anything unmatched is
// rejected with megamd.ErrInvalidInput.
func Input(sampleID string) (megamd.InputType, error) {
	switch {
	case readsArchiveRe.MatchString(sampleID):
		return megamd.InputReadsArchive, nil
	case sequenceAccessionRe.MatchString(sampleID):
		return megamd.InputSequenceAccession, nil
	case assemblyAccessionRe.MatchString(sampleID):
		return megamd.InputAssemblyAccession, nil
	case looksLikePath(sampleID):
		// Path-shaped identifiers must exist and be readable.
		f, err := os.Open(sampleID)
		if err != nil {
			return "", xerrors.Errorf("local file %q: %v: %w", sampleID, err, megamd.ErrInvalidInput)
		}
		f.Close()
		return megamd.InputLocalFile, nil
	}
	return "", xerrors.Errorf("unrecognized sample identifier %q: %w", sampleID, megamd.ErrInvalidInput)
}
