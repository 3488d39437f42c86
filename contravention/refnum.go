package contravention

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

const referencePrefix = "CONTRA-"

// FormatReference renders CONTRA-<year>-<seq>, with seq zero-padded to
// three digits. Sequences past 999 keep growing in width.
func FormatReference(year, seq int) string {
	return fmt.Sprintf("%s%d-%03d", referencePrefix, year, seq)
}

// ParseReference is the inverse of FormatReference.
func ParseReference(ref string) (year, seq int, err error) {
	rest, ok := strings.CutPrefix(ref, referencePrefix)
	if !ok {
		return 0, 0, fmt.Errorf("reference %q: missing %s prefix", ref, referencePrefix)
	}
	y, s, ok := strings.Cut(rest, "-")
	if !ok {
		return 0, 0, fmt.Errorf("reference %q: missing sequence", ref)
	}
	if year, err = strconv.Atoi(y); err != nil {
		return 0, 0, fmt.Errorf("reference %q: bad year: %w", ref, err)
	}
	if seq, err = strconv.Atoi(s); err != nil || seq < 1 {
		return 0, 0, fmt.Errorf("reference %q: bad sequence", ref)
	}
	return year, seq, nil
}

// nextReference allocates the next reference number for year inside repo's
// transaction. The unique constraint on reference numbers backs it up.
func nextReference(ctx context.Context, repo Repo, year int) (string, error) {
	seq, err := repo.NextReferenceSeq(ctx, year)
	if err != nil {
		return "", fmt.Errorf("allocate reference number: %w", err)
	}
	return FormatReference(year, seq), nil
}
