package splitter

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/spf13/afero"
)

const maxCollisionSuffix = 10000

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// SafeFilename replaces characters outside [A-Za-z0-9._-] and trims separators from the ends.
func SafeFilename(name string) string {
	cleaned := strings.Trim(unsafeFilenameChars.ReplaceAllString(name, "_"), "._-")
	if cleaned == "" {
		return "file"
	}
	return cleaned
}

// OutputFilename builds "{prefix}_{seq}_{label}.pdf" with seq zero-padded to digits.
func OutputFilename(prefix string, seq, digits int, label string) string {
	name := SafeFilename(fmt.Sprintf("%s_%0*d_%s.pdf", prefix, digits, seq, label))
	if !strings.HasSuffix(name, ".pdf") {
		name += ".pdf"
	}
	return name
}

// SequenceDigits never lets sequence numbers be truncated.
func SequenceDigits(configured, outputs int) int {
	return max(configured, len(strconv.Itoa(outputs)))
}

// createUnique exclusively creates dir/name, or dir/stem-N.ext when it is taken.
func createUnique(fsys afero.Fs, dir, name string) (afero.File, string, error) {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	candidate := filepath.Join(dir, name)
	for suffix := 1; ; suffix++ {
		f, err := fsys.OpenFile(candidate, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return f, candidate, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, candidate, err
		}
		if suffix > maxCollisionSuffix {
			return nil, candidate, fmt.Errorf("no free filename for %s after %d attempts", name, maxCollisionSuffix)
		}
		candidate = filepath.Join(dir, fmt.Sprintf("%s-%d%s", stem, suffix, ext))
	}
}

// HumanizeDuration renders milliseconds as "N ms", "X.Y s" or "M min S s".
func HumanizeDuration(ms int64) string {
	seconds := float64(ms) / 1000
	switch {
	case seconds < 1:
		return fmt.Sprintf("%d ms", ms)
	case seconds < 60:
		return fmt.Sprintf("%.1f s", seconds)
	}
	minutes := int(seconds / 60)
	return fmt.Sprintf("%d min %d s", minutes, int(seconds)-minutes*60)
}
