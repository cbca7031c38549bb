// Package pathutil holds file naming and matching helpers shared by the pipelines
package pathutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/mkmik/argsort"
)

var (
	// ErrNoMatch is returned when no file contains the requested ID
	ErrNoMatch = errors.New("no matching file")

	// ErrAmbiguous is returned when more than one file contains the requested ID
	ErrAmbiguous = errors.New("more than one matching file")
)

var digits = regexp.MustCompile(`[0-9]+`)

// naturalKey splits s into text and number chunks, so that "sub10" sorts after "sub9"
func naturalKey(s string) []interface{} {
	s = strings.ToLower(s)
	var key []interface{}
	last := 0
	for _, loc := range digits.FindAllStringIndex(s, -1) {
		key = append(key, s[last:loc[0]])
		n, _ := strconv.ParseUint(s[loc[0]:loc[1]], 10, 64)
		key = append(key, n)
		last = loc[1]
	}
	return append(key, s[last:])
}

func naturalLess(a, b string) bool {
	ka, kb := naturalKey(a), naturalKey(b)
	for i := 0; i < len(ka) && i < len(kb); i++ {
		switch x := ka[i].(type) {
		case string:
			y := kb[i].(string)
			if x != y {
				return x < y
			}
		case uint64:
			y := kb[i].(uint64)
			if x != y {
				return x < y
			}
		}
	}
	return len(ka) < len(kb)
}

// NaturalOrder returns the indices that sort names alphanumerically.
// The same order can be applied to lists paired with names.
func NaturalOrder(names []string) []int {
	return argsort.SortSlice(names, func(i, j int) bool {
		return naturalLess(names[i], names[j])
	})
}

// NaturalSort returns a sorted copy of names with numbers compared by value
func NaturalSort(names []string) []string {
	out := make([]string, len(names))
	for i, idx := range NaturalOrder(names) {
		out[i] = names[idx]
	}
	return out
}

// MatchID returns the single file whose path contains id
func MatchID(files []string, id string) (string, error) {
	var found []string
	for _, f := range files {
		if strings.Contains(f, id) {
			found = append(found, f)
		}
	}
	switch len(found) {
	case 0:
		return "", fmt.Errorf("%s: %w", id, ErrNoMatch)
	case 1:
		return found[0], nil
	}
	return "", fmt.Errorf("%s: %w (%d files)", id, ErrAmbiguous, len(found))
}

// Stem returns the basename of path up to its first '.'
func Stem(path string) string {
	base := filepath.Base(path)
	if i := strings.Index(base, "."); i >= 0 {
		return base[:i]
	}
	return base
}

// NiftiStem returns the basename of path before ".nii"
func NiftiStem(path string) string {
	base := filepath.Base(path)
	if i := strings.Index(base, ".nii"); i >= 0 {
		return base[:i]
	}
	return base
}

// SubjectID returns the name of the directory holding path
func SubjectID(path string) string {
	return filepath.Base(filepath.Dir(path))
}

// EnsureDir creates dir (and parents) if it does not exist
func EnsureDir(dir string) error {
	if dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	return nil
}

// FormatNumber renders a float the shortest way, so 3500 becomes "3500"
func FormatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
