// Package suite discovers recorded test cases and replays a selection of them,
// each under a freshly provisioned identity.
package suite

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// Case is one artifact file in the suite directory
type Case struct {
	Slug        string
	DisplayName string
	FilePath    string
}

var wordSeparator = regexp.MustCompile(`[-_]+`)

// DisplayName turns a slug such as "scan-history" into "Scan History"
func DisplayName(slug string) string {
	var words []string
	for _, w := range wordSeparator.Split(slug, -1) {
		if w == "" {
			continue
		}
		words = append(words, strings.ToUpper(w[:1])+w[1:])
	}
	if len(words) == 0 {
		return slug
	}
	return strings.Join(words, " ")
}

// Discover lists the *.json files of dir sorted by display name. A missing
// directory yields no cases.
func Discover(dir string) ([]Case, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read suite directory: %w", err)
	}

	var cases []Case
	for _, entry := range entries {
		if !entry.Type().IsRegular() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		slug := strings.TrimSuffix(entry.Name(), ".json")
		cases = append(cases, Case{
			Slug:        slug,
			DisplayName: DisplayName(slug),
			FilePath:    filepath.Join(dir, entry.Name()),
		})
	}
	sort.SliceStable(cases, func(i, j int) bool {
		a, b := strings.ToLower(cases[i].DisplayName), strings.ToLower(cases[j].DisplayName)
		if a == b {
			return cases[i].DisplayName < cases[j].DisplayName
		}
		return a < b
	})
	return cases, nil
}
