// Package games holds the seed catalog of known games and the name
// normalisation used to match Discord activities against it.
package games

import (
	_ "embed"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// Entry is one game of the seed catalog.
type Entry struct {
	Name           string   `yaml:"name"`
	Aliases        []string `yaml:"aliases,omitempty"`
	ApplicationIDs []string `yaml:"application_ids,omitempty"`
}

// Keys returns the normalised name and aliases, deduplicated, name first.
func (e Entry) Keys() []string {
	seen := make(map[string]bool, len(e.Aliases)+1)
	var out []string
	for _, s := range append([]string{e.Name}, e.Aliases...) {
		k := Normalize(s)
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out
}

type catalogFile struct {
	Games []Entry `yaml:"games"`
}

// Default returns the embedded seed catalog.
func Default() ([]Entry, error) {
	return Decode(strings.NewReader(string(defaultCatalog)))
}

// Load reads a catalog file; an empty path means the embedded catalog.
func Load(path string) ([]Entry, error) {
	if path == "" {
		return Default()
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open game catalog: %w", err)
	}
	defer f.Close()
	return Decode(f)
}

// Decode parses a YAML catalog and validates it.
func Decode(r io.Reader) ([]Entry, error) {
	var file catalogFile
	if err := yaml.NewDecoder(r).Decode(&file); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode game catalog: %w", err)
	}

	owner := make(map[string]string)
	for i, e := range file.Games {
		e.Name = strings.TrimSpace(e.Name)
		if e.Name == "" {
			return nil, fmt.Errorf("game catalog entry %d has no name", i)
		}
		file.Games[i] = e
		for _, k := range e.Keys() {
			if prev, ok := owner[k]; ok && prev != e.Name {
				return nil, fmt.Errorf("game catalog: %q is claimed by both %q and %q", k, prev, e.Name)
			}
			owner[k] = e.Name
		}
	}
	return file.Games, nil
}

var stripMarks = transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Normalize folds case and diacritics and collapses everything that is
// not a letter or digit into single spaces, so "Counter-Strike 2" and
// "counter strike 2" compare equal.
func Normalize(name string) string {
	s, _, err := transform.String(stripMarks, name)
	if err != nil {
		s = name
	}
	s = cases.Fold().String(s)

	var b strings.Builder
	space := false
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
			continue
		}
		space = true
	}
	return b.String()
}
