// Package seed loads world seed files: YAML documents describing the
// territories, the first inhabitants and the ongoing events of a world.
package seed

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// File is one seed document. Several files merge into a single world.
type File struct {
	Locations  []Location  `yaml:"locations"`
	Characters []Character `yaml:"characters"`
	Events     []Event     `yaml:"events"`
}

type Location struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Connections []string `yaml:"connections"`
	State       string   `yaml:"state"`
}

// Character is a seeded inhabitant. ID is optional; one is minted on apply.
type Character struct {
	ID       string   `yaml:"id"`
	Name     string   `yaml:"name"`
	Traits   []string `yaml:"traits"`
	Location string   `yaml:"location"`
	Age      int      `yaml:"age"`
}

type Event struct {
	ID          string   `yaml:"id"`
	Kind        string   `yaml:"kind"`
	Description string   `yaml:"description"`
	Locations   []string `yaml:"affected_locations"`
	Progress    float64  `yaml:"progress"`
	StartDay    int      `yaml:"start_day"`
	EndDay      *int     `yaml:"end_day"`
}

// Discover expands a doublestar pattern ("worlds/**/*.yaml") into a sorted
// list of files. A pattern naming a single existing file matches itself.
func Discover(pattern string) ([]string, error) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return nil, errors.New("seed: empty pattern")
	}
	if !doublestar.ValidatePathPattern(pattern) {
		return nil, fmt.Errorf("seed: invalid pattern %q", pattern)
	}
	matches, err := doublestar.FilepathGlob(pattern, doublestar.WithFilesOnly())
	if err != nil {
		return nil, fmt.Errorf("seed: glob %q: %w", pattern, err)
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("seed: no files match %q", pattern)
	}
	sort.Strings(matches)
	return matches, nil
}

// LoadFile decodes one seed file. Unknown keys and multiple documents are
// rejected.
func LoadFile(path string) (File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return File{}, err
	}
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return File{}, nil
		}
		return File{}, fmt.Errorf("seed %s: %w", path, err)
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return File{}, fmt.Errorf("seed %s: multiple documents are not allowed", path)
		}
		return File{}, fmt.Errorf("seed %s: %w", path, err)
	}
	return f, nil
}

// Load discovers and merges every file matching pattern, then validates the
// merged world.
func Load(pattern string) (File, []string, error) {
	paths, err := Discover(pattern)
	if err != nil {
		return File{}, nil, err
	}
	var merged File
	for _, p := range paths {
		f, err := LoadFile(p)
		if err != nil {
			return File{}, nil, err
		}
		merged.Locations = append(merged.Locations, f.Locations...)
		merged.Characters = append(merged.Characters, f.Characters...)
		merged.Events = append(merged.Events, f.Events...)
	}
	if err := merged.Validate(); err != nil {
		return File{}, nil, err
	}
	return merged, paths, nil
}

// Validate checks that names are unique and that every reference points at a
// known location. All problems are reported together.
func (f File) Validate() error {
	var errs []error
	locs := map[string]bool{}
	for i, l := range f.Locations {
		key := strings.ToLower(strings.TrimSpace(l.Name))
		switch {
		case key == "":
			errs = append(errs, fmt.Errorf("locations[%d]: name is required", i))
		case locs[key]:
			errs = append(errs, fmt.Errorf("locations[%d]: duplicate location %q", i, l.Name))
		}
		locs[key] = true
	}
	known := func(name string) bool { return locs[strings.ToLower(strings.TrimSpace(name))] }

	for _, l := range f.Locations {
		for _, c := range l.Connections {
			if !known(c) {
				errs = append(errs, fmt.Errorf("location %q: unknown connection %q", l.Name, c))
			}
		}
	}

	names := map[string]bool{}
	for i, c := range f.Characters {
		key := strings.ToLower(strings.TrimSpace(c.Name))
		switch {
		case key == "":
			errs = append(errs, fmt.Errorf("characters[%d]: name is required", i))
		case names[key]:
			errs = append(errs, fmt.Errorf("characters[%d]: duplicate character %q", i, c.Name))
		}
		names[key] = true
		if !known(c.Location) {
			errs = append(errs, fmt.Errorf("character %q: unknown location %q", c.Name, c.Location))
		}
		if c.Age < 0 {
			errs = append(errs, fmt.Errorf("character %q: age must be >= 0", c.Name))
		}
	}

	for i, ev := range f.Events {
		if strings.TrimSpace(ev.Kind) == "" {
			errs = append(errs, fmt.Errorf("events[%d]: kind is required", i))
		}
		if len(ev.Locations) == 0 {
			errs = append(errs, fmt.Errorf("events[%d]: at least one affected location is required", i))
		}
		for _, l := range ev.Locations {
			if !known(l) {
				errs = append(errs, fmt.Errorf("events[%d]: unknown location %q", i, l))
			}
		}
		if ev.Progress < 0 || ev.Progress > 1 {
			errs = append(errs, fmt.Errorf("events[%d]: progress must be in [0,1]", i))
		}
		if ev.EndDay != nil && *ev.EndDay < ev.StartDay {
			errs = append(errs, fmt.Errorf("events[%d]: end_day before start_day", i))
		}
	}
	return errors.Join(errs...)
}
