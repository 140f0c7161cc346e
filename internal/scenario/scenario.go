// Package scenario resolves named evaluation setups: a query batch plus the
// retrieval parameters to run it with. Scenarios shipped with the binary are
// embedded; user files in the scenarios directory shadow them by name.
package scenario

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

//go:embed builtin/*.json
var builtinFS embed.FS

var (
	ErrNotFound  = errors.New("scenario not found")
	ErrEmptyName = errors.New("scenario name is empty")
	ErrNoQueries = errors.New("scenario has no queries")
)

// Scenario is a named, reproducible evaluation setup. Zero TopK and MinScore
// mean the caller's defaults apply. Corpus names the seed corpus the queries
// were written against; an empty Category runs across all records.
type Scenario struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Queries     []string `json:"queries"`
	Corpus      string   `json:"corpus,omitempty"`
	Category    string   `json:"category,omitempty"`
	TopK        int      `json:"top_k,omitempty"`
	MinScore    float64  `json:"min_score,omitempty"`
}

func (s Scenario) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return ErrEmptyName
	}
	if len(s.Queries) == 0 {
		return fmt.Errorf("scenario %s: %w", s.Name, ErrNoQueries)
	}
	for i, q := range s.Queries {
		if strings.TrimSpace(q) == "" {
			return fmt.Errorf("scenario %s: query %d is blank", s.Name, i)
		}
	}
	if s.TopK < 0 {
		return fmt.Errorf("scenario %s: top_k must not be negative", s.Name)
	}
	return nil
}

// Library resolves scenarios by name, merging builtins with user files.
type Library struct {
	dir string
}

// NewLibrary creates a Library reading user scenarios from dir. An empty dir
// means builtins only.
func NewLibrary(dir string) *Library {
	return &Library{dir: dir}
}

// List returns all known scenarios sorted by name. A user scenario with the
// same name as a builtin replaces it.
func (l *Library) List() ([]Scenario, error) {
	byName := make(map[string]Scenario)

	builtins, err := loadBuiltins()
	if err != nil {
		return nil, err
	}
	for _, s := range builtins {
		byName[s.Name] = s
	}

	if l.dir != "" {
		users, err := loadDir(l.dir)
		if err != nil {
			return nil, err
		}
		for _, s := range users {
			byName[s.Name] = s
		}
	}

	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]Scenario, 0, len(names))
	for _, name := range names {
		out = append(out, byName[name])
	}
	return out, nil
}

// Get returns the scenario with the given name, user files taking precedence.
func (l *Library) Get(name string) (Scenario, error) {
	all, err := l.List()
	if err != nil {
		return Scenario{}, err
	}
	for _, s := range all {
		if s.Name == name {
			return s, nil
		}
	}
	return Scenario{}, fmt.Errorf("%w: %s", ErrNotFound, name)
}

func loadBuiltins() ([]Scenario, error) {
	entries, err := builtinFS.ReadDir("builtin")
	if err != nil {
		return nil, fmt.Errorf("reading builtin scenarios: %w", err)
	}

	var out []Scenario
	for _, entry := range entries {
		data, err := builtinFS.ReadFile("builtin/" + entry.Name())
		if err != nil {
			return nil, fmt.Errorf("reading builtin scenario %s: %w", entry.Name(), err)
		}
		s, err := parse(data)
		if err != nil {
			return nil, fmt.Errorf("builtin scenario %s: %w", entry.Name(), err)
		}
		out = append(out, s)
	}
	return out, nil
}

// loadDir reads user scenario files. A malformed file is skipped with a
// warning so it cannot hide the rest of the directory.
func loadDir(dir string) ([]Scenario, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading scenario dir: %w", err)
	}

	var out []Scenario
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading scenario file %s: %w", entry.Name(), err)
		}
		s, err := parse(data)
		if err != nil {
			slog.Warn("skipping malformed scenario file", "path", path, "error", err)
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func parse(data []byte) (Scenario, error) {
	var s Scenario
	if err := json.Unmarshal(data, &s); err != nil {
		return Scenario{}, fmt.Errorf("parsing scenario: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Scenario{}, err
	}
	return s, nil
}
