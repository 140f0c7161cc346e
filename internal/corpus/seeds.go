// Package corpus turns external experience definitions into store records:
// seed files with benign and poisoned sections, and plain documents.
package corpus

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"

	"github.com/kalambet/memprobe/internal/experience"
)

// Seed is one raw experience definition as it appears in a seed file.
type Seed struct {
	ID   string   `json:"id"`
	Req  string   `json:"req"`
	Resp string   `json:"resp"`
	Tag  string   `json:"tag"`
	Tags []string `json:"tags,omitempty"`
}

// SeedFile is a parsed seed corpus. The two sections carry the provenance
// records are stamped with on load; nothing else distinguishes them, which
// is the point of the exercise.
type SeedFile struct {
	BenignExperiences   []Seed `json:"benign_experiences"`
	PoisonedExperiences []Seed `json:"poisoned_experiences"`
}

//go:embed seeds/default.json
var defaultSeedData []byte

// Default returns the built-in seed corpus shipped with the binary.
func Default() (SeedFile, error) {
	return ParseSeeds(defaultSeedData)
}

// LoadSeeds reads and parses a seed file from disk.
func LoadSeeds(path string) (SeedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return SeedFile{}, fmt.Errorf("reading seed file: %w", err)
	}
	f, err := ParseSeeds(data)
	if err != nil {
		return SeedFile{}, fmt.Errorf("seed file %s: %w", path, err)
	}
	return f, nil
}

// ParseSeeds decodes a seed corpus.
func ParseSeeds(data []byte) (SeedFile, error) {
	var f SeedFile
	if err := json.Unmarshal(data, &f); err != nil {
		return SeedFile{}, fmt.Errorf("parsing seeds: %w", err)
	}
	if len(f.BenignExperiences) == 0 && len(f.PoisonedExperiences) == 0 {
		return SeedFile{}, fmt.Errorf("seed corpus has no experiences")
	}
	return f, nil
}

// ApplyTo admits the corpus into the store, benign records first and poisoned
// records after, matching how an attack unfolds against an already populated
// memory. Returns how many of each were admitted.
func (f SeedFile) ApplyTo(store *experience.Store) (benign, poisoned int, err error) {
	for _, s := range f.BenignExperiences {
		if err := store.Add(s.record(experience.ProvenanceBenign)); err != nil {
			return benign, poisoned, fmt.Errorf("seeding benign %q: %w", s.ID, err)
		}
		benign++
	}
	for _, s := range f.PoisonedExperiences {
		if err := store.Add(s.record(experience.ProvenanceInjected)); err != nil {
			return benign, poisoned, fmt.Errorf("seeding poisoned %q: %w", s.ID, err)
		}
		poisoned++
	}
	return benign, poisoned, nil
}

// Records converts both sections to store records without admitting them
// anywhere, for callers that ship the corpus over the wire instead.
func (f SeedFile) Records() (benign, poisoned []experience.Record) {
	for _, s := range f.BenignExperiences {
		benign = append(benign, s.record(experience.ProvenanceBenign))
	}
	for _, s := range f.PoisonedExperiences {
		poisoned = append(poisoned, s.record(experience.ProvenanceInjected))
	}
	return benign, poisoned
}

func (s Seed) record(p experience.Provenance) experience.Record {
	id := s.ID
	if id == "" {
		id = uuid.NewString()
	}
	return experience.Record{
		ID:           id,
		QueryText:    s.Req,
		ResponseText: s.Resp,
		Category:     s.Tag,
		Tags:         s.Tags,
		Provenance:   p,
	}
}
