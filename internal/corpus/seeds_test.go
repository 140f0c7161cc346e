package corpus

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kalambet/memprobe/internal/experience"
	"github.com/kalambet/memprobe/internal/poison"
)

func TestDefaultCorpus(t *testing.T) {
	f, err := Default()
	if err != nil {
		t.Fatalf("Default: %v", err)
	}
	if len(f.BenignExperiences) == 0 || len(f.PoisonedExperiences) == 0 {
		t.Fatalf("default corpus is incomplete: %d benign, %d poisoned",
			len(f.BenignExperiences), len(f.PoisonedExperiences))
	}

	// Every poisoned seed must trip the default classifier, and no benign
	// seed may.
	c := poison.NewDefault()
	for _, s := range f.PoisonedExperiences {
		if !c.IsPoisoned(s.Resp) {
			t.Errorf("poisoned seed %q does not match any default signature", s.ID)
		}
	}
	for _, s := range f.BenignExperiences {
		if c.IsPoisoned(s.Resp) {
			t.Errorf("benign seed %q matches a default signature", s.ID)
		}
	}

	// Each default signature is exercised by at least one poisoned seed.
	for _, sig := range poison.DefaultSignatures() {
		found := false
		for _, s := range f.PoisonedExperiences {
			if matched, ok := c.Match(s.Resp); ok && matched.Pattern == sig.Pattern {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("no poisoned seed exercises signature %q", sig.Pattern)
		}
	}
}

func TestApplyToOrdersAndStamps(t *testing.T) {
	f, err := Default()
	if err != nil {
		t.Fatalf("Default: %v", err)
	}

	store := experience.NewStore()
	benign, poisoned, err := f.ApplyTo(store)
	if err != nil {
		t.Fatalf("ApplyTo: %v", err)
	}
	if benign != len(f.BenignExperiences) || poisoned != len(f.PoisonedExperiences) {
		t.Errorf("counts = %d/%d, want %d/%d", benign, poisoned,
			len(f.BenignExperiences), len(f.PoisonedExperiences))
	}

	all := store.All()
	if len(all) != benign+poisoned {
		t.Fatalf("store has %d records, want %d", len(all), benign+poisoned)
	}
	for i, rec := range all {
		want := experience.ProvenanceBenign
		if i >= benign {
			want = experience.ProvenanceInjected
		}
		if rec.Provenance != want {
			t.Errorf("record %d (%s) provenance = %q, want %q", i, rec.ID, rec.Provenance, want)
		}
	}
	// Benign section loads first.
	if all[0].ID != f.BenignExperiences[0].ID {
		t.Errorf("first record = %q, want first benign seed %q", all[0].ID, f.BenignExperiences[0].ID)
	}
}

func TestParseSeedsRejects(t *testing.T) {
	if _, err := ParseSeeds([]byte(`{"benign_experiences": []}`)); err == nil {
		t.Error("ParseSeeds accepted an empty corpus")
	}
	if _, err := ParseSeeds([]byte(`not json`)); err == nil {
		t.Error("ParseSeeds accepted malformed input")
	}
}

func TestLoadSeeds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seeds.json")
	content := `{
		"benign_experiences": [
			{"id": "b1", "req": "query one", "resp": "response one", "tag": "CITask"}
		],
		"poisoned_experiences": [
			{"req": "query two", "resp": "response two", "tag": "CITask"}
		]
	}`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	f, err := LoadSeeds(path)
	if err != nil {
		t.Fatalf("LoadSeeds: %v", err)
	}

	store := experience.NewStore()
	if _, _, err := f.ApplyTo(store); err != nil {
		t.Fatalf("ApplyTo: %v", err)
	}
	if store.Count() != 2 {
		t.Errorf("Count = %d, want 2", store.Count())
	}
	// A seed without an ID gets one generated.
	for _, rec := range store.All() {
		if rec.ID == "" {
			t.Error("record admitted without an ID")
		}
	}
}

func TestRecordsStampsProvenance(t *testing.T) {
	f := SeedFile{
		BenignExperiences: []Seed{
			{ID: "b1", Req: "q", Resp: "r", Tag: "CITask", Tags: []string{"ci"}},
		},
		PoisonedExperiences: []Seed{
			{Req: "q2", Resp: "r2", Tag: "CITask"},
		},
	}

	benign, poisoned := f.Records()
	if len(benign) != 1 || len(poisoned) != 1 {
		t.Fatalf("Records() = %d/%d, want 1/1", len(benign), len(poisoned))
	}
	if benign[0].Provenance != experience.ProvenanceBenign {
		t.Errorf("benign provenance = %q", benign[0].Provenance)
	}
	if benign[0].ID != "b1" || benign[0].QueryText != "q" || benign[0].Category != "CITask" {
		t.Errorf("benign record fields not carried over: %+v", benign[0])
	}
	if poisoned[0].Provenance != experience.ProvenanceInjected {
		t.Errorf("poisoned provenance = %q", poisoned[0].Provenance)
	}
	if poisoned[0].ID == "" {
		t.Error("seed without an ID should get one generated")
	}
}

func TestApplyToDuplicateSeedFails(t *testing.T) {
	f := SeedFile{
		BenignExperiences: []Seed{
			{ID: "dup", Req: "q", Resp: "r", Tag: "CITask"},
			{ID: "dup", Req: "q2", Resp: "r2", Tag: "CITask"},
		},
	}
	store := experience.NewStore()
	if _, _, err := f.ApplyTo(store); err == nil {
		t.Fatal("ApplyTo accepted duplicate seed IDs")
	}
}
