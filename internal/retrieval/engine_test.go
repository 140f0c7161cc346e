package retrieval

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/kalambet/memprobe/internal/experience"
)

// seedStore builds a store from (id, queryText, responseText, category) rows.
func seedStore(t *testing.T, rows [][4]string) *experience.Store {
	t.Helper()
	s := experience.NewStore()
	for _, row := range rows {
		err := s.Add(experience.Record{
			ID:           row[0],
			QueryText:    row[1],
			ResponseText: row[2],
			Category:     row[3],
		})
		if err != nil {
			t.Fatalf("Add(%s): %v", row[0], err)
		}
	}
	return s
}

// stubScorer returns a fixed score per candidate text, for exercising
// threshold and ordering edges with exact values.
type stubScorer struct {
	scores map[string]float64
}

func (s stubScorer) Score(_, candidate string) float64 {
	return s.scores[candidate]
}

func resultIDs(results []Result) []string {
	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.Record.ID
	}
	return ids
}

func TestRetrieveRanksByOverlap(t *testing.T) {
	store := seedStore(t, [][4]string{
		{"low", "t1", "x", ""},
		{"none", "z1 z2", "x", ""},
		{"high", "t1 t2 t3 t4 t5", "x", ""},
		{"mid", "t1 t2 t3", "x", ""},
	})
	e := NewEngine(store, JaccardScorer{})

	results, err := e.Retrieve(context.Background(), "t1 t2 t3 t4 t5 t6", Params{TopK: 5})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}

	want := []string{"high", "mid", "low"}
	got := resultIDs(results)
	if len(got) != len(want) {
		t.Fatalf("got %d results %v, want %v", len(got), got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("rank %d = %q, want %q", i, got[i], want[i])
		}
	}
	for i := 1; i < len(results); i++ {
		if results[i].Score > results[i-1].Score {
			t.Errorf("scores not descending at rank %d: %v > %v", i, results[i].Score, results[i-1].Score)
		}
	}
}

func TestRetrieveZeroOverlapExcluded(t *testing.T) {
	store := seedStore(t, [][4]string{
		{"r1", "completely unrelated words", "nothing shared", ""},
	})
	e := NewEngine(store, JaccardScorer{})

	results, err := e.Retrieve(context.Background(), "alpha beta gamma", Params{TopK: 5})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("got %d results for zero-overlap query, want 0", len(results))
	}
}

func TestRetrieveTiesByInsertionOrder(t *testing.T) {
	// Three records with identical index text score identically.
	store := seedStore(t, [][4]string{
		{"tie1", "shared tokens here", "same response", ""},
		{"tie2", "shared tokens here", "same response", ""},
		{"tie3", "shared tokens here", "same response", ""},
	})
	e := NewEngine(store, JaccardScorer{})

	results, err := e.Retrieve(context.Background(), "shared tokens", Params{TopK: 5})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	want := []string{"tie1", "tie2", "tie3"}
	got := resultIDs(results)
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("tie order = %v, want %v", got, want)
	}
}

func TestRetrieveTieEvictionAtK(t *testing.T) {
	// With k smaller than the tie group, the earliest insertions win.
	store := seedStore(t, [][4]string{
		{"tie1", "shared tokens here", "same response", ""},
		{"tie2", "shared tokens here", "same response", ""},
		{"tie3", "shared tokens here", "same response", ""},
	})
	e := NewEngine(store, JaccardScorer{})

	results, err := e.Retrieve(context.Background(), "shared tokens", Params{TopK: 2})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	want := []string{"tie1", "tie2"}
	got := resultIDs(results)
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("top-2 of tie group = %v, want %v", got, want)
	}
}

func TestRetrieveTopKPrefix(t *testing.T) {
	store := seedStore(t, [][4]string{
		{"a", "t1 t2 t3 t4 t5", "x", ""},
		{"b", "t1 t2 t3 t4", "x", ""},
		{"c", "t1 t2 t3", "x", ""},
		{"d", "t1 t2", "x", ""},
		{"e", "t1", "x", ""},
	})
	e := NewEngine(store, JaccardScorer{})
	query := "t1 t2 t3 t4 t5 t6"

	five, err := e.Retrieve(context.Background(), query, Params{TopK: 5})
	if err != nil {
		t.Fatalf("Retrieve k=5: %v", err)
	}
	two, err := e.Retrieve(context.Background(), query, Params{TopK: 2})
	if err != nil {
		t.Fatalf("Retrieve k=2: %v", err)
	}

	if len(two) != 2 || len(five) != 5 {
		t.Fatalf("lengths = %d and %d, want 2 and 5", len(two), len(five))
	}
	for i := range two {
		if two[i].Record.ID != five[i].Record.ID {
			t.Errorf("k=2 result %d = %q, not a prefix of k=5 (%q)", i, two[i].Record.ID, five[i].Record.ID)
		}
	}
}

func TestRetrieveMinScoreStrict(t *testing.T) {
	store := seedStore(t, [][4]string{
		{"at", "at threshold", "x", ""},
		{"above", "above threshold", "x", ""},
	})
	scores := map[string]float64{}
	for _, r := range store.All() {
		switch r.ID {
		case "at":
			scores[r.IndexText()] = 0.5
		case "above":
			scores[r.IndexText()] = 0.51
		}
	}
	e := NewEngine(store, stubScorer{scores: scores})

	results, err := e.Retrieve(context.Background(), "threshold", Params{TopK: 5, MinScore: 0.5})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	got := resultIDs(results)
	if len(got) != 1 || got[0] != "above" {
		t.Errorf("results = %v, want exactly [above]: a score equal to MinScore must be discarded", got)
	}
}

func TestRetrieveCategoryScoping(t *testing.T) {
	store := seedStore(t, [][4]string{
		{"ci1", "fix the pipeline", "ran tests", "CITask"},
		{"dep1", "fix the pipeline", "rolled back", "DeployTask"},
		{"ci2", "fix the pipeline again", "reran tests", "CITask"},
	})
	e := NewEngine(store, JaccardScorer{})

	results, err := e.Retrieve(context.Background(), "fix the pipeline", Params{TopK: 5, Category: "CITask"})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	for _, r := range results {
		if r.Record.Category != "CITask" {
			t.Errorf("result %q has category %q, want CITask only", r.Record.ID, r.Record.Category)
		}
	}
	if len(results) != 2 {
		t.Errorf("got %d CITask results, want 2", len(results))
	}
}

func TestRetrieveValidation(t *testing.T) {
	store := seedStore(t, [][4]string{{"r1", "some text", "x", ""}})
	e := NewEngine(store, JaccardScorer{})
	ctx := context.Background()

	if _, err := e.Retrieve(ctx, "", Params{TopK: 5}); !errors.Is(err, ErrEmptyQuery) {
		t.Errorf("empty query error = %v, want ErrEmptyQuery", err)
	}
	if _, err := e.Retrieve(ctx, "   \t ", Params{TopK: 5}); !errors.Is(err, ErrEmptyQuery) {
		t.Errorf("blank query error = %v, want ErrEmptyQuery", err)
	}
	if _, err := e.Retrieve(ctx, "ok", Params{TopK: 0}); !errors.Is(err, ErrInvalidTopK) {
		t.Errorf("topK=0 error = %v, want ErrInvalidTopK", err)
	}
	if _, err := e.Retrieve(ctx, "ok", Params{TopK: -3}); !errors.Is(err, ErrInvalidTopK) {
		t.Errorf("topK=-3 error = %v, want ErrInvalidTopK", err)
	}
}

func TestRetrieveCanceledContext(t *testing.T) {
	store := seedStore(t, [][4]string{{"r1", "some text", "x", ""}})
	e := NewEngine(store, JaccardScorer{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := e.Retrieve(ctx, "some text", Params{TopK: 5}); !errors.Is(err, context.Canceled) {
		t.Errorf("Retrieve with canceled context = %v, want context.Canceled", err)
	}
}

func TestRetrieveEmptyStore(t *testing.T) {
	e := NewEngine(experience.NewStore(), JaccardScorer{})
	results, err := e.Retrieve(context.Background(), "anything", Params{TopK: 5})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("got %d results from empty store, want 0", len(results))
	}
}

func TestRetrieveDeterministic(t *testing.T) {
	store := seedStore(t, [][4]string{
		{"a", "t1 t2 t3", "x", ""},
		{"b", "t1 t2", "y", ""},
		{"c", "t1 t2 t3", "x", ""},
	})
	e := NewEngine(store, JaccardScorer{})

	first, err := e.Retrieve(context.Background(), "t1 t2 t3", Params{TopK: 3})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	for i := 0; i < 50; i++ {
		again, err := e.Retrieve(context.Background(), "t1 t2 t3", Params{TopK: 3})
		if err != nil {
			t.Fatalf("Retrieve: %v", err)
		}
		if fmt.Sprint(resultIDs(again)) != fmt.Sprint(resultIDs(first)) {
			t.Fatalf("ranking varied: %v then %v", resultIDs(first), resultIDs(again))
		}
	}
}
