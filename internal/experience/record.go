package experience

import (
	"errors"
	"strings"
	"time"
)

// Provenance labels how a record entered the store. It exists for offline
// auditing only: retrieval and poison classification never read it, so a
// mislabeled record behaves exactly like an honest one.
type Provenance string

const (
	// ProvenanceBenign marks records added through normal operation.
	ProvenanceBenign Provenance = "benign"
	// ProvenanceInjected marks records planted by an attacker scenario.
	ProvenanceInjected Provenance = "injected"
)

var (
	// ErrDuplicateID is returned by Store.Add when a record with the same ID
	// already exists. The store is left unchanged.
	ErrDuplicateID = errors.New("duplicate record id")

	// ErrEmptyID is returned when a record has no ID.
	ErrEmptyID = errors.New("empty record id")

	// ErrEmptyQueryText is returned when a record's query text is blank.
	ErrEmptyQueryText = errors.New("empty query text")

	// ErrEmptyResponseText is returned when a record's response text is blank.
	ErrEmptyResponseText = errors.New("empty response text")
)

// Record is one remembered experience: the task that was asked, the approach
// that was recorded for it, and the category it belongs to. Records are
// immutable once admitted; poisoning is modeled as insertion of new records,
// never mutation of existing ones.
type Record struct {
	ID           string     `json:"id"`
	QueryText    string     `json:"query_text"`
	ResponseText string     `json:"response_text"`
	Category     string     `json:"category,omitempty"`
	Tags         []string   `json:"tags,omitempty"`
	Provenance   Provenance `json:"provenance,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// IndexText returns the composed text a record is scored against during
// retrieval. Query, response and category all contribute, so a record can
// surface on overlap with any of them. Free-form Tags are deliberately
// excluded from the index key.
func (r Record) IndexText() string {
	var b strings.Builder
	b.Grow(len(r.QueryText) + len(r.ResponseText) + len(r.Category) + 18)
	b.WriteString(r.QueryText)
	b.WriteString("\nResponse: ")
	b.WriteString(r.ResponseText)
	b.WriteString("\nTags: ")
	b.WriteString(r.Category)
	return b.String()
}

// Validate checks the fields a record must carry before admission.
func (r Record) Validate() error {
	if strings.TrimSpace(r.QueryText) == "" {
		return ErrEmptyQueryText
	}
	if strings.TrimSpace(r.ResponseText) == "" {
		return ErrEmptyResponseText
	}
	return nil
}
