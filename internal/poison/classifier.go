package poison

import "strings"

// Classifier tests text against its signature table. Matching is
// case-insensitive substring containment in table order; the table is fixed
// at construction, so a Classifier is safe for concurrent use.
type Classifier struct {
	signatures []Signature
	lowered    []string
}

// New creates a Classifier over the given signatures. Patterns are lowered
// once here rather than per call.
func New(signatures []Signature) *Classifier {
	c := &Classifier{
		signatures: make([]Signature, len(signatures)),
		lowered:    make([]string, len(signatures)),
	}
	copy(c.signatures, signatures)
	for i, sig := range signatures {
		c.lowered[i] = strings.ToLower(sig.Pattern)
	}
	return c
}

// NewDefault creates a Classifier with the built-in signature table.
func NewDefault() *Classifier {
	return New(DefaultSignatures())
}

// IsPoisoned reports whether any signature matches the text.
func (c *Classifier) IsPoisoned(text string) bool {
	_, ok := c.Match(text)
	return ok
}

// Match returns the first signature, in table order, whose pattern the text
// contains. Table order wins over position in the text.
func (c *Classifier) Match(text string) (Signature, bool) {
	if text == "" {
		return Signature{}, false
	}
	lowered := strings.ToLower(text)
	for i, pattern := range c.lowered {
		if strings.Contains(lowered, pattern) {
			return c.signatures[i], true
		}
	}
	return Signature{}, false
}

// Signatures returns a copy of the active table for inspection surfaces.
func (c *Classifier) Signatures() []Signature {
	out := make([]Signature, len(c.signatures))
	copy(out, c.signatures)
	return out
}
