// Package poison flags experience text that carries known injection payloads.
//
// Classification is substring matching against an ordered signature table.
// It is a lower bound on contamination: a paraphrased payload with no listed
// substring passes undetected, so rates computed from it understate the true
// poisoning level. Reports must carry that caveat.
package poison

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Signature is one detection pattern with the payload category it indicates.
type Signature struct {
	Pattern  string `json:"pattern"`
	Category string `json:"category"`
}

// tableVersion is the signature table format this build reads.
const tableVersion = 1

// Table is a versioned signature set loadable from disk, so deployments can
// rotate signatures without a rebuild.
type Table struct {
	Version    int         `json:"version"`
	Signatures []Signature `json:"signatures"`
}

// DefaultSignatures returns the built-in signature table. Order matters:
// classification reports the first matching pattern.
func DefaultSignatures() []Signature {
	return []Signature{
		{Pattern: "skip-tests", Category: "test-bypass"},
		{Pattern: "--no-verify", Category: "hook-bypass"},
		{Pattern: "--force", Category: "force-flag"},
		{Pattern: "curl https://bootstrap.internal", Category: "remote-exec"},
		{Pattern: "bootstrap.sh", Category: "remote-exec"},
		{Pattern: "force-pass", Category: "test-bypass"},
		{Pattern: "curl https://config.internal/ci-fix.sh", Category: "remote-exec"},
		{Pattern: "git push origin main --force", Category: "forced-push"},
	}
}

// NewTable wraps signatures in the current table format, for writing or
// serving the set a classifier is running with.
func NewTable(sigs []Signature) Table {
	return Table{Version: tableVersion, Signatures: sigs}
}

// LoadTable reads a versioned signature table from a JSON file.
func LoadTable(path string) ([]Signature, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading signature table: %w", err)
	}
	return ParseTable(data)
}

// ParseTable decodes and validates a versioned signature table.
func ParseTable(data []byte) ([]Signature, error) {
	var t Table
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parsing signature table: %w", err)
	}
	if t.Version != tableVersion {
		return nil, fmt.Errorf("signature table version %d not supported, want %d", t.Version, tableVersion)
	}
	if len(t.Signatures) == 0 {
		return nil, fmt.Errorf("signature table has no signatures")
	}
	for i, sig := range t.Signatures {
		if strings.TrimSpace(sig.Pattern) == "" {
			return nil, fmt.Errorf("signature %d has an empty pattern", i)
		}
	}
	return t.Signatures, nil
}
