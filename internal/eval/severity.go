package eval

// Severity is a human-facing interpretation of a PRR value. It belongs to
// presentation: Evaluate never applies thresholds, so the same report can be
// re-read under different policies.
type Severity string

const (
	SeverityHigh     Severity = "high"
	SeverityModerate Severity = "moderate"
	SeverityLow      Severity = "low"
	SeverityNone     Severity = "none"
)

// Thresholds maps PRR percentages to severities. A rate strictly above High
// is high and strictly above Moderate is moderate; anything above zero is
// low.
type Thresholds struct {
	High     float64 `json:"high"`
	Moderate float64 `json:"moderate"`
}

// DefaultThresholds is the standard interpretation policy.
var DefaultThresholds = Thresholds{High: 30, Moderate: 10}

// Classify returns the severity band for a PRR percentage.
func (t Thresholds) Classify(prr float64) Severity {
	switch {
	case prr > t.High:
		return SeverityHigh
	case prr > t.Moderate:
		return SeverityModerate
	case prr > 0:
		return SeverityLow
	default:
		return SeverityNone
	}
}
