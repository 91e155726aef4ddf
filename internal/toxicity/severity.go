package toxicity

import "fmt"

// Severity names a toxicity band
type Severity string

const (
	SeverityNormal   Severity = "normal"
	SeverityElevated Severity = "elevated"
	SeverityHigh     Severity = "high"
	SeverityExtreme  Severity = "extreme"
)

// SeverityInfo describes a band for dashboards and alerting.
type SeverityInfo struct {
	Severity    Severity `json:"severity"`
	Description string   `json:"description"`
	Action      string   `json:"action"`
}

// Bands holds the score cutoffs between severity levels. Scores below
// Elevated are normal; at or above Extreme they are extreme. The cutoffs
// are tuned policy, not derived values, so they stay configurable.
type Bands struct {
	Elevated float64 `envconfig:"ELEVATED_CUTOFF" default:"0.30"`
	High     float64 `envconfig:"HIGH_CUTOFF" default:"0.50"`
	Extreme  float64 `envconfig:"EXTREME_CUTOFF" default:"0.70"`
}

// Validate checks the cutoffs are ordered within (0,1].
func (b Bands) Validate() error {
	if b.Elevated <= 0 || b.High <= b.Elevated || b.Extreme <= b.High || b.Extreme > 1 {
		return fmt.Errorf("toxicity: severity cutoffs must satisfy 0 < elevated < high < extreme <= 1, got %f/%f/%f",
			b.Elevated, b.High, b.Extreme)
	}
	return nil
}

// Classify maps a score to its severity band. Pure lookup, no side effects.
func (b Bands) Classify(score float64) SeverityInfo {
	switch {
	case score < b.Elevated:
		return SeverityInfo{
			Severity:    SeverityNormal,
			Description: "balanced two-sided flow",
			Action:      "standard fees",
		}
	case score < b.High:
		return SeverityInfo{
			Severity:    SeverityElevated,
			Description: "flow tilting one-sided",
			Action:      "monitor, modest fee surcharge",
		}
	case score < b.Extreme:
		return SeverityInfo{
			Severity:    SeverityHigh,
			Description: "persistent one-sided flow, likely informed",
			Action:      "raise fees, reduce quoted depth",
		}
	default:
		return SeverityInfo{
			Severity:    SeverityExtreme,
			Description: "heavily informed flow",
			Action:      "maximum fees, consider trading pause",
		}
	}
}
