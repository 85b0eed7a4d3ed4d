package domain

// RuleConfig defines a narrative rule evaluated against every transaction.
type RuleConfig struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Version     string `json:"version"`

	// CEL expression returning bool or a number; a result above zero is a match.
	Expression string `json:"expression"`

	// Severity of a full match, 0.0 - 1.0.
	Severity float64 `json:"severity"`

	// Disabled rules are stored but never loaded.
	Enabled bool `json:"enabled"`
}

// SuspiciousNarrativeRule returns the built-in keyword rule for manual ledger
// interventions that rarely appear on genuine retail statements.
func SuspiciousNarrativeRule() *RuleConfig {
	return &RuleConfig{
		ID:          "suspicious-narrative",
		Name:        "Suspicious narrative",
		Description: "Description mentions a manual override, forced posting or backdating",
		Version:     "1.0.0",
		Expression: `description.contains("manual override") || description.contains("force post") ||
			description.contains("backdated") || description.contains("adjustment")`,
		Severity: 0.6,
		Enabled:  true,
	}
}
