package domain

// AnomalyKind enumerates the statistical checks run over a statement.
type AnomalyKind string

const (
	AnomalyAmountOutlier        AnomalyKind = "amount-outlier"
	AnomalyDuplicate            AnomalyKind = "duplicate-transaction"
	AnomalyBalanceDiscontinuity AnomalyKind = "balance-discontinuity"
	AnomalyFrequencySpike       AnomalyKind = "frequency-spike"
	AnomalyRoundNumberBias      AnomalyKind = "round-number-bias"
	AnomalyDigitDeviation       AnomalyKind = "digit-distribution-deviation"
	AnomalyOutOfPeriod          AnomalyKind = "out-of-period"
	AnomalyChannelDominance     AnomalyKind = "channel-dominance"
	AnomalyRuleMatch            AnomalyKind = "rule-match"
)

// Evidence ties a finding to statement lines. Indexes refer to positions in
// Statement.Transactions; statement-level findings carry no indexes.
type Evidence struct {
	TransactionIndexes []int  `json:"transactionIndexes,omitempty"`
	Explanation        string `json:"explanation"`
}

// AnomalyFinding is a single statistical irregularity.
type AnomalyFinding struct {
	Kind     AnomalyKind `json:"kind"`
	Severity float64     `json:"severity"` // 0.0 - 1.0
	Evidence Evidence    `json:"evidence"`

	// Count is the number of occurrences for duplicates and the bucket size
	// for frequency spikes.
	Count int `json:"count,omitempty"`

	// RuleID is set for rule-match findings.
	RuleID string `json:"ruleId,omitempty"`
}

// IntegrityCheck enumerates the document provenance checks.
type IntegrityCheck string

const (
	CheckMetadataInconsistency IntegrityCheck = "metadata-inconsistency"
	CheckRevisionAnomaly       IntegrityCheck = "revision-anomaly"
	CheckStructuralChecksum    IntegrityCheck = "structural-checksum-mismatch"
	CheckFontEncoding          IntegrityCheck = "font-encoding-inconsistency"
)

// CheckResult is the outcome of an integrity check.
type CheckResult string

const (
	ResultPass         CheckResult = "pass"
	ResultFail         CheckResult = "fail"
	ResultInconclusive CheckResult = "inconclusive"
)

// IntegrityFinding is the outcome of one document provenance check.
type IntegrityFinding struct {
	Check    IntegrityCheck `json:"check"`
	Result   CheckResult    `json:"result"`
	Evidence string         `json:"evidence"`
}

// Failed reports whether the check failed.
func (f IntegrityFinding) Failed() bool {
	return f.Result == ResultFail
}
