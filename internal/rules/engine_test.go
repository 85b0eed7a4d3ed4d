package rules

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

func testStatement(lines ...domain.Transaction) *domain.Statement {
	return &domain.Statement{
		AccountID:      "acct-001",
		PeriodStart:    time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		PeriodEnd:      time.Date(2025, 6, 30, 0, 0, 0, 0, time.UTC),
		OpeningBalance: decimal.NewNullDecimal(decimal.NewFromInt(500)),
		Transactions:   lines,
	}
}

func line(day int, desc, amount string) domain.Transaction {
	return domain.Transaction{
		Date:        time.Date(2025, 6, day, 0, 0, 0, 0, time.UTC),
		Description: desc,
		Amount:      decimal.RequireFromString(amount),
	}
}

func TestEngineCreation(t *testing.T) {
	engine, err := NewEngine(5)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	if engine.RulesCount() != 0 {
		t.Errorf("expected 0 rules, got %d", engine.RulesCount())
	}
}

func TestLoadRule(t *testing.T) {
	engine, _ := NewEngine(5)

	rule := &domain.RuleConfig{
		ID:         "test-rule-001",
		Name:       "Test Rule",
		Expression: "abs_amount > 100.0",
		Severity:   0.5,
		Enabled:    true,
	}

	if err := engine.LoadRule(rule); err != nil {
		t.Fatalf("failed to load rule: %v", err)
	}

	if engine.RulesCount() != 1 {
		t.Errorf("expected 1 rule, got %d", engine.RulesCount())
	}
}

func TestLoadInvalidRule(t *testing.T) {
	engine, _ := NewEngine(5)

	tests := []struct {
		name       string
		expression string
	}{
		{"syntax error", "this is not valid CEL !!!"},
		{"unknown variable", "debtor_id == creditor_id"},
		{"string result", `description + "x"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := &domain.RuleConfig{ID: "invalid-rule", Expression: tt.expression, Enabled: true}
			if err := engine.LoadRule(rule); err == nil {
				t.Errorf("expected error for expression %q", tt.expression)
			}
		})
	}
}

func TestValidateRuleDoesNotLoad(t *testing.T) {
	engine, _ := NewEngine(5)

	rule := &domain.RuleConfig{ID: "weekend", Expression: "weekday == 0 || weekday == 6", Severity: 0.3}
	if err := engine.ValidateRule(rule); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
	if engine.RulesCount() != 0 {
		t.Errorf("ValidateRule must not load the rule")
	}

	rule.Severity = 1.5
	if err := engine.ValidateRule(rule); err == nil {
		t.Error("expected error for severity above 1")
	}
	if err := engine.ValidateRule(nil); err == nil {
		t.Error("expected error for nil rule")
	}
}

func TestSeverityOutOfRangeNeverLoads(t *testing.T) {
	engine, _ := NewEngine(2)

	if err := engine.LoadRule(&domain.RuleConfig{ID: "loud", Expression: "true", Severity: 3, Enabled: true}); err == nil {
		t.Error("expected LoadRule to reject severity 3")
	}
	if err := engine.LoadRule(&domain.RuleConfig{ID: "negative", Expression: "true", Severity: -0.1, Enabled: true}); err == nil {
		t.Error("expected LoadRule to reject negative severity")
	}
	if engine.RulesCount() != 0 {
		t.Fatalf("expected no rules loaded, got %d", engine.RulesCount())
	}

	good := &domain.RuleConfig{ID: "ok", Expression: "true", Severity: 0.4, Enabled: true}
	bad := &domain.RuleConfig{ID: "stored-bad", Expression: "true", Severity: 1.2, Enabled: true}
	if err := engine.ReloadRules([]*domain.RuleConfig{good, bad}); err == nil {
		t.Error("expected ReloadRules to reject severity 1.2")
	}
	if engine.RulesCount() != 0 {
		t.Errorf("expected the failed reload to keep the empty set, got %d rules", engine.RulesCount())
	}
}

func TestSuspiciousNarrativeRule(t *testing.T) {
	engine, _ := NewEngine(5)

	if err := engine.LoadRule(domain.SuspiciousNarrativeRule()); err != nil {
		t.Fatalf("failed to load default rule: %v", err)
	}

	stmt := testStatement(
		line(2, "Grocery Mart", "-54.20"),
		line(3, "MANUAL OVERRIDE credit", "1500.00"),
		line(4, "Coffee", "-3.80"),
		line(5, "Balance Adjustment", "250.00"),
	)

	findings := engine.EvaluateStatement(stmt)
	if len(findings) != 1 {
		t.Fatalf("expected 1 finding, got %d", len(findings))
	}

	f := findings[0]
	if f.Kind != domain.AnomalyRuleMatch {
		t.Errorf("expected rule-match, got %s", f.Kind)
	}
	if f.RuleID != "suspicious-narrative" {
		t.Errorf("expected rule id suspicious-narrative, got %s", f.RuleID)
	}
	if f.Count != 2 || len(f.Evidence.TransactionIndexes) != 2 {
		t.Fatalf("expected 2 matched lines, got %v", f.Evidence.TransactionIndexes)
	}
	if f.Evidence.TransactionIndexes[0] != 1 || f.Evidence.TransactionIndexes[1] != 3 {
		t.Errorf("expected indexes [1 3], got %v", f.Evidence.TransactionIndexes)
	}
	if f.Severity != 0.6 {
		t.Errorf("expected severity 0.6, got %.2f", f.Severity)
	}
}

func TestNumericRuleSeverity(t *testing.T) {
	engine, _ := NewEngine(5)

	rule := &domain.RuleConfig{
		ID:         "large-credit",
		Name:       "Large credit",
		Expression: "amount > 0.0 ? amount / 10000.0 : 0.0",
		Severity:   0.8,
		Enabled:    true,
	}
	engine.LoadRule(rule)

	findings := engine.EvaluateStatement(testStatement(
		line(1, "Salary", "2500.00"),
		line(2, "Rent", "-900.00"),
	))
	if len(findings) != 1 {
		t.Fatalf("expected 1 finding, got %d", len(findings))
	}
	if got := findings[0].Severity; got < 0.1999 || got > 0.2001 {
		t.Errorf("expected severity 0.2, got %.4f", got)
	}

	// Results above 1 saturate at the rule severity
	findings = engine.EvaluateStatement(testStatement(line(1, "Wire", "25000.00")))
	if findings[0].Severity != 0.8 {
		t.Errorf("expected severity 0.8, got %.2f", findings[0].Severity)
	}
}

func TestBalanceVariables(t *testing.T) {
	engine, _ := NewEngine(5)

	engine.LoadRule(&domain.RuleConfig{
		ID:         "overdrawn",
		Expression: "has_balance && balance_after < 0.0",
		Severity:   0.4,
		Enabled:    true,
	})

	overdrawn := line(3, "Card", "-700.00")
	overdrawn.BalanceAfter = decimal.NewNullDecimal(decimal.NewFromInt(-200))

	findings := engine.EvaluateStatement(testStatement(line(2, "Card", "-10.00"), overdrawn))
	if len(findings) != 1 || findings[0].Evidence.TransactionIndexes[0] != 1 {
		t.Fatalf("expected overdrawn line to match, got %+v", findings)
	}
}

func TestNoMatchNoFinding(t *testing.T) {
	engine, _ := NewEngine(5)

	engine.LoadRule(domain.SuspiciousNarrativeRule())

	findings := engine.EvaluateStatement(testStatement(line(2, "Grocery Mart", "-54.20")))
	if len(findings) != 0 {
		t.Errorf("expected no findings, got %d", len(findings))
	}
}

func TestParallelExecutionOrdered(t *testing.T) {
	engine, _ := NewEngine(3)

	for i := 9; i >= 0; i-- {
		engine.LoadRule(&domain.RuleConfig{
			ID:         fmt.Sprintf("rule-%d", i),
			Name:       fmt.Sprintf("Rule %d", i),
			Expression: "abs_amount > 0.0",
			Severity:   0.5,
			Enabled:    true,
		})
	}

	if engine.RulesCount() != 10 {
		t.Fatalf("expected 10 rules, got %d", engine.RulesCount())
	}

	stmt := testStatement(line(1, "Transfer", "100.00"))
	for run := 0; run < 5; run++ {
		findings := engine.EvaluateStatement(stmt)
		if len(findings) != 10 {
			t.Fatalf("expected 10 findings, got %d", len(findings))
		}
		for i, f := range findings {
			if want := fmt.Sprintf("rule-%d", i); f.RuleID != want {
				t.Errorf("run %d: finding %d: expected %s, got %s", run, i, want, f.RuleID)
			}
		}
	}
}

func TestReloadRules(t *testing.T) {
	engine, _ := NewEngine(5)

	engine.LoadRule(domain.SuspiciousNarrativeRule())

	err := engine.ReloadRules([]*domain.RuleConfig{
		{ID: "b-rule", Expression: "day == 1", Enabled: true},
		{ID: "a-rule", Expression: "index == 0", Enabled: true},
		{ID: "disabled", Expression: "true", Enabled: false},
	})
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}

	loaded := engine.Rules()
	if len(loaded) != 2 {
		t.Fatalf("expected 2 rules after reload, got %d", len(loaded))
	}
	if loaded[0].ID != "a-rule" || loaded[1].ID != "b-rule" {
		t.Errorf("expected rules ordered by id, got %s, %s", loaded[0].ID, loaded[1].ID)
	}

	// A bad rule leaves the loaded set untouched
	err = engine.ReloadRules([]*domain.RuleConfig{{ID: "bad", Expression: "nope(", Enabled: true}})
	if err == nil {
		t.Fatal("expected reload error")
	}
	if engine.RulesCount() != 2 {
		t.Errorf("expected 2 rules after failed reload, got %d", engine.RulesCount())
	}
}

func TestPeriodVariables(t *testing.T) {
	engine, _ := NewEngine(2)
	if err := engine.LoadRule(&domain.RuleConfig{
		ID:         "month-end-credit",
		Expression: "is_credit && days_to_period_end <= 2",
		Severity:   0.5,
		Enabled:    true,
	}); err != nil {
		t.Fatalf("failed to load rule: %v", err)
	}

	findings := engine.EvaluateStatement(testStatement(
		line(10, "Salary", "2000.00"),
		line(29, "Refund", "120.00"),
		line(30, "Card", "-40.00"),
	))
	if len(findings) != 1 {
		t.Fatalf("expected 1 finding, got %d", len(findings))
	}
	if got := findings[0].Evidence.TransactionIndexes; len(got) != 1 || got[0] != 1 {
		t.Errorf("expected only the late credit to match, got %v", got)
	}
}

func TestChannelVariable(t *testing.T) {
	engine, _ := NewEngine(2)
	if err := engine.LoadRule(&domain.RuleConfig{
		ID:         "large-atm",
		Expression: `channel == "atm" && abs_amount >= 500.0`,
		Severity:   0.4,
		Enabled:    true,
	}); err != nil {
		t.Fatalf("failed to load rule: %v", err)
	}

	withdrawal := line(3, "Cash", "-600.00")
	withdrawal.Channel = " ATM "
	online := line(4, "Shop", "-700.00")
	online.Channel = "ONLINE"

	findings := engine.EvaluateStatement(testStatement(withdrawal, online, line(5, "Cash", "-800.00")))
	if len(findings) != 1 {
		t.Fatalf("expected 1 finding, got %d", len(findings))
	}
	if got := findings[0].Evidence.TransactionIndexes; len(got) != 1 || got[0] != 0 {
		t.Errorf("expected only the ATM line to match, got %v", got)
	}
}

func TestReloadWhileEvaluating(t *testing.T) {
	engine, _ := NewEngine(4)
	engine.LoadRule(domain.SuspiciousNarrativeRule())
	stmt := testStatement(line(3, "manual override", "10.00"))

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			engine.EvaluateStatement(stmt)
		}()
		go func() {
			defer wg.Done()
			engine.ReloadRules([]*domain.RuleConfig{
				domain.SuspiciousNarrativeRule(),
				{ID: fmt.Sprintf("extra-%d", i), Expression: "day == 3", Enabled: true},
			})
		}()
	}
	wg.Wait()

	if engine.RulesCount() != 2 {
		t.Errorf("expected 2 rules after the last reload, got %d", engine.RulesCount())
	}
}
