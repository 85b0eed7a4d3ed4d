// Package rules runs user-defined CEL narrative rules over statement lines.
package rules

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/opensource-finance/kestrel/internal/domain"
)

const defaultParallelism = 4

// Variables visible to every rule, one activation per transaction line.
var lineVariables = []cel.EnvOption{
	cel.Variable("description", cel.StringType), // lower-cased
	cel.Variable("channel", cel.StringType),     // lower-cased, empty when unknown
	cel.Variable("amount", cel.DoubleType),
	cel.Variable("abs_amount", cel.DoubleType),
	cel.Variable("is_credit", cel.BoolType),
	cel.Variable("balance_after", cel.DoubleType),
	cel.Variable("has_balance", cel.BoolType),
	cel.Variable("weekday", cel.IntType), // 0 is Sunday
	cel.Variable("day", cel.IntType),
	cel.Variable("days_to_period_end", cel.IntType),
	cel.Variable("index", cel.IntType),
}

// Engine holds a set of compiled rules. Evaluation reads an immutable
// snapshot, so loading rules never blocks scoring.
type Engine struct {
	env         *cel.Env
	parallelism int

	writeMu sync.Mutex
	current atomic.Pointer[ruleSet]
}

type compiled struct {
	cfg     *domain.RuleConfig
	program cel.Program
}

// ruleSet is sorted by rule ID and never modified after publication.
type ruleSet struct {
	byID  map[string]*compiled
	order []*compiled
}

func newRuleSet(byID map[string]*compiled) *ruleSet {
	order := slices.SortedFunc(maps.Values(byID), func(a, b *compiled) int {
		return strings.Compare(a.cfg.ID, b.cfg.ID)
	})
	return &ruleSet{byID: byID, order: order}
}

// NewEngine evaluates up to parallelism rules at once per statement.
func NewEngine(parallelism int) (*Engine, error) {
	if parallelism <= 0 {
		parallelism = defaultParallelism
	}
	env, err := cel.NewEnv(lineVariables...)
	if err != nil {
		return nil, fmt.Errorf("build rule environment: %w", err)
	}
	e := &Engine{env: env, parallelism: parallelism}
	e.current.Store(newRuleSet(map[string]*compiled{}))
	return e, nil
}

// ValidateRule reports whether cfg would load, without loading it.
func (e *Engine) ValidateRule(cfg *domain.RuleConfig) error {
	_, err := e.compile(cfg)
	return err
}

// LoadRule adds cfg, replacing any rule with the same ID.
func (e *Engine) LoadRule(cfg *domain.RuleConfig) error {
	c, err := e.compile(cfg)
	if err != nil {
		return err
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	next := maps.Clone(e.current.Load().byID)
	next[cfg.ID] = c
	e.current.Store(newRuleSet(next))
	return nil
}

// LoadRules adds every enabled rule, stopping at the first that fails.
func (e *Engine) LoadRules(configs []*domain.RuleConfig) error {
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		if err := e.LoadRule(cfg); err != nil {
			return err
		}
	}
	return nil
}

// ReloadRules replaces the whole set with the enabled rules in configs. If
// any rule fails to compile the loaded set is left as it was.
func (e *Engine) ReloadRules(configs []*domain.RuleConfig) error {
	next := make(map[string]*compiled, len(configs))
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		c, err := e.compile(cfg)
		if err != nil {
			return err
		}
		next[cfg.ID] = c
	}

	e.writeMu.Lock()
	e.current.Store(newRuleSet(next))
	e.writeMu.Unlock()
	return nil
}

func (e *Engine) RulesCount() int {
	return len(e.current.Load().order)
}

// Rules lists the loaded rule configs ordered by ID.
func (e *Engine) Rules() []*domain.RuleConfig {
	set := e.current.Load()
	out := make([]*domain.RuleConfig, len(set.order))
	for i, c := range set.order {
		out[i] = c.cfg
	}
	return out
}

// EvaluateStatement returns one rule-match finding per rule that matched at
// least one line, ordered by rule ID.
func (e *Engine) EvaluateStatement(stmt *domain.Statement) []domain.AnomalyFinding {
	set := e.current.Load()
	if len(set.order) == 0 || len(stmt.Transactions) == 0 {
		return nil
	}

	lines := make([]map[string]any, len(stmt.Transactions))
	for i, tx := range stmt.Transactions {
		lines[i] = lineActivation(stmt, i, tx)
	}

	results := make([]*domain.AnomalyFinding, len(set.order))
	next := make(chan int)
	var wg sync.WaitGroup
	for range min(e.parallelism, len(set.order)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range next {
				results[i] = set.order[i].match(lines)
			}
		}()
	}
	for i := range set.order {
		next <- i
	}
	close(next)
	wg.Wait()

	var findings []domain.AnomalyFinding
	for _, f := range results {
		if f != nil {
			findings = append(findings, *f)
		}
	}
	return findings
}

func lineActivation(stmt *domain.Statement, i int, tx domain.Transaction) map[string]any {
	amount := tx.Amount.InexactFloat64()
	var balance float64
	if tx.BalanceAfter.Valid {
		balance = tx.BalanceAfter.Decimal.InexactFloat64()
	}
	return map[string]any{
		"description":        strings.ToLower(tx.Description),
		"channel":            strings.ToLower(strings.TrimSpace(tx.Channel)),
		"amount":             amount,
		"abs_amount":         math.Abs(amount),
		"is_credit":          tx.Amount.IsPositive(),
		"balance_after":      balance,
		"has_balance":        tx.BalanceAfter.Valid,
		"weekday":            int64(tx.Date.Weekday()),
		"day":                int64(tx.Date.Day()),
		"days_to_period_end": int64(stmt.PeriodEnd.Sub(tx.Date).Hours() / 24),
		"index":              int64(i),
	}
}

// match returns nil when no line matched. A line the program fails on
// counts as a non-match.
func (c *compiled) match(lines []map[string]any) *domain.AnomalyFinding {
	var (
		matched  []int
		severity float64
		failures int
	)
	for i, vars := range lines {
		out, _, err := c.program.Eval(vars)
		if err != nil {
			failures++
			continue
		}
		if s := strength(out); s > 0 {
			matched = append(matched, i)
			severity = max(severity, min(s, 1)*c.cfg.Severity)
		}
	}
	if failures > 0 {
		slog.Debug("rule failed on some lines", "rule_id", c.cfg.ID, "lines", failures)
	}
	if len(matched) == 0 {
		return nil
	}

	label := c.cfg.Name
	if label == "" {
		label = c.cfg.ID
	}
	return &domain.AnomalyFinding{
		Kind:     domain.AnomalyRuleMatch,
		Severity: severity,
		Count:    len(matched),
		RuleID:   c.cfg.ID,
		Evidence: domain.Evidence{
			TransactionIndexes: matched,
			Explanation:        fmt.Sprintf("rule %q matched %d transactions", label, len(matched)),
		},
	}
}

// strength maps a rule result to a match strength; true is 1.
func strength(v ref.Val) float64 {
	switch v := v.(type) {
	case types.Bool:
		if v {
			return 1
		}
	case types.Double:
		return float64(v)
	case types.Int:
		return float64(v)
	}
	return 0
}

func (e *Engine) compile(cfg *domain.RuleConfig) (*compiled, error) {
	if cfg == nil {
		return nil, errors.New("rule config is required")
	}
	if cfg.Severity < 0 || cfg.Severity > 1 {
		return nil, fmt.Errorf("rule %s: severity must be in [0,1]", cfg.ID)
	}
	ast, iss := e.env.Compile(cfg.Expression)
	if err := iss.Err(); err != nil {
		return nil, fmt.Errorf("rule %s: %w", cfg.ID, err)
	}
	switch ast.OutputType() {
	case cel.BoolType, cel.IntType, cel.DoubleType:
	default:
		return nil, fmt.Errorf("rule %s: result must be bool, int or double, not %s", cfg.ID, ast.OutputType())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", cfg.ID, err)
	}
	return &compiled{cfg: cfg, program: prg}, nil
}
