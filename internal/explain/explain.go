// Package explain attaches human-readable reasons to a verdict using CEL
// expressions over the derived features.
package explain

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/opensource-finance/fraudguard/internal/domain"
	"github.com/opensource-finance/fraudguard/internal/features"
)

// Engine evaluates reason rules. Rules are evaluated in configured order.
type Engine struct {
	mu    sync.RWMutex
	env   *cel.Env
	rules []*compiledRule
}

type compiledRule struct {
	rule    domain.ReasonRule
	program cel.Program
}

// NewEngine creates an engine with the feature variables declared.
func NewEngine() (*Engine, error) {
	opts := make([]cel.EnvOption, 0, int(features.Count)+3)
	for _, name := range features.Names() {
		opts = append(opts, cel.Variable(name, cel.DoubleType))
	}
	opts = append(opts,
		cel.Variable("merchant_category", cel.StringType),
		cel.Variable("device_type", cel.StringType),
		cel.Variable("payment_method", cel.StringType),
	)

	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &Engine{env: env}, nil
}

// Validate checks rules exactly as Reload would, without loading them.
func (e *Engine) Validate(rules []domain.ReasonRule) error {
	_, err := e.compileAll(rules)
	return err
}

// Reload replaces every loaded rule. On error the previous rules stay.
func (e *Engine) Reload(rules []domain.ReasonRule) error {
	compiled, err := e.compileAll(rules)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.rules = compiled
	e.mu.Unlock()
	return nil
}

func (e *Engine) compileAll(rules []domain.ReasonRule) ([]*compiledRule, error) {
	compiled := make([]*compiledRule, 0, len(rules))
	seen := make(map[string]bool, len(rules))
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		if seen[r.ID] {
			return nil, &domain.ConfigurationError{Field: "reasons", Reason: fmt.Sprintf("duplicate rule id %q", r.ID)}
		}
		seen[r.ID] = true

		c, err := e.compile(r)
		if err != nil {
			return nil, &domain.ConfigurationError{Field: "reasons." + r.ID, Reason: err.Error()}
		}
		compiled = append(compiled, c)
	}
	return compiled, nil
}

// Rules returns the loaded rules.
func (e *Engine) Rules() []domain.ReasonRule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]domain.ReasonRule, len(e.rules))
	for i, c := range e.rules {
		out[i] = c.rule
	}
	return out
}

// RulesCount returns the number of loaded rules.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.rules)
}

// Evaluate returns the reasons of every rule that holds for the
// transaction. Rules failing at runtime are logged and skipped.
func (e *Engine) Evaluate(ctx context.Context, tx *domain.Transaction, v features.Vector) []string {
	e.mu.RLock()
	rules := e.rules
	e.mu.RUnlock()

	if len(rules) == 0 {
		return nil
	}

	activation := make(map[string]any, int(features.Count)+3)
	for name, value := range v.Map() {
		activation[name] = value
	}
	activation["merchant_category"] = strings.ToLower(strings.TrimSpace(tx.MerchantCategory))
	activation["device_type"] = strings.ToLower(strings.TrimSpace(tx.DeviceType))
	activation["payment_method"] = strings.ToLower(strings.TrimSpace(tx.PaymentMethod))

	var reasons []string
	for _, r := range rules {
		if ctx.Err() != nil {
			break
		}
		out, _, err := r.program.ContextEval(ctx, activation)
		if err != nil {
			slog.Warn("reason rule evaluation failed",
				"rule_id", r.rule.ID,
				"tx_id", tx.ID,
				"error", err,
			)
			continue
		}
		if out == types.True {
			reasons = append(reasons, r.rule.Reason)
		}
	}
	return reasons
}

func (e *Engine) compile(rule domain.ReasonRule) (*compiledRule, error) {
	if rule.ID == "" {
		return nil, fmt.Errorf("rule id is required")
	}
	if rule.Reason == "" {
		return nil, fmt.Errorf("rule %s: reason is required", rule.ID)
	}

	ast, issues := e.env.Compile(rule.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", rule.ID, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("rule %s: expression must return bool, got %s", rule.ID, ast.OutputType())
	}

	program, err := e.env.Program(ast, cel.InterruptCheckFrequency(100))
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", rule.ID, err)
	}
	return &compiledRule{rule: rule, program: program}, nil
}
