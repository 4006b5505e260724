// Package policy classifies patch risk and evaluates declarative rules.
// Conditions are CEL expressions compiled against a restricted environment:
// no I/O, no host introspection, only the named context bindings.
package policy

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"

	"patchline/internal/domain"
)

// Evaluator compiles and runs rule conditions. Programs are cached per
// condition source; the cache is the only shared state and is lock-guarded,
// so one Evaluator serves concurrent runs.
type Evaluator struct {
	env      *cel.Env
	mu       sync.RWMutex
	prgCache map[string]cel.Program

	PolicyDir     string
	PolicyVersion string
	Now           func() time.Time
}

// NewEvaluator builds the CEL environment exposing only the evaluation
// context bindings.
func NewEvaluator(dir, version string) (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("risk_factors", cel.MapType(cel.StringType, cel.BoolType)),
		cel.Variable("ticket", cel.DynType),
		cel.Variable("patch", cel.StringType),
		cel.Variable("status", cel.StringType),
		cel.Variable("evidence", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("create cel environment: %w", err)
	}
	return &Evaluator{
		env:           env,
		prgCache:      make(map[string]cel.Program),
		PolicyDir:     dir,
		PolicyVersion: version,
	}, nil
}

func (e *Evaluator) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Evaluate loads the versioned rule set and evaluates every rule against the
// ticket, patch and work item. The result is attached to the run regardless
// of outcome; Passed is false only when a rule with action "block" fired.
func (e *Evaluator) Evaluate(ticket *domain.TicketSpec, patch string, item domain.WorkItem) (domain.PolicyEvaluation, error) {
	rules, err := LoadRules(e.PolicyDir, e.PolicyVersion)
	if err != nil {
		return domain.PolicyEvaluation{}, err
	}

	input := map[string]any{
		"risk_factors": ClassifyRisk(patch),
		"ticket":       ticketContext(ticket),
		"patch":        patch,
		"status":       string(item.Status),
		"evidence":     evidenceContext(item),
	}

	eval := domain.PolicyEvaluation{
		PolicyVersion: e.PolicyVersion,
		EvaluatedAt:   e.now().UTC().Format(time.RFC3339),
		Passed:        true,
	}

	for _, rule := range rules {
		fired, err := e.evalCondition(rule.Condition, input)
		if err != nil {
			// Fail closed to "non-blocking, logged": a bad condition is an
			// audit violation, never a crash and never a block.
			eval.Violations = append(eval.Violations, domain.PolicyViolation{
				RuleID:   rule.ID,
				RuleName: rule.Name,
				RuleKind: "audit",
				Action:   "warn",
				Details:  fmt.Sprintf("error evaluating rule: %v", err),
			})
			continue
		}
		if !fired {
			continue
		}
		eval.Violations = append(eval.Violations, domain.PolicyViolation{
			RuleID:   rule.ID,
			RuleName: rule.Name,
			RuleKind: rule.Kind,
			Action:   rule.Action,
			Details:  fmt.Sprintf("condition %q evaluated to true", rule.Condition),
		})
		if rule.Action == "block" {
			eval.Passed = false
		}
	}
	return eval, nil
}

func (e *Evaluator) evalCondition(expr string, input map[string]any) (bool, error) {
	e.mu.RLock()
	prg, hit := e.prgCache[expr]
	e.mu.RUnlock()

	if !hit {
		e.mu.Lock()
		if prg, hit = e.prgCache[expr]; !hit {
			ast, issues := e.env.Compile(expr)
			if issues != nil && issues.Err() != nil {
				e.mu.Unlock()
				return false, fmt.Errorf("compile: %w", issues.Err())
			}
			p, err := e.env.Program(ast,
				cel.InterruptCheckFrequency(100),
				cel.CostLimit(10000),
			)
			if err != nil {
				e.mu.Unlock()
				return false, fmt.Errorf("program: %w", err)
			}
			e.prgCache[expr] = p
			prg = p
		}
		e.mu.Unlock()
	}

	out, _, err := prg.Eval(input)
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("result not bool")
	}
	return val, nil
}

func ticketContext(t *domain.TicketSpec) map[string]any {
	if t == nil {
		t = &domain.TicketSpec{}
	}
	tags := t.DomainTags
	if tags == nil {
		tags = []string{}
	}
	return map[string]any{
		"title":       t.Title,
		"risk_level":  string(t.RiskLevel),
		"domain_tags": tags,
	}
}

func evidenceContext(item domain.WorkItem) map[string]any {
	ctx := map[string]any{
		"test_run_count": len(item.Evidence.TestRuns),
	}
	if code, ok := item.LastTestExitCode(); ok {
		ctx["last_exit_code"] = code
	}
	return ctx
}
