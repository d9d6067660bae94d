package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
)

const creditQuery = "data.substrate.credits"

// DefaultCreditPolicy grants unlimited credits to administrator emails and restores the configured daily
// allotment once per calendar day.
const DefaultCreditPolicy = `package substrate.credits

default unlimited := false

unlimited if {
	input.user.email != ""
	some admin in input.admin_emails
	lower(trim_space(admin)) == lower(trim_space(input.user.email))
}

default allotment := 0

allotment := input.daily_credits if input.daily_credits > 0

default reset := false

reset if input.credits.last_reset != input.today
`

// OPAEvaluator evaluates the credit policy using OPA Rego. The query is prepared once.
type OPAEvaluator struct {
	query rego.PreparedEvalQuery
}

// NewOPAEvaluator compiles module (DefaultCreditPolicy when empty).
func NewOPAEvaluator(ctx context.Context, module string) (*OPAEvaluator, error) {
	if module == "" {
		module = DefaultCreditPolicy
	}
	compiler, err := ast.CompileModules(map[string]string{"credits.rego": module})
	if err != nil {
		return nil, fmt.Errorf("compile credit policy: %w", err)
	}
	pq, err := rego.New(
		rego.Query(creditQuery),
		rego.Compiler(compiler),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare credit policy: %w", err)
	}
	return &OPAEvaluator{query: pq}, nil
}

// HealthCheck evaluates the policy against a minimal input.
func (e *OPAEvaluator) HealthCheck(ctx context.Context) error {
	_, err := e.EvaluateCredits(ctx, CreditInput{Today: "1970-01-01"})
	return err
}

// EvaluateCredits runs the policy. Missing or mistyped outputs fall back to the built-in rule for that value.
func (e *OPAEvaluator) EvaluateCredits(ctx context.Context, in CreditInput) (CreditDecision, error) {
	admins := make([]any, len(in.AdminEmails))
	for i, a := range in.AdminEmails {
		admins[i] = a
	}
	input := map[string]any{
		"user":          map[string]any{"email": in.Email},
		"admin_emails":  admins,
		"daily_credits": in.DailyCredits,
		"credits":       map[string]any{"last_reset": in.LastReset},
		"today":         in.Today,
	}
	out := defaultDecision(in)
	rs, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return out, fmt.Errorf("eval credit policy: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return out, fmt.Errorf("credit policy query returned no result")
	}
	doc, ok := rs[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return out, fmt.Errorf("credit policy returned %T", rs[0].Expressions[0].Value)
	}
	if v, ok := doc["unlimited"].(bool); ok {
		out.Unlimited = v
	}
	if v, ok := doc["reset"].(bool); ok {
		out.Reset = v
	}
	if n := toInt(doc["allotment"]); n > 0 {
		out.Allotment = n
	}
	return out, nil
}

func toInt(v any) int {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i)
		}
	case float64:
		return int(n)
	case int64:
		return int(n)
	case int:
		return n
	}
	return 0
}
