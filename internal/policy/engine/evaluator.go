package engine

import (
	"context"
	"slices"
	"strings"
)

// CreditInput is what the credit policy decides on.
type CreditInput struct {
	Email        string
	AdminEmails  []string
	DailyCredits int
	// LastReset is the persisted "YYYY-MM-DD" of the last reset; Today is the current local date.
	LastReset string
	Today     string
}

// CreditDecision is the outcome of credit policy evaluation.
type CreditDecision struct {
	// Unlimited bypasses credit accounting (administrator identity).
	Unlimited bool
	// Allotment is the daily credit count restored on reset.
	Allotment int
	// Reset is true when LastReset is not today.
	Reset bool
}

// CreditEvaluator evaluates the credit policy (admin bypass and daily allotment).
type CreditEvaluator interface {
	EvaluateCredits(ctx context.Context, in CreditInput) (CreditDecision, error)
}

// defaultDecision is the built-in rule set, used when no evaluator is configured or evaluation fails.
func defaultDecision(in CreditInput) CreditDecision {
	allot := in.DailyCredits
	if allot <= 0 {
		allot = defaultAllotment
	}
	email := strings.ToLower(strings.TrimSpace(in.Email))
	unlimited := email != "" && slices.ContainsFunc(in.AdminEmails, func(a string) bool {
		return strings.ToLower(strings.TrimSpace(a)) == email
	})
	return CreditDecision{
		Unlimited: unlimited,
		Allotment: allot,
		Reset:     in.LastReset != in.Today,
	}
}
