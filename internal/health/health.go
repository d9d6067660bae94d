// Package health reports readiness of the substrate's dependencies: the API origin, the remote document
// store, and the credit policy.
package health

import (
	"context"
	"sort"
	"time"
)

const checkTimeout = 5 * time.Second

// Pinger is implemented by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// APIPinger is implemented by *httpnet.Client.
type APIPinger interface {
	Ping(ctx context.Context) error
}

// PolicyChecker is implemented by *engine.OPAEvaluator.
type PolicyChecker interface {
	HealthCheck(ctx context.Context) error
}

// Status is the overall readiness.
type Status string

const (
	StatusServing    Status = "SERVING"
	StatusNotServing Status = "NOT_SERVING"
)

// Check is one dependency's result. Error is empty when healthy.
type Check struct {
	Name  string `json:"name"`
	Error string `json:"error,omitempty"`
}

// Report is the result of Checker.Check.
type Report struct {
	Status Status  `json:"status"`
	Checks []Check `json:"checks"`
}

// Checker runs the configured checks. Nil dependencies are skipped.
type Checker struct {
	DB     Pinger
	API    APIPinger
	Policy PolicyChecker
}

// Check runs every configured check. Status is NOT_SERVING when any check fails.
func (c Checker) Check(ctx context.Context) Report {
	r := Report{Status: StatusServing, Checks: []Check{}}
	run := func(name string, f func(context.Context) error) {
		cctx, cancel := context.WithTimeout(ctx, checkTimeout)
		defer cancel()
		chk := Check{Name: name}
		if err := f(cctx); err != nil {
			chk.Error = err.Error()
			r.Status = StatusNotServing
		}
		r.Checks = append(r.Checks, chk)
	}
	if c.API != nil {
		run("api", c.API.Ping)
	}
	if c.DB != nil {
		run("database", c.DB.PingContext)
	}
	if c.Policy != nil {
		run("policy", c.Policy.HealthCheck)
	}
	sort.Slice(r.Checks, func(i, j int) bool { return r.Checks[i].Name < r.Checks[j].Name })
	return r
}
