package health

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type mockPinger struct {
	pingErr error
}

func (m *mockPinger) PingContext(context.Context) error { return m.pingErr }

func (m *mockPinger) Ping(context.Context) error { return m.pingErr }

type mockPolicyChecker struct {
	healthErr error
}

func (m *mockPolicyChecker) HealthCheck(context.Context) error { return m.healthErr }

func TestCheck(t *testing.T) {
	tests := []struct {
		name    string
		checker Checker
		want    Report
	}{
		{
			name:    "nothing configured",
			checker: Checker{},
			want:    Report{Status: StatusServing, Checks: []Check{}},
		},
		{
			name:    "all healthy",
			checker: Checker{DB: &mockPinger{}, API: &mockPinger{}, Policy: &mockPolicyChecker{}},
			want: Report{Status: StatusServing, Checks: []Check{
				{Name: "api"}, {Name: "database"}, {Name: "policy"},
			}},
		},
		{
			name: "database down",
			checker: Checker{
				DB:     &mockPinger{pingErr: errors.New("connection refused")},
				Policy: &mockPolicyChecker{},
			},
			want: Report{Status: StatusNotServing, Checks: []Check{
				{Name: "database", Error: "connection refused"}, {Name: "policy"},
			}},
		},
		{
			name:    "policy broken",
			checker: Checker{Policy: &mockPolicyChecker{healthErr: errors.New("rego: undefined")}},
			want: Report{Status: StatusNotServing, Checks: []Check{
				{Name: "policy", Error: "rego: undefined"},
			}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.checker.Check(context.Background())
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Check (-want +got):\n%s", diff)
			}
		})
	}
}
