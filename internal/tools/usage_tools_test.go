package tools

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nugget/atrium/internal/auth"
	"github.com/nugget/atrium/internal/usage"
)

type fakeReports struct {
	err   error
	orgID string
}

func (f *fakeReports) Summary(_ context.Context, orgID string, _, _ time.Time) (*usage.Summary, error) {
	f.orgID = orgID
	return &usage.Summary{TotalRecords: 3, TotalInputTokens: 1_500_000, TotalOutputTokens: 2500, TotalCostUSD: 1.25}, f.err
}

func (f *fakeReports) SummaryByModel(context.Context, string, time.Time, time.Time) (map[string]*usage.Summary, error) {
	return map[string]*usage.Summary{"claude-sonnet": {TotalRecords: 3, TotalCostUSD: 1.25}}, nil
}

func (f *fakeReports) SummaryByUser(context.Context, string, time.Time, time.Time) (map[string]*usage.Summary, error) {
	return map[string]*usage.Summary{"bob": {TotalRecords: 1}, "alice": {TotalRecords: 2}}, nil
}

func TestUsageSummary(t *testing.T) {
	reports := &fakeReports{}
	r := quietRegistry()
	r.RegisterUsageTools(reports, nil)
	admin := auth.Principal{OrgID: "org-a", UserID: "boss", Role: auth.RoleAdmin}

	res := r.Execute(context.Background(), member, "usage_summary", map[string]any{"period": "week"})
	if !res.Failed() || !strings.Contains(res.Error, "administrators") {
		t.Errorf("member call = %+v, want refusal", res)
	}

	res = r.Execute(context.Background(), admin, "usage_summary", map[string]any{"period": "week", "group_by": "user"})
	if res.Failed() {
		t.Fatal(res.Error)
	}
	out := res.Output.(string)
	for _, want := range []string{"Total requests: 3", "Input tokens: 1.50M", "Output tokens: 2.5K", "$1.2500", "By user:"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Index(out, "alice") > strings.Index(out, "bob") {
		t.Error("groups should be sorted")
	}
	if reports.orgID != "org-a" {
		t.Errorf("queried org %q", reports.orgID)
	}

	reports.err = errors.New("database is locked")
	res = r.Execute(context.Background(), admin, "usage_summary", map[string]any{"period": "all"})
	if !res.Failed() || strings.Contains(res.Error, "locked") {
		t.Errorf("failure = %+v", res)
	}
}

func TestFormatTokenCount(t *testing.T) {
	tests := map[int64]string{0: "0", 999: "999", 1000: "1.0K", 45_600: "45.6K", 2_340_000: "2.34M"}
	for n, want := range tests {
		if got := formatTokenCount(n); got != want {
			t.Errorf("formatTokenCount(%d) = %q, want %q", n, got, want)
		}
	}
}
