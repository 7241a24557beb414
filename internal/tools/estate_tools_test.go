package tools

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nugget/atrium/internal/auth"
	"github.com/nugget/atrium/internal/database"
	"github.com/nugget/atrium/internal/estate"
	"github.com/nugget/atrium/internal/schema"
)

func estateRegistry(t *testing.T) (*Registry, *estate.Store) {
	t.Helper()
	db, err := database.Open(database.DriverPure, filepath.Join(t.TempDir(), "estate.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	store, err := estate.NewStore(db)
	if err != nil {
		t.Fatal(err)
	}
	r := quietRegistry()
	r.RegisterEstateTools(store, schema.NewCache(store, time.Minute))
	return r, store
}

func TestEstateTools_OrgScoped(t *testing.T) {
	r, store := estateRegistry(t)
	ctx := context.Background()

	secret := &estate.Space{Name: "Suite 900", Status: "vacant", Floor: 9}
	if err := store.AddSpace(ctx, "org-a", secret); err != nil {
		t.Fatal(err)
	}
	mine := &estate.Space{Name: "Suite 100", Status: "vacant", Floor: 1}
	if err := store.AddSpace(ctx, "org-b", mine); err != nil {
		t.Fatal(err)
	}
	orgB := auth.Principal{OrgID: "org-b", UserID: "u9", Role: auth.RoleMember}

	res := r.Execute(ctx, orgB, "get_space", map[string]any{"id": secret.ID})
	if !res.Failed() || !strings.Contains(res.Error, "not found") {
		t.Errorf("cross-org get = %+v, want not found", res)
	}

	res = r.Execute(ctx, orgB, "list_spaces", map[string]any{"status": "vacant"})
	if res.Failed() {
		t.Fatalf("list_spaces: %s", res.Error)
	}
	page := res.Output.(*estate.Page[estate.Space])
	if page.Total != 1 || page.Items[0].ID != mine.ID {
		t.Errorf("list_spaces = %+v, want only org-b's space", page)
	}
	if strings.Contains(res.String(), "org-a") {
		t.Error("result leaks another org")
	}

	res = r.Execute(ctx, orgB, "list_spaces", map[string]any{"floor": 1.0})
	if res.Failed() || res.Output.(*estate.Page[estate.Space]).Total != 1 {
		t.Errorf("floor filter = %+v", res)
	}
}

func TestEstateTools_DescribeSchema(t *testing.T) {
	r, _ := estateRegistry(t)
	res := r.Execute(context.Background(), member, "describe_schema", nil)
	if res.Failed() {
		t.Fatal(res.Error)
	}
	if !strings.Contains(res.String(), `"space"`) {
		t.Errorf("describe_schema = %s", res.String())
	}
}

func TestEstateTools_Registered(t *testing.T) {
	r, _ := estateRegistry(t)
	want := []string{
		"describe_schema",
		"get_lease", "get_portfolio", "get_property", "get_space", "get_tenant",
		"list_leases", "list_portfolios", "list_properties", "list_spaces", "list_tenants",
		"query_audit_log",
	}
	if got := strings.Join(r.Names(), ","); got != strings.Join(want, ",") {
		t.Errorf("Names() = %s", got)
	}
}

// fakeRecords records the last filter and fails every call with err.
type fakeRecords struct {
	err  error
	last estate.Filter
}

func (f *fakeRecords) ListPortfolios(_ context.Context, _ string, fl estate.Filter) (*estate.Page[estate.Portfolio], error) {
	f.last = fl
	return &estate.Page[estate.Portfolio]{Items: []estate.Portfolio{}}, f.err
}
func (f *fakeRecords) GetPortfolio(context.Context, string, string) (*estate.Portfolio, error) {
	return nil, f.err
}
func (f *fakeRecords) ListProperties(_ context.Context, _ string, fl estate.Filter) (*estate.Page[estate.Property], error) {
	f.last = fl
	return &estate.Page[estate.Property]{Items: []estate.Property{}}, f.err
}
func (f *fakeRecords) GetProperty(context.Context, string, string) (*estate.Property, error) {
	return nil, f.err
}
func (f *fakeRecords) ListSpaces(_ context.Context, _ string, fl estate.Filter) (*estate.Page[estate.Space], error) {
	f.last = fl
	return &estate.Page[estate.Space]{Items: []estate.Space{}}, f.err
}
func (f *fakeRecords) GetSpace(context.Context, string, string) (*estate.Space, error) {
	return nil, f.err
}
func (f *fakeRecords) ListTenants(_ context.Context, _ string, fl estate.Filter) (*estate.Page[estate.Tenant], error) {
	f.last = fl
	return &estate.Page[estate.Tenant]{Items: []estate.Tenant{}}, f.err
}
func (f *fakeRecords) GetTenant(context.Context, string, string) (*estate.Tenant, error) {
	return nil, f.err
}
func (f *fakeRecords) ListLeases(_ context.Context, _ string, fl estate.Filter) (*estate.Page[estate.Lease], error) {
	f.last = fl
	return &estate.Page[estate.Lease]{Items: []estate.Lease{}}, f.err
}
func (f *fakeRecords) GetLease(context.Context, string, string) (*estate.Lease, error) {
	return nil, f.err
}
func (f *fakeRecords) QueryAudit(_ context.Context, _ string, fl estate.Filter) (*estate.Page[estate.AuditEntry], error) {
	f.last = fl
	return &estate.Page[estate.AuditEntry]{Items: []estate.AuditEntry{}}, f.err
}

type fixedSchemas struct{ err error }

func (s fixedSchemas) Get(_ context.Context, orgID string) (*schema.Snapshot, error) {
	return &schema.Snapshot{OrgID: orgID}, s.err
}

func TestEstateTools_DefaultLimits(t *testing.T) {
	tests := []struct {
		tool string
		args map[string]any
		want int
	}{
		{"list_portfolios", nil, 10},
		{"list_properties", nil, 25},
		{"list_spaces", nil, 50},
		{"list_tenants", nil, 25},
		{"list_leases", nil, 25},
		{"query_audit_log", nil, 20},
		{"list_spaces", map[string]any{"limit": 100.0}, 100},
		{"list_spaces", map[string]any{"limit": 3.0}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.tool, func(t *testing.T) {
			rec := &fakeRecords{}
			r := quietRegistry()
			r.RegisterEstateTools(rec, fixedSchemas{})
			if res := r.Execute(context.Background(), member, tt.tool, tt.args); res.Failed() {
				t.Fatal(res.Error)
			}
			if rec.last.Limit != tt.want {
				t.Errorf("Limit = %d, want %d", rec.last.Limit, tt.want)
			}
		})
	}
}

func TestEstateTools_DownstreamFailureIsGeneric(t *testing.T) {
	rec := &fakeRecords{err: errors.New("dial tcp 10.0.0.3:5432: connection refused")}
	r := quietRegistry()
	r.RegisterEstateTools(rec, fixedSchemas{err: rec.err})

	for _, tool := range []string{"list_spaces", "get_lease", "query_audit_log", "describe_schema"} {
		args := map[string]any{}
		if strings.HasPrefix(tool, "get_") {
			args["id"] = "l1"
		}
		res := r.Execute(context.Background(), member, tool, args)
		if !res.Failed() {
			t.Errorf("%s: expected failure", tool)
			continue
		}
		if strings.Contains(res.Error, "10.0.0.3") {
			t.Errorf("%s leaks the cause: %s", tool, res.Error)
		}
		if !strings.Contains(res.Error, "unavailable") {
			t.Errorf("%s: error = %q", tool, res.Error)
		}
	}
}

func TestQueryAuditLog_Bounds(t *testing.T) {
	rec := &fakeRecords{}
	r := quietRegistry()
	r.RegisterEstateTools(rec, fixedSchemas{})

	res := r.Execute(context.Background(), member, "query_audit_log", map[string]any{
		"since": "2026-01-01", "until": "2026-02-01T00:00:00Z", "action": "update",
	})
	if res.Failed() {
		t.Fatal(res.Error)
	}
	if rec.last.Since.Format(time.DateOnly) != "2026-01-01" || rec.last.Until.Month() != time.February {
		t.Errorf("bounds = %v..%v", rec.last.Since, rec.last.Until)
	}
	if rec.last.Equals["action"] != "update" {
		t.Errorf("Equals = %v", rec.last.Equals)
	}

	res = r.Execute(context.Background(), member, "query_audit_log", map[string]any{"since": "last tuesday"})
	if !res.Failed() || !strings.Contains(res.Error, "since") {
		t.Errorf("bad date = %+v", res)
	}
}
