package estate

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/nugget/atrium/internal/database"
)

// Store reads and writes estate records. Every query is scoped by org id.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore wraps an open database and creates the schema if needed.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate estate schema: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	return database.Exec(s.db, `
	CREATE TABLE IF NOT EXISTS portfolios (
		id          TEXT PRIMARY KEY,
		org_id      TEXT NOT NULL,
		name        TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		region      TEXT NOT NULL DEFAULT '',
		created_at  TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_portfolios_org ON portfolios(org_id);

	CREATE TABLE IF NOT EXISTS properties (
		id           TEXT PRIMARY KEY,
		org_id       TEXT NOT NULL,
		portfolio_id TEXT NOT NULL,
		name         TEXT NOT NULL,
		type         TEXT NOT NULL,
		status       TEXT NOT NULL,
		address      TEXT NOT NULL DEFAULT '',
		city         TEXT NOT NULL DEFAULT '',
		state        TEXT NOT NULL DEFAULT '',
		square_feet  INTEGER NOT NULL DEFAULT 0,
		custom       TEXT NOT NULL DEFAULT '{}',
		created_at   TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_properties_org ON properties(org_id, portfolio_id);

	CREATE TABLE IF NOT EXISTS spaces (
		id          TEXT PRIMARY KEY,
		org_id      TEXT NOT NULL,
		property_id TEXT NOT NULL,
		name        TEXT NOT NULL,
		floor       INTEGER NOT NULL DEFAULT 0,
		status      TEXT NOT NULL,
		square_feet INTEGER NOT NULL DEFAULT 0,
		asking_rent REAL NOT NULL DEFAULT 0,
		custom      TEXT NOT NULL DEFAULT '{}',
		created_at  TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_spaces_org ON spaces(org_id, property_id);

	CREATE TABLE IF NOT EXISTS tenants (
		id            TEXT PRIMARY KEY,
		org_id        TEXT NOT NULL,
		name          TEXT NOT NULL,
		industry      TEXT NOT NULL DEFAULT '',
		status        TEXT NOT NULL,
		contact_email TEXT NOT NULL DEFAULT '',
		custom        TEXT NOT NULL DEFAULT '{}',
		created_at    TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tenants_org ON tenants(org_id);

	CREATE TABLE IF NOT EXISTS leases (
		id           TEXT PRIMARY KEY,
		org_id       TEXT NOT NULL,
		tenant_id    TEXT NOT NULL,
		space_id     TEXT NOT NULL,
		property_id  TEXT NOT NULL,
		status       TEXT NOT NULL,
		start_date   TEXT NOT NULL,
		end_date     TEXT NOT NULL,
		monthly_rent REAL NOT NULL DEFAULT 0,
		custom       TEXT NOT NULL DEFAULT '{}',
		created_at   TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_leases_org ON leases(org_id, tenant_id);

	CREATE TABLE IF NOT EXISTS audit_log (
		id          TEXT PRIMARY KEY,
		org_id      TEXT NOT NULL,
		user_id     TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id   TEXT NOT NULL,
		action      TEXT NOT NULL,
		summary     TEXT NOT NULL DEFAULT '',
		timestamp   TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_org_time ON audit_log(org_id, timestamp);

	CREATE TABLE IF NOT EXISTS custom_fields (
		org_id      TEXT NOT NULL,
		entity      TEXT NOT NULL,
		name        TEXT NOT NULL,
		type        TEXT NOT NULL,
		picklist    TEXT NOT NULL DEFAULT '[]',
		description TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (org_id, entity, name)
	);
	`)
}

var portfolios = table[Portfolio]{
	name:    "portfolios",
	columns: []string{"id", "org_id", "name", "description", "region", "created_at"},
	filters: map[string]string{"region": "region"},
	search:  []string{"name", "description"},
	order:   "name, id",
	scan: func(r scanner) (Portfolio, error) {
		var p Portfolio
		var created string
		err := r.Scan(&p.ID, &p.OrgID, &p.Name, &p.Description, &p.Region, &created)
		p.CreatedAt = database.ParseTime(created)
		return p, err
	},
	args: func(p Portfolio) []any {
		return []any{p.ID, p.OrgID, p.Name, p.Description, p.Region, database.FormatTime(p.CreatedAt)}
	},
}

var properties = table[Property]{
	name: "properties",
	columns: []string{"id", "org_id", "portfolio_id", "name", "type", "status",
		"address", "city", "state", "square_feet", "custom", "created_at"},
	filters: map[string]string{
		"portfolio_id": "portfolio_id",
		"type":         "type",
		"status":       "status",
		"city":         "city",
		"state":        "state",
	},
	search: []string{"name", "address", "city"},
	order:  "name, id",
	scan: func(r scanner) (Property, error) {
		var p Property
		var custom, created string
		err := r.Scan(&p.ID, &p.OrgID, &p.PortfolioID, &p.Name, &p.Type, &p.Status,
			&p.Address, &p.City, &p.State, &p.SquareFeet, &custom, &created)
		p.Custom = decodeCustom(custom)
		p.CreatedAt = database.ParseTime(created)
		return p, err
	},
	args: func(p Property) []any {
		return []any{p.ID, p.OrgID, p.PortfolioID, p.Name, p.Type, p.Status,
			p.Address, p.City, p.State, p.SquareFeet, encodeCustom(p.Custom), database.FormatTime(p.CreatedAt)}
	},
}

var spaces = table[Space]{
	name: "spaces",
	columns: []string{"id", "org_id", "property_id", "name", "floor", "status",
		"square_feet", "asking_rent", "custom", "created_at"},
	filters: map[string]string{
		"property_id": "property_id",
		"status":      "status",
		"floor":       "floor",
	},
	search: []string{"name"},
	order:  "property_id, floor, name, id",
	scan: func(r scanner) (Space, error) {
		var sp Space
		var custom, created string
		err := r.Scan(&sp.ID, &sp.OrgID, &sp.PropertyID, &sp.Name, &sp.Floor, &sp.Status,
			&sp.SquareFeet, &sp.AskingRent, &custom, &created)
		sp.Custom = decodeCustom(custom)
		sp.CreatedAt = database.ParseTime(created)
		return sp, err
	},
	args: func(sp Space) []any {
		return []any{sp.ID, sp.OrgID, sp.PropertyID, sp.Name, sp.Floor, sp.Status,
			sp.SquareFeet, sp.AskingRent, encodeCustom(sp.Custom), database.FormatTime(sp.CreatedAt)}
	},
}

var tenants = table[Tenant]{
	name:    "tenants",
	columns: []string{"id", "org_id", "name", "industry", "status", "contact_email", "custom", "created_at"},
	filters: map[string]string{"status": "status", "industry": "industry"},
	search:  []string{"name", "industry", "contact_email"},
	order:   "name, id",
	scan: func(r scanner) (Tenant, error) {
		var tn Tenant
		var custom, created string
		err := r.Scan(&tn.ID, &tn.OrgID, &tn.Name, &tn.Industry, &tn.Status, &tn.ContactEmail, &custom, &created)
		tn.Custom = decodeCustom(custom)
		tn.CreatedAt = database.ParseTime(created)
		return tn, err
	},
	args: func(tn Tenant) []any {
		return []any{tn.ID, tn.OrgID, tn.Name, tn.Industry, tn.Status, tn.ContactEmail,
			encodeCustom(tn.Custom), database.FormatTime(tn.CreatedAt)}
	},
}

var leases = table[Lease]{
	name: "leases",
	columns: []string{"id", "org_id", "tenant_id", "space_id", "property_id", "status",
		"start_date", "end_date", "monthly_rent", "custom", "created_at"},
	filters: map[string]string{
		"tenant_id":   "tenant_id",
		"space_id":    "space_id",
		"property_id": "property_id",
		"status":      "status",
	},
	order: "end_date, id",
	scan: func(r scanner) (Lease, error) {
		var l Lease
		var custom, created string
		err := r.Scan(&l.ID, &l.OrgID, &l.TenantID, &l.SpaceID, &l.PropertyID, &l.Status,
			&l.StartDate, &l.EndDate, &l.MonthlyRent, &custom, &created)
		l.Custom = decodeCustom(custom)
		l.CreatedAt = database.ParseTime(created)
		return l, err
	},
	args: func(l Lease) []any {
		return []any{l.ID, l.OrgID, l.TenantID, l.SpaceID, l.PropertyID, l.Status,
			l.StartDate, l.EndDate, l.MonthlyRent, encodeCustom(l.Custom), database.FormatTime(l.CreatedAt)}
	},
}

var auditLog = table[AuditEntry]{
	name:    "audit_log",
	columns: []string{"id", "org_id", "user_id", "entity_type", "entity_id", "action", "summary", "timestamp"},
	filters: map[string]string{
		"user_id":     "user_id",
		"entity_type": "entity_type",
		"entity_id":   "entity_id",
		"action":      "action",
	},
	search:     []string{"summary"},
	timeColumn: "timestamp",
	order:      "timestamp DESC, id",
	scan: func(r scanner) (AuditEntry, error) {
		var a AuditEntry
		var ts string
		err := r.Scan(&a.ID, &a.OrgID, &a.UserID, &a.EntityType, &a.EntityID, &a.Action, &a.Summary, &ts)
		a.Timestamp = database.ParseTime(ts)
		return a, err
	},
	args: func(a AuditEntry) []any {
		return []any{a.ID, a.OrgID, a.UserID, a.EntityType, a.EntityID, a.Action, a.Summary, database.FormatTime(a.Timestamp)}
	},
}

// ListPortfolios returns the org's portfolios matching f.
func (s *Store) ListPortfolios(ctx context.Context, orgID string, f Filter) (*Page[Portfolio], error) {
	return list(ctx, s.db, portfolios, orgID, f)
}

// GetPortfolio returns one portfolio or ErrNotFound.
func (s *Store) GetPortfolio(ctx context.Context, orgID, id string) (*Portfolio, error) {
	return get(ctx, s.db, portfolios, orgID, id)
}

// ListProperties returns the org's properties matching f.
func (s *Store) ListProperties(ctx context.Context, orgID string, f Filter) (*Page[Property], error) {
	return list(ctx, s.db, properties, orgID, f)
}

// GetProperty returns one property or ErrNotFound.
func (s *Store) GetProperty(ctx context.Context, orgID, id string) (*Property, error) {
	return get(ctx, s.db, properties, orgID, id)
}

// ListSpaces returns the org's spaces matching f.
func (s *Store) ListSpaces(ctx context.Context, orgID string, f Filter) (*Page[Space], error) {
	return list(ctx, s.db, spaces, orgID, f)
}

// GetSpace returns one space or ErrNotFound.
func (s *Store) GetSpace(ctx context.Context, orgID, id string) (*Space, error) {
	return get(ctx, s.db, spaces, orgID, id)
}

// ListTenants returns the org's tenants matching f.
func (s *Store) ListTenants(ctx context.Context, orgID string, f Filter) (*Page[Tenant], error) {
	return list(ctx, s.db, tenants, orgID, f)
}

// GetTenant returns one tenant or ErrNotFound.
func (s *Store) GetTenant(ctx context.Context, orgID, id string) (*Tenant, error) {
	return get(ctx, s.db, tenants, orgID, id)
}

// ListLeases returns the org's leases matching f.
func (s *Store) ListLeases(ctx context.Context, orgID string, f Filter) (*Page[Lease], error) {
	return list(ctx, s.db, leases, orgID, f)
}

// GetLease returns one lease or ErrNotFound.
func (s *Store) GetLease(ctx context.Context, orgID, id string) (*Lease, error) {
	return get(ctx, s.db, leases, orgID, id)
}

// QueryAudit returns audit entries, newest first.
func (s *Store) QueryAudit(ctx context.Context, orgID string, f Filter) (*Page[AuditEntry], error) {
	return list(ctx, s.db, auditLog, orgID, f)
}

// FilterFields returns the filterable field names for an entity type.
func FilterFields(entity string) []string {
	var m map[string]string
	switch entity {
	case "portfolio":
		m = portfolios.filters
	case "property":
		m = properties.filters
	case "space":
		m = spaces.filters
	case "tenant":
		m = tenants.filters
	case "lease":
		m = leases.filters
	case "audit":
		m = auditLog.filters
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// stamp fills in the id and creation time of a new record.
func (s *Store) stamp(id *string, created *time.Time) {
	if *id == "" {
		*id = newID()
	}
	if created.IsZero() {
		*created = s.now()
	}
}

// AddPortfolio inserts a portfolio for orgID.
func (s *Store) AddPortfolio(ctx context.Context, orgID string, p *Portfolio) error {
	p.OrgID = orgID
	s.stamp(&p.ID, &p.CreatedAt)
	return insert(ctx, s.db, portfolios, *p)
}

// AddProperty inserts a property for orgID.
func (s *Store) AddProperty(ctx context.Context, orgID string, p *Property) error {
	p.OrgID = orgID
	s.stamp(&p.ID, &p.CreatedAt)
	return insert(ctx, s.db, properties, *p)
}

// AddSpace inserts a space for orgID.
func (s *Store) AddSpace(ctx context.Context, orgID string, sp *Space) error {
	sp.OrgID = orgID
	s.stamp(&sp.ID, &sp.CreatedAt)
	return insert(ctx, s.db, spaces, *sp)
}

// AddTenant inserts a tenant for orgID.
func (s *Store) AddTenant(ctx context.Context, orgID string, tn *Tenant) error {
	tn.OrgID = orgID
	s.stamp(&tn.ID, &tn.CreatedAt)
	return insert(ctx, s.db, tenants, *tn)
}

// AddLease inserts a lease for orgID.
func (s *Store) AddLease(ctx context.Context, orgID string, l *Lease) error {
	l.OrgID = orgID
	s.stamp(&l.ID, &l.CreatedAt)
	return insert(ctx, s.db, leases, *l)
}

// AppendAudit appends an audit entry for orgID.
func (s *Store) AppendAudit(ctx context.Context, orgID string, a *AuditEntry) error {
	a.OrgID = orgID
	s.stamp(&a.ID, &a.Timestamp)
	return insert(ctx, s.db, auditLog, *a)
}

// DefineCustomField creates or replaces a custom field definition.
func (s *Store) DefineCustomField(ctx context.Context, orgID string, f CustomField) error {
	picklist, err := json.Marshal(f.Picklist)
	if err != nil {
		return fmt.Errorf("encode picklist: %w", err)
	}
	if f.Picklist == nil {
		picklist = []byte("[]")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO custom_fields (org_id, entity, name, type, picklist, description)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(org_id, entity, name) DO UPDATE SET
			type = excluded.type, picklist = excluded.picklist, description = excluded.description`,
		orgID, f.Entity, f.Name, f.Type, string(picklist), f.Description)
	if err != nil {
		return fmt.Errorf("define custom field: %w", err)
	}
	return nil
}

// CustomFields returns the org's custom field definitions ordered by
// entity then name.
func (s *Store) CustomFields(ctx context.Context, orgID string) ([]CustomField, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entity, name, type, picklist, description FROM custom_fields
		 WHERE org_id = ? ORDER BY entity, name`, orgID)
	if err != nil {
		return nil, fmt.Errorf("query custom fields: %w", err)
	}
	defer rows.Close()

	var out []CustomField
	for rows.Next() {
		f := CustomField{OrgID: orgID}
		var picklist string
		if err := rows.Scan(&f.Entity, &f.Name, &f.Type, &picklist, &f.Description); err != nil {
			return nil, fmt.Errorf("scan custom field: %w", err)
		}
		if err := json.Unmarshal([]byte(picklist), &f.Picklist); err != nil {
			return nil, fmt.Errorf("decode picklist for %s.%s: %w", f.Entity, f.Name, err)
		}
		if len(f.Picklist) == 0 {
			f.Picklist = nil
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
