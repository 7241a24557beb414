package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/nugget/atrium/internal/auth"
	"github.com/nugget/atrium/internal/estate"
	"github.com/nugget/atrium/internal/schema"
)

// MaxListLimit caps every list tool.
const MaxListLimit = 100

// Records is the org-scoped data access the estate tools need.
type Records interface {
	ListPortfolios(ctx context.Context, orgID string, f estate.Filter) (*estate.Page[estate.Portfolio], error)
	GetPortfolio(ctx context.Context, orgID, id string) (*estate.Portfolio, error)
	ListProperties(ctx context.Context, orgID string, f estate.Filter) (*estate.Page[estate.Property], error)
	GetProperty(ctx context.Context, orgID, id string) (*estate.Property, error)
	ListSpaces(ctx context.Context, orgID string, f estate.Filter) (*estate.Page[estate.Space], error)
	GetSpace(ctx context.Context, orgID, id string) (*estate.Space, error)
	ListTenants(ctx context.Context, orgID string, f estate.Filter) (*estate.Page[estate.Tenant], error)
	GetTenant(ctx context.Context, orgID, id string) (*estate.Tenant, error)
	ListLeases(ctx context.Context, orgID string, f estate.Filter) (*estate.Page[estate.Lease], error)
	GetLease(ctx context.Context, orgID, id string) (*estate.Lease, error)
	QueryAudit(ctx context.Context, orgID string, f estate.Filter) (*estate.Page[estate.AuditEntry], error)
}

// Schemas returns the cached data model for an org.
type Schemas interface {
	Get(ctx context.Context, orgID string) (*schema.Snapshot, error)
}

type entitySpec[T any] struct {
	entity       string
	plural       string
	defaultLimit int
	describe     string
	enums        map[string][]string
	integers     map[string]bool
	list         func(ctx context.Context, orgID string, f estate.Filter) (*estate.Page[T], error)
	get          func(ctx context.Context, orgID, id string) (*T, error)
}

// RegisterEstateTools adds the list/get tools for every entity type, the
// audit log query and schema introspection.
func (r *Registry) RegisterEstateTools(records Records, schemas Schemas) {
	registerEntity(r, entitySpec[estate.Portfolio]{
		entity: "portfolio", plural: "portfolios", defaultLimit: 10,
		describe: "Portfolios group properties by strategy or region.",
		list:     records.ListPortfolios, get: records.GetPortfolio,
	})
	registerEntity(r, entitySpec[estate.Property]{
		entity: "property", plural: "properties", defaultLimit: 25,
		describe: "Properties are buildings or sites, each in one portfolio.",
		enums:    map[string][]string{"type": estate.PropertyTypes, "status": estate.PropertyStatuses},
		list:     records.ListProperties, get: records.GetProperty,
	})
	registerEntity(r, entitySpec[estate.Space]{
		entity: "space", plural: "spaces", defaultLimit: 50,
		describe: "Spaces are leasable suites within a property. Filter status=vacant to find vacancies.",
		enums:    map[string][]string{"status": estate.SpaceStatuses},
		integers: map[string]bool{"floor": true},
		list:     records.ListSpaces, get: records.GetSpace,
	})
	registerEntity(r, entitySpec[estate.Tenant]{
		entity: "tenant", plural: "tenants", defaultLimit: 25,
		describe: "Tenants are companies that lease or may lease space.",
		enums:    map[string][]string{"status": estate.TenantStatuses},
		list:     records.ListTenants, get: records.GetTenant,
	})
	registerEntity(r, entitySpec[estate.Lease]{
		entity: "lease", plural: "leases", defaultLimit: 25,
		describe: "Leases bind a tenant to a space for a term, ordered by end date.",
		enums:    map[string][]string{"status": estate.LeaseStatuses},
		list:     records.ListLeases, get: records.GetLease,
	})
	r.registerAudit(records)
	r.registerDescribeSchema(schemas)
}

func listSchema(entity string, defaultLimit int, enums map[string][]string, integers map[string]bool) Schema {
	props := map[string]Property{
		"search": String("Case-insensitive substring match on name-like fields."),
		"limit":  Integer(fmt.Sprintf("Maximum results to return (default %d, max %d).", defaultLimit, MaxListLimit), 1, MaxListLimit),
		"offset": Integer("Number of results to skip, for paging.", 0, 1e6),
	}
	for _, field := range estate.FilterFields(entity) {
		switch {
		case len(enums[field]) > 0:
			props[field] = Enum("Exact match on "+field+".", enums[field]...)
		case integers[field]:
			props[field] = Integer("Exact match on "+field+".", -1000, 1000)
		default:
			props[field] = String("Exact match on " + field + ".")
		}
	}
	return Schema{Properties: props}
}

func listFilter(entity string, args map[string]any, defaultLimit int) estate.Filter {
	f := estate.Filter{
		Search: argString(args, "search"),
		Limit:  min(argInt(args, "limit", defaultLimit), MaxListLimit),
		Offset: argInt(args, "offset", 0),
	}
	for _, field := range estate.FilterFields(entity) {
		v, ok := args[field]
		if !ok {
			continue
		}
		if f.Equals == nil {
			f.Equals = make(map[string]string)
		}
		switch x := v.(type) {
		case string:
			f.Equals[field] = x
		default:
			f.Equals[field] = strconv.Itoa(argInt(args, field, 0))
		}
	}
	return f
}

func registerEntity[T any](r *Registry, spec entitySpec[T]) {
	log := r.logger

	r.Register(&Tool{
		Name: "list_" + spec.plural,
		Description: fmt.Sprintf("List %s in the user's organization. %s Returns {items, total}; total counts all matches even when items is capped.",
			spec.plural, spec.describe),
		Input: listSchema(spec.entity, spec.defaultLimit, spec.enums, spec.integers),
		Handler: func(ctx context.Context, p auth.Principal, args map[string]any) Result {
			page, err := spec.list(ctx, p.OrgID, listFilter(spec.entity, args, spec.defaultLimit))
			if err != nil {
				return downstreamFailure(ctx, log, "list_"+spec.plural, spec.plural, err)
			}
			return OK(page)
		},
	})

	r.Register(&Tool{
		Name:        "get_" + spec.entity,
		Description: fmt.Sprintf("Get one %s by id, with all of its fields including custom fields.", spec.entity),
		Input: Schema{
			Properties: map[string]Property{"id": String("The " + spec.entity + " id.")},
			Required:   []string{"id"},
		},
		Handler: func(ctx context.Context, p auth.Principal, args map[string]any) Result {
			id := argString(args, "id")
			item, err := spec.get(ctx, p.OrgID, id)
			if errors.Is(err, estate.ErrNotFound) {
				return Fail(fmt.Sprintf("%s %q not found", spec.entity, id))
			}
			if err != nil {
				return downstreamFailure(ctx, log, "get_"+spec.entity, spec.entity, err)
			}
			return OK(item)
		},
	})
}

// downstreamFailure logs the real cause and gives the model a message it
// can relay without exposing internals.
func downstreamFailure(ctx context.Context, log *slog.Logger, tool, what string, err error) Result {
	if errors.Is(err, estate.ErrUnknownFilter) {
		return Fail(err.Error())
	}
	log.ErrorContext(ctx, "tool data access failed", "tool", tool, "error", err)
	return Fail(fmt.Sprintf("could not load %s: the data service is unavailable right now", what))
}

func (r *Registry) registerAudit(records Records) {
	r.Register(&Tool{
		Name:        "query_audit_log",
		Description: "Search the organization's audit log of record changes, newest first. Dates accept RFC 3339 timestamps or YYYY-MM-DD.",
		Input: Schema{Properties: map[string]Property{
			"user_id":     String("Only changes made by this user."),
			"entity_type": Enum("Only changes to this entity type.", "portfolio", "property", "space", "tenant", "lease"),
			"entity_id":   String("Only changes to this record."),
			"action":      Enum("Only this kind of change.", "create", "update", "delete"),
			"since":       String("Inclusive lower bound on the change time."),
			"until":       String("Exclusive upper bound on the change time."),
			"search":      String("Substring match on the change summary."),
			"limit":       Integer(fmt.Sprintf("Maximum entries (default 20, max %d).", MaxListLimit), 1, MaxListLimit),
			"offset":      Integer("Entries to skip.", 0, 1e6),
		}},
		Handler: func(ctx context.Context, p auth.Principal, args map[string]any) Result {
			f := listFilter("audit", args, 20)
			var err error
			if f.Since, err = parseWhen(argString(args, "since")); err != nil {
				return Fail("since: " + err.Error())
			}
			if f.Until, err = parseWhen(argString(args, "until")); err != nil {
				return Fail("until: " + err.Error())
			}
			page, err := records.QueryAudit(ctx, p.OrgID, f)
			if err != nil {
				return downstreamFailure(ctx, r.logger, "query_audit_log", "the audit log", err)
			}
			return OK(page)
		},
	})
}

func parseWhen(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("%q is not a date (use YYYY-MM-DD or RFC 3339)", s)
}

func (r *Registry) registerDescribeSchema(schemas Schemas) {
	r.Register(&Tool{
		Name:        "describe_schema",
		Description: "Describe the organization's data model: entity types, fields, allowed values and custom fields. Takes no input.",
		Input:       Schema{Properties: map[string]Property{}},
		Handler: func(ctx context.Context, p auth.Principal, _ map[string]any) Result {
			snap, err := schemas.Get(ctx, p.OrgID)
			if err != nil {
				return downstreamFailure(ctx, r.logger, "describe_schema", "the data model", err)
			}
			return OK(map[string]any{"entities": snap.Entities})
		},
	})
}
