package estate

import (
	"context"
	"sort"

	"github.com/nugget/atrium/internal/schema"
)

// builtin lists the fixed fields of every entity type.
func builtin() []schema.Entity {
	return []schema.Entity{
		{Name: "portfolio", Label: "Portfolio", Fields: []schema.Field{
			{Name: "id", Type: "id", Required: true},
			{Name: "name", Type: "string", Required: true},
			{Name: "description", Type: "string"},
			{Name: "region", Type: "string"},
		}},
		{Name: "property", Label: "Property", Fields: []schema.Field{
			{Name: "id", Type: "id", Required: true},
			{Name: "portfolio_id", Type: "id", Required: true, Description: "owning portfolio"},
			{Name: "name", Type: "string", Required: true},
			{Name: "type", Type: "string", Required: true, Picklist: PropertyTypes},
			{Name: "status", Type: "string", Required: true, Picklist: PropertyStatuses},
			{Name: "address", Type: "string"},
			{Name: "city", Type: "string"},
			{Name: "state", Type: "string"},
			{Name: "square_feet", Type: "integer", Description: "rentable area"},
		}},
		{Name: "space", Label: "Space", Fields: []schema.Field{
			{Name: "id", Type: "id", Required: true},
			{Name: "property_id", Type: "id", Required: true},
			{Name: "name", Type: "string", Required: true},
			{Name: "floor", Type: "integer"},
			{Name: "status", Type: "string", Required: true, Picklist: SpaceStatuses},
			{Name: "square_feet", Type: "integer"},
			{Name: "asking_rent", Type: "number", Description: "monthly, USD"},
		}},
		{Name: "tenant", Label: "Tenant", Fields: []schema.Field{
			{Name: "id", Type: "id", Required: true},
			{Name: "name", Type: "string", Required: true},
			{Name: "industry", Type: "string"},
			{Name: "status", Type: "string", Required: true, Picklist: TenantStatuses},
			{Name: "contact_email", Type: "string"},
		}},
		{Name: "lease", Label: "Lease", Fields: []schema.Field{
			{Name: "id", Type: "id", Required: true},
			{Name: "tenant_id", Type: "id", Required: true},
			{Name: "space_id", Type: "id", Required: true},
			{Name: "property_id", Type: "id", Required: true},
			{Name: "status", Type: "string", Required: true, Picklist: LeaseStatuses},
			{Name: "start_date", Type: "date", Required: true},
			{Name: "end_date", Type: "date", Required: true},
			{Name: "monthly_rent", Type: "number", Description: "USD"},
		}},
		{Name: "audit", Label: "Audit log entry", Fields: []schema.Field{
			{Name: "user_id", Type: "id"},
			{Name: "entity_type", Type: "string"},
			{Name: "entity_id", Type: "id"},
			{Name: "action", Type: "string", Picklist: []string{"create", "update", "delete"}},
			{Name: "summary", Type: "string"},
			{Name: "timestamp", Type: "datetime"},
		}},
	}
}

// Describe returns the org's data model: the built-in entities with the
// org's custom fields appended to each. It implements schema.Source.
func (s *Store) Describe(ctx context.Context, orgID string) (*schema.Snapshot, error) {
	custom, err := s.CustomFields(ctx, orgID)
	if err != nil {
		return nil, err
	}
	byEntity := make(map[string][]schema.Field)
	for _, f := range custom {
		byEntity[f.Entity] = append(byEntity[f.Entity], schema.Field{
			Name:        f.Name,
			Type:        f.Type,
			Picklist:    f.Picklist,
			Custom:      true,
			Description: f.Description,
		})
	}

	entities := builtin()
	for i := range entities {
		extra := byEntity[entities[i].Name]
		sort.Slice(extra, func(a, b int) bool { return extra[a].Name < extra[b].Name })
		entities[i].Fields = append(entities[i].Fields, extra...)
	}
	return &schema.Snapshot{OrgID: orgID, Entities: entities, CapturedAt: s.now()}, nil
}
